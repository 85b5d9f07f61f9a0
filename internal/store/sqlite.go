package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/emotionlistener/emotion-listener/internal/domain"
	_ "modernc.org/sqlite"
)

// maxWriteAttempts bounds retries of writes that hit SQLITE_BUSY.
const maxWriteAttempts = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen_at);

	CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		initial_query TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		messages_json TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_user ON transcripts(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_transcripts_updated ON transcripts(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff while SQLite reports
// a lock conflict.
func withRetry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if isConflict(err) {
			slog.Debug("SQLite busy, retrying", "op", op, "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     50 * time.Millisecond,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         500 * time.Millisecond,
		}),
		backoff.WithMaxTries(maxWriteAttempts),
	)
	return err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	err := withRetry(ctx, "upsert_user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`

	var rows int64
	err := withRetry(ctx, "update_last_seen", func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// SaveTranscript creates or replaces an archived transcript.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, rec *domain.TranscriptRecord) error {
	query := `
	INSERT INTO transcripts (
		id, user_id, session_id, phase, initial_query, result,
		messages_json, message_count, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		phase = excluded.phase,
		initial_query = excluded.initial_query,
		result = excluded.result,
		messages_json = excluded.messages_json,
		message_count = excluded.message_count,
		updated_at = excluded.updated_at`

	err := withRetry(ctx, "save_transcript", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.UserID, rec.SessionID, string(rec.Phase),
			rec.InitialQuery, rec.Result, rec.MessagesJSON, rec.MessageCount,
			rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// ListTranscripts returns a user's archived transcripts, newest first.
func (s *SQLiteStore) ListTranscripts(ctx context.Context, userID string, limit int) ([]*domain.TranscriptRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, user_id, session_id, phase, initial_query, result,
		       messages_json, message_count, created_at, updated_at
		FROM transcripts WHERE user_id = ?
		ORDER BY updated_at DESC, created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var out []*domain.TranscriptRecord
	for rows.Next() {
		var rec domain.TranscriptRecord
		var phase string
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.SessionID, &phase, &rec.InitialQuery, &rec.Result,
			&rec.MessagesJSON, &rec.MessageCount, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		rec.Phase = domain.Phase(phase)
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}

// CleanupExpiredTranscripts removes transcripts older than ttl.
func (s *SQLiteStore) CleanupExpiredTranscripts(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()

	var deleted int64
	err := withRetry(ctx, "cleanup_transcripts", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE updated_at < ?`, threshold)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired transcripts: %w", err)
	}
	return deleted, nil
}

// DeleteInactiveUsers removes idle users that no longer own transcripts.
func (s *SQLiteStore) DeleteInactiveUsers(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		DELETE FROM users
		WHERE last_seen_at < ?
		  AND NOT EXISTS (SELECT 1 FROM transcripts t WHERE t.user_id = users.user_id)`

	var deleted int64
	err := withRetry(ctx, "delete_inactive_users", func() error {
		result, err := s.db.ExecContext(ctx, query, threshold)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete inactive users: %w", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
