// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/emotionlistener/emotion-listener/internal/domain"
)

// Repository defines the interface for persisting users and archived transcripts.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// SaveTranscript creates or replaces an archived transcript.
	SaveTranscript(ctx context.Context, rec *domain.TranscriptRecord) error

	// ListTranscripts returns a user's archived transcripts, newest first.
	ListTranscripts(ctx context.Context, userID string, limit int) ([]*domain.TranscriptRecord, error)

	// CleanupExpiredTranscripts removes transcripts not updated within ttl.
	CleanupExpiredTranscripts(ctx context.Context, ttl time.Duration) (int64, error)

	// DeleteInactiveUsers removes users idle for longer than ttl that own no transcripts.
	DeleteInactiveUsers(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
