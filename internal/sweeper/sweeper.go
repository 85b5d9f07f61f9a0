// Package sweeper enforces the retention of archived transcripts and idle
// anonymous users.
package sweeper

import (
	"context"
	"log/slog"
	"time"
)

const defaultInterval = 5 * time.Minute

// Store is the subset of the repository the sweeper needs.
type Store interface {
	CleanupExpiredTranscripts(ctx context.Context, ttl time.Duration) (int64, error)
	DeleteInactiveUsers(ctx context.Context, ttl time.Duration) (int64, error)
}

// Result reports what one sweep removed.
type Result struct {
	Transcripts int64
	Users       int64
}

// Run sweeps every interval until ctx is cancelled. It always returns nil so
// it can run inside an errgroup without tearing the server down.
func Run(ctx context.Context, repo Store, retention, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Retention sweeper started", "interval", interval, "retention", retention)

	// First pass immediately so a restart after downtime does not wait an interval.
	Sweep(ctx, repo, retention)

	for {
		select {
		case <-ticker.C:
			Sweep(ctx, repo, retention)
		case <-ctx.Done():
			slog.Info("Retention sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs a single retention pass. Transcripts go first so users whose
// last transcript just expired are removed in the same pass.
func Sweep(ctx context.Context, repo Store, retention time.Duration) Result {
	var res Result

	deleted, err := repo.CleanupExpiredTranscripts(ctx, retention)
	if err != nil {
		slog.Error("Sweeper failed to cleanup expired transcripts", "error", err)
	} else {
		res.Transcripts = deleted
	}

	users, err := repo.DeleteInactiveUsers(ctx, retention)
	if err != nil {
		slog.Error("Sweeper failed to delete inactive users", "error", err)
	} else {
		res.Users = users
	}

	if res.Transcripts > 0 || res.Users > 0 {
		slog.Info("Sweeper cleanup completed", "transcripts", res.Transcripts, "users", res.Users)
	}
	return res
}
