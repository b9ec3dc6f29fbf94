package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService enforces data retention on webhook events and resolved
// failed-commit records. Jobs and results are kept indefinitely; they are the
// product of the system, not its exhaust.
type CleanupService struct {
	Pool          *pgxpool.Pool
	RetentionDays int
}

// NewCleanupService creates a cleanup service with the given retention window.
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes records older than the retention window.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	eventsTag, err := s.Pool.Exec(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.webhook_events: %w", err)
	}

	resolvedTag, err := s.Pool.Exec(ctx, `DELETE FROM failed_commits WHERE disposition = 'resolved' AND resolved_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.failed_commits: %w", err)
	}

	// Expired lock rows are normally taken over in place; sweep any stragglers
	// older than the window so the table never accumulates dead instances.
	locksTag, err := s.Pool.Exec(ctx, `DELETE FROM instance_locks WHERE expires_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.instance_locks: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_webhook_events", eventsTag.RowsAffected()),
		slog.Int64("deleted_failed_commits", resolvedTag.RowsAffected()),
		slog.Int64("deleted_stale_locks", locksTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup on a fixed interval until the context ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
