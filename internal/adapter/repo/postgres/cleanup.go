package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Tx is the minimal transaction surface CleanupService needs, satisfied by
// pgx.Tx.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts transactions, satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// poolBeginner adapts *pgxpool.Pool (whose Begin returns a concrete pgx.Tx)
// to the Beginner interface above.
type poolBeginner struct{ pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
} }

func (p poolBeginner) Begin(ctx context.Context) (Tx, error) { return p.pool.Begin(ctx) }

// CleanupService handles data retention and cleanup.
type CleanupService struct {
	Beginner      Beginner
	RetentionDays int
}

// NewCleanupService creates a new cleanup service. pool may be any type
// exposing Begin(ctx) (pgx.Tx, error), such as *pgxpool.Pool, or a Beginner
// directly (as used by tests).
func NewCleanupService(pool any, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	var b Beginner
	switch v := pool.(type) {
	case Beginner:
		b = v
	case interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	}:
		b = poolBeginner{pool: v}
	}
	return &CleanupService{Beginner: b, RetentionDays: retentionDays}
}

// CleanupOldData removes jobs (and their cascaded tasks/payloads/decisions)
// older than the retention period. Jobs are never deleted within their
// active lifetime; this sweep only reaps rows past the operational
// retention window.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// text_data/image_data/job_tasks/moderation_decisions all cascade
	// from moderation_jobs via ON DELETE CASCADE.
	var deletedJobs int64
	err = tx.QueryRow(ctx, `
		DELETE FROM moderation_jobs
		WHERE created_at < $1
		RETURNING count(*)
	`, cutoff).Scan(&deletedJobs)
	if err != nil {
		slog.Debug("no jobs to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
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
