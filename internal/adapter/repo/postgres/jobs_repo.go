// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
)

// JobRepo persists and loads moderation jobs and their modality payloads
// from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a job if it is not already present; a unique-violation on
// the correlation id is treated as success, since seeding is idempotent
// under at-least-once redelivery.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "moderation_jobs"),
	)
	now := time.Now().UTC()
	q := `INSERT INTO moderation_jobs (correlating_id, content_id, submitter_id, status, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (correlating_id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, j.CorrelatingID, nullIfEmpty(j.ContentID), nullIfEmpty(j.SubmitterID), j.Status, now, now)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// UpdateStatus transitions a job's lifecycle state with explicit
// transaction management.
func (r *JobRepo) UpdateStatus(ctx domain.Context, cid string, status domain.JobStatus) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "moderation_jobs"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		slog.Error("failed to begin transaction for job status update",
			slog.String("correlating_id", cid), slog.Any("error", err))
		return fmt.Errorf("op=job.update_status.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.Error("failed to rollback transaction", slog.String("correlating_id", cid), slog.Any("error", rbErr))
			}
		}
	}()

	q := `UPDATE moderation_jobs SET status=$2, updated_at=$3 WHERE correlating_id=$1`
	result, err := tx.Exec(ctx, q, cid, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.update_status.exec: %w", err)
	}
	if result.RowsAffected() == 0 {
		slog.Warn("job status update affected 0 rows - job may not exist", slog.String("correlating_id", cid))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.update_status.commit: %w", err)
	}
	committed = true
	return nil
}

// Get loads a job by correlation id.
func (r *JobRepo) Get(ctx domain.Context, cid string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "moderation_jobs"),
	)
	q := `SELECT correlating_id, COALESCE(content_id,''), COALESCE(submitter_id,''), status, created_at, updated_at FROM moderation_jobs WHERE correlating_id=$1`
	row := r.Pool.QueryRow(ctx, q, cid)
	var j domain.Job
	if err := row.Scan(&j.CorrelatingID, &j.ContentID, &j.SubmitterID, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// UpsertTextPayload stores the text content for a job.
func (r *JobRepo) UpsertTextPayload(ctx domain.Context, p domain.TextPayload) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpsertTextPayload")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", "text_data"))
	q := `INSERT INTO text_data (correlating_id, text_excerpt, created_at) VALUES ($1,$2,$3)
	ON CONFLICT (correlating_id) DO UPDATE SET text_excerpt=EXCLUDED.text_excerpt`
	_, err := r.Pool.Exec(ctx, q, p.CorrelatingID, p.TextExcerpt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.upsert_text_payload: %w", err)
	}
	return nil
}

// UpsertImagePayload stores the image reference for a job.
func (r *JobRepo) UpsertImagePayload(ctx domain.Context, p domain.ImagePayload) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpsertImagePayload")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", "image_data"))
	q := `INSERT INTO image_data (correlating_id, image_uri, created_at) VALUES ($1,$2,$3)
	ON CONFLICT (correlating_id) DO UPDATE SET image_uri=EXCLUDED.image_uri`
	_, err := r.Pool.Exec(ctx, q, p.CorrelatingID, p.ImageURI, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.upsert_image_payload: %w", err)
	}
	return nil
}

// HasTextPayload reports whether a text payload exists for the job.
func (r *JobRepo) HasTextPayload(ctx domain.Context, cid string) (bool, error) {
	return r.exists(ctx, "text_data", cid, "jobs.HasTextPayload")
}

// HasImagePayload reports whether an image payload exists for the job.
func (r *JobRepo) HasImagePayload(ctx domain.Context, cid string) (bool, error) {
	return r.exists(ctx, "image_data", cid, "jobs.HasImagePayload")
}

func (r *JobRepo) exists(ctx domain.Context, table, cid, spanName string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", table))
	q := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE correlating_id=$1)`, table)
	row := r.Pool.QueryRow(ctx, q, cid)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("op=job.%s: %w", table, err)
	}
	return exists, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
