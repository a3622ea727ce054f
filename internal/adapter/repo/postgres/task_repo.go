package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
)

// TaskRepo persists and loads fanned-out job tasks from PostgreSQL.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// InsertIfAbsent creates a pending task for (cid, eventName) unless one
// already exists; idempotent under redelivery.
func (r *TaskRepo) InsertIfAbsent(ctx domain.Context, cid, eventName string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.InsertIfAbsent")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "job_tasks"),
	)
	q := `INSERT INTO job_tasks (correlating_id, event_name, status, started_at)
	VALUES ($1,$2,$3,$4)
	ON CONFLICT (correlating_id, event_name) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, cid, eventName, domain.TaskPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.insert_if_absent: %w", err)
	}
	return nil
}

// UpdateStatus records a worker's terminal result for a task.
func (r *TaskRepo) UpdateStatus(ctx domain.Context, cid, eventName string, status domain.TaskStatus, payload []byte) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "job_tasks"),
	)
	q := `UPDATE job_tasks SET status=$3, payload=$4, completed_at=$5 WHERE correlating_id=$1 AND event_name=$2`
	_, err := r.Pool.Exec(ctx, q, cid, eventName, status, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.update_status: %w", err)
	}
	return nil
}

// ListByJob returns every task belonging to a job.
func (r *TaskRepo) ListByJob(ctx domain.Context, cid string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "job_tasks"),
	)
	q := `SELECT id, correlating_id, event_name, status, payload, started_at, completed_at FROM job_tasks WHERE correlating_id=$1`
	rows, err := r.Pool.Query(ctx, q, cid)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_by_job: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.CorrelatingID, &t.EventName, &t.Status, &t.Payload, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("op=task.list_by_job_scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list_by_job_rows: %w", err)
	}
	return tasks, nil
}

// CountByJobAndStatus counts tasks in a given status for a job.
func (r *TaskRepo) CountByJobAndStatus(ctx domain.Context, cid string, status domain.TaskStatus) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CountByJobAndStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "job_tasks"),
	)
	q := `SELECT COUNT(*) FROM job_tasks WHERE correlating_id=$1 AND status=$2`
	row := r.Pool.QueryRow(ctx, q, cid, status)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=task.count_by_job_and_status: %w", err)
	}
	return count, nil
}
