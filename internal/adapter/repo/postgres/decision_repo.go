package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
)

// DecisionRepo persists and loads the final moderation decision for a job.
type DecisionRepo struct{ Pool PgxPool }

// NewDecisionRepo constructs a DecisionRepo with the given pool.
func NewDecisionRepo(p PgxPool) *DecisionRepo { return &DecisionRepo{Pool: p} }

// Upsert writes the final decision for a job, replacing any prior value.
func (r *DecisionRepo) Upsert(ctx domain.Context, d domain.Decision) error {
	tracer := otel.Tracer("repo.decisions")
	ctx, span := tracer.Start(ctx, "decisions.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "moderation_decisions"),
	)
	q := `INSERT INTO moderation_decisions (correlating_id, final_verdict, timed_out, decided_at)
	VALUES ($1,$2,$3,$4)
	ON CONFLICT (correlating_id)
	DO UPDATE SET final_verdict=EXCLUDED.final_verdict, timed_out=EXCLUDED.timed_out, decided_at=EXCLUDED.decided_at`
	_, err := r.Pool.Exec(ctx, q, d.CorrelatingID, d.FinalVerdict, d.TimedOut, d.DecidedAt)
	if err != nil {
		return fmt.Errorf("op=decision.upsert: %w", err)
	}
	return nil
}

// GetByJob retrieves the decision for a job, if one has been written.
func (r *DecisionRepo) GetByJob(ctx domain.Context, cid string) (domain.Decision, error) {
	tracer := otel.Tracer("repo.decisions")
	ctx, span := tracer.Start(ctx, "decisions.GetByJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "moderation_decisions"),
	)
	q := `SELECT correlating_id, final_verdict, timed_out, decided_at FROM moderation_decisions WHERE correlating_id=$1`
	row := r.Pool.QueryRow(ctx, q, cid)
	var d domain.Decision
	if err := row.Scan(&d.CorrelatingID, &d.FinalVerdict, &d.TimedOut, &d.DecidedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Decision{}, fmt.Errorf("op=decision.get: %w", domain.ErrNotFound)
		}
		return domain.Decision{}, fmt.Errorf("op=decision.get: %w", err)
	}
	return d, nil
}
