// Package aggregator implements the Result Aggregator: it consumes
// partial worker results, advances per-job aggregation state atomically,
// and finalizes a job exactly once when all expected results are in.
package aggregator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
)

// resultBody is the wire shape of a worker's partial result.
type resultBody struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// FinalEvent is the completion message published to the egress exchange.
type FinalEvent struct {
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	TimedOut bool   `json:"timed_out"`
}

// statusToTask maps a worker-reported status onto a persisted task
// status; anything unrecognized is coerced to failed.
func statusToTask(status string) domain.TaskStatus {
	switch status {
	case "approved":
		return domain.TaskCompleted
	case "rejected", "failed", "error":
		return domain.TaskFailed
	case "timed_out":
		return domain.TaskTimedOut
	default:
		return domain.TaskFailed
	}
}

// foldStatus maps a worker-reported status onto the fold vocabulary
// ("block"/"rejected"/"error"/"failed"/"review"); unrecognized statuses
// are treated as review so finalization never silently drops signal.
func foldStatus(status string) string {
	switch status {
	case "approved":
		return "allow"
	case "rejected":
		return "rejected"
	case "timed_out":
		return "timed_out"
	case "failed", "error":
		return "failed"
	default:
		return "review"
	}
}

// Aggregator ties the fleet registry, aggregation store, and job store
// together to decide when a job is complete and what its verdict is.
type Aggregator struct {
	Registry domain.FleetRegistry
	Store    domain.AggregationStore
	Tasks    domain.TaskRepository
	Decisions domain.DecisionRepository

	AggregationTTL time.Duration
	ServiceName    string
}

// New constructs an Aggregator.
func New(registry domain.FleetRegistry, store domain.AggregationStore, tasks domain.TaskRepository, decisions domain.DecisionRepository, aggregationTTL time.Duration, serviceName string) *Aggregator {
	return &Aggregator{
		Registry:       registry,
		Store:          store,
		Tasks:          tasks,
		Decisions:      decisions,
		AggregationTTL: aggregationTTL,
		ServiceName:    serviceName,
	}
}

// HandleResult processes one inbound partial result. It returns a
// non-nil FinalEvent whenever the job's remaining count is at or below
// zero after this result: on the call that completes the job, and again
// (the same cached event) on any later redelivery before Cleanup runs.
// The caller must publish it and, on confirm, call Cleanup.
// A nil result with a nil error means the job is still awaiting more
// results; the caller should simply ack.
func (a *Aggregator) HandleResult(ctx domain.Context, body []byte, cid, serviceName, moderationType string) (*FinalEvent, error) {
	tracer := otel.Tracer("aggregator")
	ctx, span := tracer.Start(ctx, "aggregator.handle_result")
	defer span.End()

	if strings.TrimSpace(cid) == "" || strings.TrimSpace(serviceName) == "" {
		return nil, fmt.Errorf("op=aggregator.handle_result: %w: missing correlation id or service name", domain.ErrMalformedDelivery)
	}

	var rb resultBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return nil, fmt.Errorf("op=aggregator.handle_result: %w: %v", domain.ErrMalformedDelivery, err)
	}

	expected := a.expectedCount(moderationType)

	remaining, wasNew, err := a.Store.RecordResult(ctx, cid, serviceName, foldStatus(rb.Status), expected, a.AggregationTTL)
	if err != nil {
		return nil, fmt.Errorf("op=aggregator.handle_result: %w", err)
	}
	if wasNew {
		observability.RecordResult("new")
	} else {
		observability.RecordResult("duplicate")
	}

	if err := a.Tasks.UpdateStatus(ctx, cid, serviceName, statusToTask(rb.Status), body); err != nil {
		slog.Warn("failed to persist partial task result, Redis remains source of truth",
			slog.String("correlation_id", cid), slog.String("service_name", serviceName), slog.Any("error", err))
	}

	if remaining > 0 {
		return nil, nil
	}

	final, err := a.finalize(ctx, cid)
	if err != nil {
		return nil, err
	}
	observability.RecordResult("finalized")
	return final, nil
}

// expectedCount reads the registry snapshot at first sight; a
// registry-unavailable or zero reading is clamped to 1 so a single late
// result still finalizes the job.
func (a *Aggregator) expectedCount(moderationType string) int {
	var n int
	if moderationType != "" {
		n = a.Registry.CountForType(moderationType)
	} else {
		n = a.Registry.CurrentCount()
	}
	if n < 1 {
		return 1
	}
	return n
}

// finalize reads a cached final event if one exists, else folds the
// recorded statuses into a fresh one and caches it. The returned event
// must still be published by the caller; Cleanup runs only after that
// publish is confirmed.
func (a *Aggregator) finalize(ctx domain.Context, cid string) (*FinalEvent, error) {
	if cached, ok, err := a.Store.GetFinal(ctx, cid); err != nil {
		return nil, fmt.Errorf("op=aggregator.finalize: %w", err)
	} else if ok {
		var ev FinalEvent
		if err := json.Unmarshal(cached, &ev); err != nil {
			return nil, fmt.Errorf("op=aggregator.finalize: %w: %v", domain.ErrInternal, err)
		}
		return &ev, nil
	}

	statuses, err := a.Store.Statuses(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("op=aggregator.finalize: %w", err)
	}

	var values []string
	timedOut := false
	for _, status := range statuses {
		values = append(values, status)
		if status == "timed_out" {
			timedOut = true
		}
	}
	var verdict domain.Verdict
	var ev FinalEvent
	if len(values) == 0 {
		slog.Warn("finalizing with no recorded worker statuses", slog.String("correlation_id", cid))
		verdict = domain.VerdictReview
		ev = FinalEvent{Status: string(verdict), TimedOut: timedOut, Reason: "zero workers responded"}
	} else {
		verdict = domain.FoldVerdict(values, timedOut)
		ev = FinalEvent{Status: string(verdict), TimedOut: timedOut}
	}

	encoded, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("op=aggregator.finalize: %w", err)
	}
	if err := a.Store.SetFinal(ctx, cid, encoded, a.AggregationTTL); err != nil {
		return nil, fmt.Errorf("op=aggregator.finalize: %w", err)
	}

	if err := a.Decisions.Upsert(ctx, domain.Decision{
		CorrelatingID: cid,
		FinalVerdict:  verdict,
		TimedOut:      timedOut,
		DecidedAt:     time.Now().UTC(),
	}); err != nil {
		slog.Warn("failed to persist final decision, aggregation cache remains source of truth",
			slog.String("correlation_id", cid), slog.Any("error", err))
	}
	observability.FinalizeJob(string(verdict))

	return &ev, nil
}

// Cleanup deletes aggregation state for a job; called only after the
// completion event has been published and confirmed.
func (a *Aggregator) Cleanup(ctx domain.Context, cid string) error {
	return a.Store.Cleanup(ctx, cid)
}

// Envelope returns the JSON body and message_id/headers for publishing a
// FinalEvent to the egress exchange.
func Envelope(ev FinalEvent, serviceName string) (body []byte, messageID string, headers map[string]string, err error) {
	body, err = json.Marshal(ev)
	if err != nil {
		return nil, "", nil, err
	}
	return body, uuid.NewString(), map[string]string{"x-service-name": serviceName}, nil
}
