// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
	ErrMalformedDelivery = errors.New("malformed delivery")
	ErrUnroutablePublish = errors.New("unroutable publish")
)

// JobStatus captures the lifecycle state of a moderation job.
type JobStatus string

// Job status values.
const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// Verdict is the final moderation outcome folded from task results.
type Verdict string

// Verdict values, in descending precedence order.
const (
	VerdictBlock  Verdict = "block"
	VerdictReview Verdict = "review"
	VerdictError  Verdict = "error"
	VerdictAllow  Verdict = "allow"
)

// Job is the domain model for a moderation job, keyed by its correlation id.
type Job struct {
	// CorrelatingID is the correlation id shared across every message and
	// row belonging to this job.
	CorrelatingID string
	// ContentID is an optional caller-supplied content identifier.
	ContentID string
	// SubmitterID is an optional caller-supplied submitter identifier.
	SubmitterID string
	// Status is the current lifecycle state of the job.
	Status JobStatus
	// CreatedAt is the timestamp when the job was seeded.
	CreatedAt time.Time
	// UpdatedAt is the timestamp when the job was last mutated.
	UpdatedAt time.Time
}

// TaskStatus captures the lifecycle state of a single fanned-out task.
type TaskStatus string

// Task status values.
const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
)

// Task is one fanned-out unit of work for a job, addressed to a single
// moderation worker type. Unique per (CorrelatingID, EventName).
type Task struct {
	// ID is the surrogate primary key.
	ID int64
	// CorrelatingID is the parent job's correlation id.
	CorrelatingID string
	// EventName identifies the worker target this task was routed to
	// (e.g. "text_toxicity_check", "image_nsfw_check").
	EventName string
	// Status is the current lifecycle state of the task.
	Status TaskStatus
	// Payload is the raw result payload reported by the worker, if any.
	Payload []byte
	// StartedAt is set when the task is fanned out.
	StartedAt time.Time
	// CompletedAt is set when a terminal status is recorded.
	CompletedAt *time.Time
}

// Decision is the final folded verdict for a job, written exactly once.
type Decision struct {
	// CorrelatingID is the job's correlation id.
	CorrelatingID string
	// FinalVerdict is the folded outcome.
	FinalVerdict Verdict
	// TimedOut records whether any contributing task timed out.
	TimedOut bool
	// DecidedAt is the timestamp the decision was written.
	DecidedAt time.Time
}

// TextPayload holds the text content submitted for a job. Its presence
// is authoritative for routing a job to text-moderation targets.
type TextPayload struct {
	// CorrelatingID is the parent job's correlation id.
	CorrelatingID string
	// TextExcerpt is the submitted text content.
	TextExcerpt string
	// CreatedAt is the timestamp the payload was persisted.
	CreatedAt time.Time
}

// ImagePayload holds the image reference submitted for a job. Its
// presence is authoritative for routing a job to image-moderation
// targets.
type ImagePayload struct {
	// CorrelatingID is the parent job's correlation id.
	CorrelatingID string
	// ImageURI is a reference (e.g. object-storage URI) to the image.
	ImageURI string
	// CreatedAt is the timestamp the payload was persisted.
	CreatedAt time.Time
}

// Repositories (ports)

// JobRepository is responsible for managing moderation jobs and their
// modality payloads.
type JobRepository interface {
	// Create inserts a job if it does not already exist, and is a no-op
	// (not an error) when the correlation id is already present.
	Create(ctx Context, j Job) error
	// Get retrieves a job by its correlation id.
	Get(ctx Context, cid string) (Job, error)
	// UpdateStatus transitions a job's lifecycle state.
	UpdateStatus(ctx Context, cid string, status JobStatus) error
	// UpsertTextPayload stores the text content for a job.
	UpsertTextPayload(ctx Context, p TextPayload) error
	// UpsertImagePayload stores the image reference for a job.
	UpsertImagePayload(ctx Context, p ImagePayload) error
	// HasTextPayload reports whether a text payload exists for the job.
	HasTextPayload(ctx Context, cid string) (bool, error)
	// HasImagePayload reports whether an image payload exists for the job.
	HasImagePayload(ctx Context, cid string) (bool, error)
}

// TaskRepository is responsible for managing fanned-out tasks.
type TaskRepository interface {
	// InsertIfAbsent creates a pending task for (cid, eventName) unless
	// one already exists; idempotent under redelivery.
	InsertIfAbsent(ctx Context, cid, eventName string) error
	// UpdateStatus records a worker's terminal result for a task.
	UpdateStatus(ctx Context, cid, eventName string, status TaskStatus, payload []byte) error
	// ListByJob returns every task belonging to a job.
	ListByJob(ctx Context, cid string) ([]Task, error)
	// CountByJobAndStatus counts tasks in a given status for a job.
	CountByJobAndStatus(ctx Context, cid string, status TaskStatus) (int, error)
}

// DecisionRepository is responsible for the single, final verdict per job.
type DecisionRepository interface {
	// Upsert writes the final decision for a job, replacing any prior
	// value (a job is decided exactly once in practice, but the upsert
	// makes the write idempotent under redelivery).
	Upsert(ctx Context, d Decision) error
	// GetByJob retrieves the decision for a job, if one has been written.
	GetByJob(ctx Context, cid string) (Decision, error)
}

// FleetRegistry (port)

// FleetRegistry reports the live count of moderation workers, overall or
// scoped to a single moderation type, backing the Result Aggregator's
// expected-worker-count calculation.
type FleetRegistry interface {
	// CurrentCount returns the total number of live moderation workers.
	CurrentCount() int
	// CountForType returns the number of live workers for a given
	// moderation type label value; an empty moderationType falls back to
	// CurrentCount.
	CountForType(moderationType string) int
}

// AggregationStore (port)

// AggregationStore holds ephemeral per-job aggregation state in a
// TTL-bounded external store (Redis), atomically tracking how many
// worker results remain outstanding for a job.
type AggregationStore interface {
	// RecordResult performs the atomic first-seen-decrement: it
	// initializes the remaining-count on first sight of this job to
	// expected (clamped >=1), records serviceName->status if serviceName
	// has not already reported, refreshes the TTL, and returns the
	// remaining count after the update plus whether serviceName was seen
	// for the first time (false on a duplicate redelivery).
	RecordResult(ctx Context, cid, serviceName, status string, expected int, ttl time.Duration) (remaining int, wasNew bool, err error)
	// Statuses returns every serviceName->status pair recorded for a job.
	Statuses(ctx Context, cid string) (map[string]string, error)
	// GetFinal returns a previously cached final event for a job, if any.
	GetFinal(ctx Context, cid string) ([]byte, bool, error)
	// SetFinal caches the final event for a job for the given TTL.
	SetFinal(ctx Context, cid string, event []byte, ttl time.Duration) error
	// Cleanup deletes all aggregation state for a job; called only after
	// the completion event has been published with a broker confirm.
	Cleanup(ctx Context, cid string) error
}

// BrokerGateway (port)

// Message is an outbound AMQP message envelope.
type Message struct {
	// CorrelationID ties the message back to its job.
	CorrelationID string
	// MessageID is a fresh identifier for this specific publish, set as
	// the AMQP message_id property; optional.
	MessageID string
	// Body is the JSON-encoded payload.
	Body []byte
	// Headers carries routing metadata (e.g. x-service-name).
	Headers map[string]string
}

// Delivery is an inbound AMQP message handed to a consumer.
type Delivery struct {
	// CorrelationID is the message's correlation id.
	CorrelationID string
	// Body is the raw message payload.
	Body []byte
	// ServiceName is the reporting worker's identity, from headers.
	ServiceName string
	// ModerationType is the reporting worker's moderation-type label,
	// from headers.
	ModerationType string
}

// BrokerGateway abstracts publish/consume against the message broker.
type BrokerGateway interface {
	// Publish sends msg to exchange with the given routing key, waiting
	// for a publisher confirm; returns ErrUnroutablePublish if the broker
	// returned the message as unroutable.
	Publish(ctx Context, exchange, routingKey string, msg Message) error
	// Consume ranges over deliveries on queue until ctx is canceled,
	// invoking handler for each; handler's error determines ack vs nack.
	Consume(ctx Context, queue string, handler func(Context, Delivery) error) error
}

// FoldVerdict folds a set of task outcome statuses (and a timed-out
// flag) into a single final verdict, total and deterministic:
//  1. any "block"/"rejected" -> block
//  2. else any "error"/"failed"/"review" -> review
//  3. else timedOut -> review
//  4. else -> allow
func FoldVerdict(statuses []string, timedOut bool) Verdict {
	sawReview := false
	for _, s := range statuses {
		switch s {
		case "block", "rejected":
			return VerdictBlock
		case "error", "failed", "review":
			sawReview = true
		}
	}
	if sawReview {
		return VerdictReview
	}
	if timedOut {
		return VerdictReview
	}
	return VerdictAllow
}

// Context is a type alias to stdlib context.Context for convenience across
// layers; adapters and usecases pass it through without importing context
// into this package's call signatures directly.
type Context = context.Context
