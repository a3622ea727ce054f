// Package orchestrator implements the Job Orchestrator: the inbound-job
// entry point that normalizes an ingress event, persists it, fans out
// one task per applicable modality, and publishes the resulting
// task-request messages.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// IngressContent carries the modality-specific payload of an ingress
// event; at least one of Text/ImageURI is required.
type IngressContent struct {
	ContentID   string `json:"content_id"`
	SubmitterID string `json:"submitter_id"`
	Text        string `json:"text" validate:"required_without=ImageURI"`
	ImageURI    string `json:"image_uri" validate:"required_without=Text"`
}

// IngressEvent is the inbound job submission, JSON-decoded from the
// ingress exchange.
type IngressEvent struct {
	CorrelatingID string         `json:"correlating_id"`
	Content       IngressContent `json:"content" validate:"required"`
}

// SubmitResult reports what Submit did for an ingress event.
type SubmitResult struct {
	CorrelatingID    string
	PublishedTargets []string
}

// taskEnvelope is the wire shape of a task-request message.
type taskEnvelope struct {
	MessageID     string          `json:"message_id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	ServiceID     string          `json:"service_id"`
	Timestamp     string          `json:"timestamp"`
	Payload       taskEnvPayload  `json:"payload"`
}

type taskEnvPayload struct {
	CorrelatingID string         `json:"correlating_id"`
	Task          taskEnvTask    `json:"task"`
	Content       IngressContent `json:"content"`
}

type taskEnvTask struct {
	EventName string `json:"event_name"`
}

// Orchestrator seeds jobs and fans work out to the moderation fleet.
type Orchestrator struct {
	Jobs  domain.JobRepository
	Tasks domain.TaskRepository
	Broker domain.BrokerGateway

	IngressExchange string
	TextTargets     []string
	ImageTargets    []string
}

// New constructs an Orchestrator.
func New(jobs domain.JobRepository, tasks domain.TaskRepository, broker domain.BrokerGateway, ingressExchange string, textTargets, imageTargets []string) *Orchestrator {
	return &Orchestrator{
		Jobs:            jobs,
		Tasks:           tasks,
		Broker:          broker,
		IngressExchange: ingressExchange,
		TextTargets:     textTargets,
		ImageTargets:    imageTargets,
	}
}

// DecodeEvent JSON-decodes and validates an ingress event, minting a
// correlation id if one was not supplied.
func DecodeEvent(body []byte) (IngressEvent, error) {
	var ev IngressEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return IngressEvent{}, fmt.Errorf("op=orchestrator.decode: %w: %v", domain.ErrMalformedDelivery, err)
	}
	if ev.CorrelatingID == "" {
		ev.CorrelatingID = uuid.NewString()
	}
	if err := getValidator().Struct(ev); err != nil {
		return IngressEvent{}, fmt.Errorf("op=orchestrator.decode: %w: %v", domain.ErrMalformedDelivery, err)
	}
	return ev, nil
}

// Submit persists the job and its payloads, computes the applicable
// fan-out targets, inserts one pending task per target, and (once those
// writes have succeeded) publishes one task-request message per target to
// the ingress exchange. Each write is a separate repository call; no
// single transaction spans them.
func (o *Orchestrator) Submit(ctx domain.Context, ev IngressEvent) (SubmitResult, error) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "orchestrator.submit")
	defer span.End()

	now := time.Now().UTC()
	if err := o.Jobs.Create(ctx, domain.Job{
		CorrelatingID: ev.CorrelatingID,
		ContentID:     ev.Content.ContentID,
		SubmitterID:   ev.Content.SubmitterID,
		Status:        domain.JobPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return SubmitResult{}, fmt.Errorf("op=orchestrator.submit: %w", err)
	}

	if strings.TrimSpace(ev.Content.Text) != "" {
		if err := o.Jobs.UpsertTextPayload(ctx, domain.TextPayload{
			CorrelatingID: ev.CorrelatingID,
			TextExcerpt:   ev.Content.Text,
			CreatedAt:     now,
		}); err != nil {
			return SubmitResult{}, fmt.Errorf("op=orchestrator.submit: %w", err)
		}
	}
	if strings.TrimSpace(ev.Content.ImageURI) != "" {
		if err := o.Jobs.UpsertImagePayload(ctx, domain.ImagePayload{
			CorrelatingID: ev.CorrelatingID,
			ImageURI:      ev.Content.ImageURI,
			CreatedAt:     now,
		}); err != nil {
			return SubmitResult{}, fmt.Errorf("op=orchestrator.submit: %w", err)
		}
	}

	targets, err := o.resolveTargets(ctx, ev.CorrelatingID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=orchestrator.submit: %w", err)
	}

	for _, target := range targets {
		if err := o.Tasks.InsertIfAbsent(ctx, ev.CorrelatingID, target); err != nil {
			return SubmitResult{}, fmt.Errorf("op=orchestrator.submit: %w", err)
		}
	}

	for _, target := range targets {
		if err := o.publishTask(ctx, ev, target); err != nil {
			return SubmitResult{CorrelatingID: ev.CorrelatingID, PublishedTargets: targets}, fmt.Errorf("op=orchestrator.submit: %w", err)
		}
		observability.PublishTask(target)
	}

	return SubmitResult{CorrelatingID: ev.CorrelatingID, PublishedTargets: targets}, nil
}

// resolveTargets drives target selection off the persisted payload rows,
// not the incoming event, so redelivery with a reshaped event is safe.
func (o *Orchestrator) resolveTargets(ctx domain.Context, cid string) ([]string, error) {
	var targets []string

	hasText, err := o.Jobs.HasTextPayload(ctx, cid)
	if err != nil {
		return nil, err
	}
	if hasText {
		targets = append(targets, o.TextTargets...)
		observability.SeedJob("text")
	}

	hasImage, err := o.Jobs.HasImagePayload(ctx, cid)
	if err != nil {
		return nil, err
	}
	if hasImage {
		targets = append(targets, o.ImageTargets...)
		observability.SeedJob("image")
	}

	return targets, nil
}

func (o *Orchestrator) publishTask(ctx domain.Context, ev IngressEvent, target string) error {
	env := taskEnvelope{
		MessageID:     uuid.NewString(),
		Type:          "Moderation.Task.Requested.v1",
		CorrelationID: ev.CorrelatingID,
		ServiceID:     "orchestrator",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Payload: taskEnvPayload{
			CorrelatingID: ev.CorrelatingID,
			Task:          taskEnvTask{EventName: target},
			Content:       ev.Content,
		},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	routingKey := "moderation.task." + target
	return o.Broker.Publish(ctx, o.IngressExchange, routingKey, domain.Message{
		CorrelationID: ev.CorrelatingID,
		Body:          body,
		Headers:       map[string]string{"x-service-name": "orchestrator"},
	})
}
