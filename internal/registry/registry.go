// Package registry implements the Fleet Registry port against the Docker
// Engine API, tracking the live count of moderation workers overall and
// per moderation type.
//
// Unlike the increment/decrement counter this is modeled on, the registry
// re-lists containers on every relevant event rather than applying a
// delta: a counter that is nudged +/-1 per event silently drifts when an
// event is missed or delivered out of order, while a full re-list is
// self-correcting by construction.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
)

// DockerClient is the subset of the Docker Engine API client the registry
// depends on, narrowed for testability.
type DockerClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

// Registry is a Docker-backed implementation of domain.FleetRegistry.
type Registry struct {
	client                 DockerClient
	moderationLabel        string
	moderationTypeLabelKey string
	reconnectDelay         time.Duration

	mu     sync.RWMutex
	total  int
	byType map[string]int
}

// New constructs a Registry from a raw DOCKER_HOST endpoint.
func New(dockerHost, moderationLabel, moderationTypeLabelKey string, reconnectDelay time.Duration) (*Registry, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(dockerHost), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return NewWithClient(cli, moderationLabel, moderationTypeLabelKey, reconnectDelay), nil
}

// NewWithClient constructs a Registry around an already-built client,
// primarily for tests.
func NewWithClient(cli DockerClient, moderationLabel, moderationTypeLabelKey string, reconnectDelay time.Duration) *Registry {
	return &Registry{
		client:                 cli,
		moderationLabel:        moderationLabel,
		moderationTypeLabelKey: moderationTypeLabelKey,
		reconnectDelay:         reconnectDelay,
		byType:                 map[string]int{},
	}
}

// Run performs an initial sync then blocks listening for Docker events,
// re-syncing the cached counts on every relevant one, until ctx is
// canceled.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.resync(ctx); err != nil {
		slog.Error("fleet registry initial sync failed", slog.Any("error", err))
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.listenOnce(ctx); err != nil {
			slog.Error("fleet registry event stream error, backing off", slog.Any("error", err))
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = r.reconnectDelay
			b.MaxElapsedTime = 0
			b.Reset()
			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
			_ = r.resync(ctx)
		}
	}
}

func (r *Registry) listenOnce(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", r.moderationLabel)

	msgs, errs := r.client.Events(ctx, events.ListOptions{Filters: filterArgs})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			switch msg.Action {
			case "start", "die", "pause", "unpause", "stop", "destroy":
				if err := r.resync(ctx); err != nil {
					slog.Error("fleet registry resync failed", slog.Any("error", err))
				}
			}
		}
	}
}

func (r *Registry) resync(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", r.moderationLabel)
	containers, err := r.client.ContainerList(ctx, container.ListOptions{Filters: filterArgs})
	if err != nil {
		return err
	}

	byType := map[string]int{}
	for _, c := range containers {
		t, ok := c.Labels[r.moderationTypeLabelKey]
		t = strings.ToLower(strings.TrimSpace(t))
		if !ok || t == "" {
			continue
		}
		byType[t]++
	}

	r.mu.Lock()
	r.total = len(containers)
	r.byType = byType
	r.mu.Unlock()

	observability.SetFleetWorkerCount("", len(containers))
	for t, n := range byType {
		observability.SetFleetWorkerCount(t, n)
	}

	slog.Info("fleet registry synced", slog.Int("total", len(containers)))
	return nil
}

// CurrentCount returns the total number of live moderation workers. A zero
// reading triggers one opportunistic resync, since a genuinely empty fleet
// is indistinguishable from a registry that missed its first sync.
func (r *Registry) CurrentCount() int {
	r.mu.RLock()
	total := r.total
	r.mu.RUnlock()
	if total == 0 {
		_ = r.resync(context.Background())
		r.mu.RLock()
		total = r.total
		r.mu.RUnlock()
	}
	return total
}

// CountForType returns the live worker count for a moderation type label
// value (case-folded, trimmed to match how resync stores it); an empty
// moderationType falls back to CurrentCount. A zero reading triggers one
// opportunistic resync, same as CurrentCount, since a genuinely empty
// per-type count is indistinguishable from one that hasn't synced yet.
func (r *Registry) CountForType(moderationType string) int {
	if moderationType == "" {
		return r.CurrentCount()
	}
	key := strings.ToLower(strings.TrimSpace(moderationType))

	r.mu.RLock()
	n := r.byType[key]
	r.mu.RUnlock()
	if n == 0 {
		_ = r.resync(context.Background())
		r.mu.RLock()
		n = r.byType[key]
		r.mu.RUnlock()
	}
	return n
}

// Snapshot returns the overall count and a copy of the per-type breakdown
// currently cached by the registry, for operator-facing inspection.
func (r *Registry) Snapshot() (total int, byType map[string]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byType = make(map[string]int, len(r.byType))
	for t, n := range r.byType {
		byType[t] = n
	}
	return r.total, byType
}

var _ domain.FleetRegistry = (*Registry)(nil)
