//go:build e2e
// +build e2e

// Package e2e_test exercises the full orchestrator/aggregator round trip
// against real RabbitMQ, Postgres, and Redis containers. It mirrors the
// integration-container style of internal/integration, but left enabled
// (not go:build ignore) since this domain has no HTTP surface to drive an
// httptest-based suite against.
package e2e_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/aggstore/redisagg"
	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/broker/amqp"
	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/moderation-orchestrator/internal/aggregator"
	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
	"github.com/fairyhunter13/moderation-orchestrator/internal/migrate"
	"github.com/fairyhunter13/moderation-orchestrator/internal/orchestrator"
)

// fakeRegistry is a settable domain.FleetRegistry, standing in for the
// Docker-backed registry so scenarios can dictate fleet size directly
// rather than racing real container churn.
type fakeRegistry struct {
	mu     sync.Mutex
	total  int
	byType map[string]int
}

func (f *fakeRegistry) set(total int, byType map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = total
	f.byType = byType
}

func (f *fakeRegistry) CurrentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeRegistry) CountForType(moderationType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if moderationType == "" {
		return f.total
	}
	if n, ok := f.byType[moderationType]; ok {
		return n
	}
	return f.total
}

var _ domain.FleetRegistry = (*fakeRegistry)(nil)

// env bundles the live containers and wired components a scenario needs.
type env struct {
	t   *testing.T
	ctx context.Context

	broker   *amqp.Gateway
	orch     *orchestrator.Orchestrator
	agg      *aggregator.Aggregator
	registry *fakeRegistry

	rawConn *amqp091.Connection
	rawCh   *amqp091.Channel

	ingressExchange string
	resultExchange  string
	egressExchange  string
	resultQueue     string
	egressRoutingKey string
}

func newEnv(t *testing.T, amqpURL, dbURL, redisURL string) *env {
	t.Helper()
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, dbURL)
	require.NoError(t, err)
	require.NoError(t, migrate.Apply(ctx, pool))

	jobs := postgres.NewJobRepo(pool)
	tasks := postgres.NewTaskRepo(pool)
	decisions := postgres.NewDecisionRepo(pool)

	redisOpts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	rdb := redis.NewClient(redisOpts)
	store := redisagg.New(rdb)

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	ingressExchange := "e2e.ingress." + suffix
	resultExchange := "e2e.result." + suffix
	egressExchange := "e2e.egress." + suffix
	resultQueue := "e2e.result.q." + suffix
	ingressQueue := "e2e.ingress.q." + suffix

	topology := amqp.Topology{
		IngressExchange:   ingressExchange,
		ResultExchange:    resultExchange,
		EgressExchange:    egressExchange,
		IngressQueueName:  ingressQueue,
		IngressRoutingKey: "moderation.job.submit",
		ResultQueueName:   resultQueue,
		ResultRoutingKey:  "moderation.job.result",
		PrefetchCount:     4,
	}
	broker := amqp.New(amqpURL, topology, 200*time.Millisecond, "e2e")

	registry := &fakeRegistry{}

	orch := orchestrator.New(jobs, tasks, broker, ingressExchange, []string{"text_toxicity_check"}, []string{"image_nsfw_check"})
	agg := aggregator.New(registry, store, tasks, decisions, 60*time.Second, "aggregator")

	rawConn, err := amqp091.Dial(amqpURL)
	require.NoError(t, err)
	rawCh, err := rawConn.Channel()
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = rawCh.Close()
		_ = rawConn.Close()
		_ = broker.Close()
		_ = rdb.Close()
		pool.Close()
	})

	return &env{
		t:                t,
		ctx:              ctx,
		broker:           broker,
		orch:             orch,
		agg:              agg,
		registry:         registry,
		rawConn:          rawConn,
		rawCh:            rawCh,
		ingressExchange:  ingressExchange,
		resultExchange:   resultExchange,
		egressExchange:   egressExchange,
		resultQueue:      resultQueue,
		egressRoutingKey: "moderation.job.completed",
	}
}

// publishResult sends a worker Result message directly onto the result
// exchange, bypassing any gateway abstraction to act as an external worker
// would.
func (e *env) publishResult(t *testing.T, cid, serviceName, moderationType, status string) {
	t.Helper()
	body := fmt.Sprintf(`{"status":%q}`, status)
	headers := amqp091.Table{"x-service-name": serviceName}
	if moderationType != "" {
		headers["x-moderation-type"] = moderationType
	}
	err := e.rawCh.PublishWithContext(e.ctx, e.resultExchange, "moderation.job.result", false, false, amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: cid,
		Headers:       headers,
		Body:          []byte(body),
	})
	require.NoError(t, err)
}

// bindCompletionSink declares and binds a durable queue on the egress
// exchange, the way a real downstream sink would before traffic starts
// flowing. Must be called before the completion event is published,
// since a topic exchange does not retain a message for a binding that
// did not exist yet at publish time.
func (e *env) bindCompletionSink(t *testing.T) string {
	t.Helper()
	q, err := e.rawCh.QueueDeclare("e2e.sink."+uuid.NewString(), true, true, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, e.rawCh.QueueBind(q.Name, e.egressRoutingKey, e.egressExchange, false, nil))
	return q.Name
}

// waitForCompletion drains a single delivery from a queue previously
// bound with bindCompletionSink.
func (e *env) waitForCompletion(t *testing.T, queue string, timeout time.Duration) amqp091.Delivery {
	t.Helper()
	deliveries, err := e.rawCh.Consume(queue, "", true, true, false, false, nil)
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		return d
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for completion event on %s", e.egressExchange)
		return amqp091.Delivery{}
	}
}

// runAggregatorOnce processes exactly one result delivery synchronously,
// giving scenarios precise control over ordering instead of racing a
// background consume loop.
func (e *env) runAggregatorOnce(t *testing.T, cid, serviceName, moderationType, status string) *aggregator.FinalEvent {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"status":%q}`, status))
	final, err := e.agg.HandleResult(e.ctx, body, cid, serviceName, moderationType)
	require.NoError(t, err)
	return final
}

// publishCompletion mirrors what cmd/aggregator/main.go does once
// HandleResult returns a non-nil final event: envelope it and publish to
// the egress exchange.
func (e *env) publishCompletion(t *testing.T, cid string, final aggregator.FinalEvent) error {
	t.Helper()
	body, messageID, headers, err := aggregator.Envelope(final, "aggregator")
	require.NoError(t, err)
	return e.broker.Publish(e.ctx, e.egressExchange, e.egressRoutingKey, domain.Message{
		CorrelationID: cid,
		MessageID:     messageID,
		Body:          body,
		Headers:       headers,
	})
}

func startContainers(t *testing.T) (amqpURL, dbURL, redisURL string, cleanup func()) {
	t.Helper()
	ctx := context.Background()

	rmqReq := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
	}
	rmqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: rmqReq, Started: true})
	require.NoError(t, err)
	rmqHost, err := rmqC.Host(ctx)
	require.NoError(t, err)
	rmqPort, err := rmqC.MappedPort(ctx, "5672")
	require.NoError(t, err)

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "moderation"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: pgReq, Started: true})
	require.NoError(t, err)
	pgHost, err := pgC.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)

	rdReq := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	rdC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: rdReq, Started: true})
	require.NoError(t, err)
	rdHost, err := rdC.Host(ctx)
	require.NoError(t, err)
	rdPort, err := rdC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	amqpURL = fmt.Sprintf("amqp://guest:guest@%s:%s/", rmqHost, rmqPort.Port())
	dbURL = fmt.Sprintf("postgres://postgres:postgres@%s:%s/moderation?sslmode=disable", pgHost, pgPort.Port())
	redisURL = fmt.Sprintf("redis://%s:%s/0", rdHost, rdPort.Port())

	cleanup = func() {
		_ = rmqC.Terminate(ctx)
		_ = pgC.Terminate(ctx)
		_ = rdC.Terminate(ctx)
	}
	return amqpURL, dbURL, redisURL, cleanup
}
