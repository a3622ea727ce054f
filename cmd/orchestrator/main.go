// Package main provides the orchestrator process entry point.
//
// It consumes ingress job submissions, seeds durable job/task state, and
// fans the work out to the moderation worker fleet over the broker.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/broker/amqp"
	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/moderation-orchestrator/internal/config"
	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
	"github.com/fairyhunter13/moderation-orchestrator/internal/migrate"
	"github.com/fairyhunter13/moderation-orchestrator/internal/orchestrator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go serveHealthAndMetrics(":9090")

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting orchestrator", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := migrate.Apply(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobs := postgres.NewJobRepo(pool)
	tasks := postgres.NewTaskRepo(pool)

	topology := amqp.Topology{
		IngressExchange:   cfg.IngressExchange,
		ResultExchange:    cfg.ResultExchange,
		EgressExchange:    cfg.EgressExchange,
		IngressQueueName:  cfg.IngressQueueName,
		IngressRoutingKey: cfg.IngressRoutingKey,
		ResultQueueName:   cfg.ResultQueueName,
		ResultRoutingKey:  cfg.ResultRoutingKey,
		PrefetchCount:     cfg.PrefetchCount,
	}
	broker := amqp.New(cfg.AMQPURL, topology, cfg.ReconnectDelaySeconds, "orchestrator")
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("failed to close broker connection", slog.Any("error", err))
		}
	}()

	orch := orchestrator.New(jobs, tasks, broker, cfg.IngressExchange, cfg.TextTargets, cfg.ImageTargets)

	cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)

	slog.Info("orchestrator ready, consuming ingress submissions")
	if err := broker.Consume(ctx, cfg.IngressQueueName, func(ctx domain.Context, d domain.Delivery) error {
		ev, err := orchestrator.DecodeEvent(d.Body)
		if err != nil {
			return err
		}
		_, err = orch.Submit(ctx, ev)
		return err
	}); err != nil {
		slog.Error("orchestrator consume loop exited", slog.Any("error", err))
	}

	slog.Info("orchestrator stopped")
}

func serveHealthAndMetrics(addr string) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, r); err != nil {
		slog.Error("orchestrator health/metrics server error", slog.Any("error", err))
	}
}
