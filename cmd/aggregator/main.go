// Package main provides the aggregator process entry point.
//
// It consumes partial worker results from the result exchange, advances
// per-job aggregation state, and publishes exactly one completion event
// per correlation id once a job is fully decided.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/aggstore/redisagg"
	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/broker/amqp"
	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/moderation-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/moderation-orchestrator/internal/aggregator"
	"github.com/fairyhunter13/moderation-orchestrator/internal/config"
	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
	"github.com/fairyhunter13/moderation-orchestrator/internal/migrate"
	"github.com/fairyhunter13/moderation-orchestrator/internal/registry"
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

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting aggregator", slog.String("env", cfg.AppEnv))

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

	tasks := postgres.NewTaskRepo(pool)
	decisions := postgres.NewDecisionRepo(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()
	store := redisagg.New(rdb)

	fleet, err := registry.New(cfg.DockerHost, cfg.ModerationLabel, cfg.ModerationTypeLabelKey, cfg.ReconnectDelaySeconds)
	if err != nil {
		slog.Error("fleet registry init failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := fleet.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("fleet registry loop exited", slog.Any("error", err))
		}
	}()
	go serveHealthAndMetrics(":9091", fleet)

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
	broker := amqp.New(cfg.AMQPURL, topology, cfg.ReconnectDelaySeconds, "aggregator")
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("failed to close broker connection", slog.Any("error", err))
		}
	}()

	agg := aggregator.New(fleet, store, tasks, decisions, cfg.AggregationTTLSeconds, "aggregator")

	slog.Info("aggregator ready, consuming partial results")
	if err := broker.Consume(ctx, cfg.ResultQueueName, func(ctx domain.Context, d domain.Delivery) error {
		final, err := agg.HandleResult(ctx, d.Body, d.CorrelationID, d.ServiceName, d.ModerationType)
		if err != nil {
			return err
		}
		if final == nil {
			return nil
		}

		body, messageID, headers, err := aggregator.Envelope(*final, "aggregator")
		if err != nil {
			observability.RecordPublishFailure("encode")
			return err
		}
		if err := broker.Publish(ctx, cfg.EgressExchange, cfg.EgressRoutingKey, domain.Message{
			CorrelationID: d.CorrelationID,
			MessageID:     messageID,
			Body:          body,
			Headers:       headers,
		}); err != nil {
			observability.RecordPublishFailure("unroutable")
			return err
		}

		if err := agg.Cleanup(ctx, d.CorrelationID); err != nil {
			slog.Warn("completion published but aggregation cleanup failed; state will expire via TTL",
				slog.String("correlation_id", d.CorrelationID), slog.Any("error", err))
		}
		return nil
	}); err != nil {
		slog.Error("aggregator consume loop exited", slog.Any("error", err))
	}

	slog.Info("aggregator stopped")
}

func serveHealthAndMetrics(addr string, fleet *registry.Registry) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/debug/fleet", func(w http.ResponseWriter, r *http.Request) {
		total, byType := fleet.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total":   total,
			"by_type": byType,
		})
	})
	if err := http.ListenAndServe(addr, r); err != nil {
		slog.Error("aggregator health/metrics server error", slog.Any("error", err))
	}
}
