// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// OrchestratorJobsSeededTotal counts jobs seeded by the orchestrator.
	OrchestratorJobsSeededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_jobs_seeded_total",
			Help: "Total number of moderation jobs seeded by the orchestrator",
		},
		[]string{"modality"},
	)
	// OrchestratorTasksPublishedTotal counts task-request messages published.
	OrchestratorTasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_tasks_published_total",
			Help: "Total number of task-request messages published by the orchestrator",
		},
		[]string{"event_name"},
	)

	// AggregatorResultsTotal counts partial results processed by the
	// aggregator, labeled by outcome (new/duplicate/finalized) so
	// idempotent-redelivery handling is directly observable.
	AggregatorResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_results_total",
			Help: "Total number of partial worker results processed, labeled by outcome",
		},
		[]string{"outcome"},
	)
	// AggregatorJobsFinalizedTotal counts jobs finalized by the aggregator, by verdict.
	AggregatorJobsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_jobs_finalized_total",
			Help: "Total number of jobs finalized, labeled by final verdict",
		},
		[]string{"verdict"},
	)
	// AggregatorPublishFailuresTotal counts completion-event publish failures.
	AggregatorPublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_publish_failures_total",
			Help: "Total number of completion-event publish failures (unroutable or nacked)",
		},
		[]string{"reason"},
	)

	// FleetWorkerCount is a gauge of the live worker count observed by the
	// fleet registry, labeled by moderation type ("" for overall).
	FleetWorkerCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_worker_count",
			Help: "Live moderation worker count observed via Docker events",
		},
		[]string{"moderation_type"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(OrchestratorJobsSeededTotal)
	prometheus.MustRegister(OrchestratorTasksPublishedTotal)
	prometheus.MustRegister(AggregatorResultsTotal)
	prometheus.MustRegister(AggregatorJobsFinalizedTotal)
	prometheus.MustRegister(AggregatorPublishFailuresTotal)
	prometheus.MustRegister(FleetWorkerCount)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// SeedJob records a job seeded for the given modality ("text" or "image").
func SeedJob(modality string) {
	OrchestratorJobsSeededTotal.WithLabelValues(modality).Inc()
}

// PublishTask records a task-request message published for eventName.
func PublishTask(eventName string) {
	OrchestratorTasksPublishedTotal.WithLabelValues(eventName).Inc()
}

// RecordResult records a partial result processed by the aggregator,
// labeled by outcome: "new" (first sighting of this service for the job),
// "duplicate" (redelivery of an already-recorded service), or "finalized"
// (this call returned a final event for the job, including a cached one
// returned again on redelivery).
func RecordResult(outcome string) {
	AggregatorResultsTotal.WithLabelValues(outcome).Inc()
}

// FinalizeJob records a job finalized with the given verdict.
func FinalizeJob(verdict string) {
	AggregatorJobsFinalizedTotal.WithLabelValues(verdict).Inc()
}

// RecordPublishFailure records a completion-event publish failure.
func RecordPublishFailure(reason string) {
	AggregatorPublishFailuresTotal.WithLabelValues(reason).Inc()
}

// SetFleetWorkerCount records the live worker count for a moderation type
// ("" for overall fleet count).
func SetFleetWorkerCount(moderationType string, count int) {
	FleetWorkerCount.WithLabelValues(moderationType).Set(float64(count))
}
