// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs accepted by the submission coordinator",
	})
	JobsByTier = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_by_tier_total",
		Help: "Total number of jobs enqueued, by priority tier",
	}, []string{"tier"})
	JobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_consumed_total",
		Help: "Total number of jobs claimed by workers",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed jobs",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of cancelled jobs",
	})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "job_retry_total",
		Help: "Total number of job retries, by priority tier",
	}, []string{"tier"})
	JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dead_letter_total",
		Help: "Total number of jobs moved to the dead-letter tombstone",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "job_queue_depth",
		Help: "Current waiting length of each tier's queue",
	}, []string{"tier"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by dependency",
	}, []string{"dependency"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a circuit breaker transitioned to Open",
	}, []string{"dependency"})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of entries recovered by the reaper from stalled processing lists",
	})
	ReconcileRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_recovered_total",
		Help: "Total number of jobs force-failed by the reconciliation sweep as STALLED",
	})
	ThumbnailFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thumbnail_failures_total",
		Help: "Total number of best-effort thumbnail derivations that failed",
	})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines, by tier",
	}, []string{"tier"})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsByTier, JobsConsumed, JobsCompleted, JobsFailed, JobsCancelled,
		JobsRetried, JobsDeadLetter, JobProcessingDuration, QueueDepth,
		CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered, ReconcileRecovered,
		ThumbnailFailures, WorkerActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Prefer StartHTTPServer, which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
