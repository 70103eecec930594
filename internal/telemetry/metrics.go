package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WorkflowsCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "certflow_workflows_created_total", Help: "Workflows created"})
	WorkflowsComplete = prometheus.NewCounter(prometheus.CounterOpts{Name: "certflow_workflows_completed_total", Help: "Workflows that reached the completed stage"})
	WorkflowsErrored  = prometheus.NewCounter(prometheus.CounterOpts{Name: "certflow_workflows_errored_total", Help: "Workflows that exhausted retries and entered the error state"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "certflow_jobs_completed_total", Help: "Stage jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "certflow_jobs_failed_total", Help: "Stage jobs that failed and may retry"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "certflow_jobs_retried_total", Help: "Stage job retry attempts scheduled"})
	JobsOrphaned      = prometheus.NewCounter(prometheus.CounterOpts{Name: "certflow_jobs_orphaned_total", Help: "Jobs reclaimed by the recovery coordinator"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "certflow_rate_limit_rejects_total", Help: "Workflow creations rejected by the rate limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "certflow_queue_depth", Help: "Jobs waiting for a dispatch slot"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "certflow_jobs_inflight", Help: "Jobs currently executing"})

	AdapterCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certflow_adapter_calls_total", Help: "External adapter invocations by adapter and result",
	}, []string{"adapter", "result"})
	BreakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "certflow_breaker_open", Help: "1 while an adapter's circuit breaker is open",
	}, []string{"adapter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WorkflowsCreated,
			WorkflowsComplete,
			WorkflowsErrored,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsOrphaned,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			AdapterCalls,
			BreakerOpen,
		)
	})
	return promhttp.Handler()
}
