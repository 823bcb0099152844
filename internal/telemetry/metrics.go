package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total enqueued jobs"}, []string{"type"})
	EnqueueFailures  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueue_failures_total", Help: "Enqueue calls rejected because the broker was unavailable"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	WorkerRetries    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts scheduled for retry"}, []string{"type"})
	WorkerFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that exhausted their attempts"}, []string{"type"})
	StalledJobs      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_stalled_total", Help: "Active jobs reclaimed after their lease expired"}, []string{"type"})
	EvictedJobs      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_evicted_total", Help: "Terminal jobs evicted after the retention window"}, []string{"type"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Pending list length per queue"}, []string{"type"})
	InFlightGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently being processed by this worker"}, []string{"type"})
	HandlerDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobs_handler_duration_seconds",
		Help:    "Processor call latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"type", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			EnqueueFailures,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerFailures,
			StalledJobs,
			EvictedJobs,
			QueueDepthGauge,
			InFlightGauge,
			HandlerDuration,
		)
	})
	return promhttp.Handler()
}
