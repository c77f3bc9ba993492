// Package metrics exposes the worker's Prometheus metrics. The teacher's
// monitoring stack is consumer-side (it queries an existing Prometheus
// server); this worker is itself the thing being monitored, so the same
// client_golang module is used from its emitter side (promauto/promhttp)
// instead.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram the dispatch loop updates.
type Metrics struct {
	JobsReceived        prometheus.Counter
	JobsSucceeded        prometheus.Counter
	JobsFailed           *prometheus.CounterVec
	ContainerDuration    prometheus.Histogram
	VisibilityExtensions prometheus.Counter
}

// New registers and returns a Metrics instance against a fresh registry.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		JobsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "opthub_runner_jobs_received_total",
			Help: "Number of jobs received from the queue.",
		}),
		JobsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "opthub_runner_jobs_succeeded_total",
			Help: "Number of jobs that completed successfully.",
		}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opthub_runner_jobs_failed_total",
			Help: "Number of jobs that failed, labeled by error class.",
		}, []string{"class"}),
		ContainerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "opthub_runner_container_duration_seconds",
			Help:    "Wall-clock duration of container executions.",
			Buckets: prometheus.DefBuckets,
		}),
		VisibilityExtensions: factory.NewCounter(prometheus.CounterOpts{
			Name: "opthub_runner_visibility_extensions_total",
			Help: "Number of times a message's visibility timeout was doubled.",
		}),
	}, reg
}

// Handler returns the HTTP handler to serve metrics on metrics_addr.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
