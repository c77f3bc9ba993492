package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opthub-org/opthub-runner/pkg/log"
	"github.com/opthub-org/opthub-runner/pkg/metrics"
)

// serveMetrics runs the Prometheus scrape endpoint for the lifetime of the
// process; a failure here is logged but never fatal to the dispatch loop.
func serveMetrics(addr string, reg *prometheus.Registry, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}
