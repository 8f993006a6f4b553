// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Metrics exposition for the proxy stat store. The registry is private so
// the admin surface only ever sees proxy metrics.

package control

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/momentics/hioload-proxy/stats"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "hioload_proxy"

// NewMetricsHandler builds an HTTP handler scraping store.
func NewMetricsHandler(store *stats.Store) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(stats.NewCollector(store, MetricsNamespace))
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
