// Package runtime holds process-level wiring shared by the serve path:
// metrics registry, metrics endpoint and database handles.
package runtime

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry owns the Prometheus registry the process reports through.
type Telemetry struct {
	registry *prometheus.Registry
}

// NewTelemetry builds a registry preloaded with the standard process and Go
// runtime collectors.
func NewTelemetry() *Telemetry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Telemetry{registry: reg}
}

// Registry exposes the registry so components can register their collectors.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// Handler returns the /metrics HTTP handler for this registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// ServeMetrics runs a standalone metrics endpoint on the given port. Used
// when the HTTP API is disabled but scraping is still wanted.
func (t *Telemetry) ServeMetrics(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
