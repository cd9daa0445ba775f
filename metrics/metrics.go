// Package metrics exposes Prometheus counters and gauges for the
// helper's resolve/prefetch/reload activity, optionally served over a
// localhost HTTP listener for scraping.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the helper's metrics behind one Prometheus
// registry, mirroring ipiton-alert-history-service's
// pkg/metrics/prometheus.go package-level-registry idiom.
type Registry struct {
	reg *prometheus.Registry

	ResolveTotal     *prometheus.CounterVec
	PrefetchTotal    *prometheus.CounterVec
	PrefetchQueueLen prometheus.Gauge
	ReloadTotal      *prometheus.CounterVec
}

// NewRegistry builds a fresh, unregistered-with-anything Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storeidhelper",
			Name:      "resolve_total",
			Help:      "URL resolutions by outcome (hit, miss, cached).",
		}, []string{"outcome"}),
		PrefetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storeidhelper",
			Name:      "prefetch_total",
			Help:      "Prefetch attempts by outcome (fetched, cache_hit, dropped, error).",
		}, []string{"outcome"}),
		PrefetchQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storeidhelper",
			Name:      "prefetch_queue_length",
			Help:      "Current depth of the prefetch queue.",
		}),
		ReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storeidhelper",
			Name:      "config_reload_total",
			Help:      "Config reload attempts by outcome (success, failure).",
		}, []string{"outcome"}),
	}

	reg.MustRegister(r.ResolveTotal, r.PrefetchTotal, r.PrefetchQueueLen, r.ReloadTotal)
	return r
}

// Handler returns the HTTP handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts a best-effort localhost metrics listener on addr and
// runs until ctx is cancelled. A listen failure is returned to the
// caller to log; it never affects the core stdio contract.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
