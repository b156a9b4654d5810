// Package metrics exposes the manager's Prometheus
// instrumentation: cache hit/miss/eviction counters and byte-resident
// gauges, registered against a private registry so tests can construct an
// isolated Recorder without touching prometheus.DefaultRegisterer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements pkg/manager.Recorder, backing every hook with a
// Prometheus metric. A nil *Recorder is safe to call methods on: every
// method is a no-op, so callers that run with metrics disabled can pass nil
// without guarding every call site.
type Recorder struct {
	registry    *prometheus.Registry
	policyLabel string

	hits          prometheus.Counter
	misses        prometheus.Counter
	evictions     *prometheus.CounterVec
	bytesResident prometheus.Gauge
}

// New constructs a Recorder registered against a fresh, private registry.
// policyLabel names the eviction policy in use, so eviction counts can be
// compared across a fleet running mixed policies.
func New(policyLabel string) *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry:    reg,
		policyLabel: policyLabel,
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockcache_hits_total",
			Help: "Total number of local cache hits.",
		}),
		misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockcache_misses_total",
			Help: "Total number of local cache misses that required a fetch.",
		}),
		evictions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blockcache_evictions_total",
			Help: "Total number of blocks evicted from the local cache, by policy.",
		}, []string{"policy"}),
		bytesResident: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blockcache_bytes_resident",
			Help: "Current number of bytes resident in the local cache.",
		}),
	}
	r.evictions.WithLabelValues(policyLabel)
	return r
}

func (r *Recorder) Hit() {
	if r == nil {
		return
	}
	r.hits.Inc()
}

func (r *Recorder) Miss() {
	if r == nil {
		return
	}
	r.misses.Inc()
}

func (r *Recorder) Eviction() {
	if r == nil {
		return
	}
	r.evictions.WithLabelValues(r.policyLabel).Inc()
}

func (r *Recorder) BytesResident(n uint64) {
	if r == nil {
		return
	}
	r.bytesResident.Set(float64(n))
}

// Handler returns the HTTP handler serving this Recorder's metrics in the
// Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
