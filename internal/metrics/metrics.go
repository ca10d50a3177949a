// Package metrics exposes FlowGate's Prometheus metrics (§6.3's
// admin /metrics surface): request counts and latency, upstream health,
// and cache hit/miss counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric FlowGate exports, registered once
// against a dedicated prometheus.Registry so the admin endpoint never
// pulls in Go-runtime defaults the operator didn't ask for.
type Registry struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UpstreamHealth  *prometheus.GaugeVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	ActiveConns     prometheus.Gauge

	reg *prometheus.Registry
}

// NewRegistry builds and registers all of FlowGate's metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Name:      "requests_total",
			Help:      "Total number of requests handled, labeled by route and status class.",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgate",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		UpstreamHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowgate",
			Name:      "upstream_healthy",
			Help:      "1 if the upstream is currently healthy, 0 otherwise.",
		}, []string{"upstream"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowgate",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowgate",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowgate",
			Name:      "active_connections",
			Help:      "Number of in-flight requests currently being proxied.",
		}),
	}
	reg.MustRegister(r.Requests, r.RequestDuration, r.UpstreamHealth, r.CacheHits, r.CacheMisses, r.ActiveConns)
	return r
}

// Gatherer exposes the underlying registry for the admin handler's
// promhttp.HandlerFor call.
func (r *Registry) Gatherer() *prometheus.Registry { return r.reg }

// ObserveRequest records one completed request's outcome.
func (r *Registry) ObserveRequest(route, statusClass string, d time.Duration) {
	r.Requests.WithLabelValues(route, statusClass).Inc()
	r.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// SetUpstreamHealthy records an upstream's current health state.
func (r *Registry) SetUpstreamHealthy(upstream string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.UpstreamHealth.WithLabelValues(upstream).Set(v)
}

// StatusClass buckets an HTTP status code into the label used by
// Requests ("2xx", "3xx", "4xx", "5xx", or "other").
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}
