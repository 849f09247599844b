// Package metrics exposes AILink's pull-based Prometheus surface at
// /metrics (spec §6 "Observability"), separate from pkg/observability's
// OTLP push path: the two cover the same RED signals through two transports
// because the spec requires an unauthenticated scrape endpoint regardless
// of whether an OTel collector is configured.
//
// Grounded on the retrieval pack's envoy AI gateway, which registers its
// request/latency/error counters on a prometheus.Registry and serves it
// through promhttp.HandlerFor from an admin mux (cmd/extproc/mainlib/admin.go).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters/histograms/gauges spec §6 names as the
// minimum required surface: request count by method/status/token, proxy
// latency histogram, upstream errors by url/kind, cache hits/misses, active
// tokens gauge, CB state transitions counter.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	ProxyLatency     *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	ActiveTokens     prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec
	AuditDegraded    prometheus.Counter
	AuditDropped     prometheus.Counter
}

// New registers every collector on a fresh prometheus.Registry and returns
// the bundle. Callers expose Handler() under /metrics.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailink",
			Name:      "requests_total",
			Help:      "Total requests processed by the data plane, by method/status/token.",
		}, []string{"method", "status", "token_id"}),
		ProxyLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ailink",
			Name:      "proxy_latency_seconds",
			Help:      "End-to-end pipeline latency from ingress-parse to egress-write.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailink",
			Name:      "upstream_errors_total",
			Help:      "Upstream dispatch errors, by upstream URL and failure kind.",
		}, []string{"upstream", "kind"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailink",
			Name:      "cache_lookups_total",
			Help:      "Tiered cache (C4) lookups, by tier and outcome.",
		}, []string{"tier", "outcome"}),
		ActiveTokens: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ailink",
			Name:      "active_tokens",
			Help:      "Distinct virtual tokens observed in the in-process cache tier.",
		}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailink",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions, by upstream and resulting state.",
		}, []string{"upstream", "state"}),
		AuditDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ailink",
			Name:      "audit_degraded_total",
			Help:      "Audit records written in core-fields-only form under back-pressure.",
		}),
		AuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ailink",
			Name:      "audit_dropped_total",
			Help:      "Audit records dropped entirely under sustained back-pressure.",
		}),
	}
	return r
}

// Handler returns the promhttp handler for this registry's collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
