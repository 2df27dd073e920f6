package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	CostUSD          *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter

	// Per-member circuit breaker metrics (internal/circuitbreaker wraps
	// every outbound provider call during Stage 1/2/3 dispatch).
	MemberCircuitState  *prometheus.GaugeVec // 0=closed, 1=open, 2=half-open, labeled by model
	MemberFallbackTotal *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_requests_total",
			Help: "Total provider requests dispatched by the council engine",
		}, []string{"stage", "model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_request_latency_ms",
			Help:    "Provider request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"stage", "model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_cost_usd_total",
			Help: "Estimated USD cost of council runs",
		}, []string{"model", "provider"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "council_rate_limited_total",
			Help: "Total provider requests rejected with a transient rate-limit error",
		}),
		MemberCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "council_member_circuit_state",
			Help: "Per-member circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"model"}),
		MemberFallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_member_fallback_total",
			Help: "Total dispatches that bypassed a tripped member circuit via substitute/drop",
		}, []string{"model"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.CostUSD, m.RateLimitedTotal, m.MemberCircuitState, m.MemberFallbackTotal)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
