// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	FailuresTotal    *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	PoolLive         *prometheus.GaugeVec
	PoolIdle         *prometheus.GaugeVec
	PoolWaiting      *prometheus.GaugeVec
	BackendHealthy   *prometheus.GaugeVec
	RateLimitedTotal prometheus.Counter
}

// New registers the gateway's collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by backend, method, and status.",
		}, []string{"backend", "method", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration by backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Dispatch failures by backend and kind.",
		}, []string{"backend", "kind"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts by backend.",
		}, []string{"backend"}),
		PoolLive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_live_connections",
			Help:      "Live pooled connections by backend.",
		}, []string{"backend"}),
		PoolIdle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_idle_connections",
			Help:      "Idle pooled connections by backend.",
		}, []string{"backend"}),
		PoolWaiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_waiting_requests",
			Help:      "Requests waiting for a pooled connection by backend.",
		}, []string{"backend"}),
		BackendHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_healthy",
			Help:      "Backend health per the advisory health checker (1 healthy, 0 unhealthy).",
		}, []string{"backend"}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
}

// ObserveRequest records a completed proxied request.
func (m *Metrics) ObserveRequest(backend, method, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(backend, method, status).Inc()
	m.RequestDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// ObserveFailure records a dispatch failure.
func (m *Metrics) ObserveFailure(backend, kind string) {
	m.FailuresTotal.WithLabelValues(backend, kind).Inc()
}

// SetPoolStats updates pool occupancy gauges for a backend.
func (m *Metrics) SetPoolStats(backend string, live, idle, waiting int) {
	m.PoolLive.WithLabelValues(backend).Set(float64(live))
	m.PoolIdle.WithLabelValues(backend).Set(float64(idle))
	m.PoolWaiting.WithLabelValues(backend).Set(float64(waiting))
}

// SetBackendHealth updates a backend's health gauge.
func (m *Metrics) SetBackendHealth(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.BackendHealthy.WithLabelValues(backend).Set(v)
}
