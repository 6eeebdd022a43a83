package secgw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	authDenied      *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	activeRequests  prometheus.Gauge
	rateLimited     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secgw",
			Name:      "requests_total",
			Help:      "Total number of inbound requests by route, method and status.",
		}, []string{"route", "method", "status"}),

		authDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secgw",
			Name:      "auth_denied_total",
			Help:      "Requests rejected for lack of an authenticated client certificate.",
		}, []string{"route"}),

		forwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "secgw",
			Name:      "forward_duration_seconds",
			Help:      "Upstream round trip duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "status"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secgw",
			Name:      "upstream_errors_total",
			Help:      "Forwarding attempts that failed before a complete upstream response.",
		}, []string{"reason"}),

		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "secgw",
			Name:      "active_requests",
			Help:      "Number of requests currently being served.",
		}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "secgw",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-caller rate limiter.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.authDenied,
		m.forwardDuration,
		m.upstreamErrors,
		m.activeRequests,
		m.rateLimited,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a served request. Methods outside the forwardable
// set, HEAD and OPTIONS are counted as "OTHER".
func (m *Metrics) RecordRequest(route, method string, status int) {
	m.requestsTotal.WithLabelValues(route, methodLabel(method), strconv.Itoa(status)).Inc()
}

func methodLabel(method string) string {
	if _, err := ParseMethod(method); err == nil {
		return method
	}
	switch method {
	case http.MethodHead, http.MethodOptions:
		return method
	}
	return "OTHER"
}

// RecordAuthDenied records a 401 from the access policy.
func (m *Metrics) RecordAuthDenied(route string) {
	m.authDenied.WithLabelValues(route).Inc()
}

// RecordForward records a completed upstream round trip.
func (m *Metrics) RecordForward(method string, status int, d time.Duration) {
	m.forwardDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}

// RecordUpstreamError records a forwarding failure by reason.
func (m *Metrics) RecordUpstreamError(reason string) {
	m.upstreamErrors.WithLabelValues(reason).Inc()
}

// IncActiveRequests increments the in-flight request gauge.
func (m *Metrics) IncActiveRequests() {
	m.activeRequests.Inc()
}

// DecActiveRequests decrements the in-flight request gauge.
func (m *Metrics) DecActiveRequests() {
	m.activeRequests.Dec()
}

// RecordRateLimited records a throttled request.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}
