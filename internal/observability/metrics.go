package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors shared by the web shell. Collectors are
// registered on a private registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	APIRequestsTotal    *prometheus.CounterVec
	RefreshAttempts     *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	SessionTransitions  *prometheus.CounterVec
	ActiveTabs          prometheus.Gauge
	GuardDecisionsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webshell_http_requests_total",
			Help: "Total number of HTTP requests served by the shell",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webshell_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webshell_api_requests_total",
			Help: "Outbound requests to the remote API by method, path and status class",
		}, []string{"method", "path", "status"}),
		RefreshAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webshell_api_refresh_attempts_total",
			Help: "Credential refresh attempts by outcome",
		}, []string{"outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "webshell_api_breaker_state",
			Help: "Remote API circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webshell_session_transitions_total",
			Help: "Session store state transitions by target state and cause",
		}, []string{"state", "cause"}),
		ActiveTabs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webshell_active_tabs",
			Help: "Tab sessions currently held in memory",
		}),
		GuardDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webshell_guard_decisions_total",
			Help: "Route guard decisions by outcome",
		}, []string{"decision"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.APIRequestsTotal,
		m.RefreshAttempts,
		m.BreakerState,
		m.SessionTransitions,
		m.ActiveTabs,
		m.GuardDecisionsTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
