package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the admin HTTP server. A nil
// *Metrics records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	rateLimitAllowed  *prometheus.CounterVec
	rateLimitRejected *prometheus.CounterVec

	bodyLimitRejected prometheus.Counter
	panicsRecovered   prometheus.Counter
}

// NewMetrics creates the HTTP metrics and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of admin API requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Admin API request latency",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "route"},
		),
		rateLimitAllowed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "rate_limit_allowed_total",
				Help:      "Total number of admin API requests admitted by the rate limiter",
			},
			[]string{"route"},
		),
		rateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "rate_limit_rejected_total",
				Help:      "Total number of admin API requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
		bodyLimitRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "body_limit_rejected_total",
				Help:      "Total number of requests rejected due to body size limit",
			},
		),
		panicsRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "panics_recovered_total",
				Help:      "Total number of panics recovered",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.requestsTotal,
			m.requestDuration,
			m.rateLimitAllowed,
			m.rateLimitRejected,
			m.bodyLimitRejected,
			m.panicsRecovered,
		)
	}
	return m
}

func (m *Metrics) observeRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, route, status).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(seconds)
}

func (m *Metrics) rateLimit(route string, allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		m.rateLimitAllowed.WithLabelValues(route).Inc()
		return
	}
	m.rateLimitRejected.WithLabelValues(route).Inc()
}

func (m *Metrics) bodyLimit() {
	if m != nil {
		m.bodyLimitRejected.Inc()
	}
}

func (m *Metrics) panicked() {
	if m != nil {
		m.panicsRecovered.Inc()
	}
}
