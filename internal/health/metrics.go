package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for health checks. A nil *Metrics
// records nothing.
type Metrics struct {
	checksTotal *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec
}

// NewMetrics creates health metrics and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "checks_total",
				Help:      "Total number of health checks performed by result",
			},
			[]string{"check", "result"},
		),
		checkStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Current health check status (1=ok, 0.5=degraded, 0=error)",
			},
			[]string{"check"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.checksTotal, m.checkStatus)
	}
	return m
}

func (m *Metrics) record(check string, status Status) {
	if m == nil {
		return
	}
	m.checksTotal.WithLabelValues(check, string(status)).Inc()

	var v float64
	switch status {
	case StatusOK:
		v = 1
	case StatusDegraded:
		v = 0.5
	}
	m.checkStatus.WithLabelValues(check).Set(v)
}
