package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision results used as metric labels.
const (
	ResultAllowed  = "allowed"
	ResultDenied   = "denied"
	ResultBlocked  = "blocked"
	ResultFailOpen = "fail_open"
)

// Check paths used as metric labels.
const (
	PathLocal       = "local"
	PathDistributed = "distributed"
)

// Metrics holds all Prometheus metrics of the engine.
type Metrics struct {
	decisionsTotal  *prometheus.CounterVec
	checkDuration   *prometheus.HistogramVec
	storeErrors     *prometheus.CounterVec
	fallbackTotal   *prometheus.CounterVec
	abuseAlerts     prometheus.Counter
	abuseBlocks     prometheus.Counter
	trackedKeys     prometheus.Gauge
	nodeHealth      *prometheus.GaugeVec
	nodeLatency     *prometheus.GaugeVec
	scriptDuration  *prometheus.HistogramVec
	topologyVersion prometheus.Gauge
	routableNodes   prometheus.Gauge
	eventsDropped   *prometheus.CounterVec
	eventsWritten   *prometheus.CounterVec
	sinkErrors      *prometheus.CounterVec
	circuitBreaker  *prometheus.GaugeVec
	configReloads   *prometheus.CounterVec
	buildInfo       *prometheus.GaugeVec
	startTime       prometheus.Gauge
	registry        *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avaguard"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of admission decisions",
		},
		[]string{"algorithm", "result"},
	)

	m.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Duration of admission checks in seconds",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"path"},
	)

	m.storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of shared store errors",
		},
		[]string{"node", "kind"},
	)

	m.fallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fallback_total",
			Help:      "Total number of checks served by the non-atomic fallback",
		},
		[]string{"node"},
	)

	m.abuseAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abuse_alerts_total",
			Help:      "Total number of abuse score alerts",
		},
	)

	m.abuseBlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abuse_blocks_total",
			Help:      "Total number of keys blocked for abuse",
		},
	)

	m.trackedKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_keys",
			Help:      "Number of keys with local state",
		},
	)

	m.nodeHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_health",
			Help:      "Store node health (1=healthy, 0.5=degraded, 0=unavailable)",
		},
		[]string{"node"},
	)

	m.nodeLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_latency_seconds",
			Help:      "Latency of the last health probe of a store node",
		},
		[]string{"node"},
	)

	m.scriptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "script_duration_seconds",
			Help:      "Duration of store script executions in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"script", "mode"},
	)

	m.topologyVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_version",
			Help:      "Version of the active routing table",
		},
	)

	m.routableNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routable_nodes",
			Help:      "Number of nodes in the active routing table",
		},
	)

	m.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because the queue was full",
		},
		[]string{"kind"},
	)

	m.eventsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_written_total",
			Help:      "Total number of events written to a sink",
		},
		[]string{"sink"},
	)

	m.sinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Total number of failed sink writes",
		},
		[]string{"sink"},
	)

	m.circuitBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	m.configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total number of configuration reloads",
		},
		[]string{"result"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the process in unix seconds",
		},
	)
	m.startTime.Set(float64(time.Now().Unix()))

	m.registry.MustRegister(
		m.decisionsTotal,
		m.checkDuration,
		m.storeErrors,
		m.fallbackTotal,
		m.abuseAlerts,
		m.abuseBlocks,
		m.trackedKeys,
		m.nodeHealth,
		m.nodeLatency,
		m.scriptDuration,
		m.topologyVersion,
		m.routableNodes,
		m.eventsDropped,
		m.eventsWritten,
		m.sinkErrors,
		m.circuitBreaker,
		m.configReloads,
		m.buildInfo,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordDecision counts one admission decision.
func (m *Metrics) RecordDecision(algorithm, result string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(algorithm, result).Inc()
}

// ObserveCheck records the latency of one check on the given path.
func (m *Metrics) ObserveCheck(path string, d time.Duration) {
	if m == nil {
		return
	}
	m.checkDuration.WithLabelValues(path).Observe(d.Seconds())
}

// RecordStoreError counts a shared store error of the given kind.
func (m *Metrics) RecordStoreError(node, kind string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(node, kind).Inc()
}

// RecordFallback counts a check served by the non-atomic fallback.
func (m *Metrics) RecordFallback(node string) {
	if m == nil {
		return
	}
	m.fallbackTotal.WithLabelValues(node).Inc()
}

// RecordAbuseAlert counts an abuse alert.
func (m *Metrics) RecordAbuseAlert() {
	if m == nil {
		return
	}
	m.abuseAlerts.Inc()
}

// RecordAbuseBlock counts an abuse block.
func (m *Metrics) RecordAbuseBlock() {
	if m == nil {
		return
	}
	m.abuseBlocks.Inc()
}

// SetTrackedKeys sets the number of keys held in local state.
func (m *Metrics) SetTrackedKeys(n int) {
	if m == nil {
		return
	}
	m.trackedKeys.Set(float64(n))
}

// SetNodeHealth records the health of a store node.
func (m *Metrics) SetNodeHealth(node string, value float64) {
	if m == nil {
		return
	}
	m.nodeHealth.WithLabelValues(node).Set(value)
}

// DeleteNode removes the series of a node that left the topology.
func (m *Metrics) DeleteNode(node string) {
	if m == nil {
		return
	}
	m.nodeHealth.DeleteLabelValues(node)
	m.nodeLatency.DeleteLabelValues(node)
}

// SetNodeLatency records the latency of the last probe of a store node.
func (m *Metrics) SetNodeLatency(node string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeLatency.WithLabelValues(node).Set(d.Seconds())
}

// ObserveScript records one script execution. mode is "atomic" or "fallback".
func (m *Metrics) ObserveScript(script, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.scriptDuration.WithLabelValues(script, mode).Observe(d.Seconds())
}

// SetRoutingTable records the version and size of the active routing table.
func (m *Metrics) SetRoutingTable(version uint64, nodes int) {
	if m == nil {
		return
	}
	m.topologyVersion.Set(float64(version))
	m.routableNodes.Set(float64(nodes))
}

// RecordEventDropped counts an event dropped by the dispatcher.
func (m *Metrics) RecordEventDropped(kind string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(kind).Inc()
}

// RecordEventsWritten counts events delivered to a sink.
func (m *Metrics) RecordEventsWritten(sink string, n int) {
	if m == nil {
		return
	}
	m.eventsWritten.WithLabelValues(sink).Add(float64(n))
}

// RecordSinkError counts a failed sink write.
func (m *Metrics) RecordSinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// SetCircuitBreakerState records a circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.circuitBreaker.WithLabelValues(name).Set(float64(state))
}

// RecordConfigReload counts a configuration reload attempt.
func (m *Metrics) RecordConfigReload(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
