package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autonomy"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	auditFailures    prometheus.Counter
	executions       *prometheus.CounterVec
	nodeDuration     *prometheus.HistogramVec
	triggerDropped   *prometheus.CounterVec
	streamed         *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gatekeeper_decisions_total",
			Help:      "Gatekeeper decisions by outcome.",
		}, []string{"decision"}),
		decisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gatekeeper_decision_seconds",
			Help:      "Time to reach a gatekeeper decision, including the audit write.",
			Buckets:   prometheus.DefBuckets,
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gatekeeper_audit_failures_total",
			Help:      "Decision log writes that failed.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Finished workflow executions by status.",
		}, []string{"status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_node_seconds",
			Help:      "Workflow node run time by node type.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"type"}),
		triggerDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_dropped_total",
			Help:      "Trigger events that did not start a run, by reason.",
		}, []string{"reason"}),
		streamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_stream_total",
			Help:      "Decision log rows exported, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.decisions,
		m.decisionDuration,
		m.auditFailures,
		m.executions,
		m.nodeDuration,
		m.triggerDropped,
		m.streamed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObserveDecision(decision string, d time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
	m.decisionDuration.Observe(d.Seconds())
}

func (m *Metrics) AuditFailed() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *Metrics) ObserveExecution(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveNode(nodeType string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

func (m *Metrics) TriggerDropped(reason string) {
	if m == nil {
		return
	}
	m.triggerDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveStream(result string) {
	if m == nil {
		return
	}
	m.streamed.WithLabelValues(result).Inc()
}
