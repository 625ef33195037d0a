package telemetry

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// #region metrics
// Metrics are the pipeline counters, registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	retrievalSeconds      *prometheus.HistogramVec
	intermediateFallbacks *prometheus.CounterVec
	guardRejections       *prometheus.CounterVec
	executions            *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		retrievalSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "helpdesk",
			Name:      "retrieval_seconds",
			Help:      "Retrieval latency by strategy.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		intermediateFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "intermediate_fallbacks_total",
			Help:      "Generated intermediates replaced by the deterministic synthesis.",
		}, []string{"reason"}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "guard_rejections_total",
			Help:      "Proposed comment summaries rejected by the guard.",
		}, []string{"reason"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "executions_total",
			Help:      "Pipeline runs by execution result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.retrievalSeconds,
		m.intermediateFallbacks,
		m.guardRejections,
		m.executions,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRetrieval(strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.retrievalSeconds.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) IntermediateFallback(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.intermediateFallbacks.WithLabelValues(ReasonLabel(reason)).Inc()
}

func (m *Metrics) GuardRejected(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.guardRejections.WithLabelValues(ReasonLabel(reason)).Inc()
}

func (m *Metrics) Executed(result string) {
	if m == nil || result == "" {
		return
	}
	m.executions.WithLabelValues(result).Inc()
}

// ReasonLabel bounds label cardinality: error reasons carry free-form
// messages after the first colon, which are dropped.
func ReasonLabel(reason string) string {
	if strings.HasPrefix(reason, "llm_error") {
		return "llm_error"
	}
	return reason
}

// #endregion metrics
