// Package telemetry exposes Prometheus metrics and the in-process event bus
// that feeds the dashboard's SSE stream.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for fetch cycles and explanations.
type Metrics struct {
	cyclesTotal         *prometheus.CounterVec
	cycleDuration       *prometheus.HistogramVec
	staleResults        prometheus.Counter
	envelopesTotal      *prometheus.CounterVec
	llmAvailable        prometheus.Gauge
	probeRequests       prometheus.Counter
	explanationsTotal   *prometheus.CounterVec
	explanationDuration prometheus.Histogram
	analysesTotal       *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// NewMetrics returns the process-wide metrics collector, registering it on
// first use.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			cyclesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "anomaly_lens_cycles_total",
					Help: "Fetch cycles completed, by mode and final status",
				},
				[]string{"mode", "status"},
			),
			cycleDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "anomaly_lens_cycle_duration_seconds",
					Help:    "Duration of fetch cycles in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
			staleResults: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "anomaly_lens_stale_results_total",
					Help: "Fetch cycle results discarded because a newer cycle started",
				},
			),
			envelopesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "anomaly_lens_envelopes_total",
					Help: "Detection responses by recognized envelope shape",
				},
				[]string{"kind"},
			),
			llmAvailable: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "anomaly_lens_llm_available",
					Help: "LLM detection path capability (-1 = unknown, 0 = unavailable, 1 = available)",
				},
			),
			probeRequests: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "anomaly_lens_probe_requests_total",
					Help: "Health requests issued by the capability probe",
				},
			),
			explanationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "anomaly_lens_explanations_total",
					Help: "Explanation fetches, by outcome",
				},
				[]string{"status"},
			),
			explanationDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "anomaly_lens_explanation_duration_seconds",
					Help:    "Duration of explanation fetches in seconds",
					Buckets: prometheus.DefBuckets,
				},
			),
			analysesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "anomaly_lens_analyses_total",
					Help: "Ollama analyses, by outcome",
				},
				[]string{"status"},
			),
		}
	})
	return metricsInst
}

// RecordCycle records a finished fetch cycle.
func (m *Metrics) RecordCycle(mode, status string, duration time.Duration) {
	if m == nil {
		return
	}
	if mode == "" {
		mode = "unknown"
	}
	m.cyclesTotal.WithLabelValues(mode, status).Inc()
	m.cycleDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordStale records a discarded cycle result.
func (m *Metrics) RecordStale() {
	if m == nil {
		return
	}
	m.staleResults.Inc()
}

// RecordEnvelope records which response shape the normalizer matched.
func (m *Metrics) RecordEnvelope(kind string) {
	if m == nil || kind == "" {
		return
	}
	m.envelopesTotal.WithLabelValues(kind).Inc()
}

// UpdateCapability sets the capability gauge from a state name.
func (m *Metrics) UpdateCapability(state string) {
	if m == nil {
		return
	}
	switch state {
	case "available":
		m.llmAvailable.Set(1)
	case "unavailable":
		m.llmAvailable.Set(0)
	default:
		m.llmAvailable.Set(-1)
	}
}

// RecordProbeRequest counts a health request.
func (m *Metrics) RecordProbeRequest() {
	if m == nil {
		return
	}
	m.probeRequests.Inc()
}

// RecordExplanation records an explanation fetch outcome (ok|error|discarded).
func (m *Metrics) RecordExplanation(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.explanationsTotal.WithLabelValues(status).Inc()
	m.explanationDuration.Observe(duration.Seconds())
}

// RecordAnalysis records an Ollama analysis outcome.
func (m *Metrics) RecordAnalysis(status string) {
	if m == nil {
		return
	}
	m.analysesTotal.WithLabelValues(status).Inc()
}
