package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	case out.Counter != nil:
		return out.Counter.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestNewMetrics_Singleton(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}

func TestMetrics_Capability(t *testing.T) {
	m := NewMetrics()

	m.UpdateCapability("unknown")
	assert.Equal(t, -1.0, value(t, m.llmAvailable))
	m.UpdateCapability("available")
	assert.Equal(t, 1.0, value(t, m.llmAvailable))
	m.UpdateCapability("unavailable")
	assert.Equal(t, 0.0, value(t, m.llmAvailable))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	before := value(t, m.cyclesTotal.WithLabelValues("baseline", "ready"))
	m.RecordCycle("baseline", "ready", 20*time.Millisecond)
	assert.Equal(t, before+1, value(t, m.cyclesTotal.WithLabelValues("baseline", "ready")))

	staleBefore := value(t, m.staleResults)
	m.RecordStale()
	assert.Equal(t, staleBefore+1, value(t, m.staleResults))

	envBefore := value(t, m.envelopesTotal.WithLabelValues("keyed"))
	m.RecordEnvelope("keyed")
	m.RecordEnvelope("")
	assert.Equal(t, envBefore+1, value(t, m.envelopesTotal.WithLabelValues("keyed")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordCycle("llm", "failed", time.Second)
	m.RecordStale()
	m.RecordEnvelope("array")
	m.UpdateCapability("available")
	m.RecordProbeRequest()
	m.RecordExplanation("ok", time.Second)
	m.RecordAnalysis("error")
}
