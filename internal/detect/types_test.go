package detect

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMetrics(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Metrics
	}{
		{"camel", `{"totalTransactions":120,"anomaliesDetected":6,"modelAccuracy":94.5}`, Metrics{120, 6, 94.5}},
		{"snake", `{"total_transactions":10,"anomalies_detected":1,"model_accuracy":80}`, Metrics{10, 1, 80}},
		{"wrapped", `{"data":{"totalTransactions":3,"anomaliesDetected":0,"modelAccuracy":50}}`, Metrics{3, 0, 50}},
		{"clamped", `{"totalTransactions":-4,"anomaliesDetected":-1,"modelAccuracy":140}`, Metrics{0, 0, 100}},
		{"missing", `{}`, Metrics{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMetrics([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DecodeMetrics([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" LLM ")
	require.NoError(t, err)
	assert.Equal(t, ModeLLM, m)
	assert.True(t, m.UseLLM())
	assert.False(t, ModeLegacy.UseLLM())

	_, err = ParseMode("turbo")
	assert.Error(t, err)
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("cycle: %w", &Error{Kind: KindNetwork, Op: "detect", Status: 502})
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.False(t, errors.Is(err, ErrMalformed))
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "status 502")

	assert.Equal(t, "No data available", UserMessage(ErrEmpty))
	assert.Equal(t, "", UserMessage(nil))
}
