package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anomaly-lens/internal/detect"
)

type recorded struct {
	method string
	path   string
	query  string
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []recorded
	srv   *httptest.Server
}

func newFakeBackend(t *testing.T, h http.HandlerFunc) *fakeBackend {
	t.Helper()
	f := &fakeBackend{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, recorded{method: r.Method, path: r.URL.EscapedPath(), query: r.URL.RawQuery})
		f.mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBackend) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestClient(t *testing.T, url string, endpoint DetectEndpoint) *Client {
	t.Helper()
	c, err := NewClient(Options{BaseURL: url, MaxBodyBytes: 1 << 20, Endpoint: endpoint})
	require.NoError(t, err)
	return c
}

func writeBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "localhost:8000"})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		want      bool
		malformed bool
	}{
		{"available", `{"status":"ok","llm_available":true}`, true, false},
		{"unavailable", `{"llm_available":false}`, false, false},
		{"missing field", `{"status":"ok"}`, false, true},
		{"wrong type", `{"llm_available":"yes"}`, false, true},
		{"not json", `<html>`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBackend(t, writeBody(tt.body))
			c := newTestClient(t, f.srv.URL, EndpointInfer)

			got, err := c.LLMAvailable(context.Background())
			if tt.malformed {
				require.Error(t, err)
				assert.True(t, errors.Is(err, detect.ErrMalformed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, recorded{method: http.MethodGet, path: "/health"}, f.last())
		})
	}
}

func TestDetect_Routes(t *testing.T) {
	tests := []struct {
		name     string
		endpoint DetectEndpoint
		mode     detect.Mode
		want     recorded
	}{
		{"infer llm", EndpointInfer, detect.ModeLLM, recorded{http.MethodPost, "/infer/llm", ""}},
		{"infer baseline", EndpointInfer, detect.ModeBaseline, recorded{http.MethodPost, "/infer", ""}},
		{"infer legacy", EndpointInfer, detect.ModeLegacy, recorded{http.MethodPost, "/infer/legacy", ""}},
		{"detect llm", EndpointDetectAnomalies, detect.ModeLLM, recorded{http.MethodGet, "/detect-anomalies", "use_llm=true"}},
		{"detect baseline", EndpointDetectAnomalies, detect.ModeBaseline, recorded{http.MethodGet, "/detect-anomalies", "use_llm=false"}},
		{"detect legacy", EndpointDetectAnomalies, detect.ModeLegacy, recorded{http.MethodPost, "/infer/legacy", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBackend(t, writeBody(`[]`))
			c := newTestClient(t, f.srv.URL, tt.endpoint)

			body, err := c.Detect(context.Background(), tt.mode)
			require.NoError(t, err)
			assert.Equal(t, "[]", string(body))
			assert.Equal(t, tt.want, f.last())
		})
	}
}

func TestDetect_Non2xxIsNetworkFailure(t *testing.T) {
	f := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})
	c := newTestClient(t, f.srv.URL, EndpointInfer)

	_, err := c.Detect(context.Background(), detect.ModeBaseline)
	require.Error(t, err)

	var de *detect.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, detect.KindNetwork, de.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, de.Status)
	assert.Contains(t, de.Preview, "model not loaded")
	assert.Equal(t, 1, f.count(), "no retries")
}

func TestDetect_TransportFailure(t *testing.T) {
	f := newFakeBackend(t, writeBody(`[]`))
	c := newTestClient(t, f.srv.URL, EndpointInfer)
	f.srv.Close()

	_, err := c.Detect(context.Background(), detect.ModeLLM)
	require.Error(t, err)
	assert.Equal(t, detect.KindNetwork, detect.KindOf(err))
}

func TestDetect_BodyLimit(t *testing.T) {
	f := newFakeBackend(t, writeBody(`[`+strings.Repeat(" ", 64)+`]`))
	c, err := NewClient(Options{BaseURL: f.srv.URL, MaxBodyBytes: 16})
	require.NoError(t, err)

	_, err = c.Detect(context.Background(), detect.ModeBaseline)
	require.Error(t, err)
	assert.Equal(t, detect.KindNetwork, detect.KindOf(err))
}

func TestDetect_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	f := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	c := newTestClient(t, f.srv.URL, EndpointInfer)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Detect(ctx, detect.ModeLLM)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, detect.KindNetwork, detect.KindOf(err))
}

func TestMetrics(t *testing.T) {
	f := newFakeBackend(t, writeBody(`{"totalTransactions":120,"anomaliesDetected":7,"modelAccuracy":93.5}`))
	c := newTestClient(t, f.srv.URL, EndpointInfer)

	m, err := c.Metrics(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, detect.Metrics{TotalTransactions: 120, AnomaliesDetected: 7, ModelAccuracy: 93.5}, m)
	assert.Equal(t, recorded{http.MethodGet, "/metrics", "use_llm=true"}, f.last())

	_, err = c.Metrics(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "use_llm=false", f.last().query)
}

func TestMetrics_Malformed(t *testing.T) {
	f := newFakeBackend(t, writeBody(`[1,2,3]`))
	c := newTestClient(t, f.srv.URL, EndpointInfer)

	_, err := c.Metrics(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, detect.KindMalformed, detect.KindOf(err))
}

func TestExplanation(t *testing.T) {
	f := newFakeBackend(t, writeBody(`{"explanation":"price spiked","model":"mistral"}`))
	c := newTestClient(t, f.srv.URL, EndpointInfer)

	got, err := c.Explanation(context.Background(), "2024-01-01 10:00")
	require.NoError(t, err)
	assert.Equal(t, detect.Explanation{Explanation: "price spiked", Model: "mistral"}, got)
	assert.Equal(t, "/explanations/2024-01-01%2010:00", f.last().path)
}

func TestExplanation_NotFound(t *testing.T) {
	f := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	c := newTestClient(t, f.srv.URL, EndpointInfer)

	_, err := c.Explanation(context.Background(), "a1")
	require.Error(t, err)
	assert.Equal(t, detect.KindNetwork, detect.KindOf(err))
}
