// Package explain loads natural-language explanations for anomalies and
// tracks which one the user currently has selected.
package explain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"anomaly-lens/internal/detect"
	"anomaly-lens/internal/telemetry"
)

// Source serves explanations by anomaly key.
type Source interface {
	Explanation(ctx context.Context, key string) (detect.Explanation, error)
}

// Status of the current selection.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Selection is the explanation state for the anomaly the user picked.
type Selection struct {
	Token       uint64              `json:"token"`
	Key         string              `json:"key,omitempty"`
	Status      Status              `json:"status"`
	Explanation *detect.Explanation `json:"explanation,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Options configures a Fetcher.
type Options struct {
	Timeout    time.Duration
	RatePerSec float64 // <= 0 disables pacing
	Metrics    *telemetry.Metrics
	Events     *telemetry.EventBus
	Logger     *slog.Logger
}

// Fetcher issues explanation requests. It keeps its own selection state and
// never reads or writes the orchestration view.
type Fetcher struct {
	src     Source
	timeout time.Duration
	limiter *rate.Limiter
	metrics *telemetry.Metrics
	events  *telemetry.EventBus
	logger  *slog.Logger

	mu     sync.Mutex
	token  uint64
	cancel context.CancelFunc
	cur    Selection
	wg     sync.WaitGroup
}

// NewFetcher creates a fetcher backed by src.
func NewFetcher(src Source, opts Options) *Fetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &Fetcher{
		src:     src,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(limit, 1),
		metrics: opts.Metrics,
		events:  opts.Events,
		logger:  logger,
		cur:     Selection{Status: StatusIdle},
	}
}

// Fetch requests the explanation for key. Each call is one request; nothing
// is cached. Every failure is an ExplanationFailure wrapping the cause.
func (f *Fetcher) Fetch(ctx context.Context, key string) (detect.Explanation, error) {
	if key == "" {
		return detect.Explanation{}, detect.NewError(detect.KindExplanation, "explanation", errors.New("empty key"))
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return detect.Explanation{}, detect.NewError(detect.KindExplanation, "explanation", err)
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	exp, err := f.src.Explanation(ctx, key)
	if err != nil {
		f.metrics.RecordExplanation("failed", time.Since(start))
		return detect.Explanation{}, detect.NewError(detect.KindExplanation, "explanation", err)
	}
	f.metrics.RecordExplanation("ready", time.Since(start))
	return exp, nil
}

// Select makes key the current selection, cancels the fetch of any previous
// selection and starts a fresh one. The returned token identifies this
// selection; its result is applied only while the token is current.
//
// The fetch outlives ctx's cancellation; it ends when superseded or cleared.
func (f *Fetcher) Select(ctx context.Context, key string) uint64 {
	f.mu.Lock()
	f.token++
	token := f.token
	if f.cancel != nil {
		f.cancel()
	}
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.cur = Selection{Token: token, Key: key, Status: StatusLoading}
	f.wg.Add(1)
	f.mu.Unlock()

	go f.run(fctx, cancel, token, key)
	return token
}

func (f *Fetcher) run(ctx context.Context, cancel context.CancelFunc, token uint64, key string) {
	defer f.wg.Done()
	defer cancel()

	exp, err := f.Fetch(ctx, key)

	f.mu.Lock()
	defer f.mu.Unlock()
	if token != f.token {
		f.logger.Debug("dropping superseded explanation", "key", key, "token", token)
		return
	}

	if err != nil {
		f.cur = Selection{Token: token, Key: key, Status: StatusFailed, Error: detect.UserMessage(err)}
		f.logger.Warn("explanation fetch failed", "key", key, "err", err)
		f.events.Publish(telemetry.Event{
			Type:      telemetry.EventExplanationFailed,
			Timestamp: time.Now(),
			Key:       key,
			Error:     f.cur.Error,
		})
		return
	}

	f.cur = Selection{Token: token, Key: key, Status: StatusReady, Explanation: &exp}
	f.events.Publish(telemetry.Event{
		Type:      telemetry.EventExplanationReady,
		Timestamp: time.Now(),
		Key:       key,
	})
}

// Clear drops the selection. A fetch still in flight is cancelled and its
// result discarded.
func (f *Fetcher) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token++
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.cur = Selection{Token: f.token, Status: StatusIdle}
}

// Current returns a copy of the selection state.
func (f *Fetcher) Current() Selection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

// Wait blocks until every started fetch has returned.
func (f *Fetcher) Wait() {
	f.wg.Wait()
}
