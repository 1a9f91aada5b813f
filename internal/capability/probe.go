// Package capability decides whether the LLM-augmented detection path can be
// used and which mode a fetch cycle should target.
package capability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"anomaly-lens/internal/detect"
	"anomaly-lens/internal/telemetry"
)

// State is the memoized result of the health probe.
type State int

const (
	StateUnknown State = iota
	StateAvailable
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HealthChecker reports whether the backend exposes the LLM path.
type HealthChecker interface {
	LLMAvailable(ctx context.Context) (bool, error)
}

// Probe checks LLM availability once and remembers the answer for its
// lifetime. A failed check is a normal result: it resolves to unavailable.
type Probe struct {
	checker HealthChecker
	timeout time.Duration
	metrics *telemetry.Metrics
	events  *telemetry.EventBus
	logger  *slog.Logger

	mu       sync.Mutex // held for the duration of the single probe
	state    State
	requests int

	resolved atomic.Int32 // mirrors state for lock-free reads
}

// NewProbe creates a probe. timeout bounds the health request; zero means
// no bound beyond the checker's own.
func NewProbe(checker HealthChecker, timeout time.Duration, metrics *telemetry.Metrics, events *telemetry.EventBus, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	metrics.UpdateCapability(StateUnknown.String())
	return &Probe{
		checker: checker,
		timeout: timeout,
		metrics: metrics,
		events:  events,
		logger:  logger,
	}
}

// Probe returns true if the LLM path is available. The first call issues the
// health request; concurrent callers wait for it, and later calls return the
// cached answer without any I/O.
//
// The request runs detached from ctx's cancellation so that an abandoned
// caller cannot settle the cache as unavailable.
func (p *Probe) Probe(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateUnknown {
		return p.state == StateAvailable
	}

	pctx := context.WithoutCancel(ctx)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(pctx, p.timeout)
		defer cancel()
	}

	p.requests++
	p.metrics.RecordProbeRequest()
	available, err := p.checker.LLMAvailable(pctx)
	if err != nil {
		perr := detect.NewError(detect.KindProbe, "health", err)
		p.logger.Debug("capability probe failed, treating llm as unavailable", "err", perr)
		available = false
	}

	if available {
		p.state = StateAvailable
	} else {
		p.state = StateUnavailable
	}
	p.resolved.Store(int32(p.state))

	p.metrics.UpdateCapability(p.state.String())
	p.events.Publish(telemetry.Event{
		Type:       telemetry.EventCapabilityResolved,
		Timestamp:  time.Now(),
		Capability: p.state.String(),
	})
	p.logger.Info("llm capability resolved", "state", p.state.String())

	return available
}

// State returns the cached state without probing. It reports unknown while
// the first probe is in flight.
func (p *Probe) State() State {
	return State(p.resolved.Load())
}

// Requests returns how many health requests were issued.
func (p *Probe) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}
