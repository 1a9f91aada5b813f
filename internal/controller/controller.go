// Package controller runs the dashboard's load cycle: pick a mode, fetch
// metrics and detection results together, and publish one consistent view.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"anomaly-lens/internal/capability"
	"anomaly-lens/internal/detect"
	"anomaly-lens/internal/storage"
	"anomaly-lens/internal/telemetry"
)

// State of the view.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Triggers that start a cycle.
const (
	TriggerMount   = "mount"
	TriggerMode    = "mode"
	TriggerRefresh = "refresh"
)

// MetricsUnavailable is shown when only the metrics fetch failed.
const MetricsUnavailable = "Metrics are temporarily unavailable"

// ModeSelector picks the mode for a cycle.
type ModeSelector interface {
	Select(ctx context.Context, preferLLM bool) detect.Mode
}

// CapabilityReporter exposes the cached capability without probing.
type CapabilityReporter interface {
	State() capability.State
}

// Backend serves the two fetches of a cycle.
type Backend interface {
	Detect(ctx context.Context, mode detect.Mode) ([]byte, error)
	Metrics(ctx context.Context, useLLM bool) (detect.Metrics, error)
}

// View is the presentation model. A View returned by Snapshot is never
// mutated afterwards.
type View struct {
	Generation   uint64         `json:"generation"`
	State        State          `json:"state"`
	PreferLLM    bool           `json:"prefer_llm"`
	Mode         detect.Mode    `json:"mode,omitempty"`
	Capability   string         `json:"capability"`
	Metrics      detect.Metrics `json:"metrics"`
	Result       detect.Result  `json:"result"`
	Error        string         `json:"error,omitempty"`
	MetricsError string         `json:"metrics_error,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Options configures a Controller.
type Options struct {
	PreferLLM bool
	Location  *time.Location // display zone for point dates; nil means UTC
	Store     storage.Store  // nil disables history
	Metrics   *telemetry.Metrics
	Events    *telemetry.EventBus
	Logger    *slog.Logger
	Now       func() time.Time
}

// Controller owns the current view. All entry points are safe for
// concurrent use; the newest trigger always wins.
type Controller struct {
	selector ModeSelector
	caps     CapabilityReporter
	backend  Backend
	loc      *time.Location
	store    storage.Store
	metrics  *telemetry.Metrics
	events   *telemetry.EventBus
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	view   View
	points []detect.Point
	stale  int

	wg sync.WaitGroup
}

// New creates a controller in the idle state.
func New(selector ModeSelector, caps CapabilityReporter, backend Backend, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		selector: selector,
		caps:     caps,
		backend:  backend,
		loc:      loc,
		store:    opts.Store,
		metrics:  opts.Metrics,
		events:   opts.Events,
		logger:   logger,
		now:      now,
	}
	c.view = View{
		State:      StateIdle,
		PreferLLM:  opts.PreferLLM,
		Capability: c.capability(),
		Result:     detect.EmptyResult(),
		UpdatedAt:  now(),
	}
	return c
}

// Start runs the initial cycle.
func (c *Controller) Start(ctx context.Context) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked(ctx, TriggerMount, "")
}

// SetPreferLLM changes the user's preference and starts a cycle for it,
// returning that cycle's generation. When the preference is unchanged it
// does nothing and returns the current generation with changed false.
func (c *Controller) SetPreferLLM(ctx context.Context, prefer bool) (gen uint64, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view.PreferLLM == prefer {
		return c.gen, false
	}
	c.view.PreferLLM = prefer
	c.events.Publish(telemetry.Event{
		Type:      telemetry.EventModeChanged,
		Timestamp: c.now(),
		PreferLLM: &prefer,
	})
	return c.beginLocked(ctx, TriggerMode, ""), true
}

// Refresh re-fetches. An empty force selects the mode automatically;
// otherwise the cycle targets force and skips selection.
func (c *Controller) Refresh(ctx context.Context, force detect.Mode) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked(ctx, TriggerRefresh, force)
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view
	// capability can resolve while a cycle is still loading
	v.Capability = c.capability()
	return v
}

// Points returns the normalized sequence behind the current view, in
// backend order. It is empty unless the view is ready. The slice is a copy.
func (c *Controller) Points() []detect.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.points)
}

// StaleDiscarded returns how many finished cycles were superseded before
// they could be applied.
func (c *Controller) StaleDiscarded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Wait blocks until every started cycle has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Stop cancels the running cycle and waits for all cycles to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// beginLocked supersedes the running cycle and starts a new one. c.mu must
// be held.
func (c *Controller) beginLocked(ctx context.Context, trigger string, force detect.Mode) uint64 {
	c.gen++
	gen := c.gen
	if c.cancel != nil {
		c.cancel()
	}

	// cycles belong to the controller, not to the request that triggered them
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	start := c.now()
	c.view.Generation = gen
	c.view.State = StateLoading
	c.view.Error = ""
	c.view.MetricsError = ""
	c.view.UpdatedAt = start

	prefer := c.view.PreferLLM
	c.events.Publish(telemetry.Event{
		Type:       telemetry.EventCycleStarted,
		Timestamp:  start,
		Generation: gen,
		Trigger:    trigger,
		PreferLLM:  &prefer,
		Mode:       string(force),
	})

	c.wg.Add(1)
	go c.run(cctx, cancel, cycle{gen: gen, trigger: trigger, preferLLM: prefer, force: force, start: start})
	return gen
}

type cycle struct {
	gen       uint64
	trigger   string
	preferLLM bool
	force     detect.Mode
	start     time.Time
}

// outcome is what the two fetches of one cycle produced.
type outcome struct {
	mode       detect.Mode
	metrics    detect.Metrics
	metricsErr error
	points     []detect.Point
	envelope   detect.Envelope
	detectErr  error
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, cy cycle) {
	defer c.wg.Done()
	defer cancel()

	out := c.fetch(ctx, cy)
	c.apply(cy, out)
}

// fetch selects the mode and runs both requests concurrently. Each
// goroutine keeps its own failure, so one cannot cancel or mask the other.
func (c *Controller) fetch(ctx context.Context, cy cycle) outcome {
	out := outcome{mode: cy.force}
	if out.mode == "" {
		out.mode = c.selector.Select(ctx, cy.preferLLM)
	}

	var g errgroup.Group
	g.Go(func() error {
		out.metrics, out.metricsErr = c.backend.Metrics(ctx, out.mode.UseLLM())
		return nil
	})
	g.Go(func() error {
		body, err := c.backend.Detect(ctx, out.mode)
		if err != nil {
			out.detectErr = err
			return nil
		}
		points, env, err := detect.Normalize(body, c.now())
		if err != nil {
			out.detectErr = err
			return nil
		}
		if len(points) == 0 {
			out.detectErr = detect.NewError(detect.KindEmpty, "detect", errors.New("normalized response has no points"))
			return nil
		}
		out.points, out.envelope = points, env
		return nil
	})
	_ = g.Wait()

	return out
}

// apply reconciles an outcome into the view if its generation is still
// current, then records it.
func (c *Controller) apply(cy cycle, out outcome) {
	var result detect.Result
	if out.detectErr == nil {
		result = detect.Partition(out.points, c.loc)
	}

	end := c.now()
	status := storage.StatusReady
	if out.detectErr != nil {
		status = storage.StatusFailed
	}

	c.mu.Lock()
	if cy.gen != c.gen {
		status = storage.StatusStale
		c.stale++
	} else {
		c.view.Mode = out.mode
		c.view.Capability = c.capability()
		c.view.UpdatedAt = end
		if out.detectErr != nil {
			c.view.State = StateFailed
			c.view.Metrics = detect.Metrics{}
			c.view.Result = detect.EmptyResult()
			c.view.Error = detect.UserMessage(out.detectErr)
			c.view.MetricsError = ""
			c.points = nil
		} else {
			c.view.State = StateReady
			c.view.Metrics = out.metrics
			c.view.Result = result
			c.view.Error = ""
			c.view.MetricsError = ""
			if out.metricsErr != nil {
				c.view.Metrics = detect.Metrics{}
				c.view.MetricsError = MetricsUnavailable
			}
			c.points = out.points
		}
	}
	c.mu.Unlock()

	c.record(cy, out, result, status, end)
}

func (c *Controller) record(cy cycle, out outcome, result detect.Result, status storage.Status, end time.Time) {
	duration := end.Sub(cy.start)
	logger := c.logger.With(
		"generation", cy.gen,
		"trigger", cy.trigger,
		"mode", string(out.mode),
		"duration_ms", duration.Milliseconds(),
	)

	c.metrics.RecordCycle(string(out.mode), string(status), duration)
	if out.envelope != "" {
		c.metrics.RecordEnvelope(string(out.envelope))
	}

	ev := telemetry.Event{
		Timestamp:  end,
		Generation: cy.gen,
		Trigger:    cy.trigger,
		Mode:       string(out.mode),
		DurationMs: duration.Milliseconds(),
	}

	switch status {
	case storage.StatusStale:
		c.metrics.RecordStale()
		ev.Type = telemetry.EventCycleStale
		logger.Debug("discarding superseded cycle")
	case storage.StatusFailed:
		ev.Type = telemetry.EventCycleFailed
		ev.Error = detect.UserMessage(out.detectErr)
		logger.Warn("fetch cycle failed", "kind", string(detect.KindOf(out.detectErr)), "err", out.detectErr)
	default:
		ev.Type = telemetry.EventCycleReady
		ev.Points = len(out.points)
		ev.Anomalies = len(result.Anomaly)
		if out.metricsErr != nil {
			logger.Warn("metrics fetch failed, showing results without metrics", "err", out.metricsErr)
		}
		logger.Info("fetch cycle ready", "points", len(out.points), "anomalies", len(result.Anomaly), "envelope", string(out.envelope))
	}
	c.events.Publish(ev)

	if c.store == nil {
		return
	}
	rec := &storage.Cycle{
		ID:           uuid.NewString(),
		Generation:   cy.gen,
		TSStart:      cy.start.UnixMilli(),
		TSEnd:        end.UnixMilli(),
		Trigger:      cy.trigger,
		Mode:         string(out.mode),
		PreferLLM:    cy.preferLLM,
		Status:       status,
		Envelope:     string(out.envelope),
		Points:       len(out.points),
		NormalCount:  len(result.Normal),
		AnomalyCount: len(result.Anomaly),
		DurationMs:   int(duration.Milliseconds()),
	}
	if out.detectErr != nil {
		rec.ErrorKind = string(detect.KindOf(out.detectErr))
		rec.Error = out.detectErr.Error()
	}
	if out.metricsErr != nil {
		rec.MetricsError = out.metricsErr.Error()
	}
	if err := c.store.Insert(rec); err != nil {
		logger.Error("failed to record cycle", "err", err)
	}
}

func (c *Controller) capability() string {
	if c.caps == nil {
		return capability.StateUnknown.String()
	}
	return c.caps.State().String()
}
