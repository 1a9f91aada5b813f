package ollama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"

	"anomaly-lens/internal/detect"
	"anomaly-lens/internal/telemetry"
)

var (
	// ErrModelMissing is returned when the model is not installed and pulling
	// is disabled.
	ErrModelMissing = errors.New("model not available")
	// ErrPointNotFound is returned when no point matches the requested key.
	ErrPointNotFound = errors.New("no point with that key")
)

const systemPrompt = "You are a helpful financial analyst."

var promptTemplate = template.Must(template.New("anomaly").Parse(`You are a financial analyst specializing in cryptocurrency markets.
Analyze the following price anomaly and provide a concise explanation.

Timestamp: {{.Current.Timestamp}}
Price: {{.Current.Price}}
Percentage Change: {{.Current.PctChange}}

Recent Price Movement:
{{range .Recent}}- {{.Timestamp}}: {{.Price}} ({{.PctChange}})
{{end}}
Provide a brief explanation of what might have caused this anomaly.
Consider factors like:
- Market news or events
- Technical patterns
- Volume changes
- Market sentiment

Explanation:
`))

// AnalystOptions configures an Analyst.
type AnalystOptions struct {
	Model         string
	Temperature   float64
	PullMissing   bool
	PullAttempts  int           // total attempts for EnsureModel
	PullDelay     time.Duration // constant delay between attempts
	ContextWindow int           // preceding points included in the prompt
	Timeout       time.Duration // per Analyze call; zero means none
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
}

// Analysis is the model's explanation of one point.
type Analysis struct {
	Key           string        `json:"key"`
	Timestamp     string        `json:"timestamp"`
	Price         float64       `json:"price"`
	PctChange     float64       `json:"pct_change"`
	Explanation   string        `json:"explanation"`
	Model         string        `json:"model"`
	TotalDuration time.Duration `json:"total_duration_ns"`
}

// Analyst asks a local Ollama model to explain anomalies. It is independent
// of the detection backend's own explanations.
type Analyst struct {
	client *Client
	opts   AnalystOptions
	logger *slog.Logger

	// base bounds model checks, which outlive the callers waiting on them.
	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	ready    bool
	inflight *ensureCall
}

// ensureCall is one model check shared by every caller that arrives while
// it runs.
type ensureCall struct {
	done chan struct{}
	err  error
}

// NewAnalyst creates an analyst. The model is checked lazily on first use.
func NewAnalyst(client *Client, opts AnalystOptions) *Analyst {
	if opts.PullAttempts < 1 {
		opts.PullAttempts = 1
	}
	if opts.ContextWindow < 0 {
		opts.ContextWindow = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Analyst{client: client, opts: opts, logger: logger, base: base, stop: cancel}
}

// Model returns the configured model name.
func (a *Analyst) Model() string {
	return a.opts.Model
}

// Close aborts a running model check. Later calls to EnsureModel fail.
func (a *Analyst) Close() {
	a.stop()
}

// EnsureModel makes sure the model is installed, pulling it when allowed.
// Transport and status failures are retried with a constant delay; a model
// that is missing while pulling is disabled fails immediately.
//
// Concurrent callers share one check. A caller whose ctx ends stops waiting
// but does not abort the check; a failed check is retried by the next call.
func (a *Analyst) EnsureModel(ctx context.Context) error {
	a.mu.Lock()
	if a.ready {
		a.mu.Unlock()
		return nil
	}
	call := a.inflight
	if call == nil {
		call = &ensureCall{done: make(chan struct{})}
		a.inflight = call
		go a.runEnsure(call)
	}
	a.mu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return fmt.Errorf("ensure model %s: %w", a.opts.Model, ctx.Err())
	}
}

func (a *Analyst) runEnsure(call *ensureCall) {
	err := a.ensure(a.base)

	a.mu.Lock()
	a.inflight = nil
	if err == nil {
		a.ready = true
	}
	a.mu.Unlock()

	call.err = err
	close(call.done)
}

func (a *Analyst) ensure(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		tags, err := a.client.Tags(ctx)
		if err != nil {
			a.logger.Warn("ollama tags failed", "attempt", attempt, "err", err)
			return err
		}
		if hasModel(tags.Models, a.opts.Model) {
			return nil
		}
		if !a.opts.PullMissing {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrModelMissing, a.opts.Model))
		}

		a.logger.Info("pulling ollama model", "model", a.opts.Model, "attempt", attempt)
		if _, err := a.client.Pull(ctx, a.opts.Model); err != nil {
			a.logger.Warn("ollama pull failed", "model", a.opts.Model, "attempt", attempt, "err", err)
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.opts.PullDelay), uint64(a.opts.PullAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("ensure model %s: %w", a.opts.Model, err)
	}
	return nil
}

// hasModel matches "mistral" against "mistral" and "mistral:latest".
func hasModel(models []Model, name string) bool {
	for _, m := range models {
		if m.Name == name || strings.HasPrefix(m.Name, name+":") {
			return true
		}
	}
	return false
}

// Analyze explains the point identified by key using the points before it as
// context. points must be in backend order.
func (a *Analyst) Analyze(ctx context.Context, points []detect.Point, key string) (Analysis, error) {
	idx := -1
	for i := range points {
		if points[i].Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.opts.Metrics.RecordAnalysis("not_found")
		return Analysis{}, fmt.Errorf("%w: %q", ErrPointNotFound, key)
	}

	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	if err := a.EnsureModel(ctx); err != nil {
		a.opts.Metrics.RecordAnalysis("failed")
		return Analysis{}, err
	}

	prompt, pct, err := a.buildPrompt(points, idx)
	if err != nil {
		a.opts.Metrics.RecordAnalysis("failed")
		return Analysis{}, err
	}
	resp, err := a.client.Generate(ctx, GenerateRequest{
		Model:   a.opts.Model,
		System:  systemPrompt,
		Prompt:  prompt,
		Options: map[string]any{"temperature": a.opts.Temperature},
	})
	if err != nil {
		a.opts.Metrics.RecordAnalysis("failed")
		return Analysis{}, fmt.Errorf("generate: %w", err)
	}
	a.opts.Metrics.RecordAnalysis("ok")

	model := resp.Model
	if model == "" {
		model = a.opts.Model
	}
	p := points[idx]
	return Analysis{
		Key:           key,
		Timestamp:     p.Timestamp,
		Price:         p.Price,
		PctChange:     pct,
		Explanation:   strings.TrimSpace(resp.Response),
		Model:         model,
		TotalDuration: time.Duration(resp.TotalDuration),
	}, nil
}

type promptLine struct {
	Timestamp string
	Price     string
	PctChange string
}

type promptData struct {
	Current promptLine
	Recent  []promptLine
}

func (a *Analyst) buildPrompt(points []detect.Point, idx int) (string, float64, error) {
	line := func(i int) (promptLine, float64) {
		var prev *detect.Point
		if i > 0 {
			prev = &points[i-1]
		}
		pct := points[i].PctChangeFrom(prev)
		return promptLine{
			Timestamp: points[i].Timestamp,
			Price:     formatPrice(points[i].Price),
			PctChange: formatPercent(pct),
		}, pct
	}

	var data promptData
	var pct float64
	data.Current, pct = line(idx)
	for i := max(0, idx-a.opts.ContextWindow); i < idx; i++ {
		l, _ := line(i)
		data.Recent = append(data.Recent, l)
	}

	var b strings.Builder
	if err := promptTemplate.Execute(&b, data); err != nil {
		return "", 0, fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), pct, nil
}

// formatPrice renders 1234.5 as "$1,234.50".
func formatPrice(v float64) string {
	s := strconv.FormatFloat(math.Abs(v), 'f', 2, 64)
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	if v < 0 {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

// formatPercent renders a fraction: 0.0525 as "5.25%".
func formatPercent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 2, 64) + "%"
}
