package capability

import (
	"context"

	"anomaly-lens/internal/detect"
)

// Prober is satisfied by *Probe.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Selector picks the backend mode for a fetch cycle.
type Selector struct {
	prober Prober
}

// NewSelector creates a selector backed by prober.
func NewSelector(prober Prober) *Selector {
	return &Selector{prober: prober}
}

// Select returns llm when the user prefers it and the probe reports it
// available, baseline otherwise. It never returns legacy. The probe is not
// consulted when the user does not prefer llm.
func (s *Selector) Select(ctx context.Context, preferLLM bool) detect.Mode {
	if preferLLM && s.prober != nil && s.prober.Probe(ctx) {
		return detect.ModeLLM
	}
	return detect.ModeBaseline
}
