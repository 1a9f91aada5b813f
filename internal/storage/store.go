// Package storage keeps a history of fetch cycles for the dashboard.
// It stores cycle metadata only, never the detection points themselves.
package storage

import (
	"sort"
	"time"
)

// Status is the final outcome of a cycle.
type Status string

const (
	StatusReady  Status = "ready"
	StatusFailed Status = "failed"
	StatusStale  Status = "stale" // finished after a newer cycle started; discarded
)

// ParseStatus validates a status filter value.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusReady, StatusFailed, StatusStale:
		return st, true
	default:
		return "", false
	}
}

// Cycle is one completed fetch cycle.
type Cycle struct {
	ID         string `json:"id"`
	Generation uint64 `json:"generation"`
	TSStart    int64  `json:"ts_start"` // unix ms
	TSEnd      int64  `json:"ts_end"`   // unix ms
	Trigger    string `json:"trigger"`  // mount|mode|refresh
	Mode       string `json:"mode"`
	PreferLLM  bool   `json:"prefer_llm"`
	Status     Status `json:"status"`

	ErrorKind    string `json:"error_kind,omitempty"`
	Error        string `json:"error,omitempty"`
	MetricsError string `json:"metrics_error,omitempty"`

	Envelope     string `json:"envelope,omitempty"`
	Points       int    `json:"points"`
	NormalCount  int    `json:"normal_count"`
	AnomalyCount int    `json:"anomaly_count"`
	DurationMs   int    `json:"duration_ms"`
}

// ListOptions filters for listing cycles.
type ListOptions struct {
	Limit  int
	Offset int
	Status *Status
	Mode   string
	Window time.Duration // only cycles within this window
}

// Overview contains summary statistics for a time window. Stale cycles are
// counted but excluded from the success rate.
type Overview struct {
	TotalCycles   int     `json:"total_cycles"`
	Ready         int     `json:"ready"`
	Failed        int     `json:"failed"`
	Stale         int     `json:"stale"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs int     `json:"avg_duration_ms"`
	P95DurationMs int     `json:"p95_duration_ms"`
	AnomaliesSeen int     `json:"anomalies_seen"`
}

// DataPoint represents a single point in a time series.
type DataPoint struct {
	Timestamp int64   `json:"ts"` // unix ms (bin start)
	Value     float64 `json:"value"`
}

// Series metrics.
const (
	SeriesCycleCount  = "cycle_count"
	SeriesDurationP95 = "duration_p95"
	SeriesAnomalies   = "anomalies"
	SeriesFailureRate = "failure_rate"
)

// ValidSeriesMetric reports whether m names a supported series.
func ValidSeriesMetric(m string) bool {
	switch m {
	case SeriesCycleCount, SeriesDurationP95, SeriesAnomalies, SeriesFailureRate:
		return true
	}
	return false
}

// SeriesOptions configures time series queries.
type SeriesOptions struct {
	Window time.Duration
	Metric string
	Mode   string // optional filter
}

// Store is the interface for cycle history storage.
type Store interface {
	// Insert records a finished cycle.
	Insert(c *Cycle) error

	// GetByID retrieves a single cycle, or nil if unknown.
	GetByID(id string) (*Cycle, error)

	// List retrieves cycles newest first with filtering and pagination.
	List(opts ListOptions) ([]Cycle, error)

	// Overview returns aggregate statistics for a time window.
	Overview(window time.Duration) (*Overview, error)

	// Series returns time-binned data for charts.
	Series(opts SeriesOptions) ([]DataPoint, error)

	// Close releases resources.
	Close() error
}

// GetBinConfig returns the number of bins and interval for a time window.
func GetBinConfig(window time.Duration) (bins int, interval time.Duration) {
	switch {
	case window <= time.Hour:
		return 60, time.Minute
	case window <= 24*time.Hour:
		return 96, 15 * time.Minute
	default:
		return 168, time.Hour
	}
}

// binValue maps a cycle to its contribution to a series metric; ok is false
// when the cycle does not contribute.
func binValue(metric string, c *Cycle) (float64, bool) {
	switch metric {
	case SeriesCycleCount:
		return 1, true
	case SeriesDurationP95:
		return float64(c.DurationMs), c.Status != StatusStale
	case SeriesAnomalies:
		return float64(c.AnomalyCount), c.Status == StatusReady
	case SeriesFailureRate:
		if c.Status == StatusStale {
			return 0, false
		}
		if c.Status == StatusFailed {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// aggregate reduces one bin's values.
func aggregate(metric string, vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	switch metric {
	case SeriesCycleCount:
		return float64(len(vals))
	case SeriesAnomalies:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum
	case SeriesFailureRate:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	default:
		sort.Float64s(vals)
		return vals[percentileIndex(len(vals), 0.95)]
	}
}

func percentileIndex(n int, p float64) int {
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return idx
}
