package storage

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory ring buffer.
// This is used when STORAGE=memory or as a fallback.
type MemoryStore struct {
	mu      sync.RWMutex
	cycles  []Cycle
	byID    map[string]int // ID -> index in cycles
	maxRows int
	head    int // next write position
	count   int
}

// NewMemoryStore creates a new in-memory store holding up to maxRows cycles.
func NewMemoryStore(maxRows int) *MemoryStore {
	if maxRows <= 0 {
		maxRows = 1
	}
	return &MemoryStore{
		cycles:  make([]Cycle, maxRows),
		byID:    make(map[string]int),
		maxRows: maxRows,
	}
}

// Insert adds a cycle, evicting the oldest when full.
func (s *MemoryStore) Insert(c *Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == s.maxRows {
		delete(s.byID, s.cycles[s.head].ID)
	}

	s.cycles[s.head] = *c
	s.byID[c.ID] = s.head

	s.head = (s.head + 1) % s.maxRows
	if s.count < s.maxRows {
		s.count++
	}

	return nil
}

// GetByID retrieves a single cycle.
func (s *MemoryStore) GetByID(id string) (*Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil, nil
	}

	c := s.cycles[idx]
	return &c, nil
}

// List returns cycles matching the filter options, newest first.
func (s *MemoryStore) List(opts ListOptions) ([]Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := int64(0)
	if opts.Window > 0 {
		cutoff = time.Now().UnixMilli() - opts.Window.Milliseconds()
	}

	var filtered []Cycle
	for _, c := range s.collectOrdered() {
		if opts.Status != nil && c.Status != *opts.Status {
			continue
		}
		if opts.Mode != "" && c.Mode != opts.Mode {
			continue
		}
		if cutoff > 0 && c.TSStart < cutoff {
			continue
		}
		filtered = append(filtered, c)
	}

	offset := max(opts.Offset, 0)
	if offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[offset:]
	if opts.Limit > 0 && opts.Limit < len(filtered) {
		filtered = filtered[:opts.Limit]
	}

	return filtered, nil
}

// Overview returns aggregate statistics.
func (s *MemoryStore) Overview(window time.Duration) (*Overview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UnixMilli() - window.Milliseconds()

	var o Overview
	var durations []int
	for _, c := range s.collectOrdered() {
		if c.TSStart < cutoff {
			continue
		}

		o.TotalCycles++
		switch c.Status {
		case StatusReady:
			o.Ready++
			o.AnomaliesSeen += c.AnomalyCount
		case StatusFailed:
			o.Failed++
		case StatusStale:
			o.Stale++
			continue
		}
		durations = append(durations, c.DurationMs)
	}

	if settled := o.Ready + o.Failed; settled > 0 {
		o.SuccessRate = float64(o.Ready) / float64(settled)
	}

	if len(durations) > 0 {
		sort.Ints(durations)
		sum := 0
		for _, d := range durations {
			sum += d
		}
		o.AvgDurationMs = sum / len(durations)
		o.P95DurationMs = durations[percentileIndex(len(durations), 0.95)]
	}

	return &o, nil
}

// Series returns time-binned data for charts.
func (s *MemoryStore) Series(opts SeriesOptions) ([]DataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bins, interval := GetBinConfig(opts.Window)
	cutoff := time.Now().Add(-opts.Window)

	points := makeBins(cutoff, bins, interval)
	binValues := make([][]float64, bins)

	for _, c := range s.collectOrdered() {
		if c.TSStart < cutoff.UnixMilli() {
			continue
		}
		if opts.Mode != "" && c.Mode != opts.Mode {
			continue
		}
		binIdx := int((c.TSStart - cutoff.UnixMilli()) / interval.Milliseconds())
		if binIdx < 0 || binIdx >= bins {
			continue
		}
		if v, ok := binValue(opts.Metric, &c); ok {
			binValues[binIdx] = append(binValues[binIdx], v)
		}
	}

	for i, vals := range binValues {
		points[i].Value = aggregate(opts.Metric, vals)
	}
	return points, nil
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// collectOrdered returns all cycles newest first.
func (s *MemoryStore) collectOrdered() []Cycle {
	if s.count == 0 {
		return nil
	}

	result := make([]Cycle, 0, s.count)
	for i := 0; i < s.count; i++ {
		idx := (s.head - 1 - i + s.maxRows) % s.maxRows
		result = append(result, s.cycles[idx])
	}
	return result
}

func makeBins(start time.Time, bins int, interval time.Duration) []DataPoint {
	points := make([]DataPoint, bins)
	for i := range points {
		points[i] = DataPoint{Timestamp: start.Add(time.Duration(i) * interval).UnixMilli()}
	}
	return points
}
