package storage

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func TestGetBinConfig(t *testing.T) {
	tests := []struct {
		window       time.Duration
		wantBins     int
		wantInterval time.Duration
	}{
		{30 * time.Minute, 60, time.Minute},
		{time.Hour, 60, time.Minute},
		{2 * time.Hour, 96, 15 * time.Minute},
		{24 * time.Hour, 96, 15 * time.Minute},
		{48 * time.Hour, 168, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.window.String(), func(t *testing.T) {
			bins, interval := GetBinConfig(tt.window)
			if bins != tt.wantBins {
				t.Errorf("bins = %d, want %d", bins, tt.wantBins)
			}
			if interval != tt.wantInterval {
				t.Errorf("interval = %v, want %v", interval, tt.wantInterval)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"ready", "failed", "stale"} {
		if _, ok := ParseStatus(s); !ok {
			t.Errorf("ParseStatus(%q) rejected", s)
		}
	}
	if _, ok := ParseStatus("loading"); ok {
		t.Error("ParseStatus(loading) accepted")
	}
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, maxRows int, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(maxRows))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cycles.db"), maxRows, nil)
		if err != nil {
			t.Fatalf("NewSQLiteStore error: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func cycle(gen uint64, status Status, mode string, tsStart int64, durationMs, anomalies int) *Cycle {
	return &Cycle{
		ID:           fmt.Sprintf("cycle-%d", gen),
		Generation:   gen,
		TSStart:      tsStart,
		TSEnd:        tsStart + int64(durationMs),
		Trigger:      "mount",
		Mode:         mode,
		PreferLLM:    mode == "llm",
		Status:       status,
		Points:       anomalies + 10,
		NormalCount:  10,
		AnomalyCount: anomalies,
		DurationMs:   durationMs,
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	forEachStore(t, 100, func(t *testing.T, s Store) {
		c := cycle(1, StatusFailed, "baseline", time.Now().UnixMilli(), 120, 0)
		c.ErrorKind = "malformed_response"
		c.Error = "Received an unexpected response from the detection service"
		c.MetricsError = "metrics down"
		c.Envelope = "keyed"

		if err := s.Insert(c); err != nil {
			t.Fatalf("Insert error: %v", err)
		}

		got, err := s.GetByID(c.ID)
		if err != nil {
			t.Fatalf("GetByID error: %v", err)
		}
		if got == nil {
			t.Fatal("GetByID returned nil")
		}
		if *got != *c {
			t.Errorf("GetByID = %+v, want %+v", *got, *c)
		}

		missing, err := s.GetByID("nope")
		if err != nil || missing != nil {
			t.Errorf("GetByID(nope) = %v, %v; want nil, nil", missing, err)
		}
	})
}

func TestStore_List(t *testing.T) {
	forEachStore(t, 100, func(t *testing.T, s Store) {
		now := time.Now().UnixMilli()
		for i := 0; i < 10; i++ {
			mode, status := "llm", StatusReady
			if i%2 == 1 {
				mode, status = "baseline", StatusFailed
			}
			if err := s.Insert(cycle(uint64(i+1), status, mode, now-int64((10-i)*1000), 100, 1)); err != nil {
				t.Fatalf("Insert error: %v", err)
			}
		}

		results, err := s.List(ListOptions{Limit: 3})
		if err != nil {
			t.Fatalf("List error: %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("List returned %d items, want 3", len(results))
		}
		if results[0].Generation != 10 || results[2].Generation != 8 {
			t.Errorf("List not newest first: %d..%d", results[0].Generation, results[2].Generation)
		}

		results, _ = s.List(ListOptions{Limit: 3, Offset: 8})
		if len(results) != 2 {
			t.Errorf("List with offset returned %d items, want 2", len(results))
		}

		results, _ = s.List(ListOptions{Offset: 8})
		if len(results) != 2 {
			t.Errorf("List with offset only returned %d items, want 2", len(results))
		}

		results, err = s.List(ListOptions{Limit: 3, Offset: math.MinInt})
		if err != nil {
			t.Fatalf("List with negative offset error: %v", err)
		}
		if len(results) != 3 || results[0].Generation != 10 {
			t.Errorf("List with negative offset returned %d items, want the first 3", len(results))
		}

		failed := StatusFailed
		results, _ = s.List(ListOptions{Status: &failed})
		if len(results) != 5 {
			t.Errorf("List status=failed returned %d items, want 5", len(results))
		}
		for _, c := range results {
			if c.Mode != "baseline" {
				t.Errorf("failed cycle %d has mode %s", c.Generation, c.Mode)
			}
		}

		results, _ = s.List(ListOptions{Mode: "llm"})
		if len(results) != 5 {
			t.Errorf("List mode=llm returned %d items, want 5", len(results))
		}

		results, _ = s.List(ListOptions{Window: 5500 * time.Millisecond})
		if len(results) != 5 {
			t.Errorf("List window returned %d items, want 5", len(results))
		}
	})
}

func TestStore_Overview(t *testing.T) {
	forEachStore(t, 100, func(t *testing.T, s Store) {
		now := time.Now().UnixMilli()
		inserts := []*Cycle{
			cycle(1, StatusReady, "llm", now-4000, 100, 3),
			cycle(2, StatusReady, "llm", now-3000, 200, 2),
			cycle(3, StatusFailed, "baseline", now-2000, 300, 0),
			cycle(4, StatusStale, "llm", now-1000, 5000, 9),
			cycle(5, StatusReady, "baseline", now-2*int64(time.Hour/time.Millisecond), 50, 7),
		}
		for _, c := range inserts {
			if err := s.Insert(c); err != nil {
				t.Fatalf("Insert error: %v", err)
			}
		}

		o, err := s.Overview(time.Hour)
		if err != nil {
			t.Fatalf("Overview error: %v", err)
		}
		if o.TotalCycles != 4 || o.Ready != 2 || o.Failed != 1 || o.Stale != 1 {
			t.Errorf("counts = %+v", *o)
		}
		if want := 2.0 / 3.0; o.SuccessRate < want-1e-9 || o.SuccessRate > want+1e-9 {
			t.Errorf("SuccessRate = %v, want %v", o.SuccessRate, want)
		}
		if o.AvgDurationMs != 200 {
			t.Errorf("AvgDurationMs = %d, want 200", o.AvgDurationMs)
		}
		if o.P95DurationMs != 300 {
			t.Errorf("P95DurationMs = %d, want 300", o.P95DurationMs)
		}
		if o.AnomaliesSeen != 5 {
			t.Errorf("AnomaliesSeen = %d, want 5", o.AnomaliesSeen)
		}

		empty, err := s.Overview(time.Millisecond)
		if err != nil {
			t.Fatalf("Overview error: %v", err)
		}
		if empty.TotalCycles != 0 || empty.SuccessRate != 0 {
			t.Errorf("empty overview = %+v", *empty)
		}
	})
}

func TestStore_Series(t *testing.T) {
	forEachStore(t, 100, func(t *testing.T, s Store) {
		now := time.Now().UnixMilli()
		_ = s.Insert(cycle(1, StatusReady, "llm", now-1000, 100, 3))
		_ = s.Insert(cycle(2, StatusFailed, "llm", now-900, 100, 0))
		_ = s.Insert(cycle(3, StatusStale, "llm", now-800, 100, 4))

		sum := func(points []DataPoint) float64 {
			total := 0.0
			for _, p := range points {
				total += p.Value
			}
			return total
		}

		count, err := s.Series(SeriesOptions{Window: time.Hour, Metric: SeriesCycleCount})
		if err != nil {
			t.Fatalf("Series error: %v", err)
		}
		if len(count) != 60 {
			t.Fatalf("Series returned %d bins, want 60", len(count))
		}
		if got := sum(count); got != 3 {
			t.Errorf("cycle_count total = %v, want 3", got)
		}

		anomalies, _ := s.Series(SeriesOptions{Window: time.Hour, Metric: SeriesAnomalies})
		if got := sum(anomalies); got != 3 {
			t.Errorf("anomalies total = %v, want 3", got)
		}

		other, _ := s.Series(SeriesOptions{Window: time.Hour, Metric: SeriesCycleCount, Mode: "baseline"})
		if got := sum(other); got != 0 {
			t.Errorf("baseline cycle_count total = %v, want 0", got)
		}
	})
}

func TestMemoryStore_RingBufferEvicts(t *testing.T) {
	s := NewMemoryStore(3)
	now := time.Now().UnixMilli()
	for i := 1; i <= 5; i++ {
		_ = s.Insert(cycle(uint64(i), StatusReady, "llm", now+int64(i), 10, 0))
	}

	results, _ := s.List(ListOptions{})
	if len(results) != 3 {
		t.Fatalf("List returned %d items, want 3", len(results))
	}
	if results[0].Generation != 5 || results[2].Generation != 3 {
		t.Errorf("kept generations %d..%d, want 5..3", results[0].Generation, results[2].Generation)
	}
	if got, _ := s.GetByID("cycle-1"); got != nil {
		t.Error("evicted cycle still reachable by id")
	}
}
