//go:build !mips64 && !mips64le && !ppc64 && !s390x

package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
    id TEXT PRIMARY KEY,
    generation INTEGER NOT NULL,
    ts_start INTEGER NOT NULL,
    ts_end INTEGER NOT NULL,
    trigger_kind TEXT NOT NULL,
    mode TEXT,
    prefer_llm INTEGER DEFAULT 0,
    status TEXT NOT NULL,

    error_kind TEXT,
    error TEXT,
    metrics_error TEXT,

    envelope TEXT,
    points INTEGER DEFAULT 0,
    normal_count INTEGER DEFAULT 0,
    anomaly_count INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cycles_ts_start ON cycles(ts_start);
CREATE INDEX IF NOT EXISTS idx_cycles_mode_ts ON cycles(mode, ts_start);
CREATE INDEX IF NOT EXISTS idx_cycles_status_ts ON cycles(status, ts_start);
`

const cycleColumns = `id, generation, ts_start, ts_end, trigger_kind, mode, prefer_llm, status,
	error_kind, error, metrics_error,
	envelope, points, normal_count, anomaly_count, duration_ms`

// SQLiteStore implements Store using SQLite with WAL mode.
type SQLiteStore struct {
	db      *sql.DB
	maxRows int
	pruneMu sync.Mutex
	pruning sync.WaitGroup
	logger  *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
func NewSQLiteStore(path string, maxRows int, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	// modernc applies each _pragma on every new connection.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &SQLiteStore{
		db:      db,
		maxRows: maxRows,
		logger:  logger,
	}, nil
}

// Insert records a finished cycle.
func (s *SQLiteStore) Insert(c *Cycle) error {
	_, err := s.db.Exec(`INSERT INTO cycles (`+cycleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, int64(c.Generation), c.TSStart, c.TSEnd, c.Trigger, c.Mode, boolToInt(c.PreferLLM), string(c.Status),
		c.ErrorKind, c.Error, c.MetricsError,
		c.Envelope, c.Points, c.NormalCount, c.AnomalyCount, c.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}

	// best effort; Close waits for it
	s.pruning.Add(1)
	go func() {
		defer s.pruning.Done()
		s.maybePrune()
	}()

	return nil
}

// GetByID retrieves a single cycle.
func (s *SQLiteStore) GetByID(id string) (*Cycle, error) {
	row := s.db.QueryRow(`SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id)

	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cycle: %w", err)
	}
	return c, nil
}

// List retrieves cycles with filtering.
func (s *SQLiteStore) List(opts ListOptions) ([]Cycle, error) {
	where, args := s.where(opts.Window, opts.Mode)
	if opts.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*opts.Status))
	}

	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ts_start DESC, generation DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		cycles = append(cycles, *c)
	}
	return cycles, rows.Err()
}

// Overview returns aggregate statistics.
func (s *SQLiteStore) Overview(window time.Duration) (*Overview, error) {
	cutoff := time.Now().UnixMilli() - window.Milliseconds()

	row := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'ready' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'stale' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status != 'stale' THEN duration_ms END), 0),
			COALESCE(SUM(CASE WHEN status = 'ready' THEN anomaly_count ELSE 0 END), 0)
		FROM cycles
		WHERE ts_start >= ?
	`, cutoff)

	var o Overview
	var avgDur float64
	if err := row.Scan(&o.TotalCycles, &o.Ready, &o.Failed, &o.Stale, &avgDur, &o.AnomaliesSeen); err != nil {
		return nil, fmt.Errorf("overview query: %w", err)
	}
	o.AvgDurationMs = int(avgDur)
	if settled := o.Ready + o.Failed; settled > 0 {
		o.SuccessRate = float64(o.Ready) / float64(settled)
		o.P95DurationMs, _ = s.p95Duration(cutoff, settled)
	}

	return &o, nil
}

// p95Duration picks the same index as the memory store over settled cycles
// sorted ascending.
func (s *SQLiteStore) p95Duration(cutoff int64, settled int) (int, error) {
	var p95 int
	err := s.db.QueryRow(`
		SELECT duration_ms FROM cycles
		WHERE ts_start >= ? AND status != 'stale'
		ORDER BY duration_ms ASC
		LIMIT 1 OFFSET ?
	`, cutoff, percentileIndex(settled, 0.95)).Scan(&p95)
	return p95, err
}

// Series returns time-binned data for charts.
func (s *SQLiteStore) Series(opts SeriesOptions) ([]DataPoint, error) {
	bins, interval := GetBinConfig(opts.Window)
	cutoff := time.Now().Add(-opts.Window)
	points := makeBins(cutoff, bins, interval)

	if !ValidSeriesMetric(opts.Metric) {
		return points, nil
	}

	where, args := s.where(opts.Window, opts.Mode)
	rows, err := s.db.Query(`SELECT `+cycleColumns+` FROM cycles WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("series query: %w", err)
	}
	defer rows.Close()

	binValues := make([][]float64, bins)
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan series row: %w", err)
		}
		binIdx := int((c.TSStart - cutoff.UnixMilli()) / interval.Milliseconds())
		if binIdx < 0 || binIdx >= bins {
			continue
		}
		if v, ok := binValue(opts.Metric, c); ok {
			binValues[binIdx] = append(binValues[binIdx], v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, vals := range binValues {
		points[i].Value = aggregate(opts.Metric, vals)
	}
	return points, nil
}

// Close waits for pending pruning and closes the database.
func (s *SQLiteStore) Close() error {
	s.pruning.Wait()
	return s.db.Close()
}

func (s *SQLiteStore) where(window time.Duration, mode string) ([]string, []any) {
	where := []string{"1=1"}
	var args []any
	if window > 0 {
		where = append(where, "ts_start >= ?")
		args = append(args, time.Now().UnixMilli()-window.Milliseconds())
	}
	if mode != "" {
		where = append(where, "mode = ?")
		args = append(args, mode)
	}
	return where, args
}

// maybePrune deletes the oldest cycles beyond maxRows, at most one batch per
// call.
func (s *SQLiteStore) maybePrune() {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cycles`).Scan(&count); err != nil {
		s.logger.Error("prune count query failed", "err", err)
		return
	}
	if count <= s.maxRows {
		return
	}

	toDelete := count - s.maxRows
	const batchSize = 500
	if toDelete > batchSize {
		toDelete = batchSize
	}

	_, err := s.db.Exec(`
		DELETE FROM cycles WHERE id IN (
			SELECT id FROM cycles ORDER BY ts_start ASC, generation ASC LIMIT ?
		)
	`, toDelete)
	if err != nil {
		s.logger.Error("prune failed", "err", err)
	} else {
		s.logger.Debug("pruned old cycles", "deleted", toDelete)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (*Cycle, error) {
	var c Cycle
	var gen int64
	var preferLLM int
	var status string
	var mode, errorKind, errMsg, metricsErr, envelope sql.NullString

	err := row.Scan(
		&c.ID, &gen, &c.TSStart, &c.TSEnd, &c.Trigger, &mode, &preferLLM, &status,
		&errorKind, &errMsg, &metricsErr,
		&envelope, &c.Points, &c.NormalCount, &c.AnomalyCount, &c.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	c.Generation = uint64(gen)
	c.Mode = mode.String
	c.PreferLLM = preferLLM != 0
	c.Status = Status(status)
	c.ErrorKind = errorKind.String
	c.Error = errMsg.String
	c.MetricsError = metricsErr.String
	c.Envelope = envelope.String

	return &c, nil
}
