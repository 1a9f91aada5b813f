// Package detect holds the detection data model and the pure functions that
// turn a backend response into something the dashboard can render.
package detect

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"anomaly-lens/internal/util"
)

// Mode selects which backend detection path a fetch cycle targets.
type Mode string

const (
	ModeLLM      Mode = "llm"
	ModeBaseline Mode = "baseline"
	ModeLegacy   Mode = "legacy" // only reachable when a caller asks for it
)

// UseLLM reports whether the mode requests LLM-augmented results.
func (m Mode) UseLLM() bool {
	return m == ModeLLM
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLLM, ModeBaseline, ModeLegacy:
		return m, nil
	default:
		return "", fmt.Errorf("invalid mode %q (must be llm|baseline|legacy)", s)
	}
}

// Anomaly flag values.
const (
	FlagNormal  = 0
	FlagAnomaly = 1
	FlagInvalid = -1 // anything the backend sent that is not strictly 0 or 1
)

// Point is one observation as returned by the backend, with defaults applied.
type Point struct {
	ID        string   `json:"id,omitempty"`
	Timestamp string   `json:"timestamp"`
	Price     float64  `json:"price"`
	Anomaly   int      `json:"anomaly"`
	PctChange *float64 `json:"pct_change,omitempty"`
}

// Key identifies the point when asking for an explanation.
func (p Point) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Timestamp
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time parses the raw timestamp. Zone-less values are taken as UTC; bare
// numbers are epoch seconds, or milliseconds when large enough.
func (p Point) Time() (time.Time, bool) {
	s := strings.TrimSpace(p.Timestamp)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return time.Time{}, false
		}
		if math.Abs(n) >= 1e11 {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// PctChangeFrom returns the backend-supplied percentage change, or the
// change relative to prev when the backend did not send one.
func (p Point) PctChangeFrom(prev *Point) float64 {
	if p.PctChange != nil {
		return *p.PctChange
	}
	if prev == nil || prev.Price == 0 {
		return 0
	}
	return (p.Price - prev.Price) / prev.Price
}

// DisplayLayout mirrors the en-US locale string a browser would show.
const DisplayLayout = "1/2/2006, 3:04:05 PM"

// DisplayPoint is a Point with presentation fields derived from it.
type DisplayPoint struct {
	Point
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

func displayPoint(p Point, loc *time.Location) DisplayPoint {
	date := p.Timestamp
	if t, ok := p.Time(); ok {
		date = t.In(loc).Format(DisplayLayout)
	}
	return DisplayPoint{Point: p, Date: date, Value: p.Price}
}

// Result is a normalized sequence split for rendering.
type Result struct {
	Normal  []DisplayPoint `json:"normal"`
	Anomaly []DisplayPoint `json:"anomaly"`
}

// EmptyResult returns a Result with non-nil, empty subsets.
func EmptyResult() Result {
	return Result{Normal: []DisplayPoint{}, Anomaly: []DisplayPoint{}}
}

// Len returns the number of rendered points.
func (r Result) Len() int {
	return len(r.Normal) + len(r.Anomaly)
}

// Metrics summarizes a detection run.
type Metrics struct {
	TotalTransactions int     `json:"totalTransactions"`
	AnomaliesDetected int     `json:"anomaliesDetected"`
	ModelAccuracy     float64 `json:"modelAccuracy"`
}

// DecodeMetrics reads a metrics body, accepting camelCase or snake_case keys
// and an optional {"data": {...}} wrapper. Counts are clamped to be
// non-negative and accuracy to [0,100].
func DecodeMetrics(body []byte) (Metrics, error) {
	m, err := util.DecodeJSONMap(body)
	if err != nil {
		return Metrics{}, err
	}
	if !hasAnyKey(m, metricKeys...) {
		if inner, ok := m["data"].(map[string]any); ok {
			m = inner
		}
	}
	var out Metrics
	if n, ok := firstFloat(m, "totalTransactions", "total_transactions"); ok {
		out.TotalTransactions = int(math.Max(0, n))
	}
	if n, ok := firstFloat(m, "anomaliesDetected", "anomalies_detected"); ok {
		out.AnomaliesDetected = int(math.Max(0, n))
	}
	if n, ok := firstFloat(m, "modelAccuracy", "model_accuracy"); ok {
		out.ModelAccuracy = math.Min(100, math.Max(0, n))
	}
	return out, nil
}

var metricKeys = []string{
	"totalTransactions", "total_transactions",
	"anomaliesDetected", "anomalies_detected",
	"modelAccuracy", "model_accuracy",
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func firstFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := util.ToFloat64(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// Explanation is the natural-language reasoning for one anomaly.
type Explanation struct {
	Explanation string `json:"explanation"`
	Model       string `json:"model,omitempty"`
}
