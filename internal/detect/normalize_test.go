package detect

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalize_Envelopes(t *testing.T) {
	records := `{"timestamp":"2024-01-01T00:00:00Z","price":100,"anomaly":0},` +
		`{"timestamp":"2024-01-02T00:00:00Z","price":500,"anomaly":1}`

	tests := []struct {
		name string
		body string
		env  Envelope
	}{
		{"bare array", `[` + records + `]`, EnvelopeArray},
		{"data array", `{"data":[` + records + `]}`, EnvelopeData},
		{"nested data", `{"data":{"data":[` + records + `]}}`, EnvelopeNestedData},
		{"keyed", `{"data":{"b":{"timestamp":"2024-01-01T00:00:00Z","price":100,"anomaly":0},"a":{"timestamp":"2024-01-02T00:00:00Z","price":500,"anomaly":1}}}`, EnvelopeKeyed},
		{"series", `[{"series":"normal","data":[{"timestamp":"2024-01-01T00:00:00Z","price":100,"anomaly":0}]},{"series":"anomaly","data":[{"timestamp":"2024-01-02T00:00:00Z","price":500,"anomaly":1}]}]`, EnvelopeSeries},
	}

	want := []Point{
		{Timestamp: "2024-01-01T00:00:00Z", Price: 100, Anomaly: FlagNormal},
		{Timestamp: "2024-01-02T00:00:00Z", Price: 500, Anomaly: FlagAnomaly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points, env, err := Normalize([]byte(tt.body), fixedNow)
			require.NoError(t, err)
			assert.Equal(t, tt.env, env)
			assert.Equal(t, want, points)
		})
	}
}

func TestNormalize_KeyedMappingScenario(t *testing.T) {
	points, env, err := Normalize([]byte(`{"data":{"a":{"timestamp":"t1","price":10,"anomaly":0}}}`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeKeyed, env)
	assert.Equal(t, []Point{{Timestamp: "t1", Price: 10, Anomaly: 0}}, points)
}

func TestNormalize_Malformed(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"items":[]}`,
		`{"data":null}`,
		`{"data":"oops"}`,
		`42`,
		`"text"`,
		``,
		`<html>bad gateway</html>`,
		`[1,2`,
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			_, _, err := Normalize([]byte(body), fixedNow)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
			assert.Equal(t, KindMalformed, KindOf(err))
		})
	}
}

func TestNormalize_MalformedPreviewIsTruncated(t *testing.T) {
	body := `{"unexpected":"` + strings.Repeat("x", 1000) + `"}`
	_, _, err := Normalize([]byte(body), fixedNow)
	require.Error(t, err)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.LessOrEqual(t, len(e.Preview), MaxPreviewBytes+len("..."))
	assert.True(t, strings.HasPrefix(e.Preview, `{"unexpected":"xxx`))
}

func TestNormalize_Defaults(t *testing.T) {
	body := `[{"anomaly":1},{"value":7.5,"anomaly":0,"id":42},{"price":"12.5","anomaly":0,"pct_change":0.02}, "junk"]`
	points, _, err := Normalize([]byte(body), fixedNow)
	require.NoError(t, err)
	require.Len(t, points, 4)

	assert.Equal(t, "2024-03-01T12:00:00Z", points[0].Timestamp)
	assert.Equal(t, 0.0, points[0].Price)
	assert.Equal(t, FlagAnomaly, points[0].Anomaly)

	assert.Equal(t, 7.5, points[1].Price)
	assert.Equal(t, "42", points[1].ID)
	assert.Equal(t, "42", points[1].Key())

	assert.Equal(t, 12.5, points[2].Price)
	require.NotNil(t, points[2].PctChange)
	assert.InDelta(t, 0.02, *points[2].PctChange, 1e-9)

	assert.Equal(t, FlagInvalid, points[3].Anomaly)
	assert.Equal(t, "2024-03-01T12:00:00Z", points[3].Timestamp)
}

func TestNormalize_FlagValues(t *testing.T) {
	body := `[{"anomaly":0},{"anomaly":1},{"anomaly":1.0},{"anomaly":2},{"anomaly":-1},{"anomaly":true},{"anomaly":"1"},{"anomaly":null},{}]`
	points, _, err := Normalize([]byte(body), fixedNow)
	require.NoError(t, err)

	got := make([]int, len(points))
	for i, p := range points {
		got[i] = p.Anomaly
	}
	assert.Equal(t, []int{0, 1, 1, FlagInvalid, FlagInvalid, FlagInvalid, FlagInvalid, FlagInvalid, FlagInvalid}, got)
}

func TestNormalize_EmptyCollections(t *testing.T) {
	for _, body := range []string{`[]`, `{"data":[]}`, `{"data":{}}`} {
		points, _, err := Normalize([]byte(body), fixedNow)
		require.NoError(t, err, body)
		assert.Empty(t, points, body)
	}
}

func TestNormalize_EpochTimestampsKeepDigits(t *testing.T) {
	points, _, err := Normalize([]byte(`[{"timestamp":1704067200000,"price":1,"anomaly":0}]`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "1704067200000", points[0].Timestamp)

	ts, ok := points[0].Time()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ts)
}

func TestPoint_Time(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{"2024-01-01T00:00:00Z", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"2024-01-01T05:30:00+05:30", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"2024-01-01T10:00:00", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), true},
		{"2024-01-01 10:00:00", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), true},
		{"2024-01-01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"1704067200", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"t1", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := Point{Timestamp: tt.raw}.Time()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %v", got)
			}
		})
	}
}

func TestPoint_PctChangeFrom(t *testing.T) {
	prev := Point{Price: 100}
	assert.InDelta(t, 0.5, Point{Price: 150}.PctChangeFrom(&prev), 1e-9)
	assert.Equal(t, 0.0, Point{Price: 150}.PctChangeFrom(nil))

	given := -0.1
	assert.Equal(t, -0.1, Point{Price: 150, PctChange: &given}.PctChangeFrom(&prev))
}
