package detect

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"anomaly-lens/internal/util"
)

// Envelope names the response shape a body was recognized as.
type Envelope string

const (
	EnvelopeArray      Envelope = "array"       // [...]
	EnvelopeSeries     Envelope = "series"      // [{"series": "...", "data": [...]}, ...]
	EnvelopeData       Envelope = "data"        // {"data": [...]}
	EnvelopeNestedData Envelope = "nested_data" // {"data": {"data": [...]}}
	EnvelopeKeyed      Envelope = "keyed"       // {"data": {"k": {...}, ...}}
)

// MaxPreviewBytes bounds the payload copy attached to a MalformedResponse.
const MaxPreviewBytes = 256

// Normalize turns any response envelope the backend has produced into an
// ordered sequence of points. Shapes are tried in order and the first match
// wins; anything unrecognized is a MalformedResponse.
//
// Missing timestamps default to now and missing prices to 0.
func Normalize(body []byte, now time.Time) ([]Point, Envelope, error) {
	records, env, err := unwrap(body)
	if err != nil {
		return nil, "", err
	}

	fallback := now.UTC().Format(time.RFC3339)
	points := make([]Point, 0, len(records))
	for _, rec := range records {
		points = append(points, pointFromRecord(rec, fallback))
	}
	return points, env, nil
}

func unwrap(body []byte) ([]json.RawMessage, Envelope, error) {
	switch leadingByte(body) {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, "", malformed(body, err)
		}
		if flat, ok := flattenSeries(items); ok {
			return flat, EnvelopeSeries, nil
		}
		return items, EnvelopeArray, nil

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, "", malformed(body, err)
		}
		data, ok := obj["data"]
		if !ok {
			return nil, "", malformed(body, errors.New("object has no data field"))
		}
		switch leadingByte(data) {
		case '[':
			var items []json.RawMessage
			if err := json.Unmarshal(data, &items); err != nil {
				return nil, "", malformed(body, err)
			}
			return items, EnvelopeData, nil
		case '{':
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(data, &inner); err != nil {
				return nil, "", malformed(body, err)
			}
			if nested, ok := inner["data"]; ok && leadingByte(nested) == '[' {
				var items []json.RawMessage
				if err := json.Unmarshal(nested, &items); err != nil {
					return nil, "", malformed(body, err)
				}
				return items, EnvelopeNestedData, nil
			}
			values, err := orderedValues(data)
			if err != nil {
				return nil, "", malformed(body, err)
			}
			return values, EnvelopeKeyed, nil
		}
		return nil, "", malformed(body, errors.New("data field is neither a list nor a mapping"))
	}

	return nil, "", malformed(body, errors.New("body is neither a list nor an object"))
}

// flattenSeries recognizes the per-series envelope the /infer endpoint
// emits and concatenates each series' data in source order.
func flattenSeries(items []json.RawMessage) ([]json.RawMessage, bool) {
	if len(items) == 0 {
		return nil, false
	}
	var out []json.RawMessage
	for _, it := range items {
		if leadingByte(it) != '{' {
			return nil, false
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(it, &obj); err != nil {
			return nil, false
		}
		name, hasName := obj["series"]
		data, hasData := obj["data"]
		if !hasName || !hasData || leadingByte(name) != '"' || leadingByte(data) != '[' {
			return nil, false
		}
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, false
		}
		out = append(out, records...)
	}
	return out, true
}

// orderedValues returns the values of a JSON object in the order the keys
// appear in the source text.
func orderedValues(obj json.RawMessage) ([]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(obj))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func pointFromRecord(rec json.RawMessage, fallbackTS string) Point {
	p := Point{Timestamp: fallbackTS, Anomaly: FlagInvalid}

	v, err := util.DecodeJSON(rec)
	if err != nil {
		return p
	}
	m, ok := v.(map[string]any)
	if !ok {
		return p
	}

	if id, ok := util.ToString(m["id"]); ok {
		p.ID = id
	}
	if ts, ok := util.ToString(m["timestamp"]); ok && ts != "" {
		p.Timestamp = ts
	}
	if price, ok := util.ToFloat64(m["price"]); ok {
		p.Price = price
	} else if value, ok := util.ToFloat64(m["value"]); ok {
		p.Price = value
	}
	p.Anomaly = flagOf(m["anomaly"])
	if pct, ok := util.ToFloat64(m["pct_change"]); ok {
		p.PctChange = &pct
	}
	return p
}

// flagOf accepts only numeric 0 and 1. Booleans and strings are invalid.
func flagOf(v any) int {
	n, ok := v.(json.Number)
	if !ok {
		return FlagInvalid
	}
	f, err := n.Float64()
	if err != nil {
		return FlagInvalid
	}
	switch f {
	case 0:
		return FlagNormal
	case 1:
		return FlagAnomaly
	default:
		return FlagInvalid
	}
}

func leadingByte(b []byte) byte {
	b = bytes.TrimLeft(b, " \t\r\n")
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

func malformed(body []byte, cause error) *Error {
	return &Error{
		Kind:    KindMalformed,
		Op:      "normalize",
		Preview: util.Preview(body, MaxPreviewBytes),
		Err:     fmt.Errorf("unrecognized response shape: %w", cause),
	}
}
