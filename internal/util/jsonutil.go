package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// DecodeJSON decodes a single JSON value into any.
//
// We enable json.Decoder.UseNumber() so numbers are preserved as json.Number.
// This avoids lossy float conversions for epoch-millisecond timestamps.
func DecodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Ensure there is no trailing non-whitespace content.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("unexpected trailing JSON content")
		}
		return nil, fmt.Errorf("unexpected trailing JSON content: %w", err)
	}
	return v, nil
}

// DecodeJSONMap decodes JSON into a map[string]any.
func DecodeJSONMap(b []byte) (map[string]any, error) {
	v, err := DecodeJSON(b)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %s", KindOf(v))
	}
	return m, nil
}

// KindOf names the JSON kind of a decoded value for diagnostics.
func KindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Preview returns at most max bytes of b for logging, cut on a rune boundary.
func Preview(b []byte, max int) string {
	b = bytes.TrimSpace(b)
	if max <= 0 || len(b) <= max {
		return string(b)
	}
	cut := b[:max]
	// Drop a partial trailing rune (at most 3 bytes of it).
	for i := 0; i < utf8.UTFMax-1 && len(cut) > 0; i++ {
		if r, size := utf8.DecodeLastRune(cut); r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return string(cut) + "..."
}
