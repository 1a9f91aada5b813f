package detect

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures in the fetch layer.
type Kind string

const (
	KindNetwork     Kind = "network_failure"
	KindMalformed   Kind = "malformed_response"
	KindEmpty       Kind = "empty_dataset"
	KindProbe       Kind = "capability_probe_failure"
	KindExplanation Kind = "explanation_failure"
)

// Error is a typed failure. Status is the HTTP status when one was received;
// Preview holds a truncated copy of an unrecognized payload.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Preview string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Preview != "" {
		fmt.Fprintf(&b, " (payload: %s)", e.Preview)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrMalformed)
// works whatever the op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNetwork     = &Error{Kind: KindNetwork}
	ErrMalformed   = &Error{Kind: KindMalformed}
	ErrEmpty       = &Error{Kind: KindEmpty}
	ErrProbe       = &Error{Kind: KindProbe}
	ErrExplanation = &Error{Kind: KindExplanation}
)

// KindOf returns the kind of a typed failure, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// UserMessage maps a failure to the text shown in the dashboard banner.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindEmpty:
		return "No data available"
	case KindMalformed:
		return "Received an unexpected response from the detection service"
	case KindExplanation:
		return "Failed to load explanation"
	default:
		return "Failed to fetch anomaly data. Please try again."
	}
}
