// Package domerr defines the error taxonomy shared by every domharvest
// component. Each error carries the target it concerns, the operation that
// failed and the low-level cause.
package domerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Retry policies filter on it.
type Kind string

const (
	// NavigationFailure: navigation or page bootstrap failed.
	NavigationFailure Kind = "NavigationFailure"
	// MatchTimeout: an expected page state never appeared within its timeout.
	MatchTimeout Kind = "MatchTimeout"
	// ExtractionFailure: the schema or a callback raised inside the page.
	ExtractionFailure Kind = "ExtractionFailure"
	// SessionNotFound: no durable record exists for a session id.
	SessionNotFound Kind = "SessionNotFound"
)

// Kinds lists every known kind, in a stable order.
var Kinds = []Kind{NavigationFailure, MatchTimeout, ExtractionFailure, SessionNotFound}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("domerr: unknown error kind %q", s)
}

// Error is a classified failure.
type Error struct {
	Kind     Kind
	Target   string // URL or session id
	Op       string // failed operation: navigate, wait, extract, evaluate, screenshot, load...
	Selector string // selector in play, when relevant
	Cause    error
}

// New builds an *Error.
func New(kind Kind, target, op string, cause error) *Error {
	return &Error{Kind: kind, Target: target, Op: op, Cause: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s %s", e.Kind, e.Op, e.Target)
	if e.Selector != "" {
		msg += fmt.Sprintf(" (selector %q)", e.Selector)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind, so that
// errors.Is(err, &Error{Kind: SessionNotFound}) works as a sentinel check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Target == "" || t.Target == e.Target)
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
