package access

import (
	"errors"
	"fmt"
)

// Kind classifies an access failure. Callers match kinds with errors.Is
// against the sentinel values below.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindForbidden
	KindUnauthenticated
	KindConflict
	KindUpstream
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream_failure"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound        = &Error{Kind: KindNotFound, Reason: "not found"}
	ErrForbidden       = &Error{Kind: KindForbidden, Reason: "forbidden"}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Reason: "unauthenticated"}
	ErrConflict        = &Error{Kind: KindConflict, Reason: "conflict"}
	ErrUpstream        = &Error{Kind: KindUpstream, Reason: "upstream failure"}
	ErrInvalid         = &Error{Kind: KindInvalid, Reason: "invalid request"}
)

// Error is the error type returned by every operation in this package.
// Reason is safe to show to the requester; Err is the underlying cause
// and is only logged.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same kind, so that
// errors.Is(err, ErrForbidden) holds for every forbidden verdict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func notFound(reason string) error  { return &Error{Kind: KindNotFound, Reason: reason} }
func forbidden(reason string) error { return &Error{Kind: KindForbidden, Reason: reason} }
func invalid(reason string) error   { return &Error{Kind: KindInvalid, Reason: reason} }

func upstream(reason string, err error) error {
	return &Error{Kind: KindUpstream, Reason: reason, Err: err}
}

// KindOf returns the kind carried by err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ReasonOf returns the requester-facing reason carried by err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal error"
}

// passthrough keeps typed errors from a store as they are and wraps
// anything else as an upstream failure.
func passthrough(reason string, err error) error {
	if KindOf(err) != 0 {
		return err
	}
	return upstream(reason, err)
}
