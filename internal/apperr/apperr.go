// Package apperr defines the broker's error taxonomy: five kinds, each
// with a distinct wire-level signal in both the HTTP surface and the ACP
// dispatcher. internal/server's writeAppErr maps each kind to its HTTP
// status and logs the 500-class ones.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of picking an HTTP status /
// ACP result shape.
type Kind int

const (
	// Validation covers malformed bodies, missing required fields,
	// illegal status transitions, and bad enum values.
	Validation Kind = iota
	// NotFound covers references to a session or annotation that does
	// not exist.
	NotFound
	// Unauthorized covers a missing or mismatched bearer credential.
	Unauthorized
	// Transient covers store I/O failures, event bus overflow, and
	// webhook delivery failures — recoverable locally where possible.
	Transient
	// Fatal covers port bind failure, an unreachable store backing at
	// startup, or a corrupt store file. The supervisor never masks these.
	Fatal
)

// Error is an apperr-classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind, wrapping an underlying
// error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFoundf builds a NotFound error with the "<kind> not found: <id>"
// message shape the ACP dispatcher uses verbatim.
func NotFoundf(kind, id string) *Error {
	return New(NotFound, fmt.Sprintf("%s not found: %s", kind, id))
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to Transient for unrecognized errors so callers
// always get a safe wire-level mapping.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}
