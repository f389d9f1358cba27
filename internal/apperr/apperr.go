// Package apperr defines the error kinds surfaced by factflow operations.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error category.
type Kind string

const (
	ValidationError    Kind = "validation_error"
	OwnershipViolation Kind = "ownership_violation"
	NotFound           Kind = "not_found"
	Forbidden          Kind = "forbidden"
	InvalidState       Kind = "invalid_state"
	InvalidTransition  Kind = "invalid_transition"

	// Orchestration failures.
	Transient      Kind = "transient"
	JobFailed      Kind = "job_failed"
	PollingTimeout Kind = "polling_timeout"
	EmptyResult    Kind = "empty_result"

	Cancelled Kind = "cancelled"
	Internal  Kind = "internal"
)

// Error is a categorized error with an optional step and cause.
type Error struct {
	Kind    Kind
	Step    string
	Msg     string
	Cause   error
	Details map[string]string
}

// Error returns "<step>: <kind>: <msg>", omitting the step when empty.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Step != "" {
		return fmt.Sprintf("%s: %s: %s", e.Step, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithStep returns a copy of e qualified by step.
func (e *Error) WithStep(step string) *Error {
	cp := *e
	cp.Step = step
	return &cp
}

// WithDetail returns a copy of e carrying an extra detail.
func (e *Error) WithDetail(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// KindOf returns the kind of the first *Error in err's chain,
// or Internal if there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the message of the first *Error in err's chain,
// without the step and kind prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Cause != nil {
			return e.Cause.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsOrchestration reports whether kind is one of the four external job
// failure kinds.
func IsOrchestration(kind Kind) bool {
	switch kind {
	case Transient, JobFailed, PollingTimeout, EmptyResult:
		return true
	}
	return false
}

// HTTPStatus maps a kind to an HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case ValidationError:
		return http.StatusBadRequest
	case OwnershipViolation, Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InvalidState, InvalidTransition:
		return http.StatusConflict
	case Transient, JobFailed, PollingTimeout, EmptyResult:
		return http.StatusBadGateway
	case Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
