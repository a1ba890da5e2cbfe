// Package apperror defines the closed error-kind taxonomy shared
// across the store, sandbox provider, and HTTP API, plus the status-code
// mapping the API layer uses to render it.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error kinds the system distinguishes.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindForbidden          Kind = "forbidden"
	KindInvalidRequest     Kind = "invalid_request"
	KindConflict           Kind = "conflict"
	KindNotRunning         Kind = "not_running"
	KindStartTimeout       Kind = "start_timeout"
	KindExecFailed         Kind = "exec_failed"
	KindIOError            Kind = "io_error"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindInternal           Kind = "internal"
	KindTooLarge           Kind = "too_large"
)

// Error is a typed application error carrying a snake_code, an optional
// conflict sub-code, and arbitrary JSON-able detail fields rendered by the
// HTTP layer's error envelope.
type Error struct {
	Kind    Kind
	Code    string // snake_code surfaced to clients; defaults to string(Kind)
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given kind with a snake_code (defaulting to
// the kind itself) and message.
func New(kind Kind, code, message string) *Error {
	if code == "" {
		code = string(kind)
	}
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap wraps an underlying error with a kind and snake_code.
func Wrap(kind Kind, code string, cause error) *Error {
	if code == "" {
		code = string(kind)
	}
	return &Error{Kind: kind, Code: code, Cause: cause}
}

// WithDetails attaches extra fields to the error's envelope.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NotFound builds a not_found error for the named resource.
func NotFound(resource string) *Error {
	return New(KindNotFound, "not_found", resource+" not found")
}

// Forbidden builds a forbidden error.
func Forbidden(message string) *Error {
	return New(KindForbidden, "forbidden", message)
}

// Invalid builds an invalid_request error.
func Invalid(message string) *Error {
	return New(KindInvalidRequest, "invalid_request", message)
}

// Conflict builds a conflict error with the given snake_code sub-type
// (e.g. "completion_in_progress", "service_already_running").
func Conflict(code, message string) *Error {
	return New(KindConflict, code, message)
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else
// KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status code the API surface uses.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindConflict, KindAlreadyExists:
		return http.StatusConflict
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindNotRunning, KindStartTimeout, KindExecFailed, KindIOError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Envelope renders the {"error": "<snake_code>", ...details} body.
func (e *Error) Envelope() map[string]any {
	body := map[string]any{"error": e.Code}
	for k, v := range e.Details {
		body[k] = v
	}
	return body
}
