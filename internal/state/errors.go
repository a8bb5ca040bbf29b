package state

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable error category surfaced to callers.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation_error"
	KindNotFound   ErrorKind = "not_found"
	KindState      ErrorKind = "state_error"
	KindProvider   ErrorKind = "provider_error"
	KindTimeout    ErrorKind = "timeout_error"
	KindInternal   ErrorKind = "internal_error"
)

// Error is the single error type of the research engine.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"error"`
	Field     string    `json:"field,omitempty"`
	Retryable bool      `json:"-"`
	Err       error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewValidationError reports malformed input. field names the offending input.
func NewValidationError(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports an unknown research id.
func NewNotFoundError(id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("research %s not found", id)}
}

// NewStateError reports an operation that is invalid for the current status.
func NewStateError(format string, args ...any) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

// ErrStaleRevision marks a write the store rejected because it already
// holds the same or a newer revision of the task.
var ErrStaleRevision = errors.New("stale task revision")

// NewStaleWriteError reports a rejected write of revision rev.
func NewStaleWriteError(id string, rev int64) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf("research %s revision %d is stale", id, rev), Err: ErrStaleRevision}
}

// NewProviderError wraps a gateway failure. Provider errors are retryable
// unless the upstream rejected the request itself.
func NewProviderError(provider string, retryable bool, err error) *Error {
	return &Error{Kind: KindProvider, Message: provider + " call failed", Retryable: retryable, Err: err}
}

// NewTimeoutError reports an exceeded per-call or per-task deadline.
func NewTimeoutError(what string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: what + " deadline exceeded", Retryable: true, Err: err}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// ClassifyCallError maps a failed outbound call to the taxonomy. Expiry of
// the per-call context is a timeout; a done parent context is returned as is
// so callers can tell their own cancellation or task deadline apart from a
// provider failure.
func ClassifyCallError(parent, call context.Context, provider string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return NewTimeoutError(provider+" call", err)
	}
	return NewProviderError(provider, true, err)
}
