// Package fault defines the stable error codes surfaced to agents, the
// admin API, and the CLI. Components wrap internal errors in a fault.Error
// so callers and tests can match on the code rather than message text.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable, user-visible failure code.
type Code string

const (
	// Admission
	CodeInvalidToken Code = "INVALID_TOKEN"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeRateLimited  Code = "RATE_LIMITED"

	// Validation
	CodeInvalidMessage Code = "INVALID_MESSAGE"
	CodePlanInvalid    Code = "PLAN_INVALID"

	// Capacity
	CodeQueueFull    Code = "QUEUE_FULL"
	CodeRegistryFull Code = "REGISTRY_FULL"

	// Timing
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
	CodePlanCancelled    Code = "PLAN_CANCELLED"

	// Integrity
	CodeHMACFailure Code = "HMAC_FAILURE"

	// Discovery
	CodeNoTarget Code = "NO_TARGET"
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"

	// Transport
	CodeTransportFailed Code = "TRANSPORT_FAILED"

	// Persistence
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"

	// Scheduling
	CodeThermalDeferred Code = "THERMAL_DEFERRED"
)

// Error carries a stable code alongside a human-readable message.
type Error struct {
	Code       Code
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	wrapped    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is lets errors.Is(err, &fault.Error{Code: c}) match on code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error, preserving the chain.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), wrapped: err}
}

// AsRetryable marks the error retryable after the given delay.
func (e *Error) AsRetryable(after time.Duration) *Error {
	e.Retryable = true
	e.RetryAfter = after
	return e
}

// CodeOf extracts the stable code from an error chain. Errors without a
// fault.Error in the chain report an empty code.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the error chain is marked retryable.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
