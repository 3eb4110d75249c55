// Package apierr defines the error taxonomy shared by every HTTP-facing
// component of the gateway: the HTTP status code and metrics category a
// given failure maps to travel with the error value itself instead of
// being re-derived at each call site.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Every Kind maps to exactly one
// HTTP status code and one metrics category.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindValidationFailed   Kind = "validation_failed"
	KindModelNotFound      Kind = "model_not_found"
	KindInvalidModel       Kind = "invalid_model"
	KindRateLimitExceeded  Kind = "rate_limit"
	KindServiceUnavailable Kind = "service_unavailable"
	KindModelLoadFailed    Kind = "model_load_failed"
	KindRuntimeNotReady    Kind = "runtime_not_ready"
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
	KindUserCancelled      Kind = "user_cancelled"
	KindInternal           Kind = "internal"
	KindRuntimeError       Kind = "runtime_error"
	KindConfigError        Kind = "config_error"
	KindIO                 Kind = "io_error"
	KindSerialization      Kind = "serialization_error"
)

// Error is the single error type surfaced across the gateway's HTTP
// boundary. It carries everything §7 of the design needs to render a
// response: status code, metrics category, and retryability.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// StatusCode returns the HTTP status code for this error's Kind, per the
// taxonomy table.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindBadRequest, KindValidationFailed, KindInvalidModel:
		return 400
	case KindModelNotFound:
		return 404
	case KindTimeout:
		return 408
	case KindRateLimitExceeded:
		return 429
	case KindCancelled, KindUserCancelled:
		return 499
	case KindServiceUnavailable, KindModelLoadFailed, KindRuntimeNotReady:
		return 503
	default:
		return 500
	}
}

// Category returns the metrics/logging category for this error's Kind.
func (e *Error) Category() string {
	switch e.Kind {
	case KindBadRequest, KindValidationFailed, KindInvalidModel:
		return "bad_request"
	case KindModelNotFound, KindServiceUnavailable, KindModelLoadFailed, KindRuntimeNotReady:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindRateLimitExceeded:
		return "rate_limited"
	case KindCancelled, KindUserCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// IsRetryable reports whether a client may reasonably retry this error.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindServiceUnavailable, KindRuntimeNotReady, KindTimeout, KindIO:
		return true
	case KindRateLimitExceeded:
		return true
	default:
		return false
	}
}

// New constructs an Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given Kind around an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: err}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
