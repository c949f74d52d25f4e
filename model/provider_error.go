package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies provider failures into a small set of stable
// categories suitable for retry and UX decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates credentials are missing or invalid.
	// Never retried.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindTransientNetwork indicates timeouts, connection
	// resets, or DNS failures. Retried with exponential backoff.
	ProviderErrorKindTransientNetwork ProviderErrorKind = "transient_network"

	// ProviderErrorKindRateLimited indicates the provider is throttling
	// requests. Retryable() distinguishes backoff-and-retry throttling from
	// terminal quota exhaustion.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindInvalidRequest indicates the request is malformed and
	// retrying without changing it will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindContextLength indicates the prompt exceeds the model's
	// context window. Not retried.
	ProviderErrorKindContextLength ProviderErrorKind = "context_length"

	// ProviderErrorKindServer indicates an upstream 5xx failure where a retry
	// may succeed.
	ProviderErrorKindServer ProviderErrorKind = "server"

	// ProviderErrorKindCanceled indicates cooperative cancellation propagated
	// into the provider call.
	ProviderErrorKindCanceled ProviderErrorKind = "canceled"

	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. It crosses
// package boundaries so the runtime can surface stable, structured
// information to callers and retry middleware can classify without string
// matching.
type ProviderError struct {
	provider   string
	operation  string
	http       int
	kind       ProviderErrorKind
	code       string
	message    string
	retryable  bool
	retryAfter int // seconds, vendor hint; 0 when absent
	cause      error
}

// NewProviderError constructs a ProviderError. provider and kind are
// required. cause may be nil but is recommended to preserve the original
// error chain.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, code, message string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// WithRetryAfter returns a copy of the error annotated with a vendor-provided
// retry hint in seconds.
func (e *ProviderError) WithRetryAfter(seconds int) *ProviderError {
	cp := *e
	cp.retryAfter = seconds
	return &cp
}

// Provider returns the provider identifier.
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, otherwise 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Code returns the provider-specific error code when available.
func (e *ProviderError) Code() string { return e.code }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *ProviderError) Retryable() bool { return e.retryable }

// RetryAfterSeconds returns the vendor-provided retry hint, 0 when absent.
func (e *ProviderError) RetryAfterSeconds() int { return e.retryAfter }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.code != "" {
		msg = e.code + ": " + msg
	}
	if e.http > 0 {
		return fmt.Sprintf("%s %s %d (%s): %s", e.provider, e.kind, e.http, op, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.provider, e.kind, op, msg)
}

// Unwrap returns the underlying provider error to preserve the error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
