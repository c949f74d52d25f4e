// Package toolerrors provides structured error types for tool invocation
// failures. ToolError preserves error chains, supports errors.Is/As, and
// carries a kind classification the retry middleware and the scheduler use to
// distinguish transient failures from terminal ones.
package toolerrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies tool failures for retry and termination decisions.
type Kind string

const (
	// KindTransient indicates a failure that may succeed on retry.
	KindTransient Kind = "transient"

	// KindTerminal indicates a failure that will not succeed on retry.
	KindTerminal Kind = "terminal"

	// KindTimeout indicates the per-call timeout expired.
	KindTimeout Kind = "timeout"

	// KindCanceled indicates cooperative cancellation reached the call.
	KindCanceled Kind = "canceled"

	// KindPermissionDenied indicates the permission filter denied the call.
	KindPermissionDenied Kind = "permission_denied"

	// KindCircuitOpen indicates the circuit breaker short-circuited the call.
	KindCircuitOpen Kind = "circuit_open"
)

// ToolError represents a structured tool failure that preserves message and
// causal context while implementing the standard error interface. Tool errors
// may be nested via Cause to retain diagnostics across retries.
type ToolError struct {
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// Kind classifies the failure; empty means KindTerminal.
	Kind Kind `json:"kind,omitempty"`
	// Cause links to the underlying tool error so errors.Is/As traverse the
	// chain even after serialization.
	Cause *ToolError `json:"cause,omitempty"`
}

// New constructs a terminal ToolError with the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message, Kind: KindTerminal}
}

// NewKind constructs a ToolError with an explicit classification.
func NewKind(kind Kind, message string) *ToolError {
	e := New(message)
	e.Kind = kind
	return e
}

// NewWithCause constructs a ToolError that wraps an underlying error. The
// cause is converted into a ToolError chain so metadata survives
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Message: message,
		Kind:    classify(cause),
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Kind:    classify(err),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the string as a
// terminal ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Transient reports whether retrying the tool call may succeed.
func (e *ToolError) Transient() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

func classify(err error) Kind {
	switch {
	case err == nil:
		return KindTerminal
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindTerminal
	}
}
