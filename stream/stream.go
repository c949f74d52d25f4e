// Package stream delivers client-facing agent execution updates. Stream
// events differ from hook events: hook events provide comprehensive internal
// observability, while stream events are the curated subset a UI or remote
// consumer cares about (assistant text, reasoning, tool progress, permission
// prompts, turn lifecycle).
//
// The Subscriber bridges selected hook events into stream events and forwards
// them to a Sink. Sinks marshal events into their wire format (SSE,
// WebSocket, message bus) or, via Queue, expose the events as a lazy
// in-process sequence.
package stream

import (
	"context"
	"time"

	"github.com/strandlabs/strand/toolerrors"
)

type (
	// Sink delivers streaming updates to clients over a transport.
	// Implementations must be thread-safe: the runtime may call Send
	// concurrently when tools stream results in parallel.
	Sink interface {
		// Send publishes an event. A returned error propagates to the hook
		// bus, which stops event delivery to remaining subscribers.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Close is idempotent;
		// after it returns, Send returns errors.
		Close(ctx context.Context) error
	}

	// Event describes a streaming event delivered through a Sink. Concrete
	// types embed Base; sinks use the interface for generic marshaling and
	// consumers type-assert for structured field access.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// SessionID returns the session that produced the event.
		SessionID() string
		// Payload returns the event-specific data in JSON-serializable form.
		Payload() any
	}

	// Base provides a default implementation of Event. Field names are
	// abbreviated because Base fields are set once at construction and read
	// through the interface methods.
	Base struct {
		// T is the event type constant.
		T EventType
		// S is the producing session identifier.
		S string
		// P is the JSON-serializable payload.
		P any
	}

	// AssistantDelta streams incremental assistant text. Clients concatenate
	// Text fragments in arrival order.
	AssistantDelta struct {
		Base
		Text string
	}

	// ReasoningDelta streams incremental model reasoning. Reasoning is for
	// display only; it is not part of the persisted conversation unless the
	// agent preserves it.
	ReasoningDelta struct {
		Base
		Text string
	}

	// ToolStart streams when the scheduler dispatches a tool call.
	ToolStart struct {
		Base
		Data ToolStartPayload
	}

	// ToolStartPayload carries the metadata for a dispatched tool call.
	ToolStartPayload struct {
		// CallID uniquely identifies this invocation; ToolEnd events carry
		// the same ID.
		CallID string `json:"call_id"`
		// Name is the tool identifier.
		Name string `json:"name"`
		// Args holds the resolved JSON arguments, nil before resolution.
		Args map[string]any `json:"args,omitempty"`
	}

	// ToolEnd streams when a tool call completes. Every ToolStart is
	// eventually followed by a ToolEnd with the same CallID.
	ToolEnd struct {
		Base
		Data ToolEndPayload
	}

	// ToolEndPayload carries the result metadata for a completed tool call.
	ToolEndPayload struct {
		CallID string `json:"call_id"`
		Name   string `json:"name"`
		// Result is the tool output on success, nil on failure.
		Result any `json:"result,omitempty"`
		// Duration is the wall-clock execution time.
		Duration time.Duration `json:"duration"`
		// Error holds structured failure details, nil on success.
		Error *toolerrors.ToolError `json:"error,omitempty"`
	}

	// PermissionPrompt streams a pending permission request that an external
	// actor must answer via the bus suspension protocol.
	PermissionPrompt struct {
		Base
		Data PermissionPromptPayload
	}

	// PermissionPromptPayload identifies the call awaiting approval.
	PermissionPromptPayload struct {
		// ID is the correlation ID to answer with.
		ID string `json:"id"`
		// Function is the tool requiring permission.
		Function string `json:"function"`
		// CallID is the pending tool call.
		CallID string `json:"call_id"`
		// Args holds the call's JSON arguments for display.
		Args map[string]any `json:"args,omitempty"`
	}

	// ContinuationPrompt streams a pending continuation request at the
	// iteration cap.
	ContinuationPrompt struct {
		Base
		Data ContinuationPromptPayload
	}

	// ContinuationPromptPayload identifies the iteration extension decision.
	ContinuationPromptPayload struct {
		ID            string `json:"id"`
		NextIteration int    `json:"next_iteration"`
		MaxIterations int    `json:"max_iterations"`
	}

	// TurnDone streams when a turn completes successfully.
	TurnDone struct {
		Base
		// FinalText is the final assistant message text, empty when the turn
		// produced none.
		FinalText string
		// Iterations is the number of model invocations performed.
		Iterations int
	}

	// TurnFailed streams when a turn terminates with an error.
	TurnFailed struct {
		Base
		// Code is the stable failure classification.
		Code string
		// Message is a human-readable summary.
		Message string
	}
)

// EventType enumerates stream payload flavors.
type EventType string

const (
	// EventAssistantDelta streams incremental assistant text.
	EventAssistantDelta EventType = "assistant_delta"
	// EventReasoningDelta streams incremental reasoning text.
	EventReasoningDelta EventType = "reasoning_delta"
	// EventToolStart streams a dispatched tool call.
	EventToolStart EventType = "tool_start"
	// EventToolEnd streams a completed tool call.
	EventToolEnd EventType = "tool_end"
	// EventPermissionPrompt streams a pending permission request.
	EventPermissionPrompt EventType = "permission_prompt"
	// EventContinuationPrompt streams a pending continuation request.
	EventContinuationPrompt EventType = "continuation_prompt"
	// EventTurnDone streams successful turn completion.
	EventTurnDone EventType = "turn_done"
	// EventTurnFailed streams turn failure.
	EventTurnFailed EventType = "turn_failed"
)

// Type implements Event.Type.
func (e Base) Type() EventType { return e.T }

// SessionID implements Event.SessionID.
func (e Base) SessionID() string { return e.S }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.P }
