package hooks

import (
	"time"
)

// EventType enumerates the closed set of runtime event kinds. Subscribers use
// it to filter or route events without type assertions.
type EventType string

// Agent turn lifecycle events.
const (
	MessageTurnStarted  EventType = "message_turn_started"
	MessageTurnFinished EventType = "message_turn_finished"
	MessageTurnError    EventType = "message_turn_error"
	IterationStart      EventType = "iteration_start"
	AgentDecision       EventType = "agent_decision"
	StepStarted         EventType = "step_started"
	AgentCompletion     EventType = "agent_completion"
	Usage               EventType = "usage"
)

// Streaming content events.
const (
	TextDelta             EventType = "text_delta"
	ReasoningMessageStart EventType = "reasoning_message_start"
	ReasoningMessageDelta EventType = "reasoning_message_delta"
	ReasoningMessageEnd   EventType = "reasoning_message_end"
)

// Tool execution events.
const (
	ToolCallStart           EventType = "tool_call_start"
	ToolCallArgs            EventType = "tool_call_args"
	ToolCallResult          EventType = "tool_call_result"
	ToolCallEnd             EventType = "tool_call_end"
	CircuitBreakerTriggered EventType = "circuit_breaker_triggered"
)

// Permission and continuation events.
const (
	PermissionRequest    EventType = "permission_request"
	PermissionResponse   EventType = "permission_response"
	PermissionApproved   EventType = "permission_approved"
	PermissionDenied     EventType = "permission_denied"
	PermissionCheck      EventType = "permission_check"
	ContinuationRequest  EventType = "continuation_request"
	ContinuationResponse EventType = "continuation_response"
)

// Workflow (graph orchestrator) events.
const (
	WorkflowStarted        EventType = "workflow_started"
	WorkflowCompleted      EventType = "workflow_completed"
	WorkflowLayerStarted   EventType = "workflow_layer_started"
	WorkflowLayerCompleted EventType = "workflow_layer_completed"
	WorkflowNodeStarted    EventType = "workflow_node_started"
	WorkflowNodeCompleted  EventType = "workflow_node_completed"
	WorkflowNodeSkipped    EventType = "workflow_node_skipped"
	WorkflowEdgeTraversed  EventType = "workflow_edge_traversed"
	WorkflowDiagnostic     EventType = "workflow_diagnostic"
)

type (
	// Event is the interface all runtime events implement. The runtime
	// publishes events through the Bus; subscribers receive them via
	// HandleEvent and use type switches for typed field access:
	//
	//	switch e := evt.(type) {
	//	case *ToolCallEndEvent:
	//	    log.Printf("tool %s took %v", e.Name, e.Duration)
	//	case *TextDeltaEvent:
	//	    io.WriteString(w, e.Text)
	//	}
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// SessionID returns the logical session identifier. All events for a
		// given turn share the same session ID, providing a stable join key.
		SessionID() string
		// TurnID returns the conversational turn identifier, empty before a
		// turn is active.
		TurnID() string
		// AgentID returns the identifier of the agent that produced the event.
		AgentID() string
		// Timestamp returns the Unix timestamp in milliseconds at event
		// creation, not delivery.
		Timestamp() int64
	}

	// Correlated is implemented by request/response events participating in
	// the bus suspension protocol.
	Correlated interface {
		// CorrelationID joins a request event with its out-of-band response.
		CorrelationID() string
	}

	// baseEvent holds common fields shared by all event types. It is embedded
	// anonymously in each concrete event struct.
	baseEvent struct {
		sessionID string
		turnID    string
		agentID   string
		timestamp int64
	}

	// MessageTurnStartedEvent fires when a turn begins execution, after the
	// turn lock is acquired and before any middleware runs.
	MessageTurnStartedEvent struct {
		baseEvent
		// UserText is the text of the submitted user message(s), concatenated.
		UserText string
	}

	// MessageTurnFinishedEvent fires after a turn completes successfully.
	MessageTurnFinishedEvent struct {
		baseEvent
		// FinalText is the text of the final assistant message, empty when the
		// turn produced no assistant message (max_iterations = 0).
		FinalText string
		// Iterations is the number of model invocations the turn performed.
		Iterations int
	}

	// MessageTurnErrorEvent fires when a turn terminates with an error. The
	// turn still runs its after-turn hooks before this event is followed by
	// lock release.
	MessageTurnErrorEvent struct {
		baseEvent
		// Code is the stable classification for the failure (see model
		// provider error kinds and toolerrors kinds).
		Code string
		// Message is a human-readable summary safe to surface to users.
		Message string
	}

	// IterationStartEvent fires at the top of each model-call iteration.
	IterationStartEvent struct {
		baseEvent
		// Iteration is the zero-based iteration index.
		Iteration int
		// MaxIterations is the current iteration cap, including any
		// continuation extensions granted so far.
		MaxIterations int
	}

	// AgentDecisionEvent fires after a model response is fully collected,
	// summarizing whether the assistant requested tools.
	AgentDecisionEvent struct {
		baseEvent
		// HadFunctionCalls reports whether the response declared tool calls.
		HadFunctionCalls bool
		// FunctionCalls lists the requested tool names in response order.
		FunctionCalls []string
	}

	// StepStartedEvent fires when the loop enters a named phase (prepare,
	// model_call, tool_execution, checkpoint). Primarily a UX signal.
	StepStartedEvent struct {
		baseEvent
		// Step names the phase being entered.
		Step string
	}

	// AgentCompletionEvent fires once per turn with the final assistant
	// output, before MessageTurnFinished.
	AgentCompletionEvent struct {
		baseEvent
		// FinalText is the assistant's final message text.
		FinalText string
	}

	// UsageEvent reports token usage for a model invocation within a turn.
	UsageEvent struct {
		baseEvent
		// InputTokens counts prompt tokens consumed.
		InputTokens int
		// OutputTokens counts completion tokens produced.
		OutputTokens int
		// TotalTokens is InputTokens + OutputTokens unless the provider
		// reports a different aggregate.
		TotalTokens int
	}

	// TextDeltaEvent streams an incremental assistant text fragment.
	TextDeltaEvent struct {
		baseEvent
		// Text is the fragment; consumers concatenate fragments in order.
		Text string
	}

	// ReasoningMessageStartEvent marks the beginning of a reasoning block.
	ReasoningMessageStartEvent struct {
		baseEvent
	}

	// ReasoningMessageDeltaEvent streams an incremental reasoning fragment.
	// Reasoning is displayed but excluded from persisted history unless the
	// turn preserves it.
	ReasoningMessageDeltaEvent struct {
		baseEvent
		// Text is the reasoning fragment.
		Text string
	}

	// ReasoningMessageEndEvent marks the end of a reasoning block.
	ReasoningMessageEndEvent struct {
		baseEvent
	}

	// ToolCallStartEvent fires when the scheduler dispatches a tool call.
	// For the tool calls of one iteration, every ToolCallStart precedes any
	// ToolCallEnd.
	ToolCallStartEvent struct {
		baseEvent
		// CallID uniquely identifies the invocation within the turn.
		CallID string
		// Name is the tool identifier.
		Name string
	}

	// ToolCallArgsEvent fires once the call's arguments are resolved and
	// validated.
	ToolCallArgsEvent struct {
		baseEvent
		// CallID correlates with the ToolCallStartEvent.
		CallID string
		// Args holds the resolved JSON arguments.
		Args map[string]any
	}

	// ToolCallResultEvent fires when a tool call produces a result value or
	// an error payload.
	ToolCallResultEvent struct {
		baseEvent
		// CallID correlates with the ToolCallStartEvent.
		CallID string
		// Value is the tool's output, or the error payload when IsError.
		Value any
		// IsError indicates the invocation failed.
		IsError bool
	}

	// ToolCallEndEvent terminates the event group for one tool call.
	ToolCallEndEvent struct {
		baseEvent
		// CallID correlates with the ToolCallStartEvent.
		CallID string
		// Name is the tool identifier.
		Name string
		// Duration is the wall-clock execution time.
		Duration time.Duration
		// Error is the failure summary, empty on success.
		Error string
	}

	// CircuitBreakerTriggeredEvent fires when the circuit breaker
	// short-circuits a tool call after repeated identical invocations.
	CircuitBreakerTriggeredEvent struct {
		baseEvent
		// Name is the tool identifier.
		Name string
		// ConsecutiveCalls is the identical-argument call count that tripped
		// the breaker.
		ConsecutiveCalls int
	}

	// PermissionRequestEvent asks an external actor to approve a tool call.
	// The emitting middleware then blocks in WaitForResponse on ID.
	PermissionRequestEvent struct {
		baseEvent
		// ID is the correlation ID for the out-of-band response.
		ID string
		// Function is the tool requiring permission.
		Function string
		// CallID is the pending tool call identifier.
		CallID string
		// Args holds the call's JSON arguments for display.
		Args map[string]any
	}

	// PermissionResponseEvent is the out-of-band answer to a
	// PermissionRequestEvent, delivered via Bus.SendResponse.
	PermissionResponseEvent struct {
		baseEvent
		// ID matches the request's correlation ID.
		ID string
		// Approved reports the decision.
		Approved bool
		// Remember, when non-empty, persists the decision as a policy:
		// "always_allow" or "always_deny".
		Remember string
		// Scope selects where a remembered policy applies: "global",
		// "project", or "conversation".
		Scope string
	}

	// PermissionApprovedEvent records an approval decision for observability.
	PermissionApprovedEvent struct {
		baseEvent
		// Function is the approved tool.
		Function string
		// CallID is the approved tool call.
		CallID string
	}

	// PermissionDeniedEvent records a denial (explicit, timed out, or
	// canceled).
	PermissionDeniedEvent struct {
		baseEvent
		// Function is the denied tool.
		Function string
		// CallID is the denied tool call.
		CallID string
		// Reason is "denied", "timeout", or "canceled".
		Reason string
	}

	// PermissionCheckEvent records a policy store lookup that resolved
	// without prompting.
	PermissionCheckEvent struct {
		baseEvent
		// Function is the tool checked.
		Function string
		// Policy is the stored decision that applied.
		Policy string
		// Scope is the policy scope that matched.
		Scope string
	}

	// ContinuationRequestEvent asks whether the loop may run past its
	// iteration cap. The emitting middleware blocks in WaitForResponse on ID.
	ContinuationRequestEvent struct {
		baseEvent
		// ID is the correlation ID for the out-of-band response.
		ID string
		// NextIteration is the iteration that would run if extended.
		NextIteration int
		// MaxIterations is the current cap.
		MaxIterations int
	}

	// ContinuationResponseEvent is the out-of-band answer to a
	// ContinuationRequestEvent.
	ContinuationResponseEvent struct {
		baseEvent
		// ID matches the request's correlation ID.
		ID string
		// Approved reports whether the cap may be extended.
		Approved bool
		// ExtendBy is the number of additional iterations granted; zero uses
		// the middleware's configured default.
		ExtendBy int
	}

	// WorkflowStartedEvent fires when a graph run begins.
	WorkflowStartedEvent struct {
		baseEvent
		// GraphID identifies the graph.
		GraphID string
		// Name is the graph's display name.
		Name string
		// RunID identifies this execution.
		RunID string
	}

	// WorkflowCompletedEvent fires when a graph run terminates.
	WorkflowCompletedEvent struct {
		baseEvent
		// GraphID identifies the graph.
		GraphID string
		// RunID identifies this execution.
		RunID string
		// Status is "success", "failed", or "canceled".
		Status string
	}

	// WorkflowLayerStartedEvent fires before a topological layer is
	// scheduled.
	WorkflowLayerStartedEvent struct {
		baseEvent
		// RunID identifies the graph execution.
		RunID string
		// Index is the zero-based layer position.
		Index int
		// Nodes lists the node IDs eligible in this layer.
		Nodes []string
	}

	// WorkflowLayerCompletedEvent fires after all nodes of a layer have
	// terminated.
	WorkflowLayerCompletedEvent struct {
		baseEvent
		// RunID identifies the graph execution.
		RunID string
		// Index is the zero-based layer position.
		Index int
	}

	// WorkflowNodeStartedEvent fires when a node begins executing.
	WorkflowNodeStartedEvent struct {
		baseEvent
		// RunID identifies the graph execution.
		RunID string
		// NodeID identifies the node.
		NodeID string
	}

	// WorkflowNodeCompletedEvent fires when a node terminates with success or
	// failure.
	WorkflowNodeCompletedEvent struct {
		baseEvent
		// RunID identifies the graph execution.
		RunID string
		// NodeID identifies the node.
		NodeID string
		// Status is "success" or "failed".
		Status string
		// Error is the failure summary, empty on success.
		Error string
	}

	// WorkflowNodeSkippedEvent fires when a node's incoming edge conditions
	// left it ineligible.
	WorkflowNodeSkippedEvent struct {
		baseEvent
		// RunID identifies the graph execution.
		RunID string
		// NodeID identifies the node.
		NodeID string
		// Reason summarizes why the node was skipped.
		Reason string
	}

	// WorkflowEdgeTraversedEvent fires when an edge delivers its payload
	// to the target node, whether admitted by a per-edge condition or by
	// an upstream aggregation.
	WorkflowEdgeTraversedEvent struct {
		baseEvent
		// RunID identifies the graph execution.
		RunID string
		// From is the source node ID.
		From string
		// To is the target node ID.
		To string
	}

	// WorkflowDiagnosticEvent carries graph-level diagnostics (retry
	// exhaustion, cache activity, buffer saturation).
	WorkflowDiagnosticEvent struct {
		baseEvent
		// RunID identifies the graph execution.
		RunID string
		// NodeID identifies the node concerned, empty for graph-level
		// diagnostics.
		NodeID string
		// Severity is "info", "warning", or "error".
		Severity string
		// Message is the diagnostic text.
		Message string
	}
)

// SessionID returns the logical session identifier.
func (e baseEvent) SessionID() string { return e.sessionID }

// TurnID returns the conversational turn identifier (empty if not set).
func (e baseEvent) TurnID() string { return e.turnID }

// AgentID returns the producing agent identifier.
func (e baseEvent) AgentID() string { return e.agentID }

// Timestamp returns the Unix timestamp in milliseconds at event creation.
func (e baseEvent) Timestamp() int64 { return e.timestamp }

// Meta identifies the producer of an event: which agent, session, and turn.
// The runtime stamps every event it constructs with its Meta.
type Meta struct {
	SessionID string
	TurnID    string
	AgentID   string
}

func newBaseEvent(m Meta) baseEvent {
	return baseEvent{
		sessionID: m.SessionID,
		turnID:    m.TurnID,
		agentID:   m.AgentID,
		timestamp: time.Now().UnixMilli(),
	}
}

// Type implementations.

func (e *MessageTurnStartedEvent) Type() EventType      { return MessageTurnStarted }
func (e *MessageTurnFinishedEvent) Type() EventType     { return MessageTurnFinished }
func (e *MessageTurnErrorEvent) Type() EventType        { return MessageTurnError }
func (e *IterationStartEvent) Type() EventType          { return IterationStart }
func (e *AgentDecisionEvent) Type() EventType           { return AgentDecision }
func (e *StepStartedEvent) Type() EventType             { return StepStarted }
func (e *AgentCompletionEvent) Type() EventType         { return AgentCompletion }
func (e *UsageEvent) Type() EventType                   { return Usage }
func (e *TextDeltaEvent) Type() EventType               { return TextDelta }
func (e *ReasoningMessageStartEvent) Type() EventType   { return ReasoningMessageStart }
func (e *ReasoningMessageDeltaEvent) Type() EventType   { return ReasoningMessageDelta }
func (e *ReasoningMessageEndEvent) Type() EventType     { return ReasoningMessageEnd }
func (e *ToolCallStartEvent) Type() EventType           { return ToolCallStart }
func (e *ToolCallArgsEvent) Type() EventType            { return ToolCallArgs }
func (e *ToolCallResultEvent) Type() EventType          { return ToolCallResult }
func (e *ToolCallEndEvent) Type() EventType             { return ToolCallEnd }
func (e *CircuitBreakerTriggeredEvent) Type() EventType { return CircuitBreakerTriggered }
func (e *PermissionRequestEvent) Type() EventType       { return PermissionRequest }
func (e *PermissionResponseEvent) Type() EventType      { return PermissionResponse }
func (e *PermissionApprovedEvent) Type() EventType      { return PermissionApproved }
func (e *PermissionDeniedEvent) Type() EventType        { return PermissionDenied }
func (e *PermissionCheckEvent) Type() EventType         { return PermissionCheck }
func (e *ContinuationRequestEvent) Type() EventType     { return ContinuationRequest }
func (e *ContinuationResponseEvent) Type() EventType    { return ContinuationResponse }
func (e *WorkflowStartedEvent) Type() EventType         { return WorkflowStarted }
func (e *WorkflowCompletedEvent) Type() EventType       { return WorkflowCompleted }
func (e *WorkflowLayerStartedEvent) Type() EventType    { return WorkflowLayerStarted }
func (e *WorkflowLayerCompletedEvent) Type() EventType  { return WorkflowLayerCompleted }
func (e *WorkflowNodeStartedEvent) Type() EventType     { return WorkflowNodeStarted }
func (e *WorkflowNodeCompletedEvent) Type() EventType   { return WorkflowNodeCompleted }
func (e *WorkflowNodeSkippedEvent) Type() EventType     { return WorkflowNodeSkipped }
func (e *WorkflowEdgeTraversedEvent) Type() EventType   { return WorkflowEdgeTraversed }
func (e *WorkflowDiagnosticEvent) Type() EventType      { return WorkflowDiagnostic }

// CorrelationID implementations for suspension-protocol events.

func (e *PermissionRequestEvent) CorrelationID() string    { return e.ID }
func (e *PermissionResponseEvent) CorrelationID() string   { return e.ID }
func (e *ContinuationRequestEvent) CorrelationID() string  { return e.ID }
func (e *ContinuationResponseEvent) CorrelationID() string { return e.ID }
