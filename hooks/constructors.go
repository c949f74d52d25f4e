package hooks

import "time"

// NewMessageTurnStartedEvent constructs a MessageTurnStartedEvent with the
// current timestamp.
func NewMessageTurnStartedEvent(m Meta, userText string) *MessageTurnStartedEvent {
	return &MessageTurnStartedEvent{baseEvent: newBaseEvent(m), UserText: userText}
}

// NewMessageTurnFinishedEvent constructs a MessageTurnFinishedEvent.
func NewMessageTurnFinishedEvent(m Meta, finalText string, iterations int) *MessageTurnFinishedEvent {
	return &MessageTurnFinishedEvent{baseEvent: newBaseEvent(m), FinalText: finalText, Iterations: iterations}
}

// NewMessageTurnErrorEvent constructs a MessageTurnErrorEvent. Code should be
// a stable classification (provider error kind, toolerrors kind, "canceled").
func NewMessageTurnErrorEvent(m Meta, code, message string) *MessageTurnErrorEvent {
	return &MessageTurnErrorEvent{baseEvent: newBaseEvent(m), Code: code, Message: message}
}

// NewIterationStartEvent constructs an IterationStartEvent.
func NewIterationStartEvent(m Meta, iteration, maxIterations int) *IterationStartEvent {
	return &IterationStartEvent{baseEvent: newBaseEvent(m), Iteration: iteration, MaxIterations: maxIterations}
}

// NewAgentDecisionEvent constructs an AgentDecisionEvent.
func NewAgentDecisionEvent(m Meta, calls []string) *AgentDecisionEvent {
	return &AgentDecisionEvent{
		baseEvent:        newBaseEvent(m),
		HadFunctionCalls: len(calls) > 0,
		FunctionCalls:    append([]string(nil), calls...),
	}
}

// NewStepStartedEvent constructs a StepStartedEvent.
func NewStepStartedEvent(m Meta, step string) *StepStartedEvent {
	return &StepStartedEvent{baseEvent: newBaseEvent(m), Step: step}
}

// NewAgentCompletionEvent constructs an AgentCompletionEvent.
func NewAgentCompletionEvent(m Meta, finalText string) *AgentCompletionEvent {
	return &AgentCompletionEvent{baseEvent: newBaseEvent(m), FinalText: finalText}
}

// NewUsageEvent constructs a UsageEvent.
func NewUsageEvent(m Meta, input, output, total int) *UsageEvent {
	if total == 0 {
		total = input + output
	}
	return &UsageEvent{baseEvent: newBaseEvent(m), InputTokens: input, OutputTokens: output, TotalTokens: total}
}

// NewTextDeltaEvent constructs a TextDeltaEvent.
func NewTextDeltaEvent(m Meta, text string) *TextDeltaEvent {
	return &TextDeltaEvent{baseEvent: newBaseEvent(m), Text: text}
}

// NewReasoningMessageStartEvent constructs a ReasoningMessageStartEvent.
func NewReasoningMessageStartEvent(m Meta) *ReasoningMessageStartEvent {
	return &ReasoningMessageStartEvent{baseEvent: newBaseEvent(m)}
}

// NewReasoningMessageDeltaEvent constructs a ReasoningMessageDeltaEvent.
func NewReasoningMessageDeltaEvent(m Meta, text string) *ReasoningMessageDeltaEvent {
	return &ReasoningMessageDeltaEvent{baseEvent: newBaseEvent(m), Text: text}
}

// NewReasoningMessageEndEvent constructs a ReasoningMessageEndEvent.
func NewReasoningMessageEndEvent(m Meta) *ReasoningMessageEndEvent {
	return &ReasoningMessageEndEvent{baseEvent: newBaseEvent(m)}
}

// NewToolCallStartEvent constructs a ToolCallStartEvent.
func NewToolCallStartEvent(m Meta, callID, name string) *ToolCallStartEvent {
	return &ToolCallStartEvent{baseEvent: newBaseEvent(m), CallID: callID, Name: name}
}

// NewToolCallArgsEvent constructs a ToolCallArgsEvent.
func NewToolCallArgsEvent(m Meta, callID string, args map[string]any) *ToolCallArgsEvent {
	return &ToolCallArgsEvent{baseEvent: newBaseEvent(m), CallID: callID, Args: args}
}

// NewToolCallResultEvent constructs a ToolCallResultEvent.
func NewToolCallResultEvent(m Meta, callID string, value any, isError bool) *ToolCallResultEvent {
	return &ToolCallResultEvent{baseEvent: newBaseEvent(m), CallID: callID, Value: value, IsError: isError}
}

// NewToolCallEndEvent constructs a ToolCallEndEvent. errMsg is empty on
// success.
func NewToolCallEndEvent(m Meta, callID, name string, duration time.Duration, errMsg string) *ToolCallEndEvent {
	return &ToolCallEndEvent{baseEvent: newBaseEvent(m), CallID: callID, Name: name, Duration: duration, Error: errMsg}
}

// NewCircuitBreakerTriggeredEvent constructs a CircuitBreakerTriggeredEvent.
func NewCircuitBreakerTriggeredEvent(m Meta, name string, consecutive int) *CircuitBreakerTriggeredEvent {
	return &CircuitBreakerTriggeredEvent{baseEvent: newBaseEvent(m), Name: name, ConsecutiveCalls: consecutive}
}

// NewPermissionRequestEvent constructs a PermissionRequestEvent with the
// given correlation ID.
func NewPermissionRequestEvent(m Meta, id, function, callID string, args map[string]any) *PermissionRequestEvent {
	return &PermissionRequestEvent{baseEvent: newBaseEvent(m), ID: id, Function: function, CallID: callID, Args: args}
}

// NewPermissionResponseEvent constructs a PermissionResponseEvent answering
// the request with correlation ID id.
func NewPermissionResponseEvent(m Meta, id string, approved bool, remember, scope string) *PermissionResponseEvent {
	return &PermissionResponseEvent{baseEvent: newBaseEvent(m), ID: id, Approved: approved, Remember: remember, Scope: scope}
}

// NewPermissionApprovedEvent constructs a PermissionApprovedEvent.
func NewPermissionApprovedEvent(m Meta, function, callID string) *PermissionApprovedEvent {
	return &PermissionApprovedEvent{baseEvent: newBaseEvent(m), Function: function, CallID: callID}
}

// NewPermissionDeniedEvent constructs a PermissionDeniedEvent.
func NewPermissionDeniedEvent(m Meta, function, callID, reason string) *PermissionDeniedEvent {
	return &PermissionDeniedEvent{baseEvent: newBaseEvent(m), Function: function, CallID: callID, Reason: reason}
}

// NewPermissionCheckEvent constructs a PermissionCheckEvent.
func NewPermissionCheckEvent(m Meta, function, policy, scope string) *PermissionCheckEvent {
	return &PermissionCheckEvent{baseEvent: newBaseEvent(m), Function: function, Policy: policy, Scope: scope}
}

// NewContinuationRequestEvent constructs a ContinuationRequestEvent.
func NewContinuationRequestEvent(m Meta, id string, nextIteration, maxIterations int) *ContinuationRequestEvent {
	return &ContinuationRequestEvent{baseEvent: newBaseEvent(m), ID: id, NextIteration: nextIteration, MaxIterations: maxIterations}
}

// NewContinuationResponseEvent constructs a ContinuationResponseEvent.
func NewContinuationResponseEvent(m Meta, id string, approved bool, extendBy int) *ContinuationResponseEvent {
	return &ContinuationResponseEvent{baseEvent: newBaseEvent(m), ID: id, Approved: approved, ExtendBy: extendBy}
}

// NewWorkflowStartedEvent constructs a WorkflowStartedEvent.
func NewWorkflowStartedEvent(m Meta, graphID, name, runID string) *WorkflowStartedEvent {
	return &WorkflowStartedEvent{baseEvent: newBaseEvent(m), GraphID: graphID, Name: name, RunID: runID}
}

// NewWorkflowCompletedEvent constructs a WorkflowCompletedEvent. Status is
// "success", "failed", or "canceled".
func NewWorkflowCompletedEvent(m Meta, graphID, runID, status string) *WorkflowCompletedEvent {
	return &WorkflowCompletedEvent{baseEvent: newBaseEvent(m), GraphID: graphID, RunID: runID, Status: status}
}

// NewWorkflowLayerStartedEvent constructs a WorkflowLayerStartedEvent.
func NewWorkflowLayerStartedEvent(m Meta, runID string, index int, nodes []string) *WorkflowLayerStartedEvent {
	return &WorkflowLayerStartedEvent{
		baseEvent: newBaseEvent(m),
		RunID:     runID,
		Index:     index,
		Nodes:     append([]string(nil), nodes...),
	}
}

// NewWorkflowLayerCompletedEvent constructs a WorkflowLayerCompletedEvent.
func NewWorkflowLayerCompletedEvent(m Meta, runID string, index int) *WorkflowLayerCompletedEvent {
	return &WorkflowLayerCompletedEvent{baseEvent: newBaseEvent(m), RunID: runID, Index: index}
}

// NewWorkflowNodeStartedEvent constructs a WorkflowNodeStartedEvent.
func NewWorkflowNodeStartedEvent(m Meta, runID, nodeID string) *WorkflowNodeStartedEvent {
	return &WorkflowNodeStartedEvent{baseEvent: newBaseEvent(m), RunID: runID, NodeID: nodeID}
}

// NewWorkflowNodeCompletedEvent constructs a WorkflowNodeCompletedEvent.
func NewWorkflowNodeCompletedEvent(m Meta, runID, nodeID, status, errMsg string) *WorkflowNodeCompletedEvent {
	return &WorkflowNodeCompletedEvent{baseEvent: newBaseEvent(m), RunID: runID, NodeID: nodeID, Status: status, Error: errMsg}
}

// NewWorkflowNodeSkippedEvent constructs a WorkflowNodeSkippedEvent.
func NewWorkflowNodeSkippedEvent(m Meta, runID, nodeID, reason string) *WorkflowNodeSkippedEvent {
	return &WorkflowNodeSkippedEvent{baseEvent: newBaseEvent(m), RunID: runID, NodeID: nodeID, Reason: reason}
}

// NewWorkflowEdgeTraversedEvent constructs a WorkflowEdgeTraversedEvent.
func NewWorkflowEdgeTraversedEvent(m Meta, runID, from, to string) *WorkflowEdgeTraversedEvent {
	return &WorkflowEdgeTraversedEvent{baseEvent: newBaseEvent(m), RunID: runID, From: from, To: to}
}

// NewWorkflowDiagnosticEvent constructs a WorkflowDiagnosticEvent. Severity
// is "info", "warning", or "error".
func NewWorkflowDiagnosticEvent(m Meta, runID, nodeID, severity, message string) *WorkflowDiagnosticEvent {
	return &WorkflowDiagnosticEvent{baseEvent: newBaseEvent(m), RunID: runID, NodeID: nodeID, Severity: severity, Message: message}
}
