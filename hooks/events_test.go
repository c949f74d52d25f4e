package hooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventMetaStamping(t *testing.T) {
	m := Meta{SessionID: "sess", TurnID: "turn", AgentID: "agent"}
	before := time.Now().UnixMilli()
	e := NewToolCallStartEvent(m, "call-1", "search")
	after := time.Now().UnixMilli()

	assert.Equal(t, ToolCallStart, e.Type())
	assert.Equal(t, "sess", e.SessionID())
	assert.Equal(t, "turn", e.TurnID())
	assert.Equal(t, "agent", e.AgentID())
	assert.GreaterOrEqual(t, e.Timestamp(), before)
	assert.LessOrEqual(t, e.Timestamp(), after)
}

func TestEventTypes(t *testing.T) {
	m := Meta{SessionID: "s"}
	cases := []struct {
		event Event
		typ   EventType
	}{
		{NewMessageTurnStartedEvent(m, "hi"), MessageTurnStarted},
		{NewMessageTurnFinishedEvent(m, "done", 2), MessageTurnFinished},
		{NewMessageTurnErrorEvent(m, "canceled", "turn canceled"), MessageTurnError},
		{NewIterationStartEvent(m, 0, 8), IterationStart},
		{NewAgentDecisionEvent(m, []string{"search"}), AgentDecision},
		{NewStepStartedEvent(m, "model_call"), StepStarted},
		{NewAgentCompletionEvent(m, "answer"), AgentCompletion},
		{NewUsageEvent(m, 10, 20, 0), Usage},
		{NewTextDeltaEvent(m, "t"), TextDelta},
		{NewReasoningMessageStartEvent(m), ReasoningMessageStart},
		{NewReasoningMessageDeltaEvent(m, "r"), ReasoningMessageDelta},
		{NewReasoningMessageEndEvent(m), ReasoningMessageEnd},
		{NewToolCallStartEvent(m, "c1", "search"), ToolCallStart},
		{NewToolCallArgsEvent(m, "c1", map[string]any{"q": "x"}), ToolCallArgs},
		{NewToolCallResultEvent(m, "c1", "ok", false), ToolCallResult},
		{NewToolCallEndEvent(m, "c1", "search", time.Millisecond, ""), ToolCallEnd},
		{NewCircuitBreakerTriggeredEvent(m, "search", 3), CircuitBreakerTriggered},
		{NewPermissionRequestEvent(m, "p1", "rm", "c2", nil), PermissionRequest},
		{NewPermissionResponseEvent(m, "p1", true, "always_allow", "project"), PermissionResponse},
		{NewPermissionApprovedEvent(m, "rm", "c2"), PermissionApproved},
		{NewPermissionDeniedEvent(m, "rm", "c2", "timeout"), PermissionDenied},
		{NewPermissionCheckEvent(m, "rm", "always_allow", "global"), PermissionCheck},
		{NewContinuationRequestEvent(m, "k1", 9, 8), ContinuationRequest},
		{NewContinuationResponseEvent(m, "k1", true, 4), ContinuationResponse},
		{NewWorkflowStartedEvent(m, "g1", "pipeline", "run1"), WorkflowStarted},
		{NewWorkflowCompletedEvent(m, "g1", "run1", "success"), WorkflowCompleted},
		{NewWorkflowLayerStartedEvent(m, "run1", 0, []string{"a", "b"}), WorkflowLayerStarted},
		{NewWorkflowLayerCompletedEvent(m, "run1", 0), WorkflowLayerCompleted},
		{NewWorkflowNodeStartedEvent(m, "run1", "a"), WorkflowNodeStarted},
		{NewWorkflowNodeCompletedEvent(m, "run1", "a", "success", ""), WorkflowNodeCompleted},
		{NewWorkflowNodeSkippedEvent(m, "run1", "b", "condition false"), WorkflowNodeSkipped},
		{NewWorkflowEdgeTraversedEvent(m, "run1", "a", "b"), WorkflowEdgeTraversed},
		{NewWorkflowDiagnosticEvent(m, "run1", "a", "warning", "retry exhausted"), WorkflowDiagnostic},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.typ, tc.event.Type())
		assert.Equal(t, "s", tc.event.SessionID())
	}
}

func TestCorrelatedEvents(t *testing.T) {
	m := Meta{}
	for _, e := range []Event{
		NewPermissionRequestEvent(m, "corr", "f", "c", nil),
		NewPermissionResponseEvent(m, "corr", true, "", ""),
		NewContinuationRequestEvent(m, "corr", 1, 2),
		NewContinuationResponseEvent(m, "corr", false, 0),
	} {
		c, ok := e.(Correlated)
		assert.True(t, ok)
		assert.Equal(t, "corr", c.CorrelationID())
	}
}

func TestUsageEventTotalDefault(t *testing.T) {
	e := NewUsageEvent(Meta{}, 7, 3, 0)
	assert.Equal(t, 10, e.TotalTokens)

	e = NewUsageEvent(Meta{}, 7, 3, 12)
	assert.Equal(t, 12, e.TotalTokens)
}

func TestAgentDecisionEventCopiesCalls(t *testing.T) {
	calls := []string{"a", "b"}
	e := NewAgentDecisionEvent(Meta{}, calls)
	calls[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, e.FunctionCalls)
	assert.True(t, e.HadFunctionCalls)

	empty := NewAgentDecisionEvent(Meta{}, nil)
	assert.False(t, empty.HadFunctionCalls)
}
