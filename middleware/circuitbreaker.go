package middleware

import (
	"context"
	"fmt"

	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/toolerrors"
)

type (
	// CircuitBreaker trips when the agent calls the same function with the
	// same arguments too many times in a row, a loop signature. The counter
	// lives in runtime state so it survives checkpoint resume but resets
	// between turns.
	CircuitBreaker struct {
		threshold int
	}

	breakerState struct {
		Signature   string `json:"signature"`
		Consecutive int    `json:"consecutive"`
	}
)

const (
	breakerKey       = "circuit_breaker"
	defaultThreshold = 3
)

// NewCircuitBreaker constructs a breaker that trips at threshold
// consecutive identical calls per function. Threshold below 2 defaults to 3.
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	if threshold < 2 {
		threshold = defaultThreshold
	}
	return &CircuitBreaker{threshold: threshold}
}

// Key implements Middleware.
func (b *CircuitBreaker) Key() string { return breakerKey }

// WrapToolCall implements ToolInterceptor.
func (b *CircuitBreaker) WrapToolCall(ctx context.Context, tc *TurnContext, req *ToolRequest, next ToolCall) (any, error) {
	function := req.Call.Name
	sig := callSignature(function, req.Call.Input)

	tripped := false
	var consecutive int
	if err := UpdateRuntimeState(tc, breakerKey, func(states map[string]breakerState) map[string]breakerState {
		out := make(map[string]breakerState, len(states)+1)
		for k, v := range states {
			out[k] = v
		}
		st := out[function]
		if st.Signature == sig {
			st.Consecutive++
		} else {
			st = breakerState{Signature: sig, Consecutive: 1}
		}
		out[function] = st
		consecutive = st.Consecutive
		tripped = st.Consecutive >= b.threshold
		return out
	}); err != nil {
		return nil, err
	}

	if tripped {
		_ = tc.Bus.Publish(ctx, hooks.NewCircuitBreakerTriggeredEvent(tc.Meta, function, consecutive))
		return nil, toolerrors.NewKind(toolerrors.KindCircuitOpen,
			fmt.Sprintf("circuit breaker open for %s: %d consecutive identical calls", function, consecutive))
	}
	return next(ctx, req)
}

var _ ToolInterceptor = (*CircuitBreaker)(nil)
