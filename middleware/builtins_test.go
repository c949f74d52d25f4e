package middleware

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/toolerrors"
	"github.com/strandlabs/strand/tools"
)

func toolReq(name, callID string, args map[string]any) *ToolRequest {
	return &ToolRequest{
		Call: model.ToolCall{ID: callID, Name: name, Input: args},
		Tool: &tools.Tool{Name: tools.Ident(name)},
	}
}

func okModel(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{Message: model.NewTextMessage(model.ConversationRoleAssistant, "done")}, nil
}

func TestContinuationBelowCapPassesThrough(t *testing.T) {
	f := NewContinuationFilter()
	tc := newTestContext(t)
	tc.Loop.Iteration = 3
	tc.Loop.MaxIterations = 10

	resp, err := f.WrapModelCall(context.Background(), tc, &model.Request{}, okModel)
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestContinuationApprovedExtends(t *testing.T) {
	f := NewContinuationFilter(WithContinuationExtend(4), WithContinuationTimeout(2*time.Second))
	tc := newTestContext(t)
	tc.Loop.Iteration = 10
	tc.Loop.MaxIterations = 10

	_, err := tc.Bus.Register(hooks.SubscriberFunc(func(ctx context.Context, ev hooks.Event) error {
		if req, ok := ev.(*hooks.ContinuationRequestEvent); ok {
			assert.Equal(t, 11, req.NextIteration)
			return tc.Bus.SendResponse(req.ID, hooks.NewContinuationResponseEvent(tc.Meta, req.ID, true, 0))
		}
		return nil
	}))
	require.NoError(t, err)

	_, err = f.WrapModelCall(context.Background(), tc, &model.Request{}, okModel)
	require.NoError(t, err)
	assert.Equal(t, 14, tc.Loop.MaxIterations)
}

func TestContinuationDeniedAborts(t *testing.T) {
	f := NewContinuationFilter(WithContinuationTimeout(2 * time.Second))
	tc := newTestContext(t)
	tc.Loop.Iteration = 10
	tc.Loop.MaxIterations = 10

	_, err := tc.Bus.Register(hooks.SubscriberFunc(func(ctx context.Context, ev hooks.Event) error {
		if req, ok := ev.(*hooks.ContinuationRequestEvent); ok {
			return tc.Bus.SendResponse(req.ID, hooks.NewContinuationResponseEvent(tc.Meta, req.ID, false, 0))
		}
		return nil
	}))
	require.NoError(t, err)

	_, err = f.WrapModelCall(context.Background(), tc, &model.Request{}, okModel)
	var abort *AbortTurn
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, "max_iterations", abort.Reason)
}

func TestContinuationTimeoutAborts(t *testing.T) {
	f := NewContinuationFilter(WithContinuationTimeout(20 * time.Millisecond))
	tc := newTestContext(t)
	tc.Loop.Iteration = 5
	tc.Loop.MaxIterations = 5

	_, err := f.WrapModelCall(context.Background(), tc, &model.Request{}, okModel)
	var abort *AbortTurn
	require.ErrorAs(t, err, &abort)
}

func TestCircuitBreakerTripsOnIdenticalCalls(t *testing.T) {
	b := NewCircuitBreaker(3)
	tc := newTestContext(t)
	args := map[string]any{"query": "same"}

	var triggered *hooks.CircuitBreakerTriggeredEvent
	_, err := tc.Bus.Register(hooks.SubscriberFunc(func(ctx context.Context, ev hooks.Event) error {
		if e, ok := ev.(*hooks.CircuitBreakerTriggeredEvent); ok {
			triggered = e
		}
		return nil
	}))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := b.WrapToolCall(context.Background(), tc, toolReq("search", fmt.Sprintf("c%d", i), args), passthrough("ok"))
		require.NoError(t, err)
	}
	_, err = b.WrapToolCall(context.Background(), tc, toolReq("search", "c3", args), passthrough("ok"))
	require.Error(t, err)

	var te *toolerrors.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, toolerrors.KindCircuitOpen, te.Kind)
	require.NotNil(t, triggered)
	assert.Equal(t, "search", triggered.Name)
	assert.Equal(t, 3, triggered.ConsecutiveCalls)
}

func TestCircuitBreakerResetsOnNewArgs(t *testing.T) {
	b := NewCircuitBreaker(2)
	tc := newTestContext(t)

	_, err := b.WrapToolCall(context.Background(), tc, toolReq("search", "c1", map[string]any{"q": "a"}), passthrough("ok"))
	require.NoError(t, err)
	_, err = b.WrapToolCall(context.Background(), tc, toolReq("search", "c2", map[string]any{"q": "b"}), passthrough("ok"))
	require.NoError(t, err)
	_, err = b.WrapToolCall(context.Background(), tc, toolReq("search", "c3", map[string]any{"q": "c"}), passthrough("ok"))
	require.NoError(t, err)
}

func TestCircuitBreakerTracksFunctionsIndependently(t *testing.T) {
	b := NewCircuitBreaker(2)
	tc := newTestContext(t)
	args := map[string]any{"q": "x"}

	_, err := b.WrapToolCall(context.Background(), tc, toolReq("search", "c1", args), passthrough("ok"))
	require.NoError(t, err)
	_, err = b.WrapToolCall(context.Background(), tc, toolReq("fetch", "c2", args), passthrough("ok"))
	require.NoError(t, err)
	_, err = b.WrapToolCall(context.Background(), tc, toolReq("search", "c3", args), passthrough("ok"))
	require.Error(t, err)
}

func TestRetryTransientSucceedsOnSecondAttempt(t *testing.T) {
	r := NewRetry(WithRetryAttempts(3), withRetrySleep(func(ctx context.Context, d time.Duration) error { return nil }))
	tc := newTestContext(t)

	attempts := 0
	call := func(ctx context.Context, req *ToolRequest) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, toolerrors.NewKind(toolerrors.KindTransient, "flaky")
		}
		return "ok2", nil
	}
	res, err := r.WrapToolCall(context.Background(), tc, toolReq("b", "c1", nil), call)
	require.NoError(t, err)
	assert.Equal(t, "ok2", res)
	assert.Equal(t, 2, attempts)
}

func TestRetryTerminalFailsFast(t *testing.T) {
	r := NewRetry(WithRetryAttempts(3), withRetrySleep(func(ctx context.Context, d time.Duration) error { return nil }))
	attempts := 0
	call := func(ctx context.Context, req *ToolRequest) (any, error) {
		attempts++
		return nil, toolerrors.NewKind(toolerrors.KindTerminal, "bad args")
	}
	_, err := r.WrapToolCall(context.Background(), newTestContext(t), toolReq("b", "c1", nil), call)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	var delays []time.Duration
	r := NewRetry(WithRetryAttempts(3), WithRetryBackoff(100*time.Millisecond, 150*time.Millisecond),
		withRetrySleep(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}))
	call := func(ctx context.Context, req *ToolRequest) (any, error) {
		return nil, toolerrors.NewKind(toolerrors.KindTransient, "still down")
	}
	_, err := r.WrapToolCall(context.Background(), newTestContext(t), toolReq("b", "c1", nil), call)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still down")
	// Exponential growth capped at the configured maximum.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, delays)
}

func TestRetryDoesNotRetryTurnAborts(t *testing.T) {
	r := NewRetry(WithRetryAttempts(3), withRetrySleep(func(ctx context.Context, d time.Duration) error { return nil }))
	attempts := 0
	call := func(ctx context.Context, req *ToolRequest) (any, error) {
		attempts++
		return nil, &AbortTurn{Reason: "permission_denied"}
	}
	_, err := r.WrapToolCall(context.Background(), newTestContext(t), toolReq("b", "c1", nil), call)
	var abort *AbortTurn
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, 1, attempts)
}

func TestToolTimeoutExpires(t *testing.T) {
	tt, err := NewToolTimeout(30 * time.Millisecond)
	require.NoError(t, err)

	call := func(ctx context.Context, req *ToolRequest) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err = tt.WrapToolCall(context.Background(), newTestContext(t), toolReq("slow", "c1", nil), call)
	var te *toolerrors.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, toolerrors.KindTimeout, te.Kind)
}

func TestToolTimeoutFastCallUnaffected(t *testing.T) {
	tt, err := NewToolTimeout(time.Second)
	require.NoError(t, err)
	res, err := tt.WrapToolCall(context.Background(), newTestContext(t), toolReq("fast", "c1", nil), passthrough("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestToolTimeoutPreservesCallerCancellation(t *testing.T) {
	tt, err := NewToolTimeout(time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	call := func(ctx context.Context, req *ToolRequest) (any, error) {
		return nil, ctx.Err()
	}
	_, err = tt.WrapToolCall(ctx, newTestContext(t), toolReq("slow", "c1", nil), call)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedactorModelInput(t *testing.T) {
	r := NewRedactor()
	tc := newTestContext(t)

	orig := model.NewTextMessage(model.ConversationRoleUser,
		"mail alice@example.com or call 555-867-5309, SSN 123-45-6789")
	req := &model.Request{Messages: []*model.Message{orig}}

	var seen string
	_, err := r.WrapModelCall(context.Background(), tc, req, func(ctx context.Context, req *model.Request) (*model.Response, error) {
		seen = req.Messages[0].Text()
		return &model.Response{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "mail [EMAIL] or call [PHONE], SSN [SSN]", seen)
	// The original history is untouched.
	assert.Contains(t, orig.Text(), "alice@example.com")
}

func TestRedactorToolResult(t *testing.T) {
	r := NewRedactor()
	res, err := r.WrapToolCall(context.Background(), newTestContext(t), toolReq("lookup", "c1", nil),
		passthrough("card 4111 1111 1111 1111 on file"))
	require.NoError(t, err)
	assert.Equal(t, "card [CARD] on file", res)
}

func TestHistoryReducerSummarizesAndCaches(t *testing.T) {
	summaries := 0
	sum := SummarizerFunc(func(ctx context.Context, msgs []*model.Message) (string, error) {
		summaries++
		return fmt.Sprintf("summary of %d messages", len(msgs)), nil
	})
	h, err := NewHistoryReducer(sum, WithKeepTail(2), WithResummarizeThreshold(2))
	require.NoError(t, err)
	tc := newTestContext(t)

	msgs := []*model.Message{model.NewTextMessage(model.ConversationRoleSystem, "be helpful")}
	for i := 0; i < 8; i++ {
		msgs = append(msgs, model.NewTextMessage(model.ConversationRoleUser, fmt.Sprintf("msg %d", i)))
	}

	var reduced []*model.Message
	next := func(ctx context.Context, req *model.Request) (*model.Response, error) {
		reduced = req.Messages
		return &model.Response{}, nil
	}

	_, err = h.WrapModelCall(context.Background(), tc, &model.Request{Messages: msgs}, next)
	require.NoError(t, err)
	require.Equal(t, 1, summaries)
	// [system, summary, tail...]
	require.Len(t, reduced, 4)
	assert.Equal(t, model.ConversationRoleSystem, reduced[0].Role)
	assert.Contains(t, reduced[1].Text(), "summary of 6 messages")
	assert.Equal(t, "msg 6", reduced[2].Text())
	assert.Equal(t, "msg 7", reduced[3].Text())

	// A repeat call with unchanged history reuses the cache.
	_, err = h.WrapModelCall(context.Background(), tc, &model.Request{Messages: msgs}, next)
	require.NoError(t, err)
	assert.Equal(t, 1, summaries)
}

func TestHistoryReducerInvalidatesOnGrowth(t *testing.T) {
	summaries := 0
	sum := SummarizerFunc(func(ctx context.Context, msgs []*model.Message) (string, error) {
		summaries++
		return "summary", nil
	})
	h, err := NewHistoryReducer(sum, WithKeepTail(2), WithResummarizeThreshold(2))
	require.NoError(t, err)
	tc := newTestContext(t)

	var msgs []*model.Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs, model.NewTextMessage(model.ConversationRoleUser, fmt.Sprintf("msg %d", i)))
	}
	next := func(ctx context.Context, req *model.Request) (*model.Response, error) {
		return &model.Response{}, nil
	}

	_, err = h.WrapModelCall(context.Background(), tc, &model.Request{Messages: msgs}, next)
	require.NoError(t, err)
	require.Equal(t, 1, summaries)

	// Three more messages exceed the threshold past the cached snapshot.
	for i := 8; i < 11; i++ {
		msgs = append(msgs, model.NewTextMessage(model.ConversationRoleUser, fmt.Sprintf("msg %d", i)))
	}
	_, err = h.WrapModelCall(context.Background(), tc, &model.Request{Messages: msgs}, next)
	require.NoError(t, err)
	assert.Equal(t, 2, summaries)
}

func TestHistoryReducerInvalidatesOnHashMismatch(t *testing.T) {
	summaries := 0
	sum := SummarizerFunc(func(ctx context.Context, msgs []*model.Message) (string, error) {
		summaries++
		return "summary", nil
	})
	h, err := NewHistoryReducer(sum, WithKeepTail(2), WithResummarizeThreshold(2))
	require.NoError(t, err)
	tc := newTestContext(t)

	msgs := make([]*model.Message, 0, 8)
	for i := 0; i < 8; i++ {
		msgs = append(msgs, model.NewTextMessage(model.ConversationRoleUser, fmt.Sprintf("msg %d", i)))
	}
	next := func(ctx context.Context, req *model.Request) (*model.Response, error) {
		return &model.Response{}, nil
	}

	_, err = h.WrapModelCall(context.Background(), tc, &model.Request{Messages: msgs}, next)
	require.NoError(t, err)

	// A different prefix under the same counts invalidates via the digest.
	edited := append([]*model.Message(nil), msgs...)
	edited[0] = model.NewTextMessage(model.ConversationRoleUser, "rewritten")
	_, err = h.WrapModelCall(context.Background(), tc, &model.Request{Messages: edited}, next)
	require.NoError(t, err)
	assert.Equal(t, 2, summaries)
}

func TestHistoryReducerShortHistoryUntouched(t *testing.T) {
	sum := SummarizerFunc(func(ctx context.Context, msgs []*model.Message) (string, error) {
		t.Fatal("must not summarize")
		return "", nil
	})
	h, err := NewHistoryReducer(sum, WithKeepTail(5), WithResummarizeThreshold(5))
	require.NoError(t, err)

	msgs := []*model.Message{model.NewTextMessage(model.ConversationRoleUser, "hi")}
	var seen int
	_, err = h.WrapModelCall(context.Background(), newTestContext(t), &model.Request{Messages: msgs},
		func(ctx context.Context, req *model.Request) (*model.Response, error) {
			seen = len(req.Messages)
			return &model.Response{}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestRetrySleepRespectsCancellation(t *testing.T) {
	r := NewRetry(WithRetryAttempts(2), WithRetryBackoff(time.Minute, time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	call := func(ctx context.Context, req *ToolRequest) (any, error) {
		cancel()
		return nil, toolerrors.NewKind(toolerrors.KindTransient, "flaky")
	}
	_, err := r.WrapToolCall(ctx, newTestContext(t), toolReq("b", "c1", nil), call)
	assert.ErrorIs(t, err, context.Canceled)
}
