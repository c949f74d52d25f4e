package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/model"
)

type (
	// ContinuationFilter pauses the loop when it is about to exceed its
	// iteration cap. It emits a ContinuationRequest and waits; an approval
	// raises MaxIterations, anything else aborts the turn.
	ContinuationFilter struct {
		extendBy int
		timeout  time.Duration
	}

	// ContinuationOption configures a ContinuationFilter.
	ContinuationOption func(*ContinuationFilter)
)

const (
	continuationKey            = "continuation_filter"
	defaultContinuationExtend  = 5
	defaultContinuationTimeout = 5 * time.Minute
)

// WithContinuationExtend sets how many iterations an approval grants when
// the response does not name a count. Default is 5.
func WithContinuationExtend(n int) ContinuationOption {
	return func(f *ContinuationFilter) { f.extendBy = n }
}

// WithContinuationTimeout bounds the wait for a response. Default is 5
// minutes; expiry aborts the turn.
func WithContinuationTimeout(d time.Duration) ContinuationOption {
	return func(f *ContinuationFilter) { f.timeout = d }
}

// NewContinuationFilter constructs the filter.
func NewContinuationFilter(opts ...ContinuationOption) *ContinuationFilter {
	f := &ContinuationFilter{extendBy: defaultContinuationExtend, timeout: defaultContinuationTimeout}
	for _, opt := range opts {
		opt(f)
	}
	if f.extendBy < 1 {
		f.extendBy = 1
	}
	return f
}

// Key implements Middleware.
func (f *ContinuationFilter) Key() string { return continuationKey }

// WrapModelCall implements ModelInterceptor. The check runs before the
// model call that would start the over-budget iteration.
func (f *ContinuationFilter) WrapModelCall(ctx context.Context, tc *TurnContext, req *model.Request, next ModelCall) (*model.Response, error) {
	if tc.Loop.Iteration < tc.Loop.MaxIterations {
		return next(ctx, req)
	}

	id := uuid.NewString()
	_ = tc.Bus.Publish(ctx, hooks.NewContinuationRequestEvent(tc.Meta, id, tc.Loop.Iteration+1, tc.Loop.MaxIterations))

	ev, err := tc.Bus.WaitForResponse(ctx, id, f.timeout)
	if err != nil {
		return nil, &AbortTurn{Reason: "max_iterations", Err: err}
	}
	resp, ok := ev.(*hooks.ContinuationResponseEvent)
	if !ok || !resp.Approved {
		return nil, &AbortTurn{Reason: "max_iterations"}
	}
	extend := resp.ExtendBy
	if extend <= 0 {
		extend = f.extendBy
	}
	tc.Loop.MaxIterations += extend
	return next(ctx, req)
}

var _ ModelInterceptor = (*ContinuationFilter)(nil)
