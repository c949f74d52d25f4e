package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/strandlabs/strand/toolerrors"
)

// ToolTimeout bounds each tool call with a per-call deadline. Expiry cancels
// the call and reports a timeout tool error, which the retry middleware
// treats as transient.
type ToolTimeout struct {
	limit time.Duration
}

const timeoutKey = "tool_timeout"

// NewToolTimeout constructs the middleware. The limit must be positive.
func NewToolTimeout(limit time.Duration) (*ToolTimeout, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("middleware: tool timeout must be positive, got %v", limit)
	}
	return &ToolTimeout{limit: limit}, nil
}

// Key implements Middleware.
func (t *ToolTimeout) Key() string { return timeoutKey }

// WrapToolCall implements ToolInterceptor.
func (t *ToolTimeout) WrapToolCall(ctx context.Context, tc *TurnContext, req *ToolRequest, next ToolCall) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.limit)
	defer cancel()
	res, err := next(callCtx, req)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, toolerrors.NewKind(toolerrors.KindTimeout,
			fmt.Sprintf("%s exceeded %v", req.Call.Name, t.limit))
	}
	return res, err
}

var _ ToolInterceptor = (*ToolTimeout)(nil)
