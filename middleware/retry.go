package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/strandlabs/strand/toolerrors"
)

type (
	// Retry re-runs tool calls that fail with transient errors, backing off
	// exponentially between attempts. Terminal errors and turn aborts pass
	// through untouched.
	Retry struct {
		maxAttempts int
		baseDelay   time.Duration
		maxDelay    time.Duration
		sleep       func(ctx context.Context, d time.Duration) error
	}

	// RetryOption configures a Retry.
	RetryOption func(*Retry)
)

const (
	retryKey             = "retry"
	defaultRetryAttempts = 3
	defaultRetryBase     = 250 * time.Millisecond
	defaultRetryCap      = 5 * time.Second
)

// WithRetryAttempts caps total attempts, including the first. Default is 3.
func WithRetryAttempts(n int) RetryOption {
	return func(r *Retry) { r.maxAttempts = n }
}

// WithRetryBackoff sets the first delay and its upper bound. Defaults are
// 250ms and 5s.
func WithRetryBackoff(base, cap time.Duration) RetryOption {
	return func(r *Retry) { r.baseDelay, r.maxDelay = base, cap }
}

// withRetrySleep overrides the inter-attempt wait. Used in tests.
func withRetrySleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retry) { r.sleep = fn }
}

// NewRetry constructs the retry middleware.
func NewRetry(opts ...RetryOption) *Retry {
	r := &Retry{
		maxAttempts: defaultRetryAttempts,
		baseDelay:   defaultRetryBase,
		maxDelay:    defaultRetryCap,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	return r
}

// Key implements Middleware.
func (r *Retry) Key() string { return retryKey }

// WrapToolCall implements ToolInterceptor.
func (r *Retry) WrapToolCall(ctx context.Context, tc *TurnContext, req *ToolRequest, next ToolCall) (any, error) {
	delay := r.baseDelay
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		res, err := next(ctx, req)
		if err == nil {
			return res, nil
		}
		var abort *AbortTurn
		if errors.As(err, &abort) {
			return nil, err
		}
		if !toolerrors.FromError(err).Transient() {
			return nil, err
		}
		lastErr = err
		if attempt == r.maxAttempts {
			break
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
	return nil, lastErr
}

var _ ToolInterceptor = (*Retry)(nil)
