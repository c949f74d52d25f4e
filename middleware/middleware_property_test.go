package middleware

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/strandlabs/strand/model"
)

// tagging is a model interceptor that records its passage on a shared trace,
// once on the way in and once on the way out.
type tagging struct {
	key   string
	trace *[]string
}

func (t *tagging) Key() string { return t.key }

func (t *tagging) WrapModelCall(ctx context.Context, tc *TurnContext, req *model.Request, next ModelCall) (*model.Response, error) {
	*t.trace = append(*t.trace, "pre:"+t.key)
	resp, err := next(ctx, req)
	*t.trace = append(*t.trace, "post:"+t.key)
	return resp, err
}

func taggingChain(n int, trace *[]string) []Middleware {
	mws := make([]Middleware, n)
	for i := range mws {
		mws[i] = &tagging{key: fmt.Sprintf("m%d", i), trace: trace}
	}
	return mws
}

// TestWrapModelOnionOrderProperty verifies that for any chain length the
// composed model call behaves as an onion: interceptors observe the request
// in registration order and the response in reverse.
func TestWrapModelOnionOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("interceptors fire in onion order", prop.ForAll(
		func(n int) bool {
			var trace []string
			p, err := NewPipeline(taggingChain(n, &trace)...)
			if err != nil {
				return false
			}

			base := func(ctx context.Context, req *model.Request) (*model.Response, error) {
				trace = append(trace, "base")
				return &model.Response{}, nil
			}
			if _, err := p.WrapModel(nil, base)(context.Background(), &model.Request{}); err != nil {
				return false
			}

			want := make([]string, 0, 2*n+1)
			for i := 0; i < n; i++ {
				want = append(want, fmt.Sprintf("pre:m%d", i))
			}
			want = append(want, "base")
			for i := n - 1; i >= 0; i-- {
				want = append(want, fmt.Sprintf("post:m%d", i))
			}
			return reflect.DeepEqual(trace, want)
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

// TestWrapModelSplitCompositionProperty verifies that splitting a chain at
// any point and wrapping the two halves in sequence is indistinguishable
// from wrapping the full chain at once.
func TestWrapModelSplitCompositionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("composition is split-invariant", prop.ForAll(
		func(n, split int) bool {
			k := split % (n + 1)

			var whole []string
			full, err := NewPipeline(taggingChain(n, &whole)...)
			if err != nil {
				return false
			}
			base := func(trace *[]string) ModelCall {
				return func(ctx context.Context, req *model.Request) (*model.Response, error) {
					*trace = append(*trace, "base")
					return &model.Response{}, nil
				}
			}
			if _, err := full.WrapModel(nil, base(&whole))(context.Background(), &model.Request{}); err != nil {
				return false
			}

			var halves []string
			mws := taggingChain(n, &halves)
			outer, err := NewPipeline(mws[:k]...)
			if err != nil {
				return false
			}
			inner, err := NewPipeline(mws[k:]...)
			if err != nil {
				return false
			}
			composed := outer.WrapModel(nil, inner.WrapModel(nil, base(&halves)))
			if _, err := composed(context.Background(), &model.Request{}); err != nil {
				return false
			}

			return reflect.DeepEqual(whole, halves)
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}

// failingFinisher always errors from AfterTurn.
type failingFinisher struct {
	key string
	ran *[]string
}

func (f *failingFinisher) Key() string { return f.key }

func (f *failingFinisher) AfterTurn(ctx context.Context, tc *TurnContext, turnErr error) error {
	*f.ran = append(*f.ran, f.key)
	return errors.New(f.key + " failed")
}

// TestAfterTurnRunsAllFinishersProperty verifies that every finisher runs
// regardless of how many of them error, and that every error survives into
// the joined result.
func TestAfterTurnRunsAllFinishersProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("all finishers run and all errors are reported", prop.ForAll(
		func(n int) bool {
			var ran []string
			mws := make([]Middleware, n)
			for i := range mws {
				mws[i] = &failingFinisher{key: fmt.Sprintf("f%d", i), ran: &ran}
			}
			p, err := NewPipeline(mws...)
			if err != nil {
				return false
			}

			joined := p.AfterTurn(context.Background(), nil, nil)
			if len(ran) != n {
				return false
			}
			// Reverse registration order.
			for i, key := range ran {
				if key != fmt.Sprintf("f%d", n-1-i) {
					return false
				}
			}
			for i := 0; i < n; i++ {
				if !containsMsg(joined, fmt.Sprintf("f%d failed", i)) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func containsMsg(err error, msg string) bool {
	if err == nil {
		return false
	}
	type unwrapper interface{ Unwrap() []error }
	if u, ok := err.(unwrapper); ok {
		for _, e := range u.Unwrap() {
			if containsMsg(e, msg) {
				return true
			}
		}
		return false
	}
	return err.Error() == msg
}
