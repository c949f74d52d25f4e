// Package middleware implements the interception chain around turns, model
// calls, and tool calls. A middleware is any value implementing a subset of
// the capability interfaces (TurnStarter, ModelInterceptor, ToolInterceptor,
// TurnFinisher); the Pipeline composes an ordered list of them right to
// left, so the first middleware observes a call first and its result last.
//
// Middlewares hold two kinds of state on the TurnContext: persistent state
// that rides in session snapshots across turns (versioned, migrated on
// load), and runtime state scoped to the current turn (captured in
// checkpoints). Both are updated by swap, never mutated in place.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/session"
	"github.com/strandlabs/strand/tools"
)

type (
	// Middleware is the common surface of every interceptor. Behavior comes
	// from the capability interfaces; a middleware implements only the ones
	// it needs.
	Middleware interface {
		// Key names the middleware's state records and must be unique within
		// a pipeline.
		Key() string
	}

	// TurnStarter runs before the first iteration of a turn.
	TurnStarter interface {
		Middleware
		BeforeTurn(ctx context.Context, tc *TurnContext) error
	}

	// ModelInterceptor wraps every model invocation of the turn.
	ModelInterceptor interface {
		Middleware
		WrapModelCall(ctx context.Context, tc *TurnContext, req *model.Request, next ModelCall) (*model.Response, error)
	}

	// ToolInterceptor wraps every tool invocation of the turn.
	ToolInterceptor interface {
		Middleware
		WrapToolCall(ctx context.Context, tc *TurnContext, req *ToolRequest, next ToolCall) (any, error)
	}

	// TurnFinisher runs after the turn ends, successfully or not.
	TurnFinisher interface {
		Middleware
		AfterTurn(ctx context.Context, tc *TurnContext, turnErr error) error
	}

	// Versioned is implemented by middlewares whose persistent state schema
	// evolves. The pipeline migrates stored state on snapshot load.
	Versioned interface {
		Middleware
		// StateVersion is the schema version this code writes.
		StateVersion() int
		// MigrateState converts state written at oldVersion to the current
		// schema.
		MigrateState(oldVersion int, value json.RawMessage) (json.RawMessage, error)
	}

	// ModelCall is the base operation a ModelInterceptor wraps.
	ModelCall func(ctx context.Context, req *model.Request) (*model.Response, error)

	// ToolCall is the base operation a ToolInterceptor wraps.
	ToolCall func(ctx context.Context, req *ToolRequest) (any, error)

	// ToolRequest carries one tool invocation through the chain.
	ToolRequest struct {
		// Call is the model-requested invocation: call ID, name, arguments.
		Call model.ToolCall
		// Tool is the resolved tool being invoked.
		Tool *tools.Tool
	}

	// AbortTurn is returned by a middleware to stop the whole turn rather
	// than just the wrapped call. The runtime surfaces Reason as the turn's
	// error result.
	AbortTurn struct {
		// Reason codes the abort cause, for example "permission_denied" or
		// "max_iterations".
		Reason string
		// Err is the underlying cause, if any.
		Err error
	}

	// Pipeline is an immutable ordered middleware list.
	Pipeline struct {
		mws       []Middleware
		starters  []TurnStarter
		models    []ModelInterceptor
		tools     []ToolInterceptor
		finishers []TurnFinisher
	}
)

// Error implements error.
func (a *AbortTurn) Error() string {
	if a.Err != nil {
		return fmt.Sprintf("turn aborted (%s): %v", a.Reason, a.Err)
	}
	return fmt.Sprintf("turn aborted (%s)", a.Reason)
}

// Unwrap exposes the cause for errors.Is/As.
func (a *AbortTurn) Unwrap() error { return a.Err }

// NewPipeline builds a pipeline from the ordered middleware list. Keys must
// be unique; nil entries are rejected.
func NewPipeline(mws ...Middleware) (*Pipeline, error) {
	p := &Pipeline{mws: make([]Middleware, 0, len(mws))}
	seen := make(map[string]bool, len(mws))
	for i, m := range mws {
		if m == nil {
			return nil, fmt.Errorf("middleware: nil middleware at index %d", i)
		}
		if m.Key() == "" {
			return nil, fmt.Errorf("middleware: middleware at index %d has empty key", i)
		}
		if seen[m.Key()] {
			return nil, fmt.Errorf("middleware: duplicate key %q", m.Key())
		}
		seen[m.Key()] = true
		p.mws = append(p.mws, m)
		if s, ok := m.(TurnStarter); ok {
			p.starters = append(p.starters, s)
		}
		if mi, ok := m.(ModelInterceptor); ok {
			p.models = append(p.models, mi)
		}
		if ti, ok := m.(ToolInterceptor); ok {
			p.tools = append(p.tools, ti)
		}
		if f, ok := m.(TurnFinisher); ok {
			p.finishers = append(p.finishers, f)
		}
	}
	return p, nil
}

// Middlewares returns the pipeline's middlewares in registration order.
func (p *Pipeline) Middlewares() []Middleware {
	return append([]Middleware(nil), p.mws...)
}

// Bind records the pipeline's declared state versions on the turn context
// and migrates any persistent state written by older schema versions. Called
// once per turn before BeforeTurn.
func (p *Pipeline) Bind(tc *TurnContext) error {
	for _, m := range p.mws {
		v, ok := m.(Versioned)
		if !ok {
			tc.setVersion(m.Key(), 1)
			continue
		}
		tc.setVersion(m.Key(), v.StateVersion())
		stored, exists := tc.Session.MiddlewareState[m.Key()]
		if !exists || stored.Version == v.StateVersion() {
			continue
		}
		migrated, err := v.MigrateState(stored.Version, stored.Value)
		if err != nil {
			return fmt.Errorf("middleware: migrate state %q from version %d: %w", m.Key(), stored.Version, err)
		}
		tc.Session.MiddlewareState[m.Key()] = session.VersionedValue{
			Version: v.StateVersion(),
			Value:   migrated,
		}
	}
	return nil
}

// BeforeTurn runs the starters in registration order. The first error stops
// the turn before any model call.
func (p *Pipeline) BeforeTurn(ctx context.Context, tc *TurnContext) error {
	for _, s := range p.starters {
		if err := p.guard(s.Key(), func() error { return s.BeforeTurn(ctx, tc) }); err != nil {
			return err
		}
	}
	return nil
}

// WrapModel composes the model interceptors around base. For the ordered
// list [m1, m2, m3] the result is m1(m2(m3(base))). A panic inside an
// interceptor surfaces as an error to the frame just outside it, where an
// outer interceptor (a retry, say) may recover.
func (p *Pipeline) WrapModel(tc *TurnContext, base ModelCall) ModelCall {
	next := base
	for i := len(p.models) - 1; i >= 0; i-- {
		m := p.models[i]
		inner := next
		next = func(ctx context.Context, req *model.Request) (resp *model.Response, err error) {
			defer recoverTo(m.Key(), &err)
			return m.WrapModelCall(ctx, tc, req, inner)
		}
	}
	return next
}

// WrapTool composes the tool interceptors around base, right to left, with
// the same panic containment as WrapModel.
func (p *Pipeline) WrapTool(tc *TurnContext, base ToolCall) ToolCall {
	next := base
	for i := len(p.tools) - 1; i >= 0; i-- {
		m := p.tools[i]
		inner := next
		next = func(ctx context.Context, req *ToolRequest) (res any, err error) {
			defer recoverTo(m.Key(), &err)
			return m.WrapToolCall(ctx, tc, req, inner)
		}
	}
	return next
}

// AfterTurn runs every finisher in reverse registration order, even when the
// turn failed and even when an earlier finisher errors. All finisher errors
// are joined into the return value.
func (p *Pipeline) AfterTurn(ctx context.Context, tc *TurnContext, turnErr error) error {
	var errs []error
	for i := len(p.finishers) - 1; i >= 0; i-- {
		f := p.finishers[i]
		if err := p.guard(f.Key(), func() error { return f.AfterTurn(ctx, tc, turnErr) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) guard(key string, fn func() error) (err error) {
	defer recoverTo(key, &err)
	return fn()
}

func recoverTo(key string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("middleware: %q panicked: %v", key, r)
	}
}
