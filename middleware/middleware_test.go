package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/session"
)

type (
	// tracer records the order its hooks fire in.
	tracer struct {
		key   string
		log   *[]string
		fail  bool
		panik bool
	}

	// versioned carries migratable persistent state.
	versioned struct {
		key     string
		version int
	}
)

func (m *tracer) Key() string { return m.key }

func (m *tracer) BeforeTurn(ctx context.Context, tc *TurnContext) error {
	*m.log = append(*m.log, m.key+".before")
	if m.fail {
		return errors.New(m.key + " failed")
	}
	return nil
}

func (m *tracer) AfterTurn(ctx context.Context, tc *TurnContext, turnErr error) error {
	*m.log = append(*m.log, m.key+".after")
	if m.fail {
		return errors.New(m.key + " failed")
	}
	return nil
}

func (m *tracer) WrapModelCall(ctx context.Context, tc *TurnContext, req *model.Request, next ModelCall) (*model.Response, error) {
	if m.panik {
		panic(m.key + " exploded")
	}
	*m.log = append(*m.log, m.key+".model.enter")
	resp, err := next(ctx, req)
	*m.log = append(*m.log, m.key+".model.exit")
	return resp, err
}

func (m *tracer) WrapToolCall(ctx context.Context, tc *TurnContext, req *ToolRequest, next ToolCall) (any, error) {
	if m.panik {
		panic(m.key + " exploded")
	}
	*m.log = append(*m.log, m.key+".tool.enter")
	res, err := next(ctx, req)
	*m.log = append(*m.log, m.key+".tool.exit")
	return res, err
}

func (m *versioned) Key() string       { return m.key }
func (m *versioned) StateVersion() int { return m.version }

func (m *versioned) MigrateState(oldVersion int, value json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"migrated_from":%d}`, oldVersion)), nil
}

func newTestContext(t *testing.T) *TurnContext {
	t.Helper()
	sess := session.New("s1")
	loop := &session.LoopState{Iteration: 0, MaxIterations: 10}
	meta := hooks.Meta{SessionID: "s1", TurnID: "t1", AgentID: "a1"}
	return NewTurnContext(meta, "main", hooks.NewBus(), sess, loop)
}

func TestPipelineRejectsBadMiddlewares(t *testing.T) {
	var log []string
	_, err := NewPipeline(nil)
	assert.Error(t, err)

	_, err = NewPipeline(&tracer{key: "a", log: &log}, &tracer{key: "a", log: &log})
	assert.Error(t, err)

	_, err = NewPipeline(&tracer{key: "", log: &log})
	assert.Error(t, err)
}

func TestPipelineModelCompositionOrder(t *testing.T) {
	var log []string
	p, err := NewPipeline(
		&tracer{key: "m1", log: &log},
		&tracer{key: "m2", log: &log},
		&tracer{key: "m3", log: &log},
	)
	require.NoError(t, err)
	tc := newTestContext(t)

	call := p.WrapModel(tc, func(ctx context.Context, req *model.Request) (*model.Response, error) {
		log = append(log, "base")
		return &model.Response{}, nil
	})
	_, err = call(context.Background(), &model.Request{})
	require.NoError(t, err)

	// m1 sees the call first and the result last.
	assert.Equal(t, []string{
		"m1.model.enter", "m2.model.enter", "m3.model.enter",
		"base",
		"m3.model.exit", "m2.model.exit", "m1.model.exit",
	}, log)
}

func TestPipelineToolCompositionOrder(t *testing.T) {
	var log []string
	p, err := NewPipeline(&tracer{key: "m1", log: &log}, &tracer{key: "m2", log: &log})
	require.NoError(t, err)
	tc := newTestContext(t)

	call := p.WrapTool(tc, func(ctx context.Context, req *ToolRequest) (any, error) {
		log = append(log, "base")
		return "ok", nil
	})
	res, err := call(context.Background(), &ToolRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, []string{"m1.tool.enter", "m2.tool.enter", "base", "m2.tool.exit", "m1.tool.exit"}, log)
}

func TestPipelinePanicCaughtOneFrameOut(t *testing.T) {
	var log []string
	var seen error
	outer := &recoveringInterceptor{key: "outer", observed: &seen}
	p, err := NewPipeline(outer, &tracer{key: "inner", log: &log, panik: true})
	require.NoError(t, err)
	tc := newTestContext(t)

	call := p.WrapModel(tc, func(ctx context.Context, req *model.Request) (*model.Response, error) {
		t.Fatal("base must not run")
		return nil, nil
	})
	resp, err := call(context.Background(), &model.Request{})
	require.NoError(t, err)
	assert.NotNil(t, resp)
	// The outer middleware saw the panic as an ordinary error from next.
	require.Error(t, seen)
	assert.Contains(t, seen.Error(), `"inner" panicked`)
}

func TestPipelinePanicWithNoRecovererBecomesError(t *testing.T) {
	var log []string
	p, err := NewPipeline(&tracer{key: "only", log: &log, panik: true})
	require.NoError(t, err)
	tc := newTestContext(t)

	call := p.WrapTool(tc, func(ctx context.Context, req *ToolRequest) (any, error) { return nil, nil })
	_, err = call(context.Background(), &ToolRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"only" panicked`)
}

func TestPipelineAfterTurnAlwaysRunsInReverse(t *testing.T) {
	var log []string
	p, err := NewPipeline(
		&tracer{key: "m1", log: &log},
		&tracer{key: "m2", log: &log, fail: true},
		&tracer{key: "m3", log: &log},
	)
	require.NoError(t, err)
	tc := newTestContext(t)

	err = p.AfterTurn(context.Background(), tc, errors.New("turn blew up"))
	require.Error(t, err)
	assert.Equal(t, []string{"m3.after", "m2.after", "m1.after"}, log)
}

func TestPipelineBeforeTurnStopsAtFirstError(t *testing.T) {
	var log []string
	p, err := NewPipeline(
		&tracer{key: "m1", log: &log},
		&tracer{key: "m2", log: &log, fail: true},
		&tracer{key: "m3", log: &log},
	)
	require.NoError(t, err)

	err = p.BeforeTurn(context.Background(), newTestContext(t))
	require.Error(t, err)
	assert.Equal(t, []string{"m1.before", "m2.before"}, log)
}

func TestPipelineBindMigratesState(t *testing.T) {
	p, err := NewPipeline(&versioned{key: "hist", version: 3})
	require.NoError(t, err)

	tc := newTestContext(t)
	tc.Session.MiddlewareState = map[string]session.VersionedValue{
		"hist": {Version: 1, Value: json.RawMessage(`{"old":true}`)},
	}
	require.NoError(t, p.Bind(tc))

	vv := tc.Session.MiddlewareState["hist"]
	assert.Equal(t, 3, vv.Version)
	assert.JSONEq(t, `{"migrated_from":1}`, string(vv.Value))
}

func TestPipelineBindSkipsCurrentVersion(t *testing.T) {
	p, err := NewPipeline(&versioned{key: "hist", version: 2})
	require.NoError(t, err)

	tc := newTestContext(t)
	tc.Session.MiddlewareState = map[string]session.VersionedValue{
		"hist": {Version: 2, Value: json.RawMessage(`{"keep":true}`)},
	}
	require.NoError(t, p.Bind(tc))
	assert.JSONEq(t, `{"keep":true}`, string(tc.Session.MiddlewareState["hist"].Value))
}

func TestTurnContextStateRoundTrip(t *testing.T) {
	tc := newTestContext(t)
	tc.setVersion("counter", 2)

	type counter struct {
		N int `json:"n"`
	}
	require.NoError(t, UpdateState(tc, "counter", func(c counter) counter {
		c.N++
		return c
	}))
	require.NoError(t, UpdateState(tc, "counter", func(c counter) counter {
		c.N += 10
		return c
	}))

	c, ok, err := State[counter](tc, "counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 11, c.N)
	assert.Equal(t, 2, tc.Session.MiddlewareState["counter"].Version)
}

func TestTurnContextRuntimeStateNormalizesAfterRestore(t *testing.T) {
	tc := newTestContext(t)
	type entry struct {
		Count int `json:"count"`
	}
	// Simulate state restored from a checkpoint, where JSON decoding turned
	// the typed record into generic maps.
	tc.Loop.MiddlewareRuntime = map[string]any{
		"breaker": map[string]any{"count": float64(2)},
	}

	e, ok, err := RuntimeState[entry](tc, "breaker")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, e.Count)

	require.NoError(t, UpdateRuntimeState(tc, "breaker", func(e entry) entry {
		e.Count++
		return e
	}))
	e, _, err = RuntimeState[entry](tc, "breaker")
	require.NoError(t, err)
	assert.Equal(t, 3, e.Count)
}

// recoveringInterceptor turns errors from next into a successful fallback
// response while recording what it saw.
type recoveringInterceptor struct {
	key      string
	observed *error
}

func (m *recoveringInterceptor) Key() string { return m.key }

func (m *recoveringInterceptor) WrapModelCall(ctx context.Context, tc *TurnContext, req *model.Request, next ModelCall) (*model.Response, error) {
	resp, err := next(ctx, req)
	if err != nil {
		*m.observed = err
		return &model.Response{Message: model.NewTextMessage(model.ConversationRoleAssistant, "recovered")}, nil
	}
	return resp, nil
}
