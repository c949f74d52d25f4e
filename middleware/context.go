package middleware

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/session"
)

type (
	// TurnContext is the per-turn view middlewares operate on. It exposes the
	// session, the loop state, the event bus, and both state stores. All
	// state access is synchronized; middlewares may touch the context from
	// parallel tool-call goroutines.
	TurnContext struct {
		// Meta stamps events emitted by middlewares.
		Meta hooks.Meta
		// BranchID identifies the session branch the turn runs on.
		BranchID string
		// Bus is the turn's event bus, used for observability events and the
		// suspension protocol.
		Bus hooks.Bus
		// Session is the conversation the turn appends to.
		Session *session.Session
		// Loop is the turn's resumable execution state.
		Loop *session.LoopState

		mu       sync.Mutex
		versions map[string]int
	}
)

// NewTurnContext builds the context for one turn. The pipeline records its
// middlewares' declared state versions on it before the turn starts.
func NewTurnContext(meta hooks.Meta, branchID string, bus hooks.Bus, sess *session.Session, loop *session.LoopState) *TurnContext {
	return &TurnContext{
		Meta:     meta,
		BranchID: branchID,
		Bus:      bus,
		Session:  sess,
		Loop:     loop,
		versions: make(map[string]int),
	}
}

// State returns the raw persistent state stored under key, or false when the
// middleware has none yet.
func (tc *TurnContext) State(key string) (json.RawMessage, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	vv, ok := tc.Session.MiddlewareState[key]
	if !ok {
		return nil, false
	}
	return vv.Value, true
}

// UpdateState replaces the persistent state under key. The function receives
// the current raw value (nil when absent) and returns its replacement; the
// stored record is swapped wholesale, never mutated in place. The new value
// is stamped with the middleware's declared state version.
func (tc *TurnContext) UpdateState(key string, fn func(json.RawMessage) (json.RawMessage, error)) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var cur json.RawMessage
	if vv, ok := tc.Session.MiddlewareState[key]; ok {
		cur = vv.Value
	}
	next, err := fn(cur)
	if err != nil {
		return fmt.Errorf("middleware: update state %q: %w", key, err)
	}
	if tc.Session.MiddlewareState == nil {
		tc.Session.MiddlewareState = make(map[string]session.VersionedValue)
	}
	tc.Session.MiddlewareState[key] = session.VersionedValue{
		Version: tc.versions[key],
		Value:   next,
	}
	return nil
}

// Runtime returns the turn-scoped state stored under key.
func (tc *TurnContext) Runtime(key string) (any, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.Loop == nil || tc.Loop.MiddlewareRuntime == nil {
		return nil, false
	}
	v, ok := tc.Loop.MiddlewareRuntime[key]
	return v, ok
}

// UpdateRuntime swaps the turn-scoped state under key. The function receives
// the current value (nil when absent) and returns its replacement.
func (tc *TurnContext) UpdateRuntime(key string, fn func(any) any) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.Loop.MiddlewareRuntime == nil {
		tc.Loop.MiddlewareRuntime = make(map[string]any)
	}
	tc.Loop.MiddlewareRuntime[key] = fn(tc.Loop.MiddlewareRuntime[key])
}

func (tc *TurnContext) setVersion(key string, version int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.versions[key] = version
}

// State decodes the persistent state stored under key into T. The second
// return is false when no state exists yet.
func State[T any](tc *TurnContext, key string) (T, bool, error) {
	var out T
	raw, ok := tc.State(key)
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("middleware: decode state %q: %w", key, err)
	}
	return out, true, nil
}

// UpdateState applies fn to the typed persistent state under key and stores
// the result. When no state exists yet, fn receives the zero value.
func UpdateState[T any](tc *TurnContext, key string, fn func(T) T) error {
	return tc.UpdateState(key, func(raw json.RawMessage) (json.RawMessage, error) {
		var cur T
		if raw != nil {
			if err := json.Unmarshal(raw, &cur); err != nil {
				return nil, err
			}
		}
		return json.Marshal(fn(cur))
	})
}

// RuntimeState decodes the turn-scoped state under key into T. Checkpoint
// restores deserialize runtime state into generic JSON values; the round
// trip here normalizes both live and restored representations.
func RuntimeState[T any](tc *TurnContext, key string) (T, bool, error) {
	v, ok := tc.Runtime(key)
	if !ok {
		var zero T
		return zero, false, nil
	}
	out, err := normalize[T](key, v)
	return out, err == nil, err
}

// UpdateRuntimeState atomically applies fn to the typed runtime state under
// key. When no state exists yet, fn receives the zero value. Decode failures
// leave the state untouched and are returned.
func UpdateRuntimeState[T any](tc *TurnContext, key string, fn func(T) T) error {
	var decodeErr error
	tc.UpdateRuntime(key, func(cur any) any {
		var v T
		if cur != nil {
			v, decodeErr = normalize[T](key, cur)
			if decodeErr != nil {
				return cur
			}
		}
		return fn(v)
	})
	return decodeErr
}

func normalize[T any](key string, v any) (T, error) {
	if direct, isT := v.(T); isT {
		return direct, nil
	}
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("middleware: encode runtime state %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("middleware: decode runtime state %q: %w", key, err)
	}
	return out, nil
}
