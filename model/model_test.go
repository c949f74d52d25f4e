package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := &Message{
		Role: ConversationRoleAssistant,
		Parts: []Part{
			TextPart{Text: "Let me check."},
			ReasoningPart{Text: "thinking", Trace: []byte(`{"sig":"abc"}`)},
			ToolUsePart{ID: "c1", Name: "search", Input: map[string]any{"q": "weather"}},
		},
		Meta: map[string]any{"turn": "t1"},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.Equal(t, ConversationRoleAssistant, back.Role)
	require.Len(t, back.Parts, 3)
	assert.Equal(t, TextPart{Text: "Let me check."}, back.Parts[0])
	rp, ok := back.Parts[1].(ReasoningPart)
	require.True(t, ok)
	assert.Equal(t, "thinking", rp.Text)
	assert.JSONEq(t, `{"sig":"abc"}`, string(rp.Trace))
	tu, ok := back.Parts[2].(ToolUsePart)
	require.True(t, ok)
	assert.Equal(t, "c1", tu.ID)
	assert.Equal(t, "weather", tu.Input["q"])
}

func TestToolResultPartRoundTrip(t *testing.T) {
	msg := &Message{
		Role: ConversationRoleTool,
		Parts: []Part{
			ToolResultPart{ToolUseID: "c1", Content: "sunny", IsError: false},
			ToolResultPart{ToolUseID: "c2", Content: "boom", IsError: true},
		},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Len(t, back.Parts, 2)
	second, ok := back.Parts[1].(ToolResultPart)
	require.True(t, ok)
	assert.True(t, second.IsError)
	assert.Equal(t, "boom", second.Content)
}

func TestDecodePartRejectsUnknownKind(t *testing.T) {
	_, err := DecodePart(json.RawMessage(`{"kind":"hologram"}`))
	require.Error(t, err)
}

func TestMessageText(t *testing.T) {
	m := &Message{Role: ConversationRoleAssistant, Parts: []Part{
		TextPart{Text: "a"},
		ToolUsePart{ID: "c1", Name: "x"},
		TextPart{Text: "b"},
	}}
	assert.Equal(t, "ab", m.Text())
	assert.Equal(t, "hi", NewTextMessage(ConversationRoleUser, "hi").Text())
}

func TestMessageToolCalls(t *testing.T) {
	m := &Message{Role: ConversationRoleAssistant, Parts: []Part{
		TextPart{Text: "calling"},
		ToolUsePart{ID: "c1", Name: "search", Input: map[string]any{"q": "x"}},
		ToolUsePart{ID: "c2", Name: "fetch"},
	}}
	calls := m.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, ToolCall{ID: "c1", Name: "search", Input: map[string]any{"q": "x"}}, calls[0])
	assert.Equal(t, "c2", calls[1].ID)
}

func TestMessageClone(t *testing.T) {
	m := &Message{
		Role:  ConversationRoleUser,
		Parts: []Part{TextPart{Text: "hi"}},
		Meta:  map[string]any{"k": "v"},
	}
	cp := m.Clone()
	cp.Parts[0] = TextPart{Text: "changed"}
	cp.Meta["k"] = "changed"

	assert.Equal(t, "hi", m.Text())
	assert.Equal(t, "v", m.Meta["k"])
	assert.Nil(t, (*Message)(nil).Clone())
}

func TestProviderError(t *testing.T) {
	cause := errors.New("429 from upstream")
	e := NewProviderError("anthropic", "stream", 429, ProviderErrorKindRateLimited,
		"rate_limited", "slow down", true, cause).WithRetryAfter(7)

	assert.Equal(t, "anthropic", e.Provider())
	assert.Equal(t, ProviderErrorKindRateLimited, e.Kind())
	assert.True(t, e.Retryable())
	assert.Equal(t, 7, e.RetryAfterSeconds())
	assert.ErrorIs(t, e, cause)

	got, ok := AsProviderError(fmt.Errorf("wrapped: %w", e))
	require.True(t, ok)
	assert.Same(t, e, got)

	_, ok = AsProviderError(errors.New("plain"))
	assert.False(t, ok)
}

func TestWrapClientOrder(t *testing.T) {
	var trace []string
	mw := func(name string) Middleware {
		return func(next Client) Client {
			return &traceClient{name: name, next: next, trace: &trace}
		}
	}
	base := &traceClient{name: "base", trace: &trace}

	wrapped := WrapClient(base, mw("outer"), nil, mw("inner"))
	_, err := wrapped.Stream(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "base"}, trace)
}

// traceClient records invocation order through a wrapped chain.
type traceClient struct {
	name  string
	next  Client
	trace *[]string
}

func (c *traceClient) Stream(ctx context.Context, req *Request) (Streamer, error) {
	*c.trace = append(*c.trace, c.name)
	if c.next != nil {
		return c.next.Stream(ctx, req)
	}
	return nil, nil
}
