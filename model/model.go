// Package model defines the provider-agnostic contract between the agentic
// loop and language model clients. It normalizes chat messages into ordered,
// tagged content parts (text, reasoning, tool use, tool result, media) so the
// runtime, the session store, and middlewares can operate on conversations
// without coupling to any provider SDK. Implementations translate these types
// into provider-specific wire formats at the edges.
package model

import (
	"context"
	"errors"
)

type (
	// ConversationRole identifies the author of a message.
	ConversationRole string

	// PartKind discriminates concrete Part implementations. It is also the
	// JSON discriminator used when messages are persisted.
	PartKind string

	// Part is a single tagged content fragment within a message. The set of
	// implementations is closed: TextPart, ReasoningPart, ToolUsePart,
	// ToolResultPart, ImagePart, BinaryPart, and JSONPart.
	Part interface {
		// Kind returns the discriminator for this part.
		Kind() PartKind
		isPart()
	}

	// Message is a single entry in a conversation: a role plus an ordered
	// sequence of content parts. Messages are append-only once stored in a
	// session; the runtime never rewrites persisted history.
	Message struct {
		// Role is the message author: system, user, assistant, or tool.
		Role ConversationRole
		// Parts holds the ordered content fragments of the message.
		Parts []Part
		// Tokens records token accounting attributed to this message when the
		// provider reports usage. Input tokens attach to the last user message
		// of a turn; output tokens are apportioned across assistant messages.
		Tokens TokenCount
		// Meta carries optional provider-agnostic metadata for diagnostics.
		Meta map[string]any
	}

	// TokenCount records per-message token attribution.
	TokenCount struct {
		Input  int `json:"input,omitempty"`
		Output int `json:"output,omitempty"`
	}

	// TextPart carries user- or assistant-visible text.
	TextPart struct {
		// Text is the visible content.
		Text string
	}

	// ReasoningPart carries model reasoning output. Reasoning is streamed to
	// observers but excluded from persisted history unless the turn is
	// configured to preserve it.
	ReasoningPart struct {
		// Text is the plaintext reasoning content.
		Text string
		// Trace holds an opaque provider reasoning trace (for example a signed
		// or redacted thinking block) needed for exact replay. Nil when the
		// provider does not issue one.
		Trace []byte
	}

	// ToolUsePart declares a tool invocation requested by the assistant.
	ToolUsePart struct {
		// ID correlates this call with a later ToolResultPart.
		ID string
		// Name is the tool identifier.
		Name string
		// Input holds the JSON-encodable tool arguments.
		Input map[string]any
	}

	// ToolResultPart communicates a tool result back to the model, correlated
	// via ToolUseID. Every ToolResultPart's ToolUseID must reference a
	// ToolUsePart emitted earlier in the same turn.
	ToolResultPart struct {
		// ToolUseID correlates to a prior assistant ToolUsePart.ID.
		ToolUseID string
		// Content is the JSON-encodable tool result payload.
		Content any
		// IsError indicates whether the tool invocation failed.
		IsError bool
	}

	// ImagePart carries image content by value, by URL, or by provider file ID.
	// Exactly one of Data, URL, or FileID should be set.
	ImagePart struct {
		// MIME is the image media type (for example "image/png").
		MIME string
		// Data holds inline image bytes.
		Data []byte
		// URL references externally hosted image content.
		URL string
		// FileID references a provider-managed file.
		FileID string
	}

	// BinaryPart carries opaque binary content (PDFs, audio, archives).
	BinaryPart struct {
		// MIME is the media type of the payload.
		MIME string
		// Data holds the raw bytes.
		Data []byte
	}

	// JSONPart carries structured JSON content produced or consumed verbatim.
	JSONPart struct {
		// Value is any JSON-encodable value.
		Value any
	}

	// Client is the contract the agentic loop uses to invoke language models.
	// Implementations wrap provider SDKs and must be safe for concurrent use.
	Client interface {
		// Stream sends a chat request and returns a Streamer yielding
		// incremental chunks (text, reasoning, tool calls, usage, stop).
		// The returned Streamer must be closed by the caller. The context
		// cancels the in-flight request cooperatively.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Middleware wraps a Client with additional behavior (rate limiting,
	// tracing, redaction). Middlewares compose right to left.
	Middleware func(Client) Client

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Implementations are single-goroutine and
	// release resources on Close.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream and releases underlying resources.
		Close() error
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered conversation presented to the model.
		Messages []*Message
		// Tools describes the tool schemas exposed for function calling.
		Tools []*ToolDefinition
		// Temperature controls sampling temperature; zero means provider default.
		Temperature float32
		// MaxTokens caps completion tokens; zero means provider default.
		MaxTokens int
		// PreserveReasoning requests provider reasoning traces be surfaced in
		// full so they can be persisted when the turn is configured to keep them.
		PreserveReasoning bool
	}

	// Response is the collected result of a completed model invocation:
	// the assistant message assembled from the stream plus usage and the
	// provider stop reason.
	Response struct {
		// Message is the assistant message, in part order as streamed.
		Message *Message
		// Usage reports token consumption when the provider issued a usage
		// chunk.
		Usage TokenUsage
		// StopReason explains why the stream ended.
		StopReason string
	}

	// ToolDefinition describes a tool schema passed to providers for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool's arguments.
		InputSchema map[string]any
	}

	// ToolCall captures a tool invocation requested by the model.
	ToolCall struct {
		// ID uniquely identifies the call within the turn.
		ID string
		// Name identifies the tool to invoke.
		Name string
		// Input holds the JSON arguments conforming to the tool's schema.
		Input map[string]any
	}

	// Chunk is a streaming event emitted by the model. ChunkKind indicates
	// which payload field is populated.
	Chunk struct {
		// Kind is the chunk discriminator.
		Kind ChunkKind
		// Text is an assistant text delta when Kind == ChunkText.
		Text string
		// Reasoning is a reasoning delta when Kind == ChunkReasoning.
		Reasoning string
		// ReasoningTrace carries the opaque provider trace on the final
		// reasoning chunk of a block, when issued.
		ReasoningTrace []byte
		// ReasoningFinal marks the end of a reasoning block.
		ReasoningFinal bool
		// ToolCall is the requested invocation when Kind == ChunkToolCall.
		ToolCall *ToolCall
		// Usage reports token usage when Kind == ChunkUsage.
		Usage *TokenUsage
		// StopReason explains termination when Kind == ChunkStop. Common
		// values: "stop", "max_tokens", "tool_calls".
		StopReason string
	}

	// ChunkKind discriminates streaming chunk payloads.
	ChunkKind string

	// TokenUsage records prompt/completion token counts reported by the
	// provider. All fields are zero when the provider does not report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int
		// OutputTokens counts tokens produced in this completion.
		OutputTokens int
		// TotalTokens is the aggregate when reported; prefer it over summing.
		TotalTokens int
	}
)

// Conversation roles.
const (
	ConversationRoleSystem    ConversationRole = "system"
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
	ConversationRoleTool      ConversationRole = "tool"
)

// Part kinds. These values double as the JSON discriminator.
const (
	PartKindText       PartKind = "text"
	PartKindReasoning  PartKind = "reasoning"
	PartKindToolUse    PartKind = "tool_use"
	PartKindToolResult PartKind = "tool_result"
	PartKindImage      PartKind = "image"
	PartKindBinary     PartKind = "binary"
	PartKindJSON       PartKind = "json"
)

// Chunk kinds.
const (
	ChunkText      ChunkKind = "text"
	ChunkReasoning ChunkKind = "reasoning"
	ChunkToolCall  ChunkKind = "tool_call"
	ChunkUsage     ChunkKind = "usage"
	ChunkStop      ChunkKind = "stop"
)

// Stop reasons reported by providers.
const (
	StopReasonStop      = "stop"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolCalls = "tool_calls"
)

// ErrStreamingUnsupported indicates the model provider does not implement
// streaming for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider rejected the request for exceeding
// its rate limits. Client implementations wrap provider 429s with this
// sentinel so adaptive limiters can react.
var ErrRateLimited = errors.New("model: rate limited")

// Kind implements Part.
func (TextPart) Kind() PartKind { return PartKindText }

// Kind implements Part.
func (ReasoningPart) Kind() PartKind { return PartKindReasoning }

// Kind implements Part.
func (ToolUsePart) Kind() PartKind { return PartKindToolUse }

// Kind implements Part.
func (ToolResultPart) Kind() PartKind { return PartKindToolResult }

// Kind implements Part.
func (ImagePart) Kind() PartKind { return PartKindImage }

// Kind implements Part.
func (BinaryPart) Kind() PartKind { return PartKindBinary }

// Kind implements Part.
func (JSONPart) Kind() PartKind { return PartKindJSON }

func (TextPart) isPart()       {}
func (ReasoningPart) isPart()  {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}
func (ImagePart) isPart()      {}
func (BinaryPart) isPart()     {}
func (JSONPart) isPart()       {}

// NewTextMessage constructs a message holding a single text part.
func NewTextMessage(role ConversationRole, text string) *Message {
	return &Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates the message's text parts in order. Non-text parts are
// skipped.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// ToolCalls returns the tool invocations declared by the message in order.
func (m *Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if tu, ok := p.(ToolUsePart); ok {
			calls = append(calls, ToolCall{ID: tu.ID, Name: tu.Name, Input: tu.Input})
		}
	}
	return calls
}

// Clone returns a shallow copy of the message with a copied parts slice so
// appends on the copy do not alias the original. Part payloads are immutable
// by convention and are shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Parts = append([]Part(nil), m.Parts...)
	if m.Meta != nil {
		cp.Meta = make(map[string]any, len(m.Meta))
		for k, v := range m.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}

// WrapClient applies middlewares to a base client right to left so the first
// middleware observes requests first and responses last.
func WrapClient(base Client, mws ...Middleware) Client {
	c := base
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		c = mws[i](c)
	}
	return c
}
