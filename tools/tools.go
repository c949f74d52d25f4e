// Package tools defines the tool contract consumed by the runtime: the tool
// descriptor, the explicit per-call context threaded to handlers, and the
// registry that resolves tools and validates their arguments against JSON
// schemas.
package tools

import (
	"context"

	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/model"
)

type (
	// Tool describes a callable function exposed to the model. Name is
	// unique within an agent's tool set.
	Tool struct {
		// Name is the tool identifier presented to the model.
		Name Ident
		// Description documents the tool for prompting purposes.
		Description string
		// Schema is the JSON Schema describing the tool's arguments. A nil
		// schema disables argument validation.
		Schema map[string]any
		// Options carries policy metadata honored by the scheduler and the
		// permission middleware.
		Options Options
		// Subtools holds the nested tools of a container. Empty for regular
		// tools.
		Subtools []*Tool
		// Invoke executes the tool. Args conform to Schema. Errors are
		// reported as values to the model; the scheduler converts panics and
		// returned errors into error payloads.
		Invoke Handler
	}

	// Options carries per-tool policy metadata.
	Options struct {
		// RequiresPermission gates the tool behind the permission middleware.
		RequiresPermission bool
		// Scopes tags the tool for policy layers (e.g. "project", "write").
		Scopes []string
		// Container marks a collapsing tool: invoking it returns descriptors
		// of its nested tools, which become resolvable afterwards.
		Container bool
	}

	// Handler is the tool execution function. The model.Context carries the
	// Go cancellation signal; Context carries the call's runtime environment.
	Handler func(ctx context.Context, call *Context, args map[string]any) (any, error)

	// Context is the explicit per-call environment handed to a tool handler.
	// The conversation identity is threaded here rather than through ambient
	// goroutine-local state.
	Context struct {
		// SessionID identifies the owning session.
		SessionID string
		// TurnID identifies the turn that scheduled the call.
		TurnID string
		// AgentID identifies the invoking agent.
		AgentID string
		// CallID uniquely identifies this invocation within the turn.
		CallID string
		// Messages is a read-only snapshot of the conversation at dispatch
		// time. Handlers must not mutate it.
		Messages []*model.Message
		// Bus lets the tool publish events or participate in the suspension
		// protocol (e.g. sub-agent progress).
		Bus hooks.Bus
		// Metadata carries session metadata visible to the tool.
		Metadata map[string]any
	}

	// Descriptor is the serializable summary a container invocation returns
	// for each nested tool.
	Descriptor struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Schema      map[string]any `json:"schema,omitempty"`
	}
)

// Definition converts the tool to the provider-facing schema record.
func (t *Tool) Definition() *model.ToolDefinition {
	return &model.ToolDefinition{
		Name:        t.Name.String(),
		Description: t.Description,
		InputSchema: t.Schema,
	}
}

// Describe returns the serializable descriptor for the tool.
func (t *Tool) Describe() Descriptor {
	return Descriptor{
		Name:        t.Name.String(),
		Description: t.Description,
		Schema:      t.Schema,
	}
}
