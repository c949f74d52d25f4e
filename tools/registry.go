package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/toolerrors"
)

// ErrNotFound is returned by Resolve when no tool matches the identifier.
var ErrNotFound = fmt.Errorf("tools: tool not found")

// Registry holds the tool set configured for an agent. It resolves tools by
// identifier, validates call arguments against each tool's compiled JSON
// schema, and expands container tools on first invocation.
//
// Registry is thread-safe; the scheduler resolves and validates concurrently.
type Registry struct {
	mu       sync.RWMutex
	tools    map[Ident]*Tool
	schemas  map[Ident]*jsonschema.Schema
	expanded map[Ident]bool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[Ident]*Tool),
		schemas:  make(map[Ident]*jsonschema.Schema),
		expanded: make(map[Ident]bool),
	}
}

// Register adds a tool. The tool's schema is compiled eagerly so invalid
// schemas fail at registration, not at dispatch. Registering a container
// also registers its subtools; they stay hidden from Definitions until the
// container is expanded. Duplicate names are rejected.
func (r *Registry) Register(t *Tool) error {
	if t == nil {
		return fmt.Errorf("tools: register nil tool")
	}
	if t.Name == "" {
		return fmt.Errorf("tools: register tool with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(t)
}

func (r *Registry) register(t *Tool) error {
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("tools: duplicate tool %q", t.Name)
	}
	var compiled *jsonschema.Schema
	if t.Schema != nil {
		var err error
		if compiled, err = compileSchema(t.Name, t.Schema); err != nil {
			return fmt.Errorf("tools: compile schema for %q: %w", t.Name, err)
		}
	}
	r.tools[t.Name] = t
	if compiled != nil {
		r.schemas[t.Name] = compiled
	}
	for _, sub := range t.Subtools {
		if err := r.register(sub); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the tool registered under name. Subtools of an unexpanded
// container resolve normally; visibility filtering applies to Definitions
// only, so resumed turns can still dispatch calls recorded before a restart.
func (r *Registry) Resolve(name Ident) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t, nil
}

// ValidateArgs checks args against the tool's compiled schema. Arguments are
// round-tripped through JSON so Go-native numeric types validate uniformly.
// A tool without a schema accepts any arguments.
func (r *Registry) ValidateArgs(name Ident, args map[string]any) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return toolerrors.NewKind(toolerrors.KindTerminal, fmt.Sprintf("encode arguments for %q: %v", name, err))
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return toolerrors.NewKind(toolerrors.KindTerminal, fmt.Sprintf("decode arguments for %q: %v", name, err))
	}
	if err := schema.Validate(decoded); err != nil {
		return toolerrors.NewKind(toolerrors.KindTerminal, fmt.Sprintf("arguments for %q do not match schema: %v", name, err))
	}
	return nil
}

// Expand invokes a container tool, marks it expanded, and returns the
// descriptors of its nested tools. Expanding a non-container is an error.
// When the container declares its own Invoke, its return value is used as
// the result; otherwise the subtool descriptors are returned directly.
func (r *Registry) Expand(ctx context.Context, call *Context, name Ident) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if !t.Options.Container {
		return nil, fmt.Errorf("tools: %q is not a container", name)
	}

	var result any
	if t.Invoke != nil {
		var err error
		if result, err = t.Invoke(ctx, call, nil); err != nil {
			return nil, err
		}
	} else {
		descs := make([]Descriptor, 0, len(t.Subtools))
		for _, sub := range t.Subtools {
			descs = append(descs, sub.Describe())
		}
		result = descs
	}

	r.mu.Lock()
	r.expanded[name] = true
	r.mu.Unlock()
	return result, nil
}

// Definitions returns the provider-facing schemas of the visible tool set:
// every non-container tool whose parent (if any) has been expanded, plus the
// containers themselves so the model can request expansion.
func (r *Registry) Definitions() []*model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hidden := make(map[Ident]bool)
	for _, t := range r.tools {
		if t.Options.Container && !r.expanded[t.Name] {
			for _, sub := range t.Subtools {
				hidden[sub.Name] = true
			}
		}
	}

	defs := make([]*model.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		if hidden[t.Name] {
			continue
		}
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the identifiers of all registered tools, including hidden
// subtools.
func (r *Registry) Names() []Ident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Ident, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func compileSchema(name Ident, schema map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler sees canonical document types.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	res := fmt.Sprintf("%s.schema.json", name)
	if err := c.AddResource(res, doc); err != nil {
		return nil, err
	}
	return c.Compile(res)
}
