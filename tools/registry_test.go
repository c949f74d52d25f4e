package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/toolerrors"
)

func searchTool() *Tool {
	return &Tool{
		Name:        "search",
		Description: "Search the corpus",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "minimum": 1},
			},
		},
		Invoke: func(ctx context.Context, call *Context, args map[string]any) (any, error) {
			return "results", nil
		},
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(searchTool()))

	got, err := r.Resolve("search")
	require.NoError(t, err)
	assert.Equal(t, Ident("search"), got.Name)

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(searchTool()))
	assert.Error(t, r.Register(searchTool()))
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Tool{
		Name:   "broken",
		Schema: map[string]any{"type": 42},
	})
	assert.Error(t, err)
}

func TestRegistryValidateArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(searchTool()))

	assert.NoError(t, r.ValidateArgs("search", map[string]any{"query": "go", "limit": 3}))

	err := r.ValidateArgs("search", map[string]any{"limit": 3})
	require.Error(t, err)
	var terr *toolerrors.ToolError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, toolerrors.KindTerminal, terr.Kind)

	assert.Error(t, r.ValidateArgs("search", map[string]any{"query": "go", "limit": 0}))

	// Tools without a schema accept anything.
	require.NoError(t, r.Register(&Tool{Name: "freeform"}))
	assert.NoError(t, r.ValidateArgs("freeform", map[string]any{"whatever": true}))
}

func TestRegistryContainerExpansion(t *testing.T) {
	container := &Tool{
		Name:        "fs",
		Description: "Filesystem tools",
		Options:     Options{Container: true},
		Subtools: []*Tool{
			{Name: "fs.read", Description: "Read a file"},
			{Name: "fs.write", Description: "Write a file", Options: Options{RequiresPermission: true}},
		},
	}
	r := NewRegistry()
	require.NoError(t, r.Register(container))
	require.NoError(t, r.Register(searchTool()))

	// Before expansion the subtools are hidden from the model.
	names := definitionNames(r)
	assert.Equal(t, []string{"fs", "search"}, names)

	// Subtools still resolve so resumed calls can dispatch.
	_, err := r.Resolve("fs.read")
	require.NoError(t, err)

	result, err := r.Expand(context.Background(), &Context{SessionID: "s1"}, "fs")
	require.NoError(t, err)
	descs, ok := result.([]Descriptor)
	require.True(t, ok)
	require.Len(t, descs, 2)
	assert.Equal(t, "fs.read", descs[0].Name)

	names = definitionNames(r)
	assert.Equal(t, []string{"fs", "fs.read", "fs.write", "search"}, names)
}

func TestRegistryExpandNonContainer(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(searchTool()))
	_, err := r.Expand(context.Background(), nil, "search")
	assert.Error(t, err)
}

func TestIdentComponents(t *testing.T) {
	assert.Equal(t, "fs", Ident("fs.read").Namespace())
	assert.Equal(t, "read", Ident("fs.read").Name())
	assert.Equal(t, "", Ident("search").Namespace())
	assert.Equal(t, "search", Ident("search").Name())
}

func definitionNames(r *Registry) []string {
	defs := r.Definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}
