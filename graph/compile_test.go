package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondGraph() *Graph {
	return &Graph{
		ID: "diamond",
		Nodes: map[string]*Node{
			"start": {ID: "start", Type: NodeStart},
			"a":     {ID: "a", Type: NodeHandler, HandlerName: "h"},
			"b":     {ID: "b", Type: NodeHandler, HandlerName: "h"},
			"c":     {ID: "c", Type: NodeHandler, HandlerName: "h"},
			"d":     {ID: "d", Type: NodeHandler, HandlerName: "h"},
			"end":   {ID: "end", Type: NodeEnd},
		},
		Edges: []*Edge{
			{From: "start", To: "a"},
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
			{From: "d", To: "end"},
		},
		Entry: "start",
		Exit:  "end",
	}
}

func TestCompileLayersDiamond(t *testing.T) {
	compiled, err := Compile(diamondGraph())
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, compiled.Layers)
	assert.Empty(t, compiled.BackEdges)
	assert.Less(t, compiled.Order["a"], compiled.Order["b"])
	assert.Less(t, compiled.Order["b"], compiled.Order["d"])
	assert.Less(t, compiled.Order["c"], compiled.Order["d"])
}

func TestCompileIgnoresStartEndEdges(t *testing.T) {
	compiled, err := Compile(linearGraph())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, compiled.Layers)
}

func TestCompileDerivesBackEdges(t *testing.T) {
	g := diamondGraph()
	// d -> a closes the long loop, d -> b a shorter one.
	g.Edges = append(g.Edges,
		&Edge{From: "d", To: "a", Cond: &EdgeCondition{Type: CondFieldExists, Field: "again"}},
		&Edge{From: "d", To: "b"},
	)
	g.MaxIterations = 3

	compiled, err := Compile(g)
	require.NoError(t, err)
	require.Len(t, compiled.BackEdges, 2)

	// Sorted by descending jump distance.
	assert.Equal(t, "d", compiled.BackEdges[0].Edge.From)
	assert.Equal(t, "a", compiled.BackEdges[0].Edge.To)
	assert.Equal(t, "d", compiled.BackEdges[1].Edge.From)
	assert.Equal(t, "b", compiled.BackEdges[1].Edge.To)
	assert.Greater(t,
		compiled.BackEdges[0].SourceIndex-compiled.BackEdges[0].TargetIndex,
		compiled.BackEdges[1].SourceIndex-compiled.BackEdges[1].TargetIndex)

	// Forward layering is unchanged by the cycle-closing edges.
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, compiled.Layers)
}

func TestCompilePureCycleBreaksDeterministically(t *testing.T) {
	g := &Graph{
		ID: "cycle",
		Nodes: map[string]*Node{
			"a": {ID: "a", Type: NodeHandler, HandlerName: "h"},
			"b": {ID: "b", Type: NodeHandler, HandlerName: "h"},
		},
		Edges: []*Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
		MaxIterations: 1,
	}
	compiled, err := Compile(g)
	require.NoError(t, err)

	// The smallest id is released first; the cycle-closing edge becomes
	// the back-edge.
	assert.Equal(t, 0, compiled.Order["a"])
	assert.Equal(t, 1, compiled.Order["b"])
	require.Len(t, compiled.BackEdges, 1)
	assert.Equal(t, "b", compiled.BackEdges[0].Edge.From)
}

func TestLayerOf(t *testing.T) {
	compiled, err := Compile(diamondGraph())
	require.NoError(t, err)

	layer, err := compiled.LayerOf("c")
	require.NoError(t, err)
	assert.Equal(t, 1, layer)

	_, err = compiled.LayerOf("start")
	assert.Error(t, err)
}

func TestBuildArtifactIndex(t *testing.T) {
	sub := &Graph{
		ID: "inner",
		Nodes: map[string]*Node{
			"writer": {
				ID: "writer", Type: NodeHandler, HandlerName: "h",
				Namespace: "web",
				Produces:  &ArtifactKey{Path: []string{"pages"}},
			},
		},
	}
	g := &Graph{
		ID: "outer",
		Nodes: map[string]*Node{
			"research": {
				ID: "research", Type: NodeSubGraph, SubGraph: sub,
				Namespace: "research",
			},
			"report": {
				ID: "report", Type: NodeHandler, HandlerName: "h",
				Produces: &ArtifactKey{Path: []string{"summary"}, Partition: "v1"},
			},
		},
	}
	require.NoError(t, g.Validate())

	idx, err := BuildArtifactIndex(g)
	require.NoError(t, err)

	// Nested producers are qualified by the accumulated namespace chain.
	assert.Equal(t, []string{"writer"},
		idx.Producers(ArtifactKey{Path: []string{"research", "web", "pages"}}))
	assert.Equal(t, []string{"report"},
		idx.Producers(ArtifactKey{Path: []string{"summary"}, Partition: "v1"}))
	assert.Empty(t, idx.Producers(ArtifactKey{Path: []string{"pages"}}))
	assert.Equal(t, []string{"research/web/pages", "summary@v1"}, idx.Keys())
}

func TestArtifactKeyString(t *testing.T) {
	assert.Equal(t, "a/b", ArtifactKey{Path: []string{"a", "b"}}.String())
	assert.Equal(t, "a@p1", ArtifactKey{Path: []string{"a"}, Partition: "p1"}.String())
	key := ArtifactKey{Path: []string{"x"}}.Qualified([]string{"ns1", "ns2"})
	assert.Equal(t, "ns1/ns2/x", key.String())
}
