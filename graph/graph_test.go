package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearGraph() *Graph {
	return &Graph{
		ID: "pipeline",
		Nodes: map[string]*Node{
			"start": {ID: "start", Type: NodeStart},
			"a":     {ID: "a", Type: NodeHandler, HandlerName: "work"},
			"b":     {ID: "b", Type: NodeHandler, HandlerName: "work"},
			"end":   {ID: "end", Type: NodeEnd},
		},
		Edges: []*Edge{
			{From: "start", To: "a"},
			{From: "a", To: "b"},
			{From: "b", To: "end"},
		},
		Entry: "start",
		Exit:  "end",
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	require.NoError(t, linearGraph().Validate())
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Graph)
		want   string
	}{
		{"missing id", func(g *Graph) { g.ID = "" }, "id is required"},
		{"unknown edge endpoint", func(g *Graph) { g.Edges[1].To = "ghost" }, "unknown node"},
		{"entry not start", func(g *Graph) { g.Entry = "a" }, "not a start node"},
		{"exit missing", func(g *Graph) { g.Exit = "ghost" }, "does not exist"},
		{"handler without name", func(g *Graph) { g.Nodes["a"].HandlerName = "" }, "needs a handler name"},
		{"negative iterations", func(g *Graph) { g.MaxIterations = -1 }, "must not be negative"},
		{"bad namespace", func(g *Graph) { g.Nodes["a"].Namespace = "a..b" }, "empty segment"},
		{"node key mismatch", func(g *Graph) { g.Nodes["a"].ID = "other" }, "does not match"},
		{"subgraph without body", func(g *Graph) {
			g.Nodes["a"] = &Node{ID: "a", Type: NodeSubGraph}
		}, "no sub_graph"},
		{"map without router", func(g *Graph) {
			g.Nodes["a"] = &Node{ID: "a", Type: NodeMap}
		}, "needs a router"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := linearGraph()
			tc.mutate(g)
			err := g.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateUpstreamConditionMixing(t *testing.T) {
	g := linearGraph()
	g.Nodes["c"] = &Node{ID: "c", Type: NodeHandler, HandlerName: "work"}
	g.Edges = append(g.Edges,
		&Edge{From: "a", To: "c", Cond: &EdgeCondition{Type: CondUpstreamOneSuccess}},
		&Edge{From: "b", To: "c", Cond: &EdgeCondition{Type: CondUpstreamAllDone}},
	)
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mixes upstream condition types")

	// All edges sharing one type is fine.
	g.Edges[len(g.Edges)-1].Cond = &EdgeCondition{Type: CondUpstreamOneSuccess}
	require.NoError(t, g.Validate())

	// Mixing an aggregation with a per-edge condition is rejected.
	g.Edges[len(g.Edges)-1].Cond = &EdgeCondition{Type: CondFieldExists, Field: "x"}
	err = g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mixes upstream and per-edge")
}

func TestValidateNamespace(t *testing.T) {
	valid := []string{
		"research",
		"research.web",
		"a",
		"agent-1.sub_task",
		"A1.b2.c3.d4.e5.f6.g7.h8.i9.j0",
	}
	for _, ns := range valid {
		assert.NoError(t, ValidateNamespace(ns), ns)
	}

	invalid := []string{
		"",
		".",
		"a.",
		".a",
		"-leading",
		"trailing-",
		"_leading",
		"double--dash",
		"double__underscore",
		"mixed-_pair",
		"mixed_-pair",
		"bad char",
		"a.b.c.d.e.f.g.h.i.j.k",
	}
	for _, ns := range invalid {
		assert.Error(t, ValidateNamespace(ns), ns)
	}

	long := make([]byte, 51)
	for i := range long {
		long[i] = 'x'
	}
	assert.Error(t, ValidateNamespace(string(long)))
	assert.NoError(t, ValidateNamespace(string(long[:50])))
}
