package graph

import (
	"fmt"
	"sort"
)

type (
	// Compiled is the derived execution plan of a validated graph.
	Compiled struct {
		Graph *Graph

		// Order maps node id to topological index over the working nodes
		// (Start and End excluded).
		Order map[string]int

		// Layers groups node ids into parallel execution waves, each
		// sorted by id for determinism.
		Layers [][]string

		// BackEdges lists edges pointing against topological order,
		// sorted by descending jump distance then source id.
		BackEdges []BackEdge

		// Index resolves artifact keys to producing nodes across the
		// whole graph tree.
		Index *ArtifactIndex
	}
)

// Compile validates g and derives its execution plan. Cycle-closing edges
// are identified first by a deterministic depth-first walk; Kahn's
// algorithm then layers the remaining acyclic forward edges, so a cycle
// never distorts the parallel structure of the forward graph. Every edge
// whose source ends up later in topological order than its target is
// recorded as a back-edge.
func Compile(g *Graph) (*Compiled, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	working := make([]string, 0, len(g.Nodes))
	for id, n := range g.Nodes {
		if n.Type == NodeStart || n.Type == NodeEnd {
			continue
		}
		working = append(working, id)
	}
	sort.Strings(working)
	isWorking := make(map[string]bool, len(working))
	for _, id := range working {
		isWorking[id] = true
	}

	backSet := findCycleEdges(g, working, isWorking)

	// Kahn layering over forward edges only.
	succ := make(map[string][]string)
	indegree := make(map[string]int, len(working))
	for _, id := range working {
		indegree[id] = 0
	}
	for _, e := range g.Edges {
		if !isWorking[e.From] || !isWorking[e.To] || backSet[e] {
			continue
		}
		succ[e.From] = append(succ[e.From], e.To)
		indegree[e.To]++
	}

	order := make(map[string]int, len(working))
	var layers [][]string
	remaining := len(working)
	next := 0
	for remaining > 0 {
		var layer []string
		for _, id := range working {
			if _, done := order[id]; done {
				continue
			}
			if indegree[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("graph %q: cycle remained after back-edge removal", g.ID)
		}
		for _, id := range layer {
			order[id] = next
			next++
			remaining--
			for _, to := range succ[id] {
				indegree[to]--
			}
		}
		layers = append(layers, layer)
	}

	var back []BackEdge
	for _, e := range g.Edges {
		if !isWorking[e.From] || !isWorking[e.To] {
			continue
		}
		si, ti := order[e.From], order[e.To]
		if si > ti {
			back = append(back, BackEdge{Edge: e, SourceIndex: si, TargetIndex: ti})
		}
	}
	sort.Slice(back, func(i, j int) bool {
		di := back[i].SourceIndex - back[i].TargetIndex
		dj := back[j].SourceIndex - back[j].TargetIndex
		if di != dj {
			return di > dj
		}
		if back[i].Edge.From != back[j].Edge.From {
			return back[i].Edge.From < back[j].Edge.From
		}
		return back[i].Edge.To < back[j].Edge.To
	})

	index, err := BuildArtifactIndex(g)
	if err != nil {
		return nil, err
	}

	return &Compiled{Graph: g, Order: order, Layers: layers, BackEdges: back, Index: index}, nil
}

// findCycleEdges marks the edges that close cycles. The walk visits roots
// and successors in sorted id order so the same graph always yields the
// same classification.
func findCycleEdges(g *Graph, working []string, isWorking map[string]bool) map[*Edge]bool {
	succ := make(map[string][]*Edge)
	for _, e := range g.Edges {
		if !isWorking[e.From] || !isWorking[e.To] {
			continue
		}
		succ[e.From] = append(succ[e.From], e)
	}
	for _, edges := range succ {
		sort.Slice(edges, func(i, j int) bool { return edges[i].To < edges[j].To })
	}

	const (
		unvisited = 0
		inStack   = 1
		finished  = 2
	)
	state := make(map[string]int, len(working))
	backSet := make(map[*Edge]bool)

	var visit func(id string)
	visit = func(id string) {
		state[id] = inStack
		for _, e := range succ[id] {
			switch state[e.To] {
			case unvisited:
				visit(e.To)
			case inStack:
				backSet[e] = true
			}
		}
		state[id] = finished
	}

	// Prefer true roots so forward chains are walked front to back; any
	// node left unvisited (cycles without an outside entry) starts its own
	// walk in id order.
	indegree := make(map[string]int, len(working))
	for _, edges := range succ {
		for _, e := range edges {
			indegree[e.To]++
		}
	}
	for _, id := range working {
		if indegree[id] == 0 && state[id] == unvisited {
			visit(id)
		}
	}
	for _, id := range working {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return backSet
}

// LayerOf returns the index of the layer containing node id, or an error
// when the node is not a working node.
func (c *Compiled) LayerOf(id string) (int, error) {
	for i, layer := range c.Layers {
		for _, n := range layer {
			if n == id {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("graph %q: node %q is not in any layer", c.Graph.ID, id)
}
