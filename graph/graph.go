// Package graph defines multi-agent workflow graphs and their layered
// topological executor. A graph is a set of nodes joined by conditional
// edges; the orchestrator compiles it into execution layers, runs each
// layer's eligible nodes in parallel, and propagates back-edges under an
// iteration cap.
package graph

import (
	"fmt"
	"strings"
	"time"
)

type (
	// Graph is the declarative workflow description. Nodes are held in a
	// map keyed by id and edges reference nodes by id; node values never
	// embed other nodes directly so cycles stay representable.
	Graph struct {
		ID      string
		Name    string
		Version string

		Nodes map[string]*Node
		Edges []*Edge

		// Entry and Exit name the Start and End nodes.
		Entry string
		Exit  string

		// MaxIterations caps back-edge propagation rounds. Zero means
		// back-edges never fire.
		MaxIterations int

		// Timeout bounds the whole run when positive.
		Timeout time.Duration

		// Cloning is the default policy for outputs crossing edges.
		Cloning CloningPolicy

		Metadata map[string]any
	}

	// Node is one vertex of the workflow.
	Node struct {
		ID   string
		Type NodeType

		// HandlerName selects the registered handler for Handler nodes.
		HandlerName string

		// Config is opaque node configuration passed to the handler.
		Config map[string]any

		// Timeout bounds one execution of the node when positive.
		Timeout time.Duration

		// Retry governs transient-failure retries.
		Retry *RetryPolicy

		// MaxExecutions caps how often back-edges may re-run this node.
		// Zero means no node-level cap.
		MaxExecutions int

		// SubGraph embeds a nested workflow for SubGraph nodes.
		SubGraph *Graph

		// Namespace scopes the node's artifact keys. Dot-separated
		// segments, accumulated along the ancestor chain.
		Namespace string

		// Produces declares the artifact key this node emits, if any.
		Produces *ArtifactKey

		// InputBuffer caps in-flight deliveries to this node. Zero means
		// unbounded.
		InputBuffer int

		// Cache enables memoized execution for Handler nodes.
		Cache *CachePolicy

		// RouterName selects the processor routing for Map nodes: either
		// a registered processor graph name or a registered per-item
		// router.
		RouterName string

		// ItemsKey names the input field holding the Map collection.
		// Defaults to "items".
		ItemsKey string
	}

	// Edge joins two nodes, optionally gated by a condition.
	Edge struct {
		From     string
		To       string
		FromPort string
		ToPort   string
		Priority int
		Cond     *EdgeCondition

		// Cloning overrides the graph default for this edge.
		Cloning CloningPolicy
	}

	// EdgeCondition is a tagged variant: exactly the fields of its Type
	// are meaningful.
	EdgeCondition struct {
		Type ConditionType

		// Field and Value configure FieldEquals and FieldExists.
		Field string
		Value any

		// Predicate names a registered predicate for FieldPredicate.
		Predicate string
	}

	// BackEdge is derived at compile time for every edge whose source
	// sits later in topological order than its target.
	BackEdge struct {
		Edge *Edge
		// SourceIndex and TargetIndex are topological positions.
		SourceIndex int
		TargetIndex int
	}

	// RetryPolicy retries transient node failures.
	RetryPolicy struct {
		MaxAttempts int
		BaseDelay   time.Duration
		MaxDelay    time.Duration
	}

	// CachePolicy memoizes handler outputs.
	CachePolicy struct {
		Strategy CacheStrategy
		// TTL bounds entry lifetime; entries past it are evicted on the
		// next access. Zero means no expiry.
		TTL time.Duration
	}

	NodeType      string
	ConditionType string
	CloningPolicy string
	CacheStrategy string

	// Severity classifies a node failure.
	Severity string
)

const (
	NodeStart    NodeType = "start"
	NodeEnd      NodeType = "end"
	NodeHandler  NodeType = "handler"
	NodeRouter   NodeType = "router"
	NodeSubGraph NodeType = "subgraph"
	NodeMap      NodeType = "map"
)

const (
	// CondFieldEquals passes when the named output field equals Value.
	CondFieldEquals ConditionType = "field_equals"
	// CondFieldExists passes when the named output field is present.
	CondFieldExists ConditionType = "field_exists"
	// CondFieldPredicate passes when the registered predicate accepts the
	// source outputs.
	CondFieldPredicate ConditionType = "field_predicate"
	// CondUpstreamOneSuccess runs the target iff at least one upstream
	// succeeded.
	CondUpstreamOneSuccess ConditionType = "upstream_one_success"
	// CondUpstreamAllDone runs the target iff every upstream terminated.
	CondUpstreamAllDone ConditionType = "upstream_all_done"
	// CondUpstreamAllDoneOneSuccess runs the target iff every upstream
	// terminated and at least one succeeded.
	CondUpstreamAllDoneOneSuccess ConditionType = "upstream_all_done_one_success"
)

const (
	// CloneAlways deep-clones outputs crossing the edge.
	CloneAlways CloningPolicy = "always"
	// CloneNever passes outputs by reference.
	CloneNever CloningPolicy = "never"
	// CloneOnWrite defers the deep clone until the first mutation path,
	// which for map-shaped outputs means cloning at delivery of shared
	// values.
	CloneOnWrite CloningPolicy = "on_write"
)

const (
	// CacheInputs keys the cache on the node's inputs alone.
	CacheInputs CacheStrategy = "inputs"
	// CacheInputsAndCode adds the handler name to the key.
	CacheInputsAndCode CacheStrategy = "inputs_and_code"
	// CacheInputsCodeAndConfig adds the node config to the key.
	CacheInputsCodeAndConfig CacheStrategy = "inputs_code_and_config"
)

const (
	// SeverityFatal terminates the branch; downstream one-success
	// aggregations see a hard failure.
	SeverityFatal Severity = "fatal"
	// SeverityRecoverable fails the node but lets siblings and
	// all-done aggregations proceed.
	SeverityRecoverable Severity = "recoverable"
	// SeverityTransient is retryable under the node's retry policy.
	SeverityTransient Severity = "transient"
)

// upstreamCondition reports whether t aggregates upstream terminations
// rather than inspecting a single source's outputs.
func (t ConditionType) upstreamCondition() bool {
	switch t {
	case CondUpstreamOneSuccess, CondUpstreamAllDone, CondUpstreamAllDoneOneSuccess:
		return true
	}
	return false
}

// Validate checks structural invariants: unique referenced node ids,
// existing edge endpoints, well-formed entry/exit, and namespace grammar.
func (g *Graph) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("graph: id is required")
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph %q: at least one node is required", g.ID)
	}
	for id, n := range g.Nodes {
		if n == nil {
			return fmt.Errorf("graph %q: node %q is nil", g.ID, id)
		}
		if n.ID == "" {
			n.ID = id
		}
		if n.ID != id {
			return fmt.Errorf("graph %q: node key %q does not match node id %q", g.ID, id, n.ID)
		}
		if err := n.validate(g.ID); err != nil {
			return err
		}
	}
	if g.Entry != "" {
		if n, ok := g.Nodes[g.Entry]; !ok {
			return fmt.Errorf("graph %q: entry %q does not exist", g.ID, g.Entry)
		} else if n.Type != NodeStart {
			return fmt.Errorf("graph %q: entry %q is not a start node", g.ID, g.Entry)
		}
	}
	if g.Exit != "" {
		if n, ok := g.Nodes[g.Exit]; !ok {
			return fmt.Errorf("graph %q: exit %q does not exist", g.ID, g.Exit)
		} else if n.Type != NodeEnd {
			return fmt.Errorf("graph %q: exit %q is not an end node", g.ID, g.Exit)
		}
	}
	for _, e := range g.Edges {
		if e == nil {
			return fmt.Errorf("graph %q: edge is nil", g.ID)
		}
		if _, ok := g.Nodes[e.From]; !ok {
			return fmt.Errorf("graph %q: edge references unknown node %q", g.ID, e.From)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return fmt.Errorf("graph %q: edge references unknown node %q", g.ID, e.To)
		}
		if e.Cond != nil {
			if err := e.Cond.validate(); err != nil {
				return fmt.Errorf("graph %q: edge %s->%s: %w", g.ID, e.From, e.To, err)
			}
		}
	}
	if err := g.validateUpstreamConditions(); err != nil {
		return err
	}
	if g.MaxIterations < 0 {
		return fmt.Errorf("graph %q: max_iterations must not be negative", g.ID)
	}
	return nil
}

func (n *Node) validate(graphID string) error {
	switch n.Type {
	case NodeStart, NodeEnd, NodeHandler, NodeRouter, NodeSubGraph, NodeMap:
	default:
		return fmt.Errorf("graph %q: node %q has unknown type %q", graphID, n.ID, n.Type)
	}
	if n.Type == NodeHandler && n.HandlerName == "" {
		return fmt.Errorf("graph %q: handler node %q needs a handler name", graphID, n.ID)
	}
	if n.Type == NodeSubGraph {
		if n.SubGraph == nil {
			return fmt.Errorf("graph %q: subgraph node %q has no sub_graph", graphID, n.ID)
		}
		if err := n.SubGraph.Validate(); err != nil {
			return fmt.Errorf("graph %q: subgraph node %q: %w", graphID, n.ID, err)
		}
	}
	if n.Type == NodeMap && n.RouterName == "" {
		return fmt.Errorf("graph %q: map node %q needs a router", graphID, n.ID)
	}
	if n.Namespace != "" {
		if err := ValidateNamespace(n.Namespace); err != nil {
			return fmt.Errorf("graph %q: node %q: %w", graphID, n.ID, err)
		}
	}
	if n.Produces != nil && len(n.Produces.Path) == 0 {
		return fmt.Errorf("graph %q: node %q: artifact key needs a path", graphID, n.ID)
	}
	if n.InputBuffer < 0 {
		return fmt.Errorf("graph %q: node %q: input_buffer must not be negative", graphID, n.ID)
	}
	if n.Cache != nil {
		switch n.Cache.Strategy {
		case CacheInputs, CacheInputsAndCode, CacheInputsCodeAndConfig:
		default:
			return fmt.Errorf("graph %q: node %q: unknown cache strategy %q", graphID, n.ID, n.Cache.Strategy)
		}
	}
	return nil
}

func (c *EdgeCondition) validate() error {
	switch c.Type {
	case CondFieldEquals:
		if c.Field == "" {
			return fmt.Errorf("field_equals condition needs a field")
		}
	case CondFieldExists:
		if c.Field == "" {
			return fmt.Errorf("field_exists condition needs a field")
		}
	case CondFieldPredicate:
		if c.Predicate == "" {
			return fmt.Errorf("field_predicate condition needs a predicate name")
		}
	case CondUpstreamOneSuccess, CondUpstreamAllDone, CondUpstreamAllDoneOneSuccess:
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

// validateUpstreamConditions enforces the all-or-none rule: a node's
// incoming edges either all share one upstream-aggregation type or carry
// none at all.
func (g *Graph) validateUpstreamConditions() error {
	incoming := make(map[string][]*Edge)
	for _, e := range g.Edges {
		incoming[e.To] = append(incoming[e.To], e)
	}
	for target, edges := range incoming {
		var seen ConditionType
		var upstream, plain int
		for _, e := range edges {
			if e.Cond != nil && e.Cond.Type.upstreamCondition() {
				upstream++
				if seen == "" {
					seen = e.Cond.Type
				} else if seen != e.Cond.Type {
					return fmt.Errorf("graph %q: node %q mixes upstream condition types %q and %q",
						g.ID, target, seen, e.Cond.Type)
				}
			} else {
				plain++
			}
		}
		if upstream > 0 && plain > 0 {
			return fmt.Errorf("graph %q: node %q mixes upstream and per-edge conditions", g.ID, target)
		}
	}
	return nil
}

const (
	maxNamespaceSegments = 10
	maxSegmentLength     = 50
)

// ValidateNamespace checks the dot-separated namespace grammar: 1 to 10
// segments, each starting and ending with an alphanumeric rune, at most 50
// runes, with no consecutive separator pairs (--, __, -_, _-).
func ValidateNamespace(ns string) error {
	segments := strings.Split(ns, ".")
	if len(segments) == 0 || len(segments) > maxNamespaceSegments {
		return fmt.Errorf("namespace %q: must have 1 to %d segments", ns, maxNamespaceSegments)
	}
	for _, seg := range segments {
		if err := validateSegment(seg); err != nil {
			return fmt.Errorf("namespace %q: %w", ns, err)
		}
	}
	return nil
}

func validateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("empty segment")
	}
	if len(seg) > maxSegmentLength {
		return fmt.Errorf("segment %q exceeds %d characters", seg, maxSegmentLength)
	}
	for i, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
			if i == 0 || i == len(seg)-1 {
				return fmt.Errorf("segment %q must start and end with an alphanumeric character", seg)
			}
			prev := seg[i-1]
			if prev == '-' || prev == '_' {
				return fmt.Errorf("segment %q contains consecutive separators", seg)
			}
		default:
			return fmt.Errorf("segment %q contains invalid character %q", seg, r)
		}
	}
	return nil
}
