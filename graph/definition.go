package graph

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition structures mirror the YAML file format. Durations are
// human-readable strings ("30s", "5m") converted during assembly.
type (
	graphDef struct {
		ID            string              `yaml:"id"`
		Name          string              `yaml:"name"`
		Version       string              `yaml:"version"`
		Nodes         map[string]*nodeDef `yaml:"nodes"`
		Edges         []*edgeDef          `yaml:"edges"`
		Entry         string              `yaml:"entry"`
		Exit          string              `yaml:"exit"`
		MaxIterations int                 `yaml:"max_iterations"`
		Timeout       string              `yaml:"timeout"`
		Cloning       string              `yaml:"cloning"`
		Metadata      map[string]any      `yaml:"metadata"`
	}

	nodeDef struct {
		Type          string         `yaml:"type"`
		Handler       string         `yaml:"handler"`
		Config        map[string]any `yaml:"config"`
		Timeout       string         `yaml:"timeout"`
		Retry         *retryDef      `yaml:"retry"`
		MaxExecutions int            `yaml:"max_executions"`
		SubGraph      *graphDef      `yaml:"sub_graph"`
		Namespace     string         `yaml:"namespace"`
		Produces      *artifactDef   `yaml:"produces"`
		InputBuffer   int            `yaml:"input_buffer"`
		Cache         *cacheDef      `yaml:"cache"`
		Router        string         `yaml:"router"`
		ItemsKey      string         `yaml:"items_key"`
	}

	edgeDef struct {
		From      string        `yaml:"from"`
		To        string        `yaml:"to"`
		FromPort  string        `yaml:"from_port"`
		ToPort    string        `yaml:"to_port"`
		Priority  int           `yaml:"priority"`
		Condition *conditionDef `yaml:"condition"`
		Cloning   string        `yaml:"cloning"`
	}

	conditionDef struct {
		Type      string `yaml:"type"`
		Field     string `yaml:"field"`
		Value     any    `yaml:"value"`
		Predicate string `yaml:"predicate"`
	}

	retryDef struct {
		MaxAttempts int    `yaml:"max_attempts"`
		BaseDelay   string `yaml:"base_delay"`
		MaxDelay    string `yaml:"max_delay"`
	}

	artifactDef struct {
		Path      []string `yaml:"path"`
		Partition string   `yaml:"partition"`
	}

	cacheDef struct {
		Strategy string `yaml:"strategy"`
		TTL      string `yaml:"ttl"`
	}
)

// LoadDefinition reads a YAML graph definition and returns the validated
// graph.
func LoadDefinition(r io.Reader) (*Graph, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("graph: read definition: %w", err)
	}
	return ParseDefinition(raw)
}

// ParseDefinition decodes a YAML graph definition and returns the
// validated graph.
func ParseDefinition(raw []byte) (*Graph, error) {
	var def graphDef
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("graph: decode definition: %w", err)
	}
	g, err := def.assemble()
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (d *graphDef) assemble() (*Graph, error) {
	timeout, err := parseDuration(d.Timeout, "graph timeout")
	if err != nil {
		return nil, err
	}
	g := &Graph{
		ID:            d.ID,
		Name:          d.Name,
		Version:       d.Version,
		Nodes:         make(map[string]*Node, len(d.Nodes)),
		Entry:         d.Entry,
		Exit:          d.Exit,
		MaxIterations: d.MaxIterations,
		Timeout:       timeout,
		Cloning:       CloningPolicy(d.Cloning),
		Metadata:      d.Metadata,
	}
	for id, nd := range d.Nodes {
		node, err := nd.assemble(id)
		if err != nil {
			return nil, err
		}
		g.Nodes[id] = node
	}
	for _, ed := range d.Edges {
		edge := &Edge{
			From:     ed.From,
			To:       ed.To,
			FromPort: ed.FromPort,
			ToPort:   ed.ToPort,
			Priority: ed.Priority,
			Cloning:  CloningPolicy(ed.Cloning),
		}
		if ed.Condition != nil {
			edge.Cond = &EdgeCondition{
				Type:      ConditionType(ed.Condition.Type),
				Field:     ed.Condition.Field,
				Value:     ed.Condition.Value,
				Predicate: ed.Condition.Predicate,
			}
		}
		g.Edges = append(g.Edges, edge)
	}
	return g, nil
}

func (d *nodeDef) assemble(id string) (*Node, error) {
	timeout, err := parseDuration(d.Timeout, fmt.Sprintf("node %q timeout", id))
	if err != nil {
		return nil, err
	}
	n := &Node{
		ID:            id,
		Type:          NodeType(d.Type),
		HandlerName:   d.Handler,
		Config:        d.Config,
		Timeout:       timeout,
		MaxExecutions: d.MaxExecutions,
		Namespace:     d.Namespace,
		InputBuffer:   d.InputBuffer,
		RouterName:    d.Router,
		ItemsKey:      d.ItemsKey,
	}
	if d.Retry != nil {
		base, err := parseDuration(d.Retry.BaseDelay, fmt.Sprintf("node %q retry base_delay", id))
		if err != nil {
			return nil, err
		}
		maxDelay, err := parseDuration(d.Retry.MaxDelay, fmt.Sprintf("node %q retry max_delay", id))
		if err != nil {
			return nil, err
		}
		n.Retry = &RetryPolicy{MaxAttempts: d.Retry.MaxAttempts, BaseDelay: base, MaxDelay: maxDelay}
	}
	if d.Produces != nil {
		n.Produces = &ArtifactKey{Path: d.Produces.Path, Partition: d.Produces.Partition}
	}
	if d.Cache != nil {
		ttl, err := parseDuration(d.Cache.TTL, fmt.Sprintf("node %q cache ttl", id))
		if err != nil {
			return nil, err
		}
		n.Cache = &CachePolicy{Strategy: CacheStrategy(d.Cache.Strategy), TTL: ttl}
	}
	if d.SubGraph != nil {
		sub, err := d.SubGraph.assemble()
		if err != nil {
			return nil, err
		}
		n.SubGraph = sub
	}
	return n, nil
}

func parseDuration(s, what string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("graph: %s: %w", what, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("graph: %s must not be negative", what)
	}
	return d, nil
}
