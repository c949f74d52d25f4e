package graph

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineYAML = `
id: research
name: Research Pipeline
version: "2"
entry: start
exit: end
max_iterations: 3
timeout: 5m
cloning: never
nodes:
  start:
    type: start
  fetch:
    type: handler
    handler: fetch_pages
    timeout: 30s
    retry:
      max_attempts: 3
      base_delay: 100ms
      max_delay: 2s
    namespace: research.web
    produces:
      path: [pages]
      partition: raw
    cache:
      strategy: inputs_and_code
      ttl: 10m
  summarize:
    type: subgraph
    sub_graph:
      id: summarizer
      entry: start
      exit: end
      nodes:
        start:
          type: start
        condense:
          type: handler
          handler: condense
        end:
          type: end
      edges:
        - {from: start, to: condense}
        - {from: condense, to: end}
  fan:
    type: map
    router: page_router
    input_buffer: 4
    items_key: pages
  end:
    type: end
edges:
  - {from: start, to: fetch}
  - from: fetch
    to: summarize
    condition:
      type: field_exists
      field: pages
  - {from: summarize, to: fan}
  - {from: fan, to: end}
  - from: summarize
    to: fetch
    condition:
      type: field_equals
      field: needs_more
      value: true
`

func TestParseDefinition(t *testing.T) {
	g, err := ParseDefinition([]byte(pipelineYAML))
	require.NoError(t, err)

	assert.Equal(t, "research", g.ID)
	assert.Equal(t, "Research Pipeline", g.Name)
	assert.Equal(t, 3, g.MaxIterations)
	assert.Equal(t, 5*time.Minute, g.Timeout)
	assert.Equal(t, CloneNever, g.Cloning)

	fetch := g.Nodes["fetch"]
	require.NotNil(t, fetch)
	assert.Equal(t, NodeHandler, fetch.Type)
	assert.Equal(t, "fetch_pages", fetch.HandlerName)
	assert.Equal(t, 30*time.Second, fetch.Timeout)
	require.NotNil(t, fetch.Retry)
	assert.Equal(t, 3, fetch.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, fetch.Retry.BaseDelay)
	assert.Equal(t, 2*time.Second, fetch.Retry.MaxDelay)
	assert.Equal(t, "research.web", fetch.Namespace)
	require.NotNil(t, fetch.Produces)
	assert.Equal(t, []string{"pages"}, fetch.Produces.Path)
	assert.Equal(t, "raw", fetch.Produces.Partition)
	require.NotNil(t, fetch.Cache)
	assert.Equal(t, CacheInputsAndCode, fetch.Cache.Strategy)
	assert.Equal(t, 10*time.Minute, fetch.Cache.TTL)

	sub := g.Nodes["summarize"]
	require.NotNil(t, sub)
	assert.Equal(t, NodeSubGraph, sub.Type)
	require.NotNil(t, sub.SubGraph)
	assert.Equal(t, "summarizer", sub.SubGraph.ID)
	assert.Equal(t, "condense", sub.SubGraph.Nodes["condense"].HandlerName)

	fan := g.Nodes["fan"]
	require.NotNil(t, fan)
	assert.Equal(t, NodeMap, fan.Type)
	assert.Equal(t, "page_router", fan.RouterName)
	assert.Equal(t, 4, fan.InputBuffer)
	assert.Equal(t, "pages", fan.ItemsKey)

	var cond *EdgeCondition
	for _, e := range g.Edges {
		if e.From == "summarize" && e.To == "fetch" {
			cond = e.Cond
		}
	}
	require.NotNil(t, cond)
	assert.Equal(t, CondFieldEquals, cond.Type)
	assert.Equal(t, "needs_more", cond.Field)
	assert.Equal(t, true, cond.Value)
}

func TestParseDefinitionCompiles(t *testing.T) {
	g, err := ParseDefinition([]byte(pipelineYAML))
	require.NoError(t, err)

	c, err := Compile(g)
	require.NoError(t, err)

	// summarize -> fetch jumps backwards and is classified as a back-edge.
	require.Len(t, c.BackEdges, 1)
	assert.Equal(t, "summarize", c.BackEdges[0].Edge.From)
	assert.Equal(t, "fetch", c.BackEdges[0].Edge.To)
}

func TestLoadDefinition(t *testing.T) {
	g, err := LoadDefinition(strings.NewReader(pipelineYAML))
	require.NoError(t, err)
	assert.Equal(t, "research", g.ID)
}

func TestParseDefinitionErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "malformed yaml",
			yaml: "id: [unterminated",
			want: "decode definition",
		},
		{
			name: "bad duration",
			yaml: `
id: g
entry: start
nodes:
  start: {type: start}
  a: {type: handler, handler: h, timeout: soon}
edges:
  - {from: start, to: a}
`,
			want: `node "a" timeout`,
		},
		{
			name: "negative duration",
			yaml: `
id: g
timeout: -5s
entry: start
nodes:
  start: {type: start}
  a: {type: handler, handler: h}
edges:
  - {from: start, to: a}
`,
			want: "must not be negative",
		},
		{
			name: "fails validation",
			yaml: `
id: g
entry: start
nodes:
  start: {type: start}
  a: {type: handler}
edges:
  - {from: start, to: a}
`,
			want: "handler",
		},
		{
			name: "unknown node type",
			yaml: `
id: g
nodes:
  a: {type: teleport, handler: h}
`,
			want: "type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
