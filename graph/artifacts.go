package graph

import (
	"fmt"
	"sort"
	"strings"
)

type (
	// ArtifactKey identifies a typed output a node declares to produce.
	// Path segments are qualified by the producing node's accumulated
	// namespace when indexed.
	ArtifactKey struct {
		Path      []string
		Partition string
	}

	// ArtifactIndex maps qualified artifact keys to the node ids that
	// produce them across a graph tree, including nested sub-graphs and
	// map processor graphs. Lookup is O(1).
	ArtifactIndex struct {
		producers map[string][]string
	}
)

// String renders the key as its canonical form: slash-joined path with an
// optional "@partition" suffix.
func (k ArtifactKey) String() string {
	s := strings.Join(k.Path, "/")
	if k.Partition != "" {
		s += "@" + k.Partition
	}
	return s
}

// Qualified returns the key prefixed with the accumulated namespace
// segments.
func (k ArtifactKey) Qualified(namespace []string) ArtifactKey {
	if len(namespace) == 0 {
		return k
	}
	path := make([]string, 0, len(namespace)+len(k.Path))
	path = append(path, namespace...)
	path = append(path, k.Path...)
	return ArtifactKey{Path: path, Partition: k.Partition}
}

// BuildArtifactIndex walks the graph tree and records every declared
// artifact under its namespace-qualified key. It rejects nodes declaring
// keys under namespaces that fail the grammar (caught by Validate, checked
// again here for graphs assembled programmatically).
func BuildArtifactIndex(g *Graph) (*ArtifactIndex, error) {
	idx := &ArtifactIndex{producers: make(map[string][]string)}
	if err := idx.walk(g, nil); err != nil {
		return nil, err
	}
	for _, ids := range idx.producers {
		sort.Strings(ids)
	}
	return idx, nil
}

func (idx *ArtifactIndex) walk(g *Graph, namespace []string) error {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := g.Nodes[id]
		scope := namespace
		if n.Namespace != "" {
			if err := ValidateNamespace(n.Namespace); err != nil {
				return fmt.Errorf("node %q: %w", n.ID, err)
			}
			scope = append(append([]string(nil), namespace...), strings.Split(n.Namespace, ".")...)
			if len(scope) > maxNamespaceSegments {
				return fmt.Errorf("node %q: accumulated namespace exceeds %d segments", n.ID, maxNamespaceSegments)
			}
		}
		if n.Produces != nil {
			key := n.Produces.Qualified(scope).String()
			idx.producers[key] = append(idx.producers[key], n.ID)
		}
		if n.SubGraph != nil {
			if err := idx.walk(n.SubGraph, scope); err != nil {
				return err
			}
		}
	}
	return nil
}

// Producers returns the exact set of node ids declaring the given
// qualified key, sorted. The slice is shared; callers must not mutate it.
func (idx *ArtifactIndex) Producers(key ArtifactKey) []string {
	return idx.producers[key.String()]
}

// Keys lists all indexed qualified keys, sorted.
func (idx *ArtifactIndex) Keys() []string {
	keys := make([]string, 0, len(idx.producers))
	for k := range idx.producers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
