package gps

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aig787/agpm/internal/agpmerr"
)

// edgeKey identifies a directed "A requires B" edge by the keys of its
// endpoints.
type edgeKey struct {
	from, to NodeKey
}

// DependencyGraph is the directed, acyclic graph of ResolvedArtifacts
// built by the resolver (C7). Node identity is NodeKey; edges are
// "A requires B". See spec.md §3 for the five graph invariants this type
// is responsible for preserving: acyclicity, intra-source edges,
// dedup, constraint-consistency (enforced by the solver, not the graph
// itself), and tool-consistency (ditto).
type DependencyGraph struct {
	nodes map[NodeKey]*ResolvedArtifact
	order []NodeKey // insertion order, used only for deterministic iteration of ties
	edges map[edgeKey]struct{}
	out   map[NodeKey][]NodeKey
	in    map[NodeKey][]NodeKey
}

// NewDependencyGraph returns an empty graph ready for incremental
// construction during resolver phases R1–R5.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[NodeKey]*ResolvedArtifact),
		edges: make(map[edgeKey]struct{}),
		out:   make(map[NodeKey][]NodeKey),
		in:    make(map[NodeKey][]NodeKey),
	}
}

// Node returns the node at key, if any.
func (g *DependencyGraph) Node(key NodeKey) (*ResolvedArtifact, bool) {
	n, ok := g.nodes[key]
	return n, ok
}

// Nodes returns every node, in insertion order.
func (g *DependencyGraph) Nodes() []*ResolvedArtifact {
	out := make([]*ResolvedArtifact, 0, len(g.order))
	for _, k := range g.order {
		out = append(out, g.nodes[k])
	}
	return out
}

// Upsert inserts a node if its key is new, or replaces it in place if the
// key already exists. The key includes the resolved commit, so when
// Phase R5 re-pins an identity to a different commit the old node is
// dropped with Remove and the re-pinned one is inserted here as new.
func (g *DependencyGraph) Upsert(a *ResolvedArtifact) {
	key := a.Key()
	if _, exists := g.nodes[key]; !exists {
		g.order = append(g.order, key)
	}
	g.nodes[key] = a
}

// Remove deletes a node and every edge touching it. Used when Phase R5's
// fixed-point loop re-pins an identity to a different commit and its
// previous node must go.
func (g *DependencyGraph) Remove(key NodeKey) {
	delete(g.nodes, key)
	for _, child := range g.out[key] {
		delete(g.edges, edgeKey{from: key, to: child})
		g.in[child] = removeKey(g.in[child], key)
	}
	for _, parent := range g.in[key] {
		delete(g.edges, edgeKey{from: parent, to: key})
		g.out[parent] = removeKey(g.out[parent], key)
	}
	delete(g.out, key)
	delete(g.in, key)
	for i, k := range g.order {
		if k == key {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func removeKey(ks []NodeKey, target NodeKey) []NodeKey {
	out := ks[:0]
	for _, k := range ks {
		if k != target {
			out = append(out, k)
		}
	}
	return out
}

// AddEdge records "from requires to". It is the caller's responsibility
// (Phase R4) to have already verified the intra-source invariant before
// calling this — AddEdge itself only records graph shape.
func (g *DependencyGraph) AddEdge(from, to NodeKey) {
	ek := edgeKey{from: from, to: to}
	if _, exists := g.edges[ek]; exists {
		return
	}
	g.edges[ek] = struct{}{}
	g.out[from] = append(g.out[from], to)
	g.in[to] = append(g.in[to], from)
}

// HasEdge reports whether an edge from→to has been recorded.
func (g *DependencyGraph) HasEdge(from, to NodeKey) bool {
	_, ok := g.edges[edgeKey{from: from, to: to}]
	return ok
}

// CyclicDependency is raised when the graph contains a cycle; Path
// names the full cycle, starting and ending on the same node.
type CyclicDependency struct {
	Path []string
}

func (e *CyclicDependency) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Path, " -> "))
}

func (e *CyclicDependency) ErrorKind() agpmerr.Kind { return agpmerr.KindCyclicDependency }

// DetectCycle performs a depth-first search for a cycle (Phase R6). It
// returns the first cycle found, as a *CyclicDependency, or nil if the
// graph is acyclic. Node visitation order is the graph's insertion
// order, so the error is deterministic across runs with the same input.
func (g *DependencyGraph) DetectCycle() *CyclicDependency {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[NodeKey]int, len(g.nodes))
	var stack []NodeKey

	var visit func(n NodeKey) *CyclicDependency
	visit = func(n NodeKey) *CyclicDependency {
		color[n] = gray
		stack = append(stack, n)

		children := append([]NodeKey(nil), g.out[n]...)
		sort.Slice(children, func(i, j int) bool { return children[i].String() < children[j].String() })

		for _, c := range children {
			switch color[c] {
			case white:
				if cyc := visit(c); cyc != nil {
					return cyc
				}
			case gray:
				// Found the back edge; extract the cycle portion of stack.
				idx := 0
				for i, s := range stack {
					if s == c {
						idx = i
						break
					}
				}
				path := make([]string, 0, len(stack)-idx+1)
				for _, s := range stack[idx:] {
					path = append(path, nodeLabel(g, s))
				}
				path = append(path, nodeLabel(g, c))
				return &CyclicDependency{Path: path}
			}
		}

		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range g.order {
		if color[n] == white {
			if cyc := visit(n); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

func nodeLabel(g *DependencyGraph, k NodeKey) string {
	if n, ok := g.nodes[k]; ok && n.Name != "" {
		return n.Name
	}
	return string(k.RelativePath)
}

// Layers is the result of Phase R7's topological sort: layers[0] has no
// unresolved predecessors, layers[1] depends only on layers[0], etc.
// Nodes within a layer are mutually independent and may install in any
// order or concurrently.
type Layers [][]NodeKey

// Toposort runs Kahn's algorithm over the graph with a deterministic
// tie-break on node key string, producing the layered plan Phase R8
// consumes. The caller must have already run DetectCycle (a cyclic graph
// makes Toposort's result meaningless, though it will still terminate).
func (g *DependencyGraph) Toposort() Layers {
	indegree := make(map[NodeKey]int, len(g.nodes))
	for _, k := range g.order {
		indegree[k] = len(g.out[k]) // dependencies not yet placed in a layer
	}

	var layers Layers
	remaining := len(g.nodes)
	seen := make(map[NodeKey]bool, len(g.nodes))

	for remaining > 0 {
		var frontier []NodeKey
		for _, k := range g.order {
			if seen[k] {
				continue
			}
			if indegree[k] == 0 {
				frontier = append(frontier, k)
			}
		}
		if len(frontier) == 0 {
			// Only reachable if the graph has a cycle that DetectCycle
			// was not called to catch; stop rather than loop forever.
			break
		}
		sort.Slice(frontier, func(i, j int) bool { return frontier[i].String() < frontier[j].String() })

		for _, k := range frontier {
			seen[k] = true
			remaining--
			for _, parent := range g.in[k] {
				indegree[parent]--
			}
		}
		layers = append(layers, frontier)
	}

	return layers
}

// DuplicateInstallLocation is raised when Phase R8 assigns the same
// installed_at path to two different nodes.
type DuplicateInstallLocation struct {
	Path string
	A, B string
}

func (e *DuplicateInstallLocation) Error() string {
	return fmt.Sprintf("duplicate install location %q: claimed by both %s and %s", e.Path, e.A, e.B)
}

func (e *DuplicateInstallLocation) ErrorKind() agpmerr.Kind {
	return agpmerr.KindDuplicateInstallLocation
}

// CheckInstallLocations verifies invariant: no two nodes may share an
// InstalledAt path. Called at the end of Phase R8.
func (g *DependencyGraph) CheckInstallLocations() error {
	seen := make(map[string]string, len(g.nodes))
	for _, k := range g.order {
		n := g.nodes[k]
		if n.Mode == ModeMerge {
			// Merge targets are deliberately shared by many artifacts;
			// MergeEntryKey uniqueness is checked by the merge writer (C10),
			// not here.
			continue
		}
		if prev, exists := seen[n.InstalledAt]; exists {
			return &DuplicateInstallLocation{Path: n.InstalledAt, A: prev, B: n.Name}
		}
		seen[n.InstalledAt] = n.Name
	}
	return nil
}

// DOT renders the graph as a deterministic Graphviz document. This is a
// read-only diagnostic with no effect on resolution; it exists so an
// out-of-scope CLI can offer a "why"/graph-explain view without the
// resolver needing to expose its internals.
func (g *DependencyGraph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph agpm {\n")

	keys := append([]NodeKey(nil), g.order...)
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		fmt.Fprintf(&b, "  %q;\n", nodeLabel(g, k))
	}

	var edgeLines []string
	for ek := range g.edges {
		edgeLines = append(edgeLines, fmt.Sprintf("  %q -> %q;", nodeLabel(g, ek.from), nodeLabel(g, ek.to)))
	}
	sort.Strings(edgeLines)
	for _, line := range edgeLines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("}\n")
	return b.String()
}
