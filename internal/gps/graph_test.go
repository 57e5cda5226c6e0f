package gps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(name string) *ResolvedArtifact {
	return &ResolvedArtifact{
		Name:           name,
		Kind:           KindAgent,
		Source:         "community",
		ResolvedCommit: "c1",
		RelativePath:   name + ".md",
		InstalledAt:    ".claude/agents/" + name + ".md",
	}
}

func TestDependencyGraph_AcyclicToposort(t *testing.T) {
	g := NewDependencyGraph()
	a, b, c := node("a"), node("b"), node("c")
	g.Upsert(a)
	g.Upsert(b)
	g.Upsert(c)
	g.AddEdge(a.Key(), b.Key())
	g.AddEdge(b.Key(), c.Key())

	require.Nil(t, g.DetectCycle())

	layers := g.Toposort()
	require.Len(t, layers, 3)
	assert.Equal(t, c.Key(), layers[0][0])
	assert.Equal(t, b.Key(), layers[1][0])
	assert.Equal(t, a.Key(), layers[2][0])
}

func TestDependencyGraph_DetectsCycle(t *testing.T) {
	g := NewDependencyGraph()
	a, b, c := node("a"), node("b"), node("c")
	g.Upsert(a)
	g.Upsert(b)
	g.Upsert(c)
	g.AddEdge(a.Key(), b.Key())
	g.AddEdge(b.Key(), c.Key())
	g.AddEdge(c.Key(), a.Key())

	cyc := g.DetectCycle()
	require.NotNil(t, cyc)
	assert.Contains(t, cyc.Error(), "a")
	assert.Contains(t, cyc.Error(), "b")
	assert.Contains(t, cyc.Error(), "c")
}

func TestDependencyGraph_DuplicateInstallLocation(t *testing.T) {
	g := NewDependencyGraph()
	a := node("a")
	b := node("b")
	b.InstalledAt = a.InstalledAt

	g.Upsert(a)
	g.Upsert(b)

	err := g.CheckInstallLocations()
	require.Error(t, err)

	var dup *DuplicateInstallLocation
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, a.InstalledAt, dup.Path)
}

func TestDependencyGraph_UpsertReplacesInPlace(t *testing.T) {
	g := NewDependencyGraph()
	a := node("a")
	g.Upsert(a)

	replacement := node("a")
	replacement.ResolvedCommit = "c1" // same key
	replacement.Checksum = "deadbeef"
	g.Upsert(replacement)

	got, ok := g.Node(a.Key())
	require.True(t, ok)
	assert.Equal(t, "deadbeef", got.Checksum)
	assert.Len(t, g.Nodes(), 1)
}

func TestDependencyGraph_RemoveClearsEdges(t *testing.T) {
	g := NewDependencyGraph()
	a, b := node("a"), node("b")
	g.Upsert(a)
	g.Upsert(b)
	g.AddEdge(a.Key(), b.Key())

	g.Remove(b.Key())

	assert.False(t, g.HasEdge(a.Key(), b.Key()))
	_, ok := g.Node(b.Key())
	assert.False(t, ok)
}
