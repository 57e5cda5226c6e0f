package lockfile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aig787/agpm/internal/gps"
)

func buildGraph(t *testing.T, commit string) *gps.DependencyGraph {
	t.Helper()
	g := gps.NewDependencyGraph()
	g.Upsert(&gps.ResolvedArtifact{
		Name:             "reviewer",
		Kind:             gps.KindAgent,
		Source:           "community",
		ResolvedCommit:   commit,
		RelativePath:     "agents/r.md",
		InstalledAt:      ".claude/agents/r.md",
		Checksum:         "deadbeef",
		RequestedVersion: "v1.0.0",
	})
	return g
}

func TestBuild_RoundTrip(t *testing.T) {
	g := buildGraph(t, "abc123")
	lock := Build(g, map[string]string{"community": "git://example.com/community"})

	require.Len(t, lock.Agents, 1)
	require.Equal(t, "reviewer", lock.Agents[0].Name)
	require.Len(t, lock.Sources, 1)
	require.Equal(t, "abc123", lock.Sources[0].Refs["v1.0.0"])

	data, err := Marshal(lock)
	require.NoError(t, err)

	parsed, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, lock.Agents, parsed.Agents)
	require.Equal(t, lock.Sources, parsed.Sources)
}

func TestCheckFrozen_Unchanged(t *testing.T) {
	g := buildGraph(t, "abc123")
	origins := map[string]string{"community": "git://example.com/community"}
	lock := Build(g, origins)

	err := CheckFrozen(lock, g, origins)
	require.NoError(t, err)
}

func TestCheckFrozen_VersionChanged(t *testing.T) {
	g := buildGraph(t, "abc123")
	origins := map[string]string{"community": "git://example.com/community"}
	lock := Build(g, origins)

	newGraph := gps.NewDependencyGraph()
	newGraph.Upsert(&gps.ResolvedArtifact{
		Name:             "reviewer",
		Kind:             gps.KindAgent,
		Source:           "community",
		ResolvedCommit:   "def456",
		RelativePath:     "agents/r.md",
		InstalledAt:      ".claude/agents/r.md",
		Checksum:         "cafebabe",
		RequestedVersion: "v1.1.0",
	})

	err := CheckFrozen(lock, newGraph, origins)
	require.Error(t, err)
	var stale *LockfileStale
	require.ErrorAs(t, err, &stale)
	require.NotEmpty(t, stale.Reasons)
}

func TestCheckFrozen_ChecksumChanged(t *testing.T) {
	g := buildGraph(t, "abc123")
	origins := map[string]string{"community": "git://example.com/community"}
	lock := Build(g, origins)

	newGraph := gps.NewDependencyGraph()
	newGraph.Upsert(&gps.ResolvedArtifact{
		Name:             "reviewer",
		Kind:             gps.KindAgent,
		Source:           "community",
		ResolvedCommit:   "abc123",
		RelativePath:     "agents/r.md",
		InstalledAt:      ".claude/agents/r.md",
		Checksum:         "newchecksum",
		RequestedVersion: "v1.0.0",
	})

	err := CheckFrozen(lock, newGraph, origins)
	require.Error(t, err)
	var stale *LockfileStale
	require.ErrorAs(t, err, &stale)
	require.Contains(t, stale.Reasons[0], "checksum mismatch")
}

func TestCheckFrozen_SourceOriginChanged(t *testing.T) {
	g := buildGraph(t, "abc123")
	origins := map[string]string{"community": "git://example.com/community"}
	lock := Build(g, origins)

	err := CheckFrozen(lock, g, map[string]string{"community": "git://example.com/fork"})
	require.Error(t, err)
}
