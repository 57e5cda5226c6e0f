package gps

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aig787/agpm/internal/gitcache"
	agpmsource "github.com/aig787/agpm/internal/source"
	"github.com/aig787/agpm/internal/tmpl"
)

func TestGlobPrefix(t *testing.T) {
	cases := map[string]string{
		"agents/*.md":        "agents/",
		"snip/**/*.md":       "snip/",
		"*.md":               "",
		"a/b/c/*.md":         "a/b/c/",
	}
	for pattern, want := range cases {
		require.Equal(t, want, globPrefix(pattern), pattern)
	}
}

// newFixtureRepo creates a throwaway git repo with tagged commits used to
// drive an end-to-end resolver test, mirroring gitcache's own fixture
// helper.
func newFixtureRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=agpm-test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=agpm-test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	write := func(rel, content string) {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	run("init", "--initial-branch=main")

	write("agents/r.md", "---\ntitle: reviewer\n---\nbody\n")
	run("add", ".")
	run("commit", "-m", "v1")
	run("tag", "v1.0.0")

	return dir
}

func claudeCodeTools() map[string]ToolBinding {
	return map[string]ToolBinding{
		"claude-code": {
			ToolName: "claude-code",
			BaseDir:  ".claude",
			PerKind: map[ResourceKind]InstallMode{
				KindAgent:   FileMode("agents"),
				KindSnippet: FileMode("snippets"),
			},
		},
		"agpm": {
			ToolName: "agpm",
			BaseDir:  ".agpm",
			PerKind: map[ResourceKind]InstallMode{
				KindSnippet: FileMode("snippets"),
			},
		},
	}
}

func TestResolve_SimpleInstall(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	origin := newFixtureRepo(t)
	cache := gitcache.New(t.TempDir(), gitcache.Online, nil)
	idx := agpmsource.NewIndex(map[string]string{"community": origin}, nil)

	resolver := &Resolver{
		Cache:        cache,
		Sources:      idx,
		Engine:       tmpl.NewDefaultEngine(),
		Tools:        claudeCodeTools(),
		DefaultTools: map[ResourceKind]string{KindAgent: "claude-code", KindSnippet: "agpm"},
	}

	spec, err := Parse("v1.0.0")
	require.NoError(t, err)

	plan, err := resolver.Resolve(context.Background(), []Request{
		{Name: "reviewer", Kind: KindAgent, Source: "community", PathOrPattern: "agents/r.md", Spec: spec},
	})
	require.NoError(t, err)
	require.Len(t, plan.Graph.Nodes(), 1)

	node := plan.Graph.Nodes()[0]
	require.Equal(t, ".claude/agents/r.md", node.InstalledAt)
	require.Len(t, node.ResolvedCommit, 40)
	require.Len(t, plan.Layers, 1)
}

// newFixtureRepoAt is like newFixtureRepo but lets each case write its own
// files/tags, for scenarios that need more than the one default agent.
func newFixtureRepoAt(t *testing.T, writeContents func(write func(rel, content string), run func(args ...string))) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=agpm-test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=agpm-test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	write := func(rel, content string) {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	run("init", "--initial-branch=main")
	writeContents(write, run)
	return dir
}

func TestResolve_TransitiveAndVersionInheritance(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	origin := newFixtureRepoAt(t, func(write func(rel, content string), run func(args ...string)) {
		write("agents/a.md", "---\ntitle: a\ndependencies:\n  snippets:\n    - path: snip/u.md\n---\nbody\n")
		write("snip/u.md", "snippet body\n")
		run("add", ".")
		run("commit", "-m", "v2")
		run("tag", "v2.0.0")
	})

	cache := gitcache.New(t.TempDir(), gitcache.Online, nil)
	idx := agpmsource.NewIndex(map[string]string{"community": origin}, nil)

	resolver := &Resolver{
		Cache:        cache,
		Sources:      idx,
		Engine:       tmpl.NewDefaultEngine(),
		Tools:        claudeCodeTools(),
		DefaultTools: map[ResourceKind]string{KindAgent: "claude-code", KindSnippet: "agpm"},
	}

	spec, err := Parse("v2.0.0")
	require.NoError(t, err)

	plan, err := resolver.Resolve(context.Background(), []Request{
		{Name: "a", Kind: KindAgent, Source: "community", PathOrPattern: "agents/a.md", Spec: spec},
	})
	require.NoError(t, err)
	require.Len(t, plan.Graph.Nodes(), 2)

	var agentNode, snippetNode *ResolvedArtifact
	for _, n := range plan.Graph.Nodes() {
		switch n.Kind {
		case KindAgent:
			agentNode = n
		case KindSnippet:
			snippetNode = n
		}
	}
	require.NotNil(t, agentNode)
	require.NotNil(t, snippetNode)

	require.Equal(t, ".agpm/snippets/snip/u.md", snippetNode.InstalledAt)
	require.Equal(t, agentNode.ResolvedCommit, snippetNode.ResolvedCommit)

	found := false
	for _, layer := range plan.Layers {
		for _, k := range layer {
			if k == snippetNode.Key() {
				found = true
			}
		}
	}
	require.True(t, found)
}

func TestResolve_ConstraintUnification_Intersect(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	origin := newFixtureRepoAt(t, func(write func(rel, content string), run func(args ...string)) {
		write("snip/h.md", "h v1\n")
		run("add", ".")
		run("commit", "-m", "c1")
		run("tag", "1.0.0")

		write("snip/h.md", "h v1.2\n")
		run("add", ".")
		run("commit", "-m", "c2")
		run("tag", "1.2.0")

		write("snip/h.md", "h v1.5\n")
		run("add", ".")
		run("commit", "-m", "c3")
		run("tag", "1.5.0")

		write("snip/h.md", "h v2\n")
		run("add", ".")
		run("commit", "-m", "c4")
		run("tag", "2.0.0")
	})

	cache := gitcache.New(t.TempDir(), gitcache.Online, nil)
	idx := agpmsource.NewIndex(map[string]string{"community": origin}, nil)

	resolver := &Resolver{
		Cache:        cache,
		Sources:      idx,
		Engine:       tmpl.NewDefaultEngine(),
		Tools:        claudeCodeTools(),
		DefaultTools: map[ResourceKind]string{KindAgent: "claude-code", KindSnippet: "agpm"},
	}

	specA, err := Parse("^1.0.0")
	require.NoError(t, err)
	specB, err := Parse("^1.2.0")
	require.NoError(t, err)

	plan, err := resolver.Resolve(context.Background(), []Request{
		{Name: "a", Kind: KindSnippet, Source: "community", PathOrPattern: "snip/h.md", Spec: specA},
		{Name: "b", Kind: KindSnippet, Source: "community", PathOrPattern: "snip/h.md", Spec: specB},
	})
	require.NoError(t, err)
	require.Len(t, plan.Graph.Nodes(), 1)

	out, err := exec.Command("git", "-C", origin, "rev-parse", "1.5.0").Output()
	require.NoError(t, err)
	wantCommit := strings.TrimSpace(string(out))
	require.Equal(t, wantCommit, plan.Graph.Nodes()[0].ResolvedCommit)
}

func TestResolve_ConstraintUnification_Incompatible(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	origin := newFixtureRepoAt(t, func(write func(rel, content string), run func(args ...string)) {
		write("snip/h.md", "h v1\n")
		run("add", ".")
		run("commit", "-m", "c1")
		run("tag", "1.0.0")

		write("snip/h.md", "h v1.2\n")
		run("add", ".")
		run("commit", "-m", "c2")
		run("tag", "1.2.0")

		write("snip/h.md", "h v1.5\n")
		run("add", ".")
		run("commit", "-m", "c3")
		run("tag", "1.5.0")

		write("snip/h.md", "h v2\n")
		run("add", ".")
		run("commit", "-m", "c4")
		run("tag", "2.0.0")
	})

	cache := gitcache.New(t.TempDir(), gitcache.Online, nil)
	idx := agpmsource.NewIndex(map[string]string{"community": origin}, nil)

	resolver := &Resolver{
		Cache:        cache,
		Sources:      idx,
		Engine:       tmpl.NewDefaultEngine(),
		Tools:        claudeCodeTools(),
		DefaultTools: map[ResourceKind]string{KindAgent: "claude-code", KindSnippet: "agpm"},
	}

	specA, err := Parse("^1.0.0")
	require.NoError(t, err)
	specB, err := Parse("^2.0.0")
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), []Request{
		{Name: "a", Kind: KindSnippet, Source: "community", PathOrPattern: "snip/h.md", Spec: specA},
		{Name: "b", Kind: KindSnippet, Source: "community", PathOrPattern: "snip/h.md", Spec: specB},
	})
	require.Error(t, err)

	var incompat *IncompatibleVersions
	require.ErrorAs(t, err, &incompat)
}

func TestResolve_CycleDiscoveredThroughFrontmatter(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	origin := newFixtureRepoAt(t, func(write func(rel, content string), run func(args ...string)) {
		write("agents/a.md", "---\ntitle: a\ndependencies:\n  agents:\n    - path: agents/b.md\n---\na\n")
		write("agents/b.md", "---\ntitle: b\ndependencies:\n  agents:\n    - path: agents/c.md\n---\nb\n")
		write("agents/c.md", "---\ntitle: c\ndependencies:\n  agents:\n    - path: agents/a.md\n---\nc\n")
		run("add", ".")
		run("commit", "-m", "v1")
		run("tag", "v1.0.0")
	})

	cache := gitcache.New(t.TempDir(), gitcache.Online, nil)
	idx := agpmsource.NewIndex(map[string]string{"community": origin}, nil)

	resolver := &Resolver{
		Cache:        cache,
		Sources:      idx,
		Engine:       tmpl.NewDefaultEngine(),
		Tools:        claudeCodeTools(),
		DefaultTools: map[ResourceKind]string{KindAgent: "claude-code", KindSnippet: "agpm"},
	}

	spec, err := Parse("v1.0.0")
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), []Request{
		{Name: "a", Kind: KindAgent, Source: "community", PathOrPattern: "agents/a.md", Spec: spec},
	})
	require.Error(t, err)

	var cyc *CyclicDependency
	require.ErrorAs(t, err, &cyc)
	require.GreaterOrEqual(t, len(cyc.Path), 3)
}

func TestResolve_UnknownSource(t *testing.T) {
	cache := gitcache.New(t.TempDir(), gitcache.OfflineOnly, nil)
	idx := agpmsource.NewIndex(nil, nil)
	resolver := &Resolver{Cache: cache, Sources: idx, Engine: tmpl.NewDefaultEngine()}

	spec, err := Parse("v1.0.0")
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), []Request{
		{Name: "x", Kind: KindAgent, Source: "nope", PathOrPattern: "agents/x.md", Spec: spec},
	})
	require.Error(t, err)
}
