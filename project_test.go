package agpm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func gitFixture(t *testing.T) (dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir = t.TempDir()
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
	write("agents/reviewer.md", "---\ntitle: reviewer\n---\nYou are a reviewer.\n")
	run("add", ".")
	run("commit", "-m", "v1")
	run("tag", "v1.0.0")
	return dir
}

func writeProject(t *testing.T, origin string) string {
	t.Helper()
	projectDir := t.TempDir()
	manifestPath := filepath.Join(projectDir, "agpm.toml")
	contents := fmt.Sprintf(`[sources]
community = %q

[agents]
reviewer = { source = "community", path = "agents/reviewer.md", version = "v1.0.0" }
`, origin)
	require.NoError(t, os.WriteFile(manifestPath, []byte(contents), 0o644))
	return projectDir
}

func TestLoadProject_ManifestOnly(t *testing.T) {
	origin := gitFixture(t)
	projectDir := writeProject(t, origin)

	p, err := LoadProject(projectDir)
	require.NoError(t, err)
	require.NotNil(t, p.Manifest)
	require.Nil(t, p.Private)
	require.Nil(t, p.Lock)
}

func TestEnsure_InstallsAndWritesLockfile(t *testing.T) {
	origin := gitFixture(t)
	projectDir := writeProject(t, origin)

	p, err := LoadProject(projectDir)
	require.NoError(t, err)

	plan, err := p.Ensure(context.Background(), EnsureOptions{
		CacheRoot: filepath.Join(projectDir, ".agpm-cache"),
	})
	require.NoError(t, err)
	require.NotNil(t, plan)

	installed, err := os.ReadFile(filepath.Join(projectDir, ".claude", "agents", "reviewer.md"))
	require.NoError(t, err)
	require.Contains(t, string(installed), "You are a reviewer.")

	lockData, err := os.ReadFile(p.LockPath())
	require.NoError(t, err)
	require.Contains(t, string(lockData), "reviewer")
	require.NotNil(t, p.Lock)
}

func TestEnsure_FrozenSucceedsWhenUnchanged(t *testing.T) {
	origin := gitFixture(t)
	projectDir := writeProject(t, origin)

	p, err := LoadProject(projectDir)
	require.NoError(t, err)
	cacheRoot := filepath.Join(projectDir, ".agpm-cache")

	_, err = p.Ensure(context.Background(), EnsureOptions{CacheRoot: cacheRoot})
	require.NoError(t, err)

	reloaded, err := LoadProject(projectDir)
	require.NoError(t, err)
	_, err = reloaded.Ensure(context.Background(), EnsureOptions{CacheRoot: cacheRoot, Frozen: true})
	require.NoError(t, err)
}

func TestEnsure_FrozenRejectsNewDependency(t *testing.T) {
	origin := gitFixture(t)
	projectDir := writeProject(t, origin)
	cacheRoot := filepath.Join(projectDir, ".agpm-cache")

	p, err := LoadProject(projectDir)
	require.NoError(t, err)
	_, err = p.Ensure(context.Background(), EnsureOptions{CacheRoot: cacheRoot})
	require.NoError(t, err)

	manifestPath := filepath.Join(projectDir, "agpm.toml")
	extra := fmt.Sprintf(`[sources]
community = %q

[agents]
reviewer = { source = "community", path = "agents/reviewer.md", version = "v1.0.0" }
other = { source = "community", path = "agents/reviewer.md", version = "v1.0.0" }
`, origin)
	require.NoError(t, os.WriteFile(manifestPath, []byte(extra), 0o644))

	reloaded, err := LoadProject(projectDir)
	require.NoError(t, err)
	_, err = reloaded.Ensure(context.Background(), EnsureOptions{CacheRoot: cacheRoot, Frozen: true})
	require.Error(t, err)
}
