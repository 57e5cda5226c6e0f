package gitcache

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/agpmerr"
)

// GitWorktreeFailed is raised when worktree creation fails outright
// (e.g. the commit does not exist in the bare clone).
type GitWorktreeFailed struct {
	URL    string
	Commit string
	Cause  error
}

func (e *GitWorktreeFailed) Error() string {
	return fmt.Sprintf("worktree creation failed for %s@%s: %v", e.URL, e.Commit, e.Cause)
}

func (e *GitWorktreeFailed) ErrorKind() agpmerr.Kind { return agpmerr.KindGitWorktreeFailed }
func (e *GitWorktreeFailed) Unwrap() error           { return e.Cause }

// ResolveRef resolves a tag, branch, or SHA prefix against bare's clone
// to a full commit SHA.
func (c *Cache) ResolveRef(bare *BareHandle, ref string) (string, error) {
	out, err := runGit(bare.Dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", errors.WithStack(&GitRefNotFound{URL: bare.URL, Ref: ref})
	}
	return firstLine(out), nil
}

// ListTags lists every tag in bare's clone.
func (c *Cache) ListTags(bare *BareHandle) ([]string, error) {
	out, err := runGit(bare.Dir, "tag", "--list")
	if err != nil {
		return nil, errors.Wrapf(err, "listing tags for %s", bare.URL)
	}
	return splitNonEmptyLines(out), nil
}

// Worktree returns a handle to a Git worktree pinned at commit, attached
// to bare's clone in detached-HEAD state, creating it if absent.
// Concurrent callers requesting the same (url, commit) share one handle;
// creation itself is serialised by a per-(url, commit) mutex so Git is
// never invoked twice for the same worktree.
func (c *Cache) Worktree(ctx context.Context, bare *BareHandle, commit string) (*WorktreeHandle, error) {
	key := bare.URL + "@" + commit

	c.worktreesMu.Lock()
	entry, exists := c.worktrees[key]
	if !exists {
		entry = &worktreeEntry{dir: filepath.Join(filepath.Dir(bare.Dir), "wt", shortSHA(commit))}
		c.worktrees[key] = entry
	}
	c.worktreesMu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, err := os.Stat(entry.dir); err != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(entry.dir), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating worktree parent for %s", key)
		}
		if _, err := runGit(bare.Dir, "worktree", "add", "--detach", entry.dir, commit); err != nil {
			return nil, errors.WithStack(&GitWorktreeFailed{URL: bare.URL, Commit: commit, Cause: err})
		}
	}

	c.worktreesMu.Lock()
	entry.refcount++
	c.worktreesMu.Unlock()

	return &WorktreeHandle{Commit: commit, Dir: entry.dir, cache: c, key: key}, nil
}

func (c *Cache) releaseWorktree(key string) {
	c.worktreesMu.Lock()
	defer c.worktreesMu.Unlock()
	if entry, ok := c.worktrees[key]; ok {
		entry.refcount--
	}
}

// Prune removes every worktree whose reference count has dropped to
// zero. It is never called mid-resolution; it is the collaborator the
// out-of-scope "cache" subcommand uses between runs.
func (c *Cache) Prune() error {
	c.worktreesMu.Lock()
	defer c.worktreesMu.Unlock()

	for key, entry := range c.worktrees {
		if entry.refcount > 0 {
			continue
		}
		if err := os.RemoveAll(entry.dir); err != nil {
			return errors.Wrapf(err, "pruning worktree %s", key)
		}
		delete(c.worktrees, key)
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "git %v: %s", args, out)
	}
	return string(out), nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' || r == '\r' {
			return s[:i]
		}
	}
	return s
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				line := s[start:i]
				if line != "" {
					out = append(out, line)
				}
			}
			start = i + 1
		}
	}
	return out
}
