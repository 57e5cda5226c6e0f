// Package gitcache implements the content-addressed Git cache (component
// C2): one bare clone per source URL under a configured cache root, and
// per-commit worktrees shared across concurrent consumers. It wraps
// github.com/Masterminds/vcs for cloning and fetching, the same library
// golang-dep's vcs_repo.go wraps; commit lookup, tag listing and
// worktree creation shell out to git directly (see worktree.go).
package gitcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	vcslib "github.com/Masterminds/vcs"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/agpmerr"
	"github.com/aig787/agpm/internal/diagnostics"
)

// Mode governs whether ensure_bare is allowed to reach the network.
type Mode int

const (
	// Online fetches when the bare clone is absent or stale.
	Online Mode = iota
	// NoFetch uses an existing bare clone without fetching, but still
	// allows an initial clone if one doesn't exist yet.
	NoFetch
	// OfflineOnly forbids any network operation; ensure_bare fails with
	// agpmerr.Offline if no bare clone already exists locally.
	OfflineOnly
)

// slugger turns a URL into a filesystem-safe, collision-resistant
// directory name. Modeled on golang-dep's source_manager.go sanitizer.
var slugger = strings.NewReplacer("://", "-", ":", "-", "/", "-", "@", "-", "+", "-")

func slug(url string) string {
	return slugger.Replace(url)
}

// BareHandle is a reference to a maintained bare clone of one source URL.
type BareHandle struct {
	URL string
	Dir string
}

// WorktreeHandle is a reference-counted handle to a Git worktree pinned
// to one commit. Release must be called when the caller is done reading
// from it; the worktree is pruned once the last reference drops (but
// only between runs — see Cache.Prune).
type WorktreeHandle struct {
	Commit string
	Dir    string

	cache *Cache
	key   string
}

// Release decrements the worktree's reference count.
func (w *WorktreeHandle) Release() {
	w.cache.releaseWorktree(w.key)
}

type worktreeEntry struct {
	dir      string
	refcount int
	mu       sync.Mutex // serialises creation of this one worktree
}

// Cache is the root of the content-addressed Git cache. One Cache is
// shared by every task in a single installer run.
type Cache struct {
	root string
	mode Mode
	log  *diagnostics.Logger

	baresMu sync.Mutex
	bares   map[string]*bareEntry

	fetchedMu sync.Mutex
	fetched   map[string]bool // per-run "fetched at most once" memo

	worktreesMu sync.Mutex
	worktrees   map[string]*worktreeEntry
}

type bareEntry struct {
	mu     sync.Mutex // serialises fetch operations for this URL
	handle *BareHandle
	repo   vcslib.Repo
}

// New returns a Cache rooted at root, which must already exist or be
// creatable. mode governs network access for the lifetime of this Cache.
func New(root string, mode Mode, log *diagnostics.Logger) *Cache {
	if log == nil {
		log = diagnostics.New(nil)
	}
	return &Cache{
		root:      root,
		mode:      mode,
		log:       log,
		bares:     make(map[string]*bareEntry),
		fetched:   make(map[string]bool),
		worktrees: make(map[string]*worktreeEntry),
	}
}

// EnsureBare creates the bare clone for url if absent, or fetches it
// otherwise (at most once per Cache per url, regardless of how many
// callers ask). Fetch failures are retried with bounded exponential
// backoff (three attempts) before surfacing as GitFetchFailed.
func (c *Cache) EnsureBare(ctx context.Context, url string) (*BareHandle, error) {
	c.baresMu.Lock()
	be, exists := c.bares[url]
	if !exists {
		be = &bareEntry{}
		c.bares[url] = be
	}
	c.baresMu.Unlock()

	be.mu.Lock()
	defer be.mu.Unlock()

	dir := filepath.Join(c.root, slug(url), "repo.git")

	if be.handle == nil {
		if _, err := os.Stat(dir); err != nil {
			if c.mode == OfflineOnly {
				return nil, errors.WithStack(&agpmerr.Offline{URL: url})
			}
			if err := c.cloneBareWithRetry(ctx, url, dir); err != nil {
				return nil, err
			}
		}
		repo, err := vcslib.NewRepo(url, dir)
		if err != nil {
			return nil, errors.Wrapf(err, "opening bare clone for %s", url)
		}
		be.handle = &BareHandle{URL: url, Dir: dir}
		be.repo = repo
	}

	if c.mode == Online && !c.alreadyFetchedThisRun(url) {
		if err := c.fetchWithRetry(ctx, be.repo, url); err != nil {
			return nil, err
		}
		c.markFetched(url)
	}

	return be.handle, nil
}

func (c *Cache) alreadyFetchedThisRun(url string) bool {
	c.fetchedMu.Lock()
	defer c.fetchedMu.Unlock()
	return c.fetched[url]
}

func (c *Cache) markFetched(url string) {
	c.fetchedMu.Lock()
	defer c.fetchedMu.Unlock()
	c.fetched[url] = true
}

func (c *Cache) cloneBareWithRetry(ctx context.Context, url, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return errors.Wrapf(err, "creating cache directory for %s", url)
	}

	// Clone into a staging directory first so a failed or interrupted
	// clone never leaves a half-populated bare repo at its final path
	// for a concurrent EnsureBare call on another URL to trip over.
	staging := newStagingDir(filepath.Dir(dir))
	defer os.RemoveAll(staging)

	repo, err := vcslib.NewRepo(url, staging)
	if err != nil {
		return errors.Wrapf(err, "preparing bare clone for %s", url)
	}

	if err := c.withRetry(ctx, func() error { return repo.Get() }, url, "clone"); err != nil {
		return err
	}

	if err := os.Rename(staging, dir); err != nil {
		return errors.Wrapf(err, "installing bare clone for %s", url)
	}
	return nil
}

func (c *Cache) fetchWithRetry(ctx context.Context, repo vcslib.Repo, url string) error {
	return c.withRetry(ctx, func() error { return repo.Update() }, url, "fetch")
}

// withRetry performs op up to three times with bounded exponential
// backoff (waits of 250ms, then 500ms, between attempts), matching spec.md §4.2's "three attempts"
// before surfacing a GitFetchFailed.
func (c *Cache) withRetry(ctx context.Context, op func() error, url, verb string) error {
	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 1; attempt <= 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		c.log.Warnf("%s %s failed (attempt %d/3): %v", verb, redactURL(url), attempt, lastErr)
		if attempt < 3 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	return errors.WithStack(&GitFetchFailed{URL: redactURL(url), Cause: lastErr})
}

// GitFetchFailed is raised when EnsureBare's retries are exhausted.
type GitFetchFailed struct {
	URL   string
	Cause error
}

func (e *GitFetchFailed) Error() string {
	return fmt.Sprintf("git fetch failed for %s: %v", e.URL, e.Cause)
}

func (e *GitFetchFailed) ErrorKind() agpmerr.Kind { return agpmerr.KindGitFetchFailed }
func (e *GitFetchFailed) Unwrap() error           { return e.Cause }

// GitRefNotFound is raised when ResolveRef cannot find the named ref.
type GitRefNotFound struct {
	URL string
	Ref string
}

func (e *GitRefNotFound) Error() string {
	return fmt.Sprintf("ref %q not found in %s", e.Ref, e.URL)
}

func (e *GitRefNotFound) ErrorKind() agpmerr.Kind { return agpmerr.KindGitRefNotFound }

// redactURL masks embedded userinfo before a URL reaches a log line.
func redactURL(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at > 0 && scheme > 0 && at > scheme {
		return url[:scheme+3] + "***@" + url[at+1:]
	}
	return url
}

// newStagingDir returns a fresh, collision-free temp directory name under
// the cache root, used for clone staging so a failed clone never leaves
// a half-populated bare repo at its final path.
func newStagingDir(root string) string {
	return filepath.Join(root, ".staging-"+uuid.NewString())
}
