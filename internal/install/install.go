// Package install implements the parallel installer (component C8): a
// bounded-concurrency scheduler that drives the resolved graph
// layer-by-layer, reading worktree bytes, templating and patching them,
// computing canonical checksums, and writing the result into the
// project, per spec.md §4.8.
package install

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"runtime"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/aig787/agpm/internal/atomicfile"
	"github.com/aig787/agpm/internal/gitcache"
	"github.com/aig787/agpm/internal/gps"
	"github.com/aig787/agpm/internal/manifest"
	"github.com/aig787/agpm/internal/mergewriter"
	"github.com/aig787/agpm/internal/patch"
	"github.com/aig787/agpm/internal/source"
	"github.com/aig787/agpm/internal/tmpl"
)

// Installer drives Phase-C8 execution of an already-resolved gps.Plan.
type Installer struct {
	Cache   *gitcache.Cache
	Sources *source.Index
	Engine  tmpl.Engine

	ProjectContext map[string]interface{}
	Manifest       *manifest.Manifest
	Private        *manifest.PrivateOverlay

	// Concurrency caps in-flight tasks per layer; zero selects
	// max(10, 2*NumCPU) per spec.md §4.8.
	Concurrency int
}

func (in *Installer) concurrency() int64 {
	if in.Concurrency > 0 {
		return int64(in.Concurrency)
	}
	n := 2 * runtime.NumCPU()
	if n < 10 {
		n = 10
	}
	return int64(n)
}

// NodeFailure pairs one task's error with the node it was installing, so
// the aggregate can be surfaced in deterministic (kind, name) order.
type NodeFailure struct {
	Kind gps.ResourceKind
	Name string
	Err  error
}

// AggregateError collects every task failure from one layer (or run).
type AggregateError struct {
	Failures []NodeFailure
}

func (a *AggregateError) Error() string {
	var b bytes.Buffer
	for i, f := range a.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %q: %v", f.Kind, f.Name, f.Err)
	}
	return b.String()
}

// Run executes every layer of plan.Graph/plan.Layers in order. Within a
// layer, tasks run with bounded concurrency; a failing task stops new
// tasks in that layer from launching (already-started tasks are
// awaited), and every layer's errors are aggregated and sorted by
// (kind, name) before being returned. deps accumulates agpm.deps entries
// across the whole run so later layers can read earlier ones' installed
// metadata (spec.md §5).
func (in *Installer) Run(ctx context.Context, plan *gps.Plan) error {
	deps := make(map[string]interface{})
	var depsMu sync.Mutex

	for _, layer := range plan.Layers {
		layerCtx, cancel := context.WithCancel(ctx)
		sem := semaphore.NewWeighted(in.concurrency())

		var wg sync.WaitGroup
		var failMu sync.Mutex
		var failures []NodeFailure

		var mergeMu sync.Mutex
		var mergeEntries []mergewriter.Entry

		for _, key := range layer {
			node, _ := plan.Graph.Node(key)

			if err := sem.Acquire(layerCtx, 1); err != nil {
				break // layer was cancelled by an earlier failure
			}
			wg.Add(1)
			go func(node *gps.ResolvedArtifact) {
				defer wg.Done()
				defer sem.Release(1)

				if layerCtx.Err() != nil {
					return
				}

				entries, err := in.installOne(layerCtx, node, snapshot(&depsMu, deps))
				if err != nil {
					failMu.Lock()
					failures = append(failures, NodeFailure{Kind: node.Kind, Name: node.Name, Err: err})
					failMu.Unlock()
					cancel()
					return
				}

				if len(entries) > 0 {
					mergeMu.Lock()
					mergeEntries = append(mergeEntries, entries...)
					mergeMu.Unlock()
				}

				depsMu.Lock()
				deps[node.Name] = map[string]interface{}{
					"install_path":    node.InstalledAt,
					"resolved_commit": node.ResolvedCommit,
					"checksum":        node.Checksum,
				}
				depsMu.Unlock()
			}(node)
		}
		wg.Wait()
		cancel()

		if len(failures) > 0 {
			sort.Slice(failures, func(i, j int) bool {
				if failures[i].Kind != failures[j].Kind {
					return failures[i].Kind < failures[j].Kind
				}
				return failures[i].Name < failures[j].Name
			})
			return errors.WithStack(&AggregateError{Failures: failures})
		}

		// All merge-target entries queued by this layer execute in one
		// critical section per target now that the layer has drained
		// (spec.md §5's merge-target serialisation rule).
		if len(mergeEntries) > 0 {
			if err := mergewriter.Write(mergeEntries); err != nil {
				return err
			}
		}
	}
	return nil
}

func snapshot(mu *sync.Mutex, deps map[string]interface{}) map[string]interface{} {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]interface{}, len(deps))
	for k, v := range deps {
		out[k] = v
	}
	return out
}

// installOne runs steps 1-4 of spec.md §4.8 for one node, mutating its
// Checksum/AppliedPatchFields in place and returning any merge-writer
// entries it produced (for ModeMerge nodes; nil for ModeFile).
func (in *Installer) installOne(ctx context.Context, node *gps.ResolvedArtifact, deps map[string]interface{}) ([]mergewriter.Entry, error) {
	src, err := in.Sources.For(node.Source)
	if err != nil {
		return nil, err
	}
	bare, err := in.Cache.EnsureBare(ctx, src.Origin)
	if err != nil {
		return nil, err
	}
	wt, err := in.Cache.Worktree(ctx, bare, node.ResolvedCommit)
	if err != nil {
		return nil, err
	}
	defer wt.Release()

	tmplCtx := tmpl.Context{Project: in.ProjectContext, Deps: deps}
	reader := func(relPath string) ([]byte, error) {
		return os.ReadFile(path.Join(wt.Dir, relPath))
	}

	if node.Kind == gps.KindSkill {
		return nil, in.installSkill(wt.Dir, node, tmplCtx, reader)
	}

	data, err := os.ReadFile(path.Join(wt.Dir, node.RelativePath))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", node.RelativePath)
	}

	data, err = in.templateAndPatch(node, data, tmplCtx, reader)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	node.Checksum = hex.EncodeToString(sum[:])

	if node.Mode == gps.ModeMerge {
		var value interface{}
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, errors.Wrapf(err, "parsing %s as JSON for merge", node.RelativePath)
		}
		return []mergewriter.Entry{{TargetFile: node.InstalledAt, Kind: node.Kind, EntryKey: node.MergeEntryKey, Value: value}}, nil
	}

	return nil, in.writeFile(node.InstalledAt, data)
}

// templateAndPatch applies opt-in content templating (if the resource's
// frontmatter requests it) and then the merged patch layers, in that
// order: patches overwrite fields regardless of what templating produced
// for them.
func (in *Installer) templateAndPatch(node *gps.ResolvedArtifact, data []byte, tmplCtx tmpl.Context, reader tmpl.ContentReader) ([]byte, error) {
	if gps.TemplatingEnabled(data) {
		rendered, err := in.Engine.ExpandContent(string(data), tmplCtx, reader)
		if err != nil {
			return nil, err
		}
		data = []byte(rendered)
	}

	fields, appliedFields, err := in.patchFields(node)
	if err != nil {
		return nil, err
	}
	node.AppliedPatchFields = appliedFields

	return patch.Apply(node.RelativePath, data, fields)
}

func (in *Installer) patchFields(node *gps.ResolvedArtifact) (map[string]interface{}, []string, error) {
	var project, private map[string]interface{}
	if in.Manifest != nil {
		project, _ = in.Manifest.ProjectPatch(node.Kind, node.Name)
	}
	if in.Private != nil {
		private, _ = in.Private.Fields(node.Kind, node.Name)
	}
	if len(project) == 0 && len(private) == 0 {
		return nil, nil, nil
	}
	return patch.Merge(node.Kind, node.Name, project, private)
}

// writeFile performs the atomic write-to-temp-then-rename for one File
// artifact, skipping the write (but not the checksum already computed
// by the caller) when the destination already holds identical bytes.
func (in *Installer) writeFile(dest string, data []byte) error {
	if atomicfile.SameBytes(dest, data) {
		return nil
	}
	return atomicfile.Write(dest, data, 0o644)
}

// installSkill reads every file in a skill directory, applies templating
// and patching only to SKILL.md, writes the whole tree under
// node.InstalledAt, and computes the directory-manifest checksum
// described in SPEC_FULL.md's checksum note.
func (in *Installer) installSkill(worktreeDir string, node *gps.ResolvedArtifact, tmplCtx tmpl.Context, reader tmpl.ContentReader) error {
	base := path.Join(worktreeDir, path.Dir(node.RelativePath))
	skillPrefix := path.Base(node.RelativePath) + "/"

	sums := make(map[string]string, len(node.Files))
	for _, f := range node.Files {
		data, err := os.ReadFile(path.Join(base, f))
		if err != nil {
			return errors.Wrapf(err, "reading skill file %s", f)
		}

		rel := f
		if len(f) >= len(skillPrefix) && f[:len(skillPrefix)] == skillPrefix {
			rel = f[len(skillPrefix):]
		}

		if path.Base(rel) == "SKILL.md" {
			data, err = in.templateAndPatch(node, data, tmplCtx, reader)
			if err != nil {
				return err
			}
		}

		sum := sha256.Sum256(data)
		sums[rel] = hex.EncodeToString(sum[:])

		if err := in.writeFile(path.Join(node.InstalledAt, rel), data); err != nil {
			return err
		}
	}

	node.Checksum = checksumManifest(sums)
	return nil
}

// checksumManifest hashes a sorted (relpath, sha256) listing so that
// adding, removing, or renaming a file inside a skill directory always
// changes the top-level checksum.
func checksumManifest(sums map[string]string) string {
	rels := make([]string, 0, len(sums))
	for rel := range sums {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	var b bytes.Buffer
	for _, rel := range rels {
		fmt.Fprintf(&b, "%s %s\n", rel, sums[rel])
	}
	sum := sha256.Sum256(b.Bytes())
	return hex.EncodeToString(sum[:])
}
