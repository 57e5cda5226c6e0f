package gps

import (
	"context"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/gitcache"
	"github.com/aig787/agpm/internal/source"
	"github.com/aig787/agpm/internal/tmpl"
)

// Request is one dependency request fed to the resolver: either a root
// request seeded directly from the manifest (Phase R1), or a transitive
// one discovered from a resource's own metadata (Phase R4).
type Request struct {
	Name             string
	Kind             ResourceKind
	Source           string
	PathOrPattern    string
	IsPattern        bool
	Spec             VersionSpec
	ToolOverride     string
	TargetOverride   string
	FilenameOverride string

	// ParentKey is nil for a root request. Non-nil requests inherit their
	// parent's source unconditionally (invariant 2) and, absent their own
	// selector, the parent's Spec (version inheritance, Phase R4).
	ParentKey *NodeKey
	// ParentTool is the tool name the parent artifact installed under,
	// consulted for tool inheritance (Phase R4) when ToolOverride is empty.
	ParentTool string
}

// Plan is the resolver's output: the full dependency graph plus the
// layered install order Phase R7/R8 computed over it.
type Plan struct {
	Graph  *DependencyGraph
	Layers Layers
}

// Resolver drives Phases R1–R8. It is the sole consumer of gitcache,
// source, and tmpl from within the gps package; manifest.Manifest is
// never imported here (manifest already imports gps for ResourceKind/
// Dependency, so the reverse import would cycle) — callers translate a
// parsed Manifest into []Request and the maps below before calling
// Resolve.
type Resolver struct {
	Cache   *gitcache.Cache
	Sources *source.Index
	Engine  tmpl.Engine

	Tools           map[string]ToolBinding
	DefaultTools    map[ResourceKind]string
	TargetOverrides map[ResourceKind]string // spec.md §9's [target] layer
	ProjectContext  map[string]interface{}
}

// pendingArtifact carries the bookkeeping a node needs across the
// fixed-point loop in addition to what ResolvedArtifact itself records.
type pendingArtifact struct {
	spec VersionSpec
	key  *NodeKey // nil until the identity has resolved to a node at least once
}

func (p *pendingArtifact) nodeKey() (NodeKey, bool) {
	if p == nil || p.key == nil {
		return NodeKey{}, false
	}
	return *p.key, true
}

// identKey names a dependency independent of any resolved commit: the
// identity Phase R5 unifies constraints over, before a commit is ever
// chosen for it.
type identKey struct {
	Source string
	Kind   ResourceKind
	Path   string // source-relative path once expanded; req.PathOrPattern before expansion for non-patterns
}

// Resolve runs Phases R1 through R8 over the given root requests and
// returns the resulting Plan, or the first tagged error encountered.
//
// Unification (Phase R5) happens per identKey, ahead of the node that
// identity currently resolves to: a new constraint on an already-known
// identity is combined with the one recorded for it via Unify, and only
// when that changes the chosen commit does the existing node get
// replaced and rediscovered. Per spec.md §9's note on the fixed-point
// loop, this is bounded by the finite tag set, not a cycle in the graph.
// This implementation invalidates the identity's own node and re-runs
// discovery from it; it does not recursively tear down and re-verify
// descendants already unified independently under their own identities,
// which keeps the fixed point simple at the cost of not re-checking
// already-settled descendants purely because an ancestor's commit moved
// (noted in DESIGN.md).
func (r *Resolver) Resolve(ctx context.Context, requests []Request) (*Plan, error) {
	graph := NewDependencyGraph()
	idents := make(map[identKey]*pendingArtifact)
	deps := make(map[string]interface{}) // agpm.deps, grown monotonically as nodes are discovered

	queue := append([]Request(nil), requests...)
	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src, err := r.Sources.For(req.Source)
		if err != nil {
			return nil, err
		}

		bare, err := r.Cache.EnsureBare(ctx, src.Origin)
		if err != nil {
			return nil, err
		}

		commit, err := r.pinCommit(bare, req.Spec)
		if err != nil {
			return nil, err
		}

		wt, err := r.Cache.Worktree(ctx, bare, commit)
		if err != nil {
			return nil, err
		}
		matches, err := r.expand(wt.Dir, req)
		if err != nil {
			wt.Release()
			return nil, err
		}

		for _, m := range matches {
			ik := identKey{Source: req.Source, Kind: req.Kind, Path: m.sourceRel}

			prior, known := idents[ik]
			spec := req.Spec
			if known {
				var candidateTags []string
				if prior.spec.NeedsTagListing() || req.Spec.NeedsTagListing() {
					candidateTags, err = r.Cache.ListTags(bare)
					if err != nil {
						wt.Release()
						return nil, err
					}
				}
				unified, err := Unify(prior.spec, req.Spec, candidateTags)
				if err != nil {
					var incompat *IncompatibleVersions
					if errors.As(err, &incompat) {
						incompat.Kind = string(req.Kind)
						incompat.Path = m.sourceRel
					}
					wt.Release()
					return nil, err
				}
				spec = unified
			}

			resolvedCommit := commit
			if known && spec.Raw() != prior.spec.Raw() {
				// The unified constraint may pin a different commit than
				// either side alone did (e.g. intersecting two ranges
				// selects a third tag). Re-pin under the unified spec.
				resolvedCommit, err = r.pinCommit(bare, spec)
				if err != nil {
					wt.Release()
					return nil, err
				}
			}

			key := NodeKey{Source: req.Source, Kind: req.Kind, RelativePath: m.sourceRel, ResolvedCommit: resolvedCommit}
			oldKey, hadNode := prior.nodeKey()

			rediscover := !known || (hadNode && oldKey != key)
			if hadNode && oldKey != key {
				graph.Remove(oldKey)
			}

			if rediscover {
				mm := m
				if resolvedCommit != commit {
					// The re-pinned commit differs from this request's own
					// pin; re-expand against the correct worktree so bytes
					// are read from the right place.
					wt2, err := r.Cache.Worktree(ctx, bare, resolvedCommit)
					if err != nil {
						wt.Release()
						return nil, err
					}
					rematches, err := r.expand(wt2.Dir, req)
					wt2.Release()
					if err != nil {
						wt.Release()
						return nil, err
					}
					for _, cand := range rematches {
						if cand.sourceRel == m.sourceRel {
							mm = cand
							break
						}
					}
				}

				node := &ResolvedArtifact{
					Name:             req.Name,
					Kind:             req.Kind,
					Source:           req.Source,
					ResolvedCommit:   resolvedCommit,
					RelativePath:     mm.sourceRel,
					InstallRelPath:   mm.relPath,
					RequestedVersion: spec.Raw(),
					Files:            mm.files,
					Tool:             req.ToolOverride,
					TargetOverride:   req.TargetOverride,
					FilenameOverride: req.FilenameOverride,
				}
				if req.ParentKey != nil {
					node.TransitiveOf = req.ParentKey.RelativePath
				}
				graph.Upsert(node)
				idents[ik] = &pendingArtifact{spec: spec, key: &key}
			} else {
				idents[ik].spec = spec
			}

			if req.ParentKey != nil {
				graph.AddEdge(*req.ParentKey, key)
			}

			node, _ := graph.Node(key)
			deps[node.Name] = map[string]interface{}{
				"install_path":    node.InstalledAt,
				"resolved_commit": node.ResolvedCommit,
			}

			if rediscover {
				childWt := wt
				if resolvedCommit != commit {
					childWt, err = r.Cache.Worktree(ctx, bare, resolvedCommit)
					if err != nil {
						wt.Release()
						return nil, err
					}
				}
				children, err := r.discoverChildren(childWt.Dir, node, req, deps)
				if resolvedCommit != commit {
					childWt.Release()
				}
				if err != nil {
					wt.Release()
					return nil, err
				}
				queue = append(queue, children...)
			}
		}
		wt.Release()
	}

	if cyc := graph.DetectCycle(); cyc != nil {
		return nil, errors.WithStack(cyc)
	}

	layers := graph.Toposort()

	if err := r.assignInstallLocations(graph); err != nil {
		return nil, err
	}
	if err := graph.CheckInstallLocations(); err != nil {
		return nil, err
	}

	return &Plan{Graph: graph, Layers: layers}, nil
}

// pinCommit implements Phase R2: resolve req's version spec against the
// bare clone to a concrete commit SHA.
func (r *Resolver) pinCommit(bare *gitcache.BareHandle, spec VersionSpec) (string, error) {
	switch {
	case spec.IsSHA():
		return spec.Raw(), nil
	case spec.IsBranch():
		return r.Cache.ResolveRef(bare, spec.Raw())
	default:
		tags, err := r.Cache.ListTags(bare)
		if err != nil {
			return "", err
		}
		tag, err := spec.Select(tags)
		if err != nil {
			return "", err
		}
		return r.Cache.ResolveRef(bare, tag)
	}
}

// matched is one concrete artifact produced by expanding a (possibly
// pattern) request against a worktree (Phase R3).
type matched struct {
	relPath  string   // path within the worktree, as matched/flattened
	sourceRel string  // original path within the worktree (pre-flatten), used to read bytes
	files    []string // populated for KindSkill: every file under the matched directory
}

// flattenKinds are the kinds Phase R3 flattens to basename; every other
// kind preserves the relative subtree under the pattern's first
// non-glob path segment.
var flattenKinds = map[ResourceKind]bool{KindAgent: true, KindCommand: true}

// expand implements Phase R3: a non-pattern request resolves to exactly
// one artifact at its literal path; a pattern request is expanded via
// doublestar glob semantics against the worktree's file tree.
func (r *Resolver) expand(worktreeDir string, req Request) ([]matched, error) {
	if !req.IsPattern {
		if req.Kind == KindSkill {
			files, err := listFiles(worktreeDir, req.PathOrPattern)
			if err != nil {
				return nil, err
			}
			return []matched{{relPath: req.PathOrPattern, sourceRel: req.PathOrPattern, files: files}}, nil
		}
		rel := req.PathOrPattern
		if flattenKinds[req.Kind] {
			rel = path.Base(rel)
		}
		return []matched{{relPath: rel, sourceRel: req.PathOrPattern}}, nil
	}

	fsys := os.DirFS(worktreeDir)
	hits, err := doublestar.Glob(fsys, req.PathOrPattern)
	if err != nil {
		return nil, errors.Wrapf(err, "expanding pattern %q", req.PathOrPattern)
	}
	sort.Strings(hits)

	prefix := globPrefix(req.PathOrPattern)
	var out []matched
	for _, hit := range hits {
		rel := hit
		if !flattenKinds[req.Kind] {
			rel = strings.TrimPrefix(hit, prefix)
		} else {
			rel = path.Base(hit)
		}

		m := matched{relPath: rel, sourceRel: hit}
		if req.Kind == KindSkill {
			files, err := listFiles(worktreeDir, hit)
			if err != nil {
				return nil, err
			}
			m.files = files
		}
		out = append(out, m)
	}
	return out, nil
}

// globPrefix returns the portion of pattern up to (not including) its
// first path segment containing a glob metacharacter.
func globPrefix(pattern string) string {
	segments := strings.Split(pattern, "/")
	var kept []string
	for _, s := range segments {
		if strings.ContainsAny(s, "*?[") {
			break
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, "/") + "/"
}

func listFiles(worktreeDir, relDir string) ([]string, error) {
	var files []string
	root := path.Join(worktreeDir, relDir)
	err := filepathWalk(root, func(relPath string) {
		files = append(files, relPath)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing skill files under %q", relDir)
	}
	sort.Strings(files)
	return files, nil
}

func filepathWalk(root string, visit func(relPath string)) error {
	return fs.WalkDir(os.DirFS(path.Dir(root)), path.Base(root), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			visit(p)
		}
		return nil
	})
}

// discoverChildren implements Phase R4 for one freshly (re)discovered
// node: read its metadata, template-expand each declared dependency
// path, and build the child Requests inheriting source/version/tool per
// the rules in spec.md §4.7.
func (r *Resolver) discoverChildren(worktreeDir string, node *ResolvedArtifact, req Request, deps map[string]interface{}) ([]Request, error) {
	var decls []DepDecl
	pathTemplating := true

	if node.Kind == KindSkill {
		d, err := SkillDependencies(node.Files, func(rel string) ([]byte, error) {
			return os.ReadFile(path.Join(worktreeDir, rel))
		})
		if err != nil {
			return nil, err
		}
		decls = d
	} else {
		data, err := os.ReadFile(path.Join(worktreeDir, node.RelativePath))
		if err != nil {
			// The artifact's own bytes are read again by the installer;
			// a transient read failure here simply yields no transitive
			// edges rather than failing resolution outright, matching
			// C5's "never error" leniency for metadata extraction.
			return nil, nil
		}
		pathTemplating = !PathTemplatingDisabled(data)
		decls = ExtractDependencies(node.Kind, node.RelativePath, data)
	}

	key := node.Key()
	tool := req.ToolOverride
	if tool == "" {
		tool = req.ParentTool
	}

	var children []Request
	for _, d := range decls {
		var err error
		expandedPath := d.Path
		if pathTemplating {
			expandedPath, err = r.Engine.ExpandPath(d.Path, tmpl.Context{Project: r.ProjectContext, Deps: deps})
			if err != nil {
				return nil, err
			}
		}

		spec := req.Spec // version inheritance: default to the parent's spec
		if d.Version != "" {
			spec, err = Parse(d.Version)
			if err != nil {
				return nil, err
			}
		}

		childTool := d.Tool
		if childTool == "" {
			childTool = tool
		}
		if childTool != "" {
			if binding, ok := r.Tools[childTool]; !ok || !binding.Supports(d.Kind) {
				childTool = r.DefaultTools[d.Kind]
			}
		} else {
			childTool = r.DefaultTools[d.Kind]
		}

		parentKey := key
		children = append(children, Request{
			Name:          path.Base(expandedPath),
			Kind:          d.Kind,
			Source:        req.Source, // invariant 2: transitive deps inherit the parent's source
			PathOrPattern: expandedPath,
			IsPattern:     strings.ContainsAny(expandedPath, "*?["),
			Spec:          spec,
			ToolOverride:  childTool,
			ParentKey:     &parentKey,
			ParentTool:    childTool,
		})
	}
	return children, nil
}

// assignInstallLocations implements Phase R8: compute installed_at for
// every node from (tool, kind, subdir, name, filename_override,
// target_override), honouring the precedence spec.md §9 settles on for
// the [target] layer: tool default -> [target] override -> per-
// dependency target_override.
func (r *Resolver) assignInstallLocations(graph *DependencyGraph) error {
	for _, node := range graph.Nodes() {
		toolName := node.Tool
		if toolName == "" {
			toolName = r.DefaultTools[node.Kind]
		}
		binding, ok := r.Tools[toolName]
		if !ok {
			return errors.Errorf("resolved node %q: tool %q has no binding", node.Name, toolName)
		}
		mode, ok := binding.PerKind[node.Kind]
		if !ok {
			return errors.Errorf("resolved node %q: tool %q does not support kind %q", node.Name, toolName, node.Kind)
		}

		node.Mode = mode.Kind
		switch mode.Kind {
		case ModeMerge:
			// Merge-target paths in the manifest are already
			// project-relative (spec.md §6's install-path table), so
			// they are used as-is rather than joined under BaseDir.
			node.InstalledAt = mode.TargetFile
			node.MergeEntryKey = node.Name
		case ModeFile:
			subdir := mode.Subdir
			if override, ok := r.TargetOverrides[node.Kind]; ok {
				subdir = override
			}
			if node.TargetOverride != "" {
				subdir = node.TargetOverride
			}

			switch {
			case node.Kind == KindSkill:
				node.InstalledAt = path.Join(binding.BaseDir, subdir, node.Name) + "/"
			case flattenKinds[node.Kind]:
				filename := node.InstallRelPath
				if node.FilenameOverride != "" {
					filename = node.FilenameOverride
				}
				node.InstalledAt = path.Join(binding.BaseDir, subdir, filename)
			default:
				rel := node.InstallRelPath
				if node.FilenameOverride != "" {
					rel = path.Join(path.Dir(rel), node.FilenameOverride)
				}
				node.InstalledAt = path.Join(binding.BaseDir, subdir, rel)
			}
		}
	}
	return nil
}
