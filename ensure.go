package agpm

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/atomicfile"
	"github.com/aig787/agpm/internal/diagnostics"
	"github.com/aig787/agpm/internal/gitcache"
	"github.com/aig787/agpm/internal/gps"
	"github.com/aig787/agpm/internal/install"
	"github.com/aig787/agpm/internal/lockfile"
	"github.com/aig787/agpm/internal/manifest"
	"github.com/aig787/agpm/internal/mergewriter"
	"github.com/aig787/agpm/internal/source"
	"github.com/aig787/agpm/internal/tmpl"
)

// EnsureOptions configures one resolve-then-install run.
type EnsureOptions struct {
	// CacheRoot is where gitcache keeps bare repos and worktrees.
	CacheRoot string
	// GlobalSources supplements the manifest's own [sources], manifest
	// entries winning on a name collision (source.NewIndex's rule).
	GlobalSources map[string]string
	// Offline forbids any network fetch; a bare clone that doesn't
	// already exist locally fails with agpmerr.Offline.
	Offline bool
	// Frozen requires the existing lockfile to already describe exactly
	// what a fresh resolve would produce; any drift is reported as
	// *lockfile.LockfileStale and nothing is installed or rewritten.
	Frozen bool
	// Concurrency overrides the installer's per-layer task cap; zero
	// selects install.Installer's own default.
	Concurrency int
	Log         *diagnostics.Logger
}

// Ensure resolves the project's manifest and installs every resulting
// artifact, the root operation spec.md's "ensure" command drives. On
// success it returns the resolved plan and (over)writes agpm.lock; on any
// error nothing is installed or the lockfile is left untouched, per
// spec.md §7's propagation policy.
func (p *Project) Ensure(ctx context.Context, opts EnsureOptions) (*gps.Plan, error) {
	log := opts.Log
	if log == nil {
		log = diagnostics.New(nil)
	}

	idx := source.NewIndex(p.Manifest.Sources, opts.GlobalSources)
	idx.LogWarnings(log)

	mode := gitcache.Online
	if opts.Offline {
		mode = gitcache.OfflineOnly
	}
	cache := gitcache.New(opts.CacheRoot, mode, log)
	engine := tmpl.NewDefaultEngine()

	tools := gps.MergeToolBindings(gps.BuiltinToolBindings(), p.Manifest.Tools)
	defaultTools := mergeDefaultTools(gps.BuiltinDefaultTools(), p.Manifest.DefaultTools)

	gitRequests, inlineMCP := translateRequests(p.Manifest, defaultTools)

	resolver := &gps.Resolver{
		Cache:           cache,
		Sources:         idx,
		Engine:          engine,
		Tools:           tools,
		DefaultTools:    defaultTools,
		TargetOverrides: p.Manifest.Target,
		ProjectContext:  p.Manifest.Project,
	}

	plan, err := resolver.Resolve(ctx, gitRequests)
	if err != nil {
		return nil, err
	}

	origins := sourceOrigins(idx, p.Manifest.Sources, opts.GlobalSources)

	if opts.Frozen {
		if p.Lock == nil {
			return nil, errors.WithStack(&lockfile.LockfileStale{Reasons: []string{"no agpm.lock exists yet"}})
		}
		if err := lockfile.CheckFrozen(p.Lock, plan.Graph, origins); err != nil {
			return nil, err
		}
	}

	installer := &install.Installer{
		Cache:          cache,
		Sources:        idx,
		Engine:         engine,
		ProjectContext: p.Manifest.Project,
		Manifest:       p.Manifest,
		Private:        p.Private,
		Concurrency:    opts.Concurrency,
	}
	if err := installer.Run(ctx, plan); err != nil {
		return nil, err
	}

	if len(inlineMCP) > 0 {
		if err := mergewriter.Write(inlineMCP); err != nil {
			return nil, err
		}
	}

	lock := lockfile.Build(plan.Graph, origins)
	data, err := lockfile.Marshal(lock)
	if err != nil {
		return nil, err
	}
	if err := writeLockfile(p.LockPath(), data); err != nil {
		return nil, err
	}
	p.Lock = lock

	return plan, nil
}

// translateRequests converts every git-backed manifest dependency into a
// root gps.Request (Phase R1); inline MCP-server dependencies (a bare
// command/args pair with no source to resolve) never touch the resolver
// at all and are instead returned as ready-made merge-writer entries.
func translateRequests(mf *manifest.Manifest, defaultTools map[gps.ResourceKind]string) ([]gps.Request, []mergewriter.Entry) {
	var requests []gps.Request
	var inlineMCP []mergewriter.Entry

	var kinds []gps.ResourceKind
	for kind := range mf.Dependencies {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		var names []string
		for name := range mf.Dependencies[kind] {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			dep := mf.Dependencies[kind][name]

			if dep.Kind == gps.KindMCPServer && dep.Source == "" && dep.Command != "" {
				toolName := dep.ToolOverride
				if toolName == "" {
					toolName = defaultTools[gps.KindMCPServer]
				}
				target := mf.Target[gps.KindMCPServer]
				if target == "" {
					target = builtinMCPTarget(toolName)
				}
				inlineMCP = append(inlineMCP, mergewriter.Entry{
					TargetFile: target,
					Kind:       gps.KindMCPServer,
					EntryKey:   name,
					Value:      map[string]interface{}{"command": dep.Command, "args": dep.Args},
				})
				continue
			}

			spec, err := gps.Parse(selectorOf(dep))
			if err != nil {
				spec = gps.VersionSpec{} // left to the resolver to reject via pinCommit
			}

			requests = append(requests, gps.Request{
				Name:             name,
				Kind:             kind,
				Source:           dep.Source,
				PathOrPattern:    dep.Path,
				IsPattern:        dep.IsPattern,
				Spec:             spec,
				ToolOverride:     dep.ToolOverride,
				TargetOverride:   dep.TargetOverride,
				FilenameOverride: dep.FilenameOverride,
			})
		}
	}

	return requests, inlineMCP
}

func selectorOf(dep manifest.Dependency) string {
	if len(dep.Selectors) == 0 {
		return ""
	}
	return dep.Selectors[0]
}

func builtinMCPTarget(toolName string) string {
	binding, ok := gps.BuiltinToolBindings()[toolName]
	if !ok {
		return ".mcp.json"
	}
	mode, ok := binding.PerKind[gps.KindMCPServer]
	if !ok {
		return ".mcp.json"
	}
	return mode.TargetFile
}

func mergeDefaultTools(base, override map[gps.ResourceKind]string) map[gps.ResourceKind]string {
	merged := make(map[gps.ResourceKind]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// sourceOrigins resolves every source name the manifest or global config
// names to its origin, for the lockfile's [[sources]] section and
// CheckFrozen's drift check.
func sourceOrigins(idx *source.Index, manifestSources, globalSources map[string]string) map[string]string {
	origins := make(map[string]string, len(manifestSources)+len(globalSources))
	for name := range globalSources {
		if s, err := idx.For(name); err == nil {
			origins[name] = s.Origin
		}
	}
	for name := range manifestSources {
		if s, err := idx.For(name); err == nil {
			origins[name] = s.Origin
		}
	}
	return origins
}

func writeLockfile(path string, data []byte) error {
	if atomicfile.SameBytes(path, data) {
		return nil
	}
	return atomicfile.Write(path, data, 0o644)
}
