// Package lockfile implements the lockfile codec (component C11):
// deterministic serialisation of a resolved install plan and the
// staleness checks "frozen" mode relies on, per spec.md §4.11.
package lockfile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/agpmerr"
	"github.com/aig787/agpm/internal/gps"
)

// FileName is the lockfile's standard filename within a project.
const FileName = "agpm.lock"

// SourceEntry records one source's origin and the commit each distinct
// ref resolved to during the run that produced this lockfile.
type SourceEntry struct {
	Name   string            `toml:"name"`
	Origin string            `toml:"origin"`
	Refs   map[string]string `toml:"refs"`
}

// ArtifactEntry is one resolved artifact's lockfile record, shared by
// every kind's section (§4.11's field list).
type ArtifactEntry struct {
	Name           string   `toml:"name"`
	Source         string   `toml:"source"`
	Path           string   `toml:"path"`
	Version        string   `toml:"version"`
	ResolvedCommit string   `toml:"resolved_commit"`
	Checksum       string   `toml:"checksum"`
	InstalledAt    string   `toml:"installed_at"`
	Patches        []string `toml:"patches,omitempty"`
	Files          []string `toml:"files,omitempty"`
}

// Lockfile is the in-memory form of agpm.lock: one array-of-tables
// section per kind, in spec.md §3's fixed kind order, plus the sources
// section.
type Lockfile struct {
	Sources    []SourceEntry   `toml:"sources"`
	Agents     []ArtifactEntry `toml:"agents"`
	Snippets   []ArtifactEntry `toml:"snippets"`
	Commands   []ArtifactEntry `toml:"commands"`
	Scripts    []ArtifactEntry `toml:"scripts"`
	Hooks      []ArtifactEntry `toml:"hooks"`
	MCPServers []ArtifactEntry `toml:"mcp-servers"`
	Skills     []ArtifactEntry `toml:"skills"`
}

func (l *Lockfile) section(kind gps.ResourceKind) *[]ArtifactEntry {
	switch kind {
	case gps.KindAgent:
		return &l.Agents
	case gps.KindSnippet:
		return &l.Snippets
	case gps.KindCommand:
		return &l.Commands
	case gps.KindScript:
		return &l.Scripts
	case gps.KindHook:
		return &l.Hooks
	case gps.KindMCPServer:
		return &l.MCPServers
	case gps.KindSkill:
		return &l.Skills
	default:
		return nil
	}
}

// Build assembles a Lockfile from a resolved, checksummed graph.
// sourceOrigins maps each source name consulted during resolution to its
// origin (as reported by the source index), used for both the sources
// section and later staleness checks.
func Build(graph *gps.DependencyGraph, sourceOrigins map[string]string) *Lockfile {
	lock := &Lockfile{}

	refsBySource := make(map[string]map[string]string)
	for _, node := range graph.Nodes() {
		entry := ArtifactEntry{
			Name:           node.Name,
			Source:         node.Source,
			Path:           node.RelativePath,
			Version:        node.RequestedVersion,
			ResolvedCommit: node.ResolvedCommit,
			Checksum:       node.Checksum,
			InstalledAt:    node.InstalledAt,
			Patches:        append([]string(nil), node.AppliedPatchFields...),
			Files:          append([]string(nil), node.Files...),
		}
		if sec := lock.section(node.Kind); sec != nil {
			*sec = append(*sec, entry)
		}

		if node.RequestedVersion != "" {
			if refsBySource[node.Source] == nil {
				refsBySource[node.Source] = make(map[string]string)
			}
			refsBySource[node.Source][node.RequestedVersion] = node.ResolvedCommit
		} else if _, ok := refsBySource[node.Source]; !ok {
			refsBySource[node.Source] = make(map[string]string)
		}
	}

	var names []string
	for name := range sourceOrigins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lock.Sources = append(lock.Sources, SourceEntry{
			Name:   name,
			Origin: sourceOrigins[name],
			Refs:   refsBySource[name],
		})
	}

	lock.sortAll()
	return lock
}

// sortAll orders every section lexicographically by (source, name), per
// spec.md §3's Lockfile invariant.
func (l *Lockfile) sortAll() {
	sections := []*[]ArtifactEntry{&l.Agents, &l.Snippets, &l.Commands, &l.Scripts, &l.Hooks, &l.MCPServers, &l.Skills}
	for _, sec := range sections {
		s := *sec
		sort.Slice(s, func(i, j int) bool {
			if s[i].Source != s[j].Source {
				return s[i].Source < s[j].Source
			}
			return s[i].Name < s[j].Name
		})
	}
	sort.Slice(l.Sources, func(i, j int) bool { return l.Sources[i].Name < l.Sources[j].Name })
}

// Marshal renders the lockfile as deterministic TOML bytes.
func Marshal(l *Lockfile) ([]byte, error) {
	l.sortAll()
	out, err := toml.Marshal(l)
	if err != nil {
		return nil, errors.Wrap(err, "encoding lockfile")
	}
	return out, nil
}

// Unmarshal parses agpm.lock bytes.
func Unmarshal(data []byte) (*Lockfile, error) {
	var l Lockfile
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, errors.Wrap(err, "parsing lockfile")
	}
	return &l, nil
}

// LockfileStale is raised by CheckFrozen when a freshly resolved graph
// would change anything about the recorded lockfile.
type LockfileStale struct {
	Reasons []string
}

func (e *LockfileStale) Error() string {
	return fmt.Sprintf("lockfile is stale: %s", strings.Join(e.Reasons, "; "))
}

func (e *LockfileStale) ErrorKind() agpmerr.Kind { return agpmerr.KindLockfileStale }

// ChecksumMismatch is raised (as one reason folded into LockfileStale,
// never standalone — frozen mode always reports the full set of drifts
// together) when a resolved artifact's recomputed checksum no longer
// matches what agpm.lock recorded for it.
type ChecksumMismatch struct {
	Kind             gps.ResourceKind
	Name             string
	Expected, Actual string
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("%s %q: checksum mismatch (lockfile has %s, recomputed %s)", e.Kind, e.Name, e.Expected, e.Actual)
}

func (e *ChecksumMismatch) ErrorKind() agpmerr.Kind { return agpmerr.KindChecksumMismatch }

// CheckFrozen implements spec.md §4.11's frozen-mode staleness checks
// against a freshly resolved (and checksummed) graph: every manifest
// dependency still present with a matching path/selector, every
// checksum matching the recomputed one, every source URL unchanged, and
// no duplicate install locations. It returns nil if the lockfile would
// be unchanged by writing out newGraph, or *LockfileStale otherwise.
func CheckFrozen(old *Lockfile, newGraph *gps.DependencyGraph, sourceOrigins map[string]string) error {
	var reasons []string

	oldByKey := make(map[string]ArtifactEntry)
	for _, kind := range gps.AllKinds {
		for _, e := range *old.section(kind) {
			oldByKey[string(kind)+"/"+e.Source+"/"+e.Path] = e
		}
	}

	seen := make(map[string]bool)
	for _, node := range newGraph.Nodes() {
		key := string(node.Kind) + "/" + node.Source + "/" + node.RelativePath
		seen[key] = true
		oldEntry, ok := oldByKey[key]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("%s %q (%s) is not in the lockfile", node.Kind, node.RelativePath, node.Source))
			continue
		}
		if oldEntry.Name != node.Name {
			reasons = append(reasons, fmt.Sprintf("%s %q: manifest names it %q but lockfile has %q", node.Kind, node.RelativePath, node.Name, oldEntry.Name))
		}
		if oldEntry.Version != node.RequestedVersion {
			reasons = append(reasons, fmt.Sprintf("%s %q: manifest requests %q but lockfile has %q", node.Kind, node.Name, node.RequestedVersion, oldEntry.Version))
		}
		if node.Checksum != "" && oldEntry.Checksum != node.Checksum {
			mismatch := &ChecksumMismatch{Kind: node.Kind, Name: node.Name, Expected: oldEntry.Checksum, Actual: node.Checksum}
			reasons = append(reasons, mismatch.Error())
		}
	}
	for key := range oldByKey {
		if !seen[key] {
			reasons = append(reasons, fmt.Sprintf("lockfile entry %q no longer requested", key))
		}
	}

	oldOrigins := make(map[string]string, len(old.Sources))
	for _, s := range old.Sources {
		oldOrigins[s.Name] = s.Origin
	}
	var sourceNames []string
	for name := range sourceOrigins {
		sourceNames = append(sourceNames, name)
	}
	sort.Strings(sourceNames)
	for _, name := range sourceNames {
		if oldOrigins[name] != sourceOrigins[name] {
			reasons = append(reasons, fmt.Sprintf("source %q origin changed from %q to %q", name, oldOrigins[name], sourceOrigins[name]))
		}
	}

	if err := newGraph.CheckInstallLocations(); err != nil {
		reasons = append(reasons, err.Error())
	}

	if len(reasons) == 0 {
		return nil
	}
	sort.Strings(reasons)
	return errors.WithStack(&LockfileStale{Reasons: reasons})
}
