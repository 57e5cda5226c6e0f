package gps

import "fmt"

// ResourceKind is the closed set of artifact kinds AGPM knows how to
// install. Adding a kind means extending this list and the default
// install-path table in spec.md §6 — it is never discovered dynamically.
type ResourceKind string

const (
	KindAgent     ResourceKind = "agent"
	KindSnippet   ResourceKind = "snippet"
	KindCommand   ResourceKind = "command"
	KindScript    ResourceKind = "script"
	KindHook      ResourceKind = "hook"
	KindMCPServer ResourceKind = "mcp-server"
	KindSkill     ResourceKind = "skill"
)

// AllKinds lists every ResourceKind in the table order used by the
// lockfile's sectioning (spec.md §3, "Lockfile").
var AllKinds = []ResourceKind{
	KindAgent, KindSnippet, KindCommand, KindScript, KindHook, KindMCPServer, KindSkill,
}

// Valid reports whether k is one of the closed set of known kinds.
func (k ResourceKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// InstallModeKind tags which of File or Merge an InstallMode represents.
type InstallModeKind int

const (
	ModeFile InstallModeKind = iota
	ModeMerge
)

// InstallMode is either File{Subdir} (one file, or one directory for a
// skill, per resource) or Merge{TargetFile} (entries merged into a
// shared JSON document). A kind is installable by a tool iff one of the
// two is defined for it.
type InstallMode struct {
	Kind       InstallModeKind
	Subdir     string // set when Kind == ModeFile
	TargetFile string // set when Kind == ModeMerge
}

func FileMode(subdir string) InstallMode { return InstallMode{Kind: ModeFile, Subdir: subdir} }
func MergeMode(target string) InstallMode {
	return InstallMode{Kind: ModeMerge, TargetFile: target}
}

// ToolBinding is a named install profile: a base directory plus, per
// kind, whether and how that kind installs under this tool.
type ToolBinding struct {
	ToolName string
	BaseDir  string
	PerKind  map[ResourceKind]InstallMode
}

// Supports reports whether this tool has an install mode defined for k.
func (t ToolBinding) Supports(k ResourceKind) bool {
	_, ok := t.PerKind[k]
	return ok
}

// NodeKey uniquely identifies a DependencyGraph node: the quadruple
// (source, kind, relative_path, resolved_commit) from spec.md §3's
// DependencyGraph invariant 3 (dedup).
type NodeKey struct {
	Source         string
	Kind           ResourceKind
	RelativePath   string
	ResolvedCommit string
}

func (k NodeKey) String() string {
	return fmt.Sprintf("%s:%s:%s@%s", k.Source, k.Kind, k.RelativePath, k.ResolvedCommit)
}

// ResolvedArtifact is the output of resolution for one concrete file or
// directory.
type ResolvedArtifact struct {
	Name               string
	Kind               ResourceKind
	Source             string
	ResolvedCommit     string
	RelativePath       string
	InstalledAt        string // canonical: forward-slash, relative to project root
	Checksum           string // hex-encoded SHA-256
	AppliedPatchFields []string
	TransitiveOf       string // source-relative path of the parent artifact, empty if a root request
	RequestedVersion   string // the user-facing spec, for the lockfile's "version" field
	Tool               string
	Files              []string // populated for KindSkill: the sorted file list

	Mode          InstallModeKind // ModeFile or ModeMerge
	MergeEntryKey string          // set for ModeMerge: the hooks[]/mcpServers.<name> entry key

	// TargetOverride and FilenameOverride mirror the dependency's own
	// manifest fields of the same name (highest precedence in Phase R8's
	// install-location assignment); empty when not set.
	TargetOverride   string
	FilenameOverride string
	// InstallRelPath is RelativePath after Phase R3's per-kind flattening
	// rule (basename for agents/commands, subtree-relative-to-glob-prefix
	// otherwise); Phase R8 joins it under the resolved subdir.
	InstallRelPath string
}

// Key returns the node identity used for graph dedup and lookup.
func (a *ResolvedArtifact) Key() NodeKey {
	return NodeKey{Source: a.Source, Kind: a.Kind, RelativePath: a.RelativePath, ResolvedCommit: a.ResolvedCommit}
}
