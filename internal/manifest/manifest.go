// Package manifest implements the manifest model (component C4): the
// in-memory representation of agpm.toml plus the read-only private
// overlay agpm.private.toml, and the validation rules spec.md §4.4
// requires before a manifest is handed to the resolver.
package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/agpmerr"
	"github.com/aig787/agpm/internal/gps"
)

const (
	// FileName is the manifest's standard filename within a project.
	FileName = "agpm.toml"
	// PrivateFileName is the private overlay's standard filename.
	PrivateFileName = "agpm.private.toml"
)

// Dependency is one declared entry under a [<kind>] table.
type Dependency struct {
	Name             string
	Kind             gps.ResourceKind
	Source           string // empty for a purely local dependency
	Path             string
	IsPattern        bool
	Selectors        []string // raw version/branch/rev selectors, precedence-checked at parse time
	ToolOverride     string
	TargetOverride   string
	FilenameOverride string
	// Command/Args are only meaningful for mcp-server dependencies that
	// declare an inline server invocation rather than referencing a file.
	Command string
	Args    []string
}

// Manifest is the parsed, validated form of agpm.toml.
type Manifest struct {
	Sources      map[string]string
	Project      map[string]interface{}
	DefaultTools map[gps.ResourceKind]string
	Tools        map[string]gps.ToolBinding
	Target       map[gps.ResourceKind]string // §9 open question: per-kind subdir overrides, layered after tool resolution
	Dependencies map[gps.ResourceKind]map[string]Dependency
	PatchProject map[patchKey]map[string]interface{}
}

type patchKey struct {
	Kind gps.ResourceKind
	Name string
}

// ManifestInvalid is raised by Validate when the manifest violates one
// of spec.md §4.4's structural rules.
type ManifestInvalid struct {
	Reason string
}

func (e *ManifestInvalid) Error() string             { return "manifest invalid: " + e.Reason }
func (e *ManifestInvalid) ErrorKind() agpmerr.Kind    { return agpmerr.KindManifestInvalid }

// rawManifest mirrors agpm.toml's on-disk shape; Parse converts it into
// the richer Manifest/Dependency types above.
type rawManifest struct {
	Sources      map[string]string                  `toml:"sources"`
	Project      map[string]interface{}              `toml:"project"`
	DefaultTools map[string]string                    `toml:"default-tools"`
	Tools        map[string]rawTool                   `toml:"tools"`
	Target       map[string]string                    `toml:"target"`
	Agents       map[string]rawDependency             `toml:"agents"`
	Snippets     map[string]rawDependency             `toml:"snippets"`
	Commands     map[string]rawDependency             `toml:"commands"`
	Scripts      map[string]rawDependency             `toml:"scripts"`
	Hooks        map[string]rawDependency             `toml:"hooks"`
	MCPServers   map[string]rawDependency             `toml:"mcp-servers"`
	Skills       map[string]rawDependency             `toml:"skills"`
	Patch        map[string]map[string]map[string]any `toml:"patch"`
}

type rawTool struct {
	Path      string                     `toml:"path"`
	Resources map[string]rawToolResource `toml:"resources"`
}

type rawToolResource struct {
	Path        string `toml:"path"`
	MergeTarget string `toml:"merge-target"`
}

// rawDependency is the inline-table form of a dependency entry. Parse
// decodes each entry straight into this struct in a single
// toml.Unmarshal; the bare-string local-path shorthand is not accepted,
// and an entry written that way fails Parse with a decode error.
type rawDependency struct {
	Path     string   `toml:"path"`
	Source   string   `toml:"source"`
	Version  string   `toml:"version"`
	Branch   string   `toml:"branch"`
	Rev      string   `toml:"rev"`
	Tool     string   `toml:"tool"`
	Target   string   `toml:"target"`
	Filename string   `toml:"filename"`
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
}

var kindTables = []struct {
	kind gps.ResourceKind
	get  func(*rawManifest) map[string]rawDependency
}{
	{gps.KindAgent, func(r *rawManifest) map[string]rawDependency { return r.Agents }},
	{gps.KindSnippet, func(r *rawManifest) map[string]rawDependency { return r.Snippets }},
	{gps.KindCommand, func(r *rawManifest) map[string]rawDependency { return r.Commands }},
	{gps.KindScript, func(r *rawManifest) map[string]rawDependency { return r.Scripts }},
	{gps.KindHook, func(r *rawManifest) map[string]rawDependency { return r.Hooks }},
	{gps.KindMCPServer, func(r *rawManifest) map[string]rawDependency { return r.MCPServers }},
	{gps.KindSkill, func(r *rawManifest) map[string]rawDependency { return r.Skills }},
}

// Parse decodes raw TOML bytes into a Manifest and runs Validate.
func Parse(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing agpm.toml")
	}

	m := &Manifest{
		Sources:      raw.Sources,
		Project:      raw.Project,
		DefaultTools: make(map[gps.ResourceKind]string, len(raw.DefaultTools)),
		Tools:        make(map[string]gps.ToolBinding, len(raw.Tools)),
		Target:       make(map[gps.ResourceKind]string, len(raw.Target)),
		Dependencies: make(map[gps.ResourceKind]map[string]Dependency),
		PatchProject: make(map[patchKey]map[string]interface{}),
	}

	for k, v := range raw.DefaultTools {
		m.DefaultTools[gps.ResourceKind(k)] = v
	}
	for k, v := range raw.Target {
		m.Target[gps.ResourceKind(k)] = v
	}

	for name, rt := range raw.Tools {
		binding := gps.ToolBinding{ToolName: name, BaseDir: rt.Path, PerKind: make(map[gps.ResourceKind]gps.InstallMode)}
		for kindStr, res := range rt.Resources {
			kind := gps.ResourceKind(kindStr)
			switch {
			case res.MergeTarget != "":
				binding.PerKind[kind] = gps.MergeMode(res.MergeTarget)
			case res.Path != "":
				binding.PerKind[kind] = gps.FileMode(res.Path)
			default:
				return nil, errors.WithStack(&ManifestInvalid{Reason: fmt.Sprintf(
					"tool %q kind %q defines neither path nor merge-target", name, kindStr)})
			}
		}
		m.Tools[name] = binding
	}

	seenNames := make(map[gps.ResourceKind]map[string]bool)
	for _, kt := range kindTables {
		table := kt.get(&raw)
		if len(table) == 0 {
			continue
		}
		byName := make(map[string]Dependency, len(table))
		seenNames[kt.kind] = make(map[string]bool, len(table))
		for name, rd := range table {
			dep, err := convertDependency(kt.kind, name, rd)
			if err != nil {
				return nil, err
			}
			byName[name] = dep
			seenNames[kt.kind][name] = true
		}
		m.Dependencies[kt.kind] = byName
	}

	for kindStr, byName := range raw.Patch {
		kind := gps.ResourceKind(kindStr)
		for name, fields := range byName {
			if !seenNames[kind][name] {
				return nil, errors.WithStack(&ManifestInvalid{Reason: fmt.Sprintf(
					"patch references undeclared dependency %s %q", kindStr, name)})
			}
			m.PatchProject[patchKey{Kind: kind, Name: name}] = fields
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func convertDependency(kind gps.ResourceKind, name string, rd rawDependency) (Dependency, error) {
	dep := Dependency{
		Name:             name,
		Kind:             kind,
		Source:           rd.Source,
		Path:             rd.Path,
		ToolOverride:     rd.Tool,
		TargetOverride:   rd.Target,
		FilenameOverride: rd.Filename,
		Command:          rd.Command,
		Args:             rd.Args,
	}
	dep.IsPattern = strings.ContainsAny(rd.Path, "*?[")

	selectors := 0
	if rd.Rev != "" {
		dep.Selectors = append(dep.Selectors, rd.Rev)
		selectors++
	}
	if rd.Branch != "" {
		dep.Selectors = append(dep.Selectors, rd.Branch)
		selectors++
	}
	if rd.Version != "" {
		dep.Selectors = append(dep.Selectors, rd.Version)
		selectors++
	}
	if selectors > 1 {
		return Dependency{}, errors.WithStack(&ManifestInvalid{Reason: fmt.Sprintf(
			"%s %q: multiple version selectors given, precedence requires exactly one of rev/branch/version", kind, name)})
	}

	return dep, nil
}

// Validate enforces spec.md §4.4's structural rules: unique names per
// kind (guaranteed by the map keys themselves) and pattern dependencies
// flagged correctly. Patch targets being declared and every tool
// defining at least one of subdir/merge-target per supported kind are
// checked earlier, by Parse during conversion.
func (m *Manifest) Validate() error {
	for kind, byName := range m.Dependencies {
		var names []string
		for name, dep := range byName {
			names = append(names, name)
			hasGlobChar := strings.ContainsAny(dep.Path, "*?[") || strings.Contains(dep.Path, "**")
			if hasGlobChar != dep.IsPattern {
				return errors.WithStack(&ManifestInvalid{Reason: fmt.Sprintf(
					"%s %q: is_pattern does not match path %q", kind, name, dep.Path)})
			}
		}
		sort.Strings(names) // deterministic error ordering if extended later
	}
	return nil
}

// ProjectPatch returns the project-layer patch fields declared for
// (kind, name), if any.
func (m *Manifest) ProjectPatch(kind gps.ResourceKind, name string) (map[string]interface{}, bool) {
	fields, ok := m.PatchProject[patchKey{Kind: kind, Name: name}]
	return fields, ok
}

// UnknownPatchAlias is raised when a private-overlay patch references a
// dependency name the manifest never declared.
type UnknownPatchAlias struct {
	Kind gps.ResourceKind
	Name string
}

func (e *UnknownPatchAlias) Error() string {
	return fmt.Sprintf("patch references unknown dependency %s %q", e.Kind, e.Name)
}

func (e *UnknownPatchAlias) ErrorKind() agpmerr.Kind { return agpmerr.KindUnknownPatchAlias }
