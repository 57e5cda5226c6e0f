package gps

import (
	"bytes"
	"encoding/json"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DepDecl is one transitive dependency declared by a resource's own
// metadata (component C5). Kind defaults to the parent's kind unless the
// frontmatter/JSON entry is under a kind-specific list (e.g.
// "dependencies.snippets").
type DepDecl struct {
	Kind    ResourceKind
	Path    string
	Version string
	Tool    string
}

// frontmatterDoc and jsonEnvelope mirror the two declared-dependency shapes
// spec.md §4.5 describes: a YAML frontmatter block for markdown
// resources, or a top-level "dependencies"/"mcpServers" field for JSON
// ones.
type frontmatterDoc struct {
	AgpmTemplating *bool                  `yaml:"agpm.templating"`
	AgpmProject    map[string]interface{} `yaml:"agpm.project"`
	Dependencies   map[string][]depEntry  `yaml:"dependencies"`
}

type depEntry struct {
	Path    string `yaml:"path"`
	Version string `yaml:"version"`
	Tool    string `yaml:"tool"`
}

type jsonEnvelope struct {
	Dependencies map[string][]depEntry `json:"dependencies"`
	// MCPServers mirrors spec.md §4.5's "{ kind, path, version?, tool? }"
	// shape: a JSON resource (e.g. a script's manifest) can declare that
	// one of the MCP servers it needs comes from another source artifact,
	// the same way a "dependencies" entry would.
	MCPServers map[string]depEntry `json:"mcpServers"`
}

// ExtractDependencies recovers the transitive dependencies declared by
// one resource file's contents. Kind selects how to parse: markdown
// resources carry YAML frontmatter, JSON resources (scripts' JSON
// manifests and mcp-server definitions) carry a top-level field. Any
// unreadable or missing section yields zero edges, never an error — this
// mirrors spec.md §4.5's explicit leniency, since a resource author
// forgetting to declare a dependency is not a resolution failure.
func ExtractDependencies(kind ResourceKind, filename string, data []byte) []DepDecl {
	switch strings.ToLower(path.Ext(filename)) {
	case ".md":
		return extractFrontmatterDeps(kind, data)
	case ".json":
		return extractJSONDeps(kind, data)
	default:
		return nil
	}
}

// TemplatingEnabled reports whether a markdown resource opted in to
// content templating via "agpm.templating: true" in its frontmatter
// (spec.md §4.6). Absence defaults to false for content, though
// dependency-path templating is always evaluated regardless of this
// flag unless the resource explicitly sets "agpm.templating: false".
func TemplatingEnabled(data []byte) bool {
	fm, ok := splitFrontmatter(data)
	if !ok {
		return false
	}
	var doc frontmatterDoc
	if err := yaml.Unmarshal(fm, &doc); err != nil {
		return false
	}
	return doc.AgpmTemplating != nil && *doc.AgpmTemplating
}

// PathTemplatingDisabled reports whether a resource explicitly opted out
// of dependency-path templating via "agpm.templating: false".
func PathTemplatingDisabled(data []byte) bool {
	fm, ok := splitFrontmatter(data)
	if !ok {
		return false
	}
	var doc frontmatterDoc
	if err := yaml.Unmarshal(fm, &doc); err != nil {
		return false
	}
	return doc.AgpmTemplating != nil && !*doc.AgpmTemplating
}

func splitFrontmatter(data []byte) ([]byte, bool) {
	const delim = "---"
	s := string(data)
	if !strings.HasPrefix(strings.TrimLeft(s, string(rune(0xFEFF))), delim) {
		return nil, false
	}
	s = strings.TrimPrefix(strings.TrimLeft(s, string(rune(0xFEFF))), delim)
	s = strings.TrimPrefix(s, "\r\n")
	s = strings.TrimPrefix(s, "\n")

	end := strings.Index(s, "\n"+delim)
	if end < 0 {
		return nil, false
	}
	return []byte(s[:end]), true
}

func extractFrontmatterDeps(defaultKind ResourceKind, data []byte) []DepDecl {
	fm, ok := splitFrontmatter(data)
	if !ok {
		return nil
	}

	var doc frontmatterDoc
	if err := yaml.Unmarshal(fm, &doc); err != nil {
		return nil
	}

	var out []DepDecl
	// Keys under "dependencies" name a kind's plural ("snippets",
	// "agents", ...); fall back to defaultKind for an unrecognised key so
	// a typo never silently drops an otherwise well-formed declaration.
	var keys []string
	for k := range doc.Dependencies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kind := kindFromPlural(k)
		if kind == "" {
			kind = defaultKind
		}
		for _, e := range doc.Dependencies[k] {
			if e.Path == "" {
				continue
			}
			out = append(out, DepDecl{Kind: kind, Path: e.Path, Version: e.Version, Tool: e.Tool})
		}
	}
	return out
}

func extractJSONDeps(defaultKind ResourceKind, data []byte) []DepDecl {
	dec := json.NewDecoder(bytes.NewReader(data))
	var env jsonEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil
	}

	var out []DepDecl
	var keys []string
	for k := range env.Dependencies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kind := kindFromPlural(k)
		if kind == "" {
			kind = defaultKind
		}
		for _, e := range env.Dependencies[k] {
			if e.Path == "" {
				continue
			}
			out = append(out, DepDecl{Kind: kind, Path: e.Path, Version: e.Version, Tool: e.Tool})
		}
	}

	var mcpNames []string
	for name := range env.MCPServers {
		mcpNames = append(mcpNames, name)
	}
	sort.Strings(mcpNames)
	for _, name := range mcpNames {
		e := env.MCPServers[name]
		if e.Path == "" {
			continue
		}
		out = append(out, DepDecl{Kind: KindMCPServer, Path: e.Path, Version: e.Version, Tool: e.Tool})
	}

	return out
}

func kindFromPlural(key string) ResourceKind {
	switch key {
	case "agents":
		return KindAgent
	case "snippets":
		return KindSnippet
	case "commands":
		return KindCommand
	case "scripts":
		return KindScript
	case "hooks":
		return KindHook
	case "mcp-servers", "mcpServers":
		return KindMCPServer
	case "skills":
		return KindSkill
	default:
		return ""
	}
}

// SkillDependencies reads SKILL.md at the root of a skill directory's
// file set and ignores every other file for dependency-discovery
// purposes, per spec.md §4.5. readFile is injected so callers can source
// bytes from a git worktree without this package knowing about C2.
func SkillDependencies(files []string, readFile func(relPath string) ([]byte, error)) ([]DepDecl, error) {
	for _, f := range files {
		if path.Base(f) == "SKILL.md" {
			data, err := readFile(f)
			if err != nil {
				return nil, err
			}
			return extractFrontmatterDeps(KindSkill, data), nil
		}
	}
	return nil, nil
}
