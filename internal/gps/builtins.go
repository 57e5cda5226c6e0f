package gps

// BuiltinToolBindings returns the three tool profiles spec.md §6's
// install-path-defaults table names, keyed by tool name. A manifest's own
// [tools.*] declarations are merged over these by the caller (manifest
// entries win on a name collision), the same override-wins rule
// source.NewIndex applies to source origins.
func BuiltinToolBindings() map[string]ToolBinding {
	return map[string]ToolBinding{
		"claude-code": {
			ToolName: "claude-code",
			BaseDir:  ".claude",
			PerKind: map[ResourceKind]InstallMode{
				KindAgent:     FileMode("agents"),
				KindCommand:   FileMode("commands"),
				KindScript:    FileMode("scripts"),
				KindSnippet:   FileMode("snippets"),
				KindHook:      MergeMode(".claude/settings.local.json"),
				KindMCPServer: MergeMode(".mcp.json"),
				KindSkill:     FileMode("skills"),
			},
		},
		"opencode": {
			ToolName: "opencode",
			BaseDir:  ".opencode",
			PerKind: map[ResourceKind]InstallMode{
				KindAgent:     FileMode("agent"),
				KindCommand:   FileMode("command"),
				KindMCPServer: MergeMode(".opencode/opencode.json"),
			},
		},
		"agpm": {
			ToolName: "agpm",
			BaseDir:  ".agpm",
			PerKind: map[ResourceKind]InstallMode{
				KindSnippet: FileMode("snippets"),
			},
		},
	}
}

// BuiltinDefaultTools returns the default tool each kind installs under
// absent a manifest [default-tools] entry. claude-code is the only
// built-in profile covering every kind, so it is the default throughout.
func BuiltinDefaultTools() map[ResourceKind]string {
	defaults := make(map[ResourceKind]string, len(AllKinds))
	for _, k := range AllKinds {
		defaults[k] = "claude-code"
	}
	return defaults
}

// MergeToolBindings overlays override onto base, override winning on a
// name collision (used to merge manifest [tools.*] declarations over the
// built-in profiles).
func MergeToolBindings(base, override map[string]ToolBinding) map[string]ToolBinding {
	merged := make(map[string]ToolBinding, len(base)+len(override))
	for name, binding := range base {
		merged[name] = binding
	}
	for name, binding := range override {
		merged[name] = binding
	}
	return merged
}
