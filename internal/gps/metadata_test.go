package gps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractDependencies_Frontmatter(t *testing.T) {
	data := []byte(`---
name: reviewer
agpm.templating: true
dependencies:
  snippets:
    - path: snip/u.md
      version: ^1.0.0
---

# Reviewer agent
`)

	deps := ExtractDependencies(KindAgent, "a.md", data)
	require.Len(t, deps, 1)
	assert.Equal(t, KindSnippet, deps[0].Kind)
	assert.Equal(t, "snip/u.md", deps[0].Path)
	assert.Equal(t, "^1.0.0", deps[0].Version)

	assert.True(t, TemplatingEnabled(data))
	assert.False(t, PathTemplatingDisabled(data))
}

func TestExtractDependencies_NoFrontmatter(t *testing.T) {
	deps := ExtractDependencies(KindAgent, "a.md", []byte("# just a heading\n"))
	assert.Nil(t, deps)
}

func TestExtractDependencies_JSON(t *testing.T) {
	data := []byte(`{
  "dependencies": {
    "snippets": [{"path": "snip/u.md"}]
  },
  "mcpServers": {}
}`)
	deps := ExtractDependencies(KindMCPServer, "server.json", data)
	require.Len(t, deps, 1)
	assert.Equal(t, KindSnippet, deps[0].Kind)
}

func TestExtractDependencies_JSON_MCPServers(t *testing.T) {
	data := []byte(`{
  "mcpServers": {
    "search": {"path": "mcp/search.json", "version": "^2.0.0", "tool": "claude-code"}
  }
}`)
	deps := ExtractDependencies(KindScript, "tool.json", data)
	require.Len(t, deps, 1)
	assert.Equal(t, KindMCPServer, deps[0].Kind)
	assert.Equal(t, "mcp/search.json", deps[0].Path)
	assert.Equal(t, "^2.0.0", deps[0].Version)
	assert.Equal(t, "claude-code", deps[0].Tool)
}

func TestExtractDependencies_MalformedNeverErrors(t *testing.T) {
	deps := ExtractDependencies(KindAgent, "a.md", []byte("---\nnot: [valid\n---\n"))
	assert.Nil(t, deps)

	deps = ExtractDependencies(KindMCPServer, "a.json", []byte("{not json"))
	assert.Nil(t, deps)
}

func TestSkillDependencies_ReadsSkillMDOnly(t *testing.T) {
	files := []string{"README.md", "SKILL.md", "scripts/run.sh"}
	read := func(p string) ([]byte, error) {
		if p == "SKILL.md" {
			return []byte("---\ndependencies:\n  snippets:\n    - path: s.md\n---\n"), nil
		}
		return []byte("unused"), nil
	}

	deps, err := SkillDependencies(files, read)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "s.md", deps[0].Path)
}
