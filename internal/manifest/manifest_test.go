package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aig787/agpm/internal/gps"
)

const sampleManifest = `
[sources]
community = "https://github.com/acme/agents.git"

[default-tools]
agent = "claude-code"

[tools.claude-code]
path = ".claude"

[tools.claude-code.resources.agent]
path = "agents"

[tools.claude-code.resources.hook]
merge-target = ".claude/settings.local.json"

[agents.reviewer]
source = "community"
path = "agents/reviewer.md"
version = "^1.0.0"

[agents.glob-agent]
source = "community"
path = "agents/*.md"

[patch.agent.reviewer]
model = "opus"
`

func TestParse_SampleManifest(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/agents.git", m.Sources["community"])
	assert.Equal(t, "claude-code", m.DefaultTools[gps.KindAgent])

	tool := m.Tools["claude-code"]
	assert.Equal(t, ".claude", tool.BaseDir)
	assert.True(t, tool.Supports(gps.KindAgent))
	assert.True(t, tool.Supports(gps.KindHook))

	reviewer := m.Dependencies[gps.KindAgent]["reviewer"]
	assert.Equal(t, "community", reviewer.Source)
	assert.Equal(t, []string{"^1.0.0"}, reviewer.Selectors)
	assert.False(t, reviewer.IsPattern)

	glob := m.Dependencies[gps.KindAgent]["glob-agent"]
	assert.True(t, glob.IsPattern)

	assert.Equal(t, "opus", m.PatchProject[patchKey{Kind: gps.KindAgent, Name: "reviewer"}]["model"])
}

func TestParse_MultipleSelectors_Errors(t *testing.T) {
	data := `
[agents.bad]
source = "community"
path = "agents/bad.md"
version = "^1.0.0"
branch = "main"
`
	_, err := Parse([]byte(data))
	require.Error(t, err)

	var invalid *ManifestInvalid
	require.ErrorAs(t, err, &invalid)
}

func TestParse_UnknownPatchAlias(t *testing.T) {
	data := `
[agents.reviewer]
path = "agents/reviewer.md"

[patch.agent.other]
model = "opus"
`
	_, err := Parse([]byte(data))
	require.Error(t, err)

	var invalid *ManifestInvalid
	require.ErrorAs(t, err, &invalid)
}

func TestParse_ToolMissingPathOrMergeTarget(t *testing.T) {
	data := `
[tools.custom]
path = "/tmp/custom"

[tools.custom.resources.agent]
`
	_, err := Parse([]byte(data))
	require.Error(t, err)
}

func TestParsePrivate_ValidateAgainst(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	overlay, err := ParsePrivate([]byte(`
[patch.agent.reviewer]
temperature = 0.2
`))
	require.NoError(t, err)
	require.NoError(t, overlay.ValidateAgainst(m))

	badOverlay, err := ParsePrivate([]byte(`
[patch.agent.nonexistent]
model = "haiku"
`))
	require.NoError(t, err)
	require.Error(t, badOverlay.ValidateAgainst(m))
}
