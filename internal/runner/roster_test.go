package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

func TestRoster_ResolveAgentAndRunner(t *testing.T) {
	roster := NewRoster()
	require.NoError(t, roster.RegisterRunner(NewMockRunner()))
	require.NoError(t, roster.RegisterAgent(AgentDefinition{
		ID:           "researcher",
		Provider:     "mock",
		SystemPrompt: "You research things.",
	}))

	def, rn, err := roster.Resolve("researcher")
	require.NoError(t, err)
	assert.Equal(t, "researcher", def.ID)
	assert.Equal(t, "mock", rn.Name())
}

func TestRoster_UnknownAgent(t *testing.T) {
	roster := NewRoster()

	_, _, err := roster.Resolve("ghost")
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestRoster_MissingProviderRunner(t *testing.T) {
	roster := NewRoster()
	require.NoError(t, roster.RegisterAgent(AgentDefinition{ID: "a1", Provider: "anthropic"}))

	_, _, err := roster.Resolve("a1")
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestRoster_DuplicateAgent(t *testing.T) {
	roster := NewRoster()
	require.NoError(t, roster.RegisterAgent(AgentDefinition{ID: "a1", Provider: "mock"}))

	err := roster.RegisterAgent(AgentDefinition{ID: "a1", Provider: "mock"})
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeConflict, flowErr.Code)
}

func TestRoster_ValidationErrors(t *testing.T) {
	roster := NewRoster()

	assert.Error(t, roster.RegisterAgent(AgentDefinition{Provider: "mock"}))
	assert.Error(t, roster.RegisterAgent(AgentDefinition{ID: "a1"}))
	assert.Error(t, roster.RegisterRunner(nil))
}

func TestRoster_AgentsSorted(t *testing.T) {
	roster := NewRoster()
	require.NoError(t, roster.RegisterAgent(AgentDefinition{ID: "zeta", Provider: "mock"}))
	require.NoError(t, roster.RegisterAgent(AgentDefinition{ID: "alpha", Provider: "mock"}))

	defs := roster.Agents()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].ID)
	assert.Equal(t, "zeta", defs[1].ID)
}

func TestRoster_LoadAgentsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	content := `[
		{"id": "writer", "provider": "anthropic", "model": "claude-sonnet-4-0"},
		{"id": "critic", "provider": "openai", "systemPrompt": "Review drafts."}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	roster := NewRoster()
	n, err := roster.LoadAgentsFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, roster.HasAgent("writer"))
	assert.True(t, roster.HasAgent("critic"))
}

func TestRoster_LoadAgentsFileErrors(t *testing.T) {
	roster := NewRoster()

	_, err := roster.LoadAgentsFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o600))
	_, err = roster.LoadAgentsFile(bad)
	assert.Error(t, err)
}
