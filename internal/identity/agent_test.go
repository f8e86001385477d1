package identity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covault/covault/internal/store"
	"github.com/covault/covault/pkg/schema"
)

func TestValidateAgentType(t *testing.T) {
	for _, typ := range []string{AgentTypeLLM, AgentTypeSystem, AgentTypeHuman, AgentTypeService} {
		assert.NoError(t, ValidateAgentType(typ), "type %q should be valid", typ)
	}

	err := ValidateAgentType("robot")
	require.Error(t, err)
	var vaultErr *schema.VaultError
	require.True(t, errors.As(err, &vaultErr))
	assert.Equal(t, schema.ErrCodeValidation, vaultErr.Code)

	assert.Error(t, ValidateAgentType(""))
}

func TestValidateAgent(t *testing.T) {
	assert.Error(t, ValidateAgent(&store.Agent{Name: "n", Type: AgentTypeLLM}))
	assert.Error(t, ValidateAgent(&store.Agent{ID: "a", Type: AgentTypeLLM}))
	assert.Error(t, ValidateAgent(&store.Agent{ID: "a", Name: "n", Type: "robot"}))
	assert.NoError(t, ValidateAgent(&store.Agent{ID: "a", Name: "n", Type: AgentTypeService}))
}

func TestEnsureRegisteredNew(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	agent, err := EnsureRegistered(ctx, s, "agent-1", "deployer", AgentTypeLLM, json.RawMessage(`{"team":"infra"}`))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.ID)
	assert.Equal(t, AgentTypeLLM, agent.Type)
	assert.False(t, agent.CreatedAt.IsZero())
}

func TestEnsureRegisteredExisting(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	first, err := EnsureRegistered(ctx, s, "agent-1", "deployer", AgentTypeLLM, nil)
	require.NoError(t, err)

	// re-registering with a different name keeps the stored record
	second, err := EnsureRegistered(ctx, s, "agent-1", "renamed", AgentTypeSystem, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, first.Type, second.Type)

	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastSeenAt)
}

func TestEnsureRegisteredInvalid(t *testing.T) {
	s := store.NewMemoryStore()

	_, err := EnsureRegistered(context.Background(), s, "agent-1", "", AgentTypeLLM, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
