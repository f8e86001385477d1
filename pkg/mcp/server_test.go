package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVaultServer(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 10)

	expectedTools := []string{
		"vault.add",
		"vault.get",
		"vault.list",
		"vault.delete",
		"vault.substitute",
		"vault.grant",
		"vault.revoke",
		"vault.export",
		"vault.audit",
		"vault.describe_format",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("agent-1")
	assert.False(t, ok)

	r.Register("agent-1", "session-1")
	sid, ok := r.SessionFor("agent-1")
	require.True(t, ok)
	assert.Equal(t, "session-1", sid)

	// reconnect overwrites
	r.Register("agent-1", "session-2")
	sid, _ = r.SessionFor("agent-1")
	assert.Equal(t, "session-2", sid)

	r.Remove("session-2")
	_, ok = r.SessionFor("agent-1")
	assert.False(t, ok)
}
