package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, AgentID(ctx))
	assert.Empty(t, Namespace(ctx))

	ctx = WithIDs(ctx, "req-1", "agent-1", "prod")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "agent-1", AgentID(ctx))
	assert.Equal(t, "prod", Namespace(ctx))
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "req-1", "agent-1", "prod")
	logger.InfoContext(ctx, "resolving credential")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, "agent-1", record["agent_id"])
	assert.Equal(t, "prod", record["namespace"])
}

func TestCorrelationHandlerSkipsEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(WithAgentID(context.Background(), "agent-1"), "msg")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "agent-1", record["agent_id"])
	_, hasRequest := record["request_id"]
	assert.False(t, hasRequest)
}
