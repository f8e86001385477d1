package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/covault/covault/internal/credstore"
	"github.com/covault/covault/internal/grants"
	"github.com/covault/covault/internal/identity"
	"github.com/covault/covault/internal/logging"
	"github.com/covault/covault/internal/store"
	"github.com/covault/covault/internal/substitute"
	"github.com/covault/covault/pkg/schema"
)

// handleAdd stores or updates a credential.
func (s *VaultServer) handleAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	namespace, err := req.RequireString("namespace")
	if err != nil {
		return mcp.NewToolResultError("namespace is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	ctx = requestContext(ctx, agentID, namespace)

	if regErr := s.ensureAgent(ctx, agentID); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register agent: %v", regErr)), nil
	}
	s.captureSession(ctx, agentID)

	put := credstore.PutRequest{
		Namespace: namespace,
		Name:      name,
		Kind:      schema.CredentialKind(kind),
		Tier:      schema.SensitivityTier(req.GetString("tier", "")),
		Category:  req.GetString("category", ""),
		AgentID:   agentID,
		Origin:    "mcp",
	}
	if value := req.GetString("value", ""); value != "" {
		put.Value = []byte(value)
	}
	if fields := mcp.ParseStringMap(req, "fields", nil); fields != nil {
		put.Fields = make(map[string]string, len(fields))
		for k, v := range fields {
			sv, ok := v.(string)
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("field %q must be a string", k)), nil
			}
			put.Fields[k] = sv
		}
	}
	if expires := req.GetString("expires_at", ""); expires != "" {
		t, parseErr := time.Parse(time.RFC3339, expires)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid expires_at: %v", parseErr)), nil
		}
		put.ExpiresAt = &t
	}

	if putErr := s.creds.Put(ctx, put); putErr != nil {
		return toolError(putErr), nil
	}

	cred, getErr := s.creds.Get(ctx, namespace, name)
	if getErr != nil {
		return toolError(getErr), nil
	}
	return marshalResult(cred)
}

// handleGet returns credential metadata, never the value.
func (s *VaultServer) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	namespace, err := req.RequireString("namespace")
	if err != nil {
		return mcp.NewToolResultError("namespace is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	ctx = requestContext(ctx, req.GetString("agent_id", ""), namespace)

	cred, getErr := s.creds.Get(ctx, namespace, name)
	if getErr != nil {
		return toolError(getErr), nil
	}
	return marshalResult(cred)
}

// handleList lists credential metadata.
func (s *VaultServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	namespace := req.GetString("namespace", "")
	agentID := req.GetString("agent_id", "")
	ctx = requestContext(ctx, agentID, namespace)

	creds, listErr := s.creds.List(ctx, namespace, agentID, "mcp")
	if listErr != nil {
		return toolError(listErr), nil
	}
	return marshalResult(map[string]any{"credentials": creds})
}

// handleDelete deletes a credential and its grants.
func (s *VaultServer) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	namespace, err := req.RequireString("namespace")
	if err != nil {
		return mcp.NewToolResultError("namespace is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	ctx = requestContext(ctx, agentID, namespace)

	if delErr := s.creds.Delete(ctx, namespace, name, agentID, "mcp"); delErr != nil {
		return toolError(delErr), nil
	}
	return marshalResult(map[string]any{"deleted": namespace + ":" + name})
}

// handleSubstitute rewrites text or a batch of texts.
func (s *VaultServer) handleSubstitute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	ctx = requestContext(ctx, agentID, "")
	s.captureSession(ctx, agentID)

	request := substitute.Request{
		AgentID: agentID,
		Tool:    req.GetString("tool", ""),
		Origin:  "mcp",
		Purpose: req.GetString("purpose", ""),
	}

	if texts := req.GetStringSlice("texts", nil); len(texts) > 0 {
		res, subErr := s.engine.SubstituteBatch(ctx, texts, request)
		if subErr != nil {
			return toolError(subErr), nil
		}
		return marshalResult(map[string]any{
			"texts":            res.Texts,
			"tokens_processed": res.TokensProcessed,
			"elapsed_ms":       res.Elapsed.Milliseconds(),
		})
	}

	text := req.GetString("text", "")
	if text == "" {
		return mcp.NewToolResultError("either text or texts is required"), nil
	}
	request.Text = text
	res, subErr := s.engine.Substitute(ctx, request)
	if subErr != nil {
		return toolError(subErr), nil
	}
	return marshalResult(map[string]any{
		"text":             res.Text,
		"tokens_processed": res.TokensProcessed,
		"elapsed_ms":       res.Elapsed.Milliseconds(),
	})
}

// handleGrant issues an access grant.
func (s *VaultServer) handleGrant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	namespace, err := req.RequireString("namespace")
	if err != nil {
		return mcp.NewToolResultError("namespace is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	grantedBy, err := req.RequireString("granted_by")
	if err != nil {
		return mcp.NewToolResultError("granted_by is required"), nil
	}
	ctx = requestContext(ctx, agentID, namespace)

	if regErr := s.ensureAgent(ctx, agentID); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register agent: %v", regErr)), nil
	}

	var ttl time.Duration
	if raw := req.GetString("ttl", ""); raw != "" {
		parsed, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid ttl: %v", parseErr)), nil
		}
		ttl = parsed
	}

	grant, grantErr := s.authority.Grant(ctx, grants.GrantRequest{
		Namespace:     namespace,
		Name:          name,
		AgentID:       agentID,
		Purpose:       req.GetString("purpose", ""),
		TTL:           ttl,
		MaxUses:       req.GetInt("max_uses", 0),
		Policy:        req.GetString("policy", ""),
		ToolAllowlist: req.GetStringSlice("tools", nil),
		GrantedBy:     grantedBy,
		Origin:        "mcp",
	})
	if grantErr != nil {
		return toolError(grantErr), nil
	}
	return marshalResult(grant)
}

// handleRevoke revokes a grant and notifies the affected agent.
func (s *VaultServer) handleRevoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	grantID, err := req.RequireString("grant_id")
	if err != nil {
		return mcp.NewToolResultError("grant_id is required"), nil
	}
	reason := req.GetString("reason", "")

	grant, getErr := s.store.GetGrant(ctx, grantID)
	if getErr != nil {
		return toolError(getErr), nil
	}
	ctx = requestContext(ctx, grant.AgentID, grant.Namespace)

	if revErr := s.authority.Revoke(ctx, grantID, reason, req.GetString("revoked_by", ""), "mcp"); revErr != nil {
		return toolError(revErr), nil
	}

	// Best-effort push so the agent learns it lost access before its
	// next substitution fails.
	if notifyErr := s.notifier.Notify(ctx, grant.AgentID, map[string]any{
		"type":      "grant_revoked",
		"grant_id":  grantID,
		"namespace": grant.Namespace,
		"name":      grant.Name,
		"reason":    reason,
	}); notifyErr != nil {
		s.logger.WarnContext(ctx, "revocation notify failed",
			"agent_id", grant.AgentID, "error", notifyErr)
	}

	return marshalResult(map[string]any{"revoked": grantID})
}

// handleExport exports decrypted credentials after the export policy check.
func (s *VaultServer) handleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	namespace := req.GetString("namespace", "")
	ctx = requestContext(ctx, agentID, namespace)

	items, expErr := s.creds.Export(ctx, namespace, agentID, "mcp")
	if expErr != nil {
		return toolError(expErr), nil
	}
	return marshalResult(map[string]any{"credentials": items})
}

// handleAudit queries the audit log or verifies its hash chain.
func (s *VaultServer) handleAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = requestContext(ctx, req.GetString("agent_id", ""), req.GetString("namespace", ""))
	if req.GetBool("verify", false) {
		if verifyErr := s.auditor.Verify(ctx); verifyErr != nil {
			return toolError(verifyErr), nil
		}
		return marshalResult(map[string]any{"verified": true})
	}

	filter := store.AuditFilter{
		Action:    req.GetString("action", ""),
		AgentID:   req.GetString("agent_id", ""),
		Namespace: req.GetString("namespace", ""),
		Name:      req.GetString("name", ""),
		Limit:     req.GetInt("limit", 100),
	}
	if since := req.GetString("since", ""); since != "" {
		t, parseErr := time.Parse(time.RFC3339, since)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since: %v", parseErr)), nil
		}
		filter.Since = &t
	}

	records, queryErr := s.auditor.Query(ctx, filter)
	if queryErr != nil {
		return toolError(queryErr), nil
	}
	return marshalResult(map[string]any{"entries": records})
}

// handleDescribeFormat describes one or all PII categories.
func (s *VaultServer) handleDescribeFormat(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if category := req.GetString("category", ""); category != "" {
		desc, descErr := s.validator.Describe(category)
		if descErr != nil {
			return toolError(descErr), nil
		}
		return marshalResult(desc)
	}
	return marshalResult(map[string]any{"categories": s.validator.Categories()})
}

// --- Internal helpers ---

// requestContext tags the context with a fresh request ID plus the caller
// and namespace, so every log line emitted for this tool call carries the
// correlation IDs.
func requestContext(ctx context.Context, agentID, namespace string) context.Context {
	return logging.WithIDs(ctx, uuid.NewString(), agentID, namespace)
}

// ensureAgent creates an agent record if it doesn't already exist.
func (s *VaultServer) ensureAgent(ctx context.Context, agentID string) error {
	_, err := identity.EnsureRegistered(ctx, s.store, agentID, agentID, identity.AgentTypeLLM, nil)
	return err
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *VaultServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// toolError maps a vault error to a tool failure without leaking detail
// beyond the structured code and message.
func toolError(err error) *mcp.CallToolResult {
	if ve, ok := err.(*schema.VaultError); ok {
		return mcp.NewToolResultError(ve.Error())
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
