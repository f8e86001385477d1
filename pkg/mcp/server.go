// Package mcp exposes the vault to agents over the Model Context
// Protocol. Tool handlers never return raw secret values except through
// vault.substitute and vault.export, which sit behind the grant and
// export policy checks respectively.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/covault/covault/internal/audit"
	"github.com/covault/covault/internal/credstore"
	"github.com/covault/covault/internal/grants"
	"github.com/covault/covault/internal/pii"
	"github.com/covault/covault/internal/store"
	"github.com/covault/covault/internal/substitute"
)

// VaultServerDeps holds the dependencies for creating a VaultServer.
type VaultServerDeps struct {
	Creds     *credstore.CredStore
	Authority *grants.Authority
	Engine    *substitute.Engine
	Auditor   *audit.Auditor
	Validator *pii.Validator
	Store     store.Store
	Logger    *slog.Logger
}

// VaultServer wraps an MCP server with vault-specific tool handlers.
type VaultServer struct {
	creds     *credstore.CredStore
	authority *grants.Authority
	engine    *substitute.Engine
	auditor   *audit.Auditor
	validator *pii.Validator
	store     store.Store
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewVaultServer creates a new VaultServer with all tools registered.
func NewVaultServer(deps VaultServerDeps) *VaultServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &VaultServer{
		creds:     deps.Creds,
		authority: deps.Authority,
		engine:    deps.Engine,
		auditor:   deps.Auditor,
		validator: deps.Validator,
		store:     deps.Store,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"covault",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Covault is a local credential vault. Reference credentials in text as [VAULT:namespace:credential] or [VAULT:namespace:credential.field] and use vault.substitute to resolve them; raw values are never returned by the metadata tools. Access requires an explicit grant (vault.grant)."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *VaultServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *VaultServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *VaultServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: addTool(), Handler: s.handleAdd},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: substituteTool(), Handler: s.handleSubstitute},
		{Tool: grantTool(), Handler: s.handleGrant},
		{Tool: revokeTool(), Handler: s.handleRevoke},
		{Tool: exportTool(), Handler: s.handleExport},
		{Tool: auditTool(), Handler: s.handleAudit},
		{Tool: describeFormatTool(), Handler: s.handleDescribeFormat},
	}
}

// --- Tool definitions ---

func addTool() mcp.Tool {
	return mcp.NewTool("vault.add",
		mcp.WithDescription("Store or update a credential. The value is encrypted at rest and never echoed back"),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Credential namespace (e.g. prod, personal)")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Credential name within the namespace")),
		mcp.WithString("kind", mcp.Required(),
			mcp.Enum("simple", "structured", "file"),
			mcp.Description("Payload shape: simple (scalar), structured (named fields), file (blob)"),
		),
		mcp.WithString("value", mcp.Description("Credential value (simple and file kinds)")),
		mcp.WithObject("fields", mcp.Description("Field map (structured kind)")),
		mcp.WithString("category", mcp.Description("PII category ID; the value must match the category's format")),
		mcp.WithString("tier", mcp.Enum("low", "medium", "high", "critical"),
			mcp.Description("Sensitivity tier (default: derived from category, else medium)")),
		mcp.WithString("expires_at", mcp.Description("Optional RFC3339 expiry for the credential itself")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the calling agent")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("vault.get",
		mcp.WithDescription("Get credential metadata. Never returns the value; use vault.substitute for that"),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Credential namespace")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Credential name")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("vault.list",
		mcp.WithDescription("List credential metadata, optionally scoped to one namespace"),
		mcp.WithString("namespace", mcp.Description("Namespace filter (empty = all)")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("vault.delete",
		mcp.WithDescription("Delete a credential and revoke every grant referencing it"),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Credential namespace")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Credential name")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the calling agent")),
	)
}

func substituteTool() mcp.Tool {
	return mcp.NewTool("vault.substitute",
		mcp.WithDescription("Rewrite text, replacing [VAULT:...] tokens with real credential values. All-or-nothing: any unresolvable token aborts the whole pass"),
		mcp.WithString("text", mcp.Description("Text containing vault tokens")),
		mcp.WithArray("texts", mcp.Description("Multiple texts resolved as one batch (token union is checked once)")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the requesting agent")),
		mcp.WithString("tool", mcp.Description("Tool the rewritten text flows into, checked against allowlists")),
		mcp.WithString("purpose", mcp.Description("Why the values are needed; recorded in the audit log")),
	)
}

func grantTool() mcp.Tool {
	return mcp.NewTool("vault.grant",
		mcp.WithDescription("Grant an agent time- or use-bounded access to one credential"),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Credential namespace")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Credential name")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent receiving access")),
		mcp.WithString("ttl", mcp.Description("Grant lifetime as a Go duration (e.g. 30m, 2h); empty = no expiry")),
		mcp.WithNumber("max_uses", mcp.Description("Maximum number of resolutions; 0 = unlimited")),
		mcp.WithString("purpose", mcp.Description("What the access is for; recorded in the audit log")),
		mcp.WithString("policy", mcp.Description("Optional CEL condition over agent/request/credential, evaluated at each check")),
		mcp.WithArray("tools", mcp.Description("Tool allowlist; empty = any tool")),
		mcp.WithString("granted_by", mcp.Required(),
			mcp.Description("Identity issuing the grant; must not be the receiving agent")),
	)
}

func revokeTool() mcp.Tool {
	return mcp.NewTool("vault.revoke",
		mcp.WithDescription("Revoke a grant immediately. Takes effect on the next access check"),
		mcp.WithString("grant_id", mcp.Required(), mcp.Description("ID of the grant to revoke")),
		mcp.WithString("reason", mcp.Description("Why the grant is being revoked")),
		mcp.WithString("revoked_by", mcp.Description("Identity revoking the grant")),
	)
}

func exportTool() mcp.Tool {
	return mcp.NewTool("vault.export",
		mcp.WithDescription("Export decrypted credentials. Refused entirely if any credential's category blocks export"),
		mcp.WithString("namespace", mcp.Description("Namespace to export (empty = all)")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the calling agent")),
	)
}

func auditTool() mcp.Tool {
	return mcp.NewTool("vault.audit",
		mcp.WithDescription("Query the append-only audit log, or verify its hash chain"),
		mcp.WithString("action", mcp.Description("Filter by action (vault_add, vault_resolve, access_denied, ...)")),
		mcp.WithString("agent_id", mcp.Description("Filter by agent")),
		mcp.WithString("namespace", mcp.Description("Filter by namespace")),
		mcp.WithString("name", mcp.Description("Filter by credential name")),
		mcp.WithString("since", mcp.Description("Only entries at or after this RFC3339 timestamp")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default 100)")),
		mcp.WithBoolean("verify", mcp.Description("Verify hash chain integrity instead of listing entries")),
	)
}

func describeFormatTool() mcp.Tool {
	return mcp.NewTool("vault.describe_format",
		mcp.WithDescription("Describe PII categories: expected format, sensitivity tier, export policy. Never reveals matching patterns in error detail"),
		mcp.WithString("category", mcp.Description("Category ID (empty = list all)")),
	)
}
