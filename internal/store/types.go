package store

import (
	"encoding/json"
	"time"

	"github.com/covault/covault/pkg/schema"
)

// Credential is the persisted representation of one vault entry, keyed by
// (namespace, name). Payload is the encrypted envelope; the plaintext
// value never reaches this type.
type Credential struct {
	Namespace     string                 `json:"namespace"`
	Name          string                 `json:"name"`
	Kind          schema.CredentialKind  `json:"kind"`
	Tier          schema.SensitivityTier `json:"tier"`
	Category      string                 `json:"category,omitempty"` // PII category ID, validated on add
	Payload       []byte                 `json:"-"`                  // encrypted, never serialized
	KeyRef        string                 `json:"key_ref"`            // which master key encrypted the payload
	AllowedAgents []string               `json:"allowed_agents,omitempty"`
	AllowedTools  []string               `json:"allowed_tools,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Ref returns the credential's (namespace, name) reference.
func (c *Credential) Ref() schema.CredentialRef {
	return schema.CredentialRef{Namespace: c.Namespace, Name: c.Name}
}

// Expired reports whether the credential is past its optional expiry.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// AccessGrant authorizes one agent to resolve one credential, bounded by
// time and/or a remaining-use counter. Grant state is mutated only by the
// grants.Authority.
type AccessGrant struct {
	ID            string     `json:"id"`
	Namespace     string     `json:"namespace"`
	Name          string     `json:"name"`
	AgentID       string     `json:"agent_id"`
	Purpose       string     `json:"purpose"`
	GrantedAt     time.Time  `json:"granted_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxUses       int        `json:"max_uses,omitempty"`       // 0 = unlimited
	UsesRemaining *int       `json:"uses_remaining,omitempty"` // nil = unlimited
	Active        bool       `json:"active"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokeReason  string     `json:"revoke_reason,omitempty"`
	Policy        string     `json:"policy,omitempty"` // optional CEL condition
	ToolAllowlist []string   `json:"tool_allowlist,omitempty"`
}

// Ref returns the granted credential's reference.
func (g *AccessGrant) Ref() schema.CredentialRef {
	return schema.CredentialRef{Namespace: g.Namespace, Name: g.Name}
}

// AuditRecord is one immutable entry in the append-only audit log.
// Details never contain secret values; ValueDigest is a one-way digest of
// any processed secret. EntryHash chains to PrevHash for tamper evidence.
type AuditRecord struct {
	ID          int64               `json:"id"`
	Timestamp   time.Time           `json:"timestamp"`
	Action      string              `json:"action"`
	Outcome     schema.AuditOutcome `json:"outcome"`
	Namespace   string              `json:"namespace,omitempty"`
	Name        string              `json:"name,omitempty"`
	Category    string              `json:"category,omitempty"`
	AgentID     string              `json:"agent_id,omitempty"`
	Origin      string              `json:"origin,omitempty"` // caller network origin
	Details     json.RawMessage     `json:"details,omitempty"`
	ValueDigest string              `json:"value_digest,omitempty"`
	PrevHash    string              `json:"prev_hash,omitempty"`
	EntryHash   string              `json:"entry_hash"`
}

// Agent is a registered caller identity.
type Agent struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"` // llm, system, human, service
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
}

// --- Filter types ---

// GrantFilter specifies criteria for listing grants.
type GrantFilter struct {
	AgentID    string `json:"agent_id,omitempty"`
	Namespace  string `json:"namespace,omitempty"`
	Name       string `json:"name,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// AuditFilter specifies criteria for querying the audit log.
type AuditFilter struct {
	Action    string     `json:"action,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	Namespace string     `json:"namespace,omitempty"`
	Name      string     `json:"name,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}
