package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Credential writes
// to the same (namespace, name) are atomic upserts; audit appends are
// atomic inserts so concurrent writers never interleave entries.
type Store interface {
	// Credentials
	PutCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, namespace, name string) (*Credential, error)
	// ListCredentials returns metadata only; Payload is always nil.
	ListCredentials(ctx context.Context, namespace string) ([]*Credential, error)
	DeleteCredential(ctx context.Context, namespace, name string) error

	// Access grants
	CreateGrant(ctx context.Context, grant *AccessGrant) error
	GetGrant(ctx context.Context, id string) (*AccessGrant, error)
	ListGrants(ctx context.Context, filter GrantFilter) ([]*AccessGrant, error)
	// ConsumeGrantUse atomically validates the grant (active, unexpired,
	// uses remaining) and decrements a bounded use counter in the same
	// operation. Returns false when the grant is no longer usable.
	ConsumeGrantUse(ctx context.Context, id string, now time.Time) (bool, error)
	RevokeGrant(ctx context.Context, id, reason string, at time.Time) error
	// RevokeGrantsForCredential revokes every active grant referencing the
	// credential and returns the revoked grant IDs.
	RevokeGrantsForCredential(ctx context.Context, namespace, name, reason string, at time.Time) ([]string, error)
	// DeactivateExpiredGrants marks active grants past their expiry as
	// inactive and returns the affected grant IDs.
	DeactivateExpiredGrants(ctx context.Context, now time.Time) ([]string, error)

	// Audit (append-only; entries are never edited or deleted)
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)
	// LastAuditHash returns the entry hash of the newest audit record, or
	// "" when the log is empty.
	LastAuditHash(ctx context.Context) (string, error)

	// Agents
	RegisterAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgentSeen(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
