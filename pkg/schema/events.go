package schema

// Audit action constants. One audit entry is appended per occurrence.
const (
	ActionVaultAdd     = "vault_add"
	ActionVaultUpdate  = "vault_update"
	ActionVaultDelete  = "vault_delete"
	ActionVaultResolve = "vault_resolve"
	ActionVaultList    = "vault_list"
	ActionVaultExport  = "vault_export"

	ActionGrantCreated = "grant_created"
	ActionGrantRevoked = "grant_revoked"
	ActionGrantExpired = "grant_expired"
	ActionAccessDenied = "access_denied"
	ActionAccessCheck  = "access_check"

	ActionSubstitute = "substitute"
)

// AuditOutcome is the result recorded on an audit entry.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeDenied  AuditOutcome = "denied"
	OutcomeError   AuditOutcome = "error"
)

// GrantStatus describes why a grant check passed or failed.
// Recorded in audit details for forensic review.
const (
	GrantStatusActive    = "active"
	GrantStatusRevoked   = "revoked"
	GrantStatusExpired   = "expired"
	GrantStatusExhausted = "exhausted"
	GrantStatusMissing   = "no_grant"
)
