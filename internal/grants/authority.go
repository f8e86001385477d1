// Package grants is the access authority: every credential disclosure
// passes through Check, which is default-deny. A request is allowed only
// when an active, unexpired grant with uses remaining covers it, and the
// use is consumed atomically with the validity check.
package grants

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/covault/covault/internal/audit"
	"github.com/covault/covault/internal/store"
	"github.com/covault/covault/pkg/schema"
)

// Authority owns grant lifecycle and access decisions.
type Authority struct {
	store   store.Store
	policy  *PolicyEngine
	auditor *audit.Auditor
	logger  *slog.Logger
}

// NewAuthority creates the access authority.
func NewAuthority(s store.Store, policy *PolicyEngine, auditor *audit.Auditor, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{store: s, policy: policy, auditor: auditor, logger: logger}
}

// GrantRequest describes a new grant.
type GrantRequest struct {
	Namespace     string
	Name          string
	AgentID       string
	Purpose       string
	TTL           time.Duration // 0 = no expiry
	MaxUses       int           // 0 = unlimited
	Policy        string        // optional CEL condition
	ToolAllowlist []string
	GrantedBy     string // identity issuing the grant; never the recipient
	Origin        string
}

// Grant issues a new access grant. The referenced credential must exist,
// any policy condition must compile, and the issuing principal must be
// named and must not be the recipient: agents do not mint their own
// access.
func (a *Authority) Grant(ctx context.Context, req GrantRequest) (*store.AccessGrant, error) {
	if req.Namespace == "" || req.Name == "" || req.AgentID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "namespace, name and agent_id are required")
	}
	if req.GrantedBy == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "granted_by is required")
	}
	if req.GrantedBy == req.AgentID {
		a.record(ctx, audit.Entry{
			Action:    schema.ActionGrantCreated,
			Outcome:   schema.OutcomeDenied,
			Namespace: req.Namespace,
			Name:      req.Name,
			AgentID:   req.AgentID,
			Origin:    req.Origin,
			Details:   map[string]any{"reason": "self-issued grant", "granted_by": req.GrantedBy},
		})
		return nil, schema.NewError(schema.ErrCodeAccessDenied, "an agent cannot issue a grant to itself").
			WithKey(schema.CredentialRef{Namespace: req.Namespace, Name: req.Name}.String())
	}
	if req.MaxUses < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "max_uses cannot be negative")
	}
	if _, err := a.store.GetCredential(ctx, req.Namespace, req.Name); err != nil {
		return nil, err
	}
	if err := a.policy.Compile(req.Policy); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	grant := &store.AccessGrant{
		ID:            uuid.NewString(),
		Namespace:     req.Namespace,
		Name:          req.Name,
		AgentID:       req.AgentID,
		Purpose:       req.Purpose,
		GrantedAt:     now,
		MaxUses:       req.MaxUses,
		Active:        true,
		Policy:        req.Policy,
		ToolAllowlist: req.ToolAllowlist,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		grant.ExpiresAt = &exp
	}
	if req.MaxUses > 0 {
		remaining := req.MaxUses
		grant.UsesRemaining = &remaining
	}

	if err := a.store.CreateGrant(ctx, grant); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create grant").WithCause(err)
	}

	a.record(ctx, audit.Entry{
		Action:    schema.ActionGrantCreated,
		Outcome:   schema.OutcomeSuccess,
		Namespace: req.Namespace,
		Name:      req.Name,
		AgentID:   req.AgentID,
		Origin:    req.Origin,
		Details: map[string]any{
			"grant_id":   grant.ID,
			"purpose":    req.Purpose,
			"max_uses":   req.MaxUses,
			"granted_by": req.GrantedBy,
			"expires_at": timeDetail(grant.ExpiresAt),
		},
	})
	return grant, nil
}

// Revoke deactivates a grant immediately.
func (a *Authority) Revoke(ctx context.Context, id, reason, revokedBy, origin string) error {
	grant, err := a.store.GetGrant(ctx, id)
	if err != nil {
		return err
	}
	if err := a.store.RevokeGrant(ctx, id, reason, time.Now().UTC()); err != nil {
		return schema.NewError(schema.ErrCodeStore, "revoke grant").WithCause(err)
	}

	a.record(ctx, audit.Entry{
		Action:    schema.ActionGrantRevoked,
		Outcome:   schema.OutcomeSuccess,
		Namespace: grant.Namespace,
		Name:      grant.Name,
		AgentID:   grant.AgentID,
		Origin:    origin,
		Details: map[string]any{
			"grant_id":   id,
			"reason":     reason,
			"revoked_by": revokedBy,
		},
	})
	return nil
}

// List returns grants matching the filter.
func (a *Authority) List(ctx context.Context, filter store.GrantFilter) ([]*store.AccessGrant, error) {
	return a.store.ListGrants(ctx, filter)
}

// CheckRequest describes one access decision.
type CheckRequest struct {
	Namespace string
	Name      string
	AgentID   string
	Tool      string // tool the value flows into, "" when unknown
	Origin    string
	Purpose   string
}

// Check decides whether the agent may resolve the credential right now,
// consuming one use from the covering grant. No grant means no access;
// there is no implicit allow path. Every decision is audited, denials
// included.
func (a *Authority) Check(ctx context.Context, req CheckRequest) error {
	cred, err := a.store.GetCredential(ctx, req.Namespace, req.Name)
	if err != nil {
		a.auditDenied(ctx, req, schema.GrantStatusMissing, map[string]any{"error": schema.CodeOf(err)})
		return err
	}

	if len(cred.AllowedAgents) > 0 && !slices.Contains(cred.AllowedAgents, req.AgentID) {
		return a.deny(ctx, req, "agent not in credential allowlist", schema.GrantStatusMissing, nil)
	}
	if req.Tool != "" && len(cred.AllowedTools) > 0 && !slices.Contains(cred.AllowedTools, req.Tool) {
		return a.deny(ctx, req, "tool not in credential allowlist", schema.GrantStatusMissing,
			map[string]any{"tool": req.Tool})
	}

	candidates, err := a.store.ListGrants(ctx, store.GrantFilter{
		AgentID:   req.AgentID,
		Namespace: req.Namespace,
		Name:      req.Name,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "list grants").WithCause(err)
	}

	now := time.Now().UTC()
	status := schema.GrantStatusMissing
	for _, g := range candidates {
		switch {
		case !g.Active && g.RevokedAt != nil:
			status = worseOf(status, schema.GrantStatusRevoked)
			continue
		case !g.Active:
			status = worseOf(status, schema.GrantStatusExpired)
			continue
		case g.ExpiresAt != nil && !now.Before(*g.ExpiresAt):
			status = worseOf(status, schema.GrantStatusExpired)
			continue
		case g.UsesRemaining != nil && *g.UsesRemaining <= 0:
			status = worseOf(status, schema.GrantStatusExhausted)
			continue
		}

		if req.Tool != "" && len(g.ToolAllowlist) > 0 && !slices.Contains(g.ToolAllowlist, req.Tool) {
			continue
		}

		if g.Policy != "" {
			allowed, polErr := a.policy.Allow(g.Policy, map[string]any{
				"agent":   map[string]any{"id": req.AgentID},
				"request": map[string]any{"tool": req.Tool, "origin": req.Origin, "purpose": req.Purpose},
				"credential": map[string]any{
					"namespace": cred.Namespace,
					"name":      cred.Name,
					"tier":      string(cred.Tier),
					"category":  cred.Category,
				},
				"now": now,
			})
			if polErr != nil {
				a.logger.WarnContext(ctx, "grant policy error",
					slog.String("grant_id", g.ID), slog.Any("error", polErr))
				continue
			}
			if !allowed {
				continue
			}
		}

		// Validity re-checked and use consumed in one atomic step, so a
		// concurrent revoke or a racing consumer cannot double-spend.
		ok, consumeErr := a.store.ConsumeGrantUse(ctx, g.ID, now)
		if consumeErr != nil {
			return schema.NewError(schema.ErrCodeStore, "consume grant use").WithCause(consumeErr)
		}
		if !ok {
			status = worseOf(status, schema.GrantStatusExhausted)
			continue
		}

		a.record(ctx, audit.Entry{
			Action:    schema.ActionAccessCheck,
			Outcome:   schema.OutcomeSuccess,
			Namespace: req.Namespace,
			Name:      req.Name,
			AgentID:   req.AgentID,
			Origin:    req.Origin,
			Details:   map[string]any{"grant_id": g.ID, "tool": req.Tool},
		})
		return nil
	}

	return a.deny(ctx, req, "no usable grant", status, nil)
}

// Sweep deactivates grants past their expiry and audits each one.
// Returns the number of grants swept.
func (a *Authority) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := a.store.DeactivateExpiredGrants(ctx, now)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "deactivate expired grants").WithCause(err)
	}
	for _, id := range ids {
		grant, getErr := a.store.GetGrant(ctx, id)
		if getErr != nil {
			a.logger.WarnContext(ctx, "swept grant not found", slog.String("grant_id", id))
			continue
		}
		a.record(ctx, audit.Entry{
			Action:    schema.ActionGrantExpired,
			Outcome:   schema.OutcomeSuccess,
			Namespace: grant.Namespace,
			Name:      grant.Name,
			AgentID:   grant.AgentID,
			Details:   map[string]any{"grant_id": id},
		})
	}
	return len(ids), nil
}

func (a *Authority) deny(ctx context.Context, req CheckRequest, reason, status string, extra map[string]any) error {
	details := map[string]any{"reason": reason, "grant_status": status}
	for k, v := range extra {
		details[k] = v
	}
	a.auditDenied(ctx, req, status, details)

	return schema.NewErrorf(schema.ErrCodeAccessDenied, "access denied: %s", reason).
		WithKey(schema.CredentialRef{Namespace: req.Namespace, Name: req.Name}.String()).
		WithDetails(map[string]any{"grant_status": status})
}

func (a *Authority) auditDenied(ctx context.Context, req CheckRequest, status string, details map[string]any) {
	if details == nil {
		details = map[string]any{"grant_status": status}
	}
	a.record(ctx, audit.Entry{
		Action:    schema.ActionAccessDenied,
		Outcome:   schema.OutcomeDenied,
		Namespace: req.Namespace,
		Name:      req.Name,
		AgentID:   req.AgentID,
		Origin:    req.Origin,
		Details:   details,
	})
}

func (a *Authority) record(ctx context.Context, e audit.Entry) {
	if err := a.auditor.Record(ctx, e); err != nil {
		a.logger.ErrorContext(ctx, "audit append failed",
			slog.String("action", e.Action), slog.Any("error", err))
	}
}

// worseOf picks the more informative denial status: a grant that existed
// but expired or ran out beats "no grant at all" in the audit trail.
func worseOf(current, candidate string) string {
	if current == schema.GrantStatusMissing {
		return candidate
	}
	return current
}

func timeDetail(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
