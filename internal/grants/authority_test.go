package grants

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covault/covault/internal/audit"
	"github.com/covault/covault/internal/store"
	"github.com/covault/covault/pkg/schema"
)

func newTestAuthority(t *testing.T) (*Authority, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	logger := slog.New(slog.DiscardHandler)

	auditor, err := audit.New(context.Background(), s, logger)
	require.NoError(t, err)
	policy, err := NewPolicyEngine()
	require.NoError(t, err)

	return NewAuthority(s, policy, auditor, logger), s
}

func seedCredential(t *testing.T, s *store.MemoryStore, namespace, name string) {
	t.Helper()
	err := s.PutCredential(context.Background(), &store.Credential{
		Namespace: namespace,
		Name:      name,
		Kind:      schema.KindSimple,
		Tier:      schema.TierMedium,
		Payload:   []byte("sealed"),
	})
	require.NoError(t, err)
}

func TestCheckDefaultDeny(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	err := a.Check(ctx, CheckRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAccessDenied, schema.CodeOf(err))

	// denial is audited
	denials, err := s.ListAudit(ctx, store.AuditFilter{Action: schema.ActionAccessDenied})
	require.NoError(t, err)
	assert.Len(t, denials, 1)
	assert.Equal(t, schema.OutcomeDenied, denials[0].Outcome)
}

func TestGrantThenCheckAllows(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	grant, err := a.Grant(ctx, GrantRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", GrantedBy: "admin",
		Purpose: "deploy", TTL: time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, grant.Active)
	require.NotNil(t, grant.ExpiresAt)

	err = a.Check(ctx, CheckRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1"})
	assert.NoError(t, err)
}

func TestGrantRequiresCredential(t *testing.T) {
	a, _ := newTestAuthority(t)

	_, err := a.Grant(context.Background(), GrantRequest{
		Namespace: "prod", Name: "missing", AgentID: "agent-1", GrantedBy: "admin",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCredentialNotFound, schema.CodeOf(err))
}

func TestGrantRequiresIssuer(t *testing.T) {
	a, s := newTestAuthority(t)
	seedCredential(t, s, "prod", "api_key")

	_, err := a.Grant(context.Background(), GrantRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGrantRejectsSelfIssue(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	_, err := a.Grant(ctx, GrantRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", GrantedBy: "agent-1",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAccessDenied, schema.CodeOf(err))

	// nothing was issued: the agent still has no access
	err = a.Check(ctx, CheckRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAccessDenied, schema.CodeOf(err))

	// the refused attempt is on the record
	records, err := s.ListAudit(ctx, store.AuditFilter{Action: schema.ActionGrantCreated})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, schema.OutcomeDenied, records[0].Outcome)
}

func TestGrantRejectsBadPolicy(t *testing.T) {
	a, s := newTestAuthority(t)
	seedCredential(t, s, "prod", "api_key")

	_, err := a.Grant(context.Background(), GrantRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", GrantedBy: "admin",
		Policy: "request.tool ==",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCheckScopedToAgent(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	_, err := a.Grant(ctx, GrantRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1", GrantedBy: "admin"})
	require.NoError(t, err)

	err = a.Check(ctx, CheckRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-2"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAccessDenied, schema.CodeOf(err))
}

func TestCheckExpiredGrantDenied(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreateGrant(ctx, &store.AccessGrant{
		ID: "g-expired", Namespace: "prod", Name: "api_key",
		AgentID: "agent-1", Active: true, ExpiresAt: &past,
	}))

	err := a.Check(ctx, CheckRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1"})
	require.Error(t, err)
	ve := err.(*schema.VaultError)
	assert.Equal(t, schema.GrantStatusExpired, ve.Details["grant_status"])
}

func TestCheckRevokedGrantDenied(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	grant, err := a.Grant(ctx, GrantRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1", GrantedBy: "admin"})
	require.NoError(t, err)
	require.NoError(t, a.Revoke(ctx, grant.ID, "rotation", "admin", "test"))

	err = a.Check(ctx, CheckRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1"})
	require.Error(t, err)
	ve := err.(*schema.VaultError)
	assert.Equal(t, schema.GrantStatusRevoked, ve.Details["grant_status"])
}

func TestCheckConsumesUses(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	_, err := a.Grant(ctx, GrantRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", GrantedBy: "admin", MaxUses: 2,
	})
	require.NoError(t, err)

	req := CheckRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1"}
	require.NoError(t, a.Check(ctx, req))
	require.NoError(t, a.Check(ctx, req))

	err = a.Check(ctx, req)
	require.Error(t, err)
	ve := err.(*schema.VaultError)
	assert.Equal(t, schema.GrantStatusExhausted, ve.Details["grant_status"])
}

func TestCheckSingleUseNoDoubleSpend(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	_, err := a.Grant(ctx, GrantRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", GrantedBy: "admin", MaxUses: 1,
	})
	require.NoError(t, err)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a.Check(ctx, CheckRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1"}) == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load(), "a single-use grant must be consumable exactly once")
}

func TestCheckToolAllowlist(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	_, err := a.Grant(ctx, GrantRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", GrantedBy: "admin",
		ToolAllowlist: []string{"http_request"},
	})
	require.NoError(t, err)

	err = a.Check(ctx, CheckRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", Tool: "shell",
	})
	require.Error(t, err)

	err = a.Check(ctx, CheckRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", Tool: "http_request",
	})
	assert.NoError(t, err)
}

func TestCheckCredentialAgentAllowlist(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	require.NoError(t, s.PutCredential(ctx, &store.Credential{
		Namespace: "prod", Name: "api_key", Kind: schema.KindSimple,
		Tier: schema.TierMedium, Payload: []byte("sealed"),
		AllowedAgents: []string{"agent-2"},
	}))

	_, err := a.Grant(ctx, GrantRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1", GrantedBy: "admin"})
	require.NoError(t, err)

	// grant exists but the credential's own allowlist wins
	err = a.Check(ctx, CheckRequest{Namespace: "prod", Name: "api_key", AgentID: "agent-1"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAccessDenied, schema.CodeOf(err))
}

func TestCheckPolicyCondition(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	_, err := a.Grant(ctx, GrantRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", GrantedBy: "admin",
		Policy: `request.purpose == "deploy"`,
	})
	require.NoError(t, err)

	err = a.Check(ctx, CheckRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", Purpose: "debug",
	})
	require.Error(t, err)

	err = a.Check(ctx, CheckRequest{
		Namespace: "prod", Name: "api_key", AgentID: "agent-1", Purpose: "deploy",
	})
	assert.NoError(t, err)
}

func TestSweepExpiresGrants(t *testing.T) {
	a, s := newTestAuthority(t)
	ctx := context.Background()
	seedCredential(t, s, "prod", "api_key")

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.CreateGrant(ctx, &store.AccessGrant{
		ID: "g-old", Namespace: "prod", Name: "api_key",
		AgentID: "agent-1", Active: true, ExpiresAt: &past,
	}))
	require.NoError(t, s.CreateGrant(ctx, &store.AccessGrant{
		ID: "g-live", Namespace: "prod", Name: "api_key",
		AgentID: "agent-1", Active: true, ExpiresAt: &future,
	}))

	n, err := a.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old, err := s.GetGrant(ctx, "g-old")
	require.NoError(t, err)
	assert.False(t, old.Active)
	live, err := s.GetGrant(ctx, "g-live")
	require.NoError(t, err)
	assert.True(t, live.Active)

	expired, err := s.ListAudit(ctx, store.AuditFilter{Action: schema.ActionGrantExpired})
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestPolicyEngineFailClosed(t *testing.T) {
	policy, err := NewPolicyEngine()
	require.NoError(t, err)

	// non-boolean result denies
	allowed, err := policy.Allow(`"yes"`, nil)
	require.Error(t, err)
	assert.False(t, allowed)

	// empty expression allows
	allowed, err = policy.Allow("", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}
