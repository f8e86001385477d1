package audit

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covault/covault/internal/store"
	"github.com/covault/covault/pkg/schema"
)

func testAuditor(t *testing.T) (*Auditor, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	a, err := New(context.Background(), s, nil)
	require.NoError(t, err)
	return a, s
}

func TestRecord_AppendsChainedEntries(t *testing.T) {
	a, s := testAuditor(t)
	ctx := context.Background()

	require.NoError(t, a.Record(ctx, Entry{
		Action:    schema.ActionVaultAdd,
		Outcome:   schema.OutcomeSuccess,
		Namespace: "personal",
		Name:      "api_key",
		AgentID:   "agent-1",
	}))
	require.NoError(t, a.Record(ctx, Entry{
		Action:  schema.ActionAccessDenied,
		Outcome: schema.OutcomeDenied,
		AgentID: "agent-2",
	}))

	records, err := s.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Empty(t, records[0].PrevHash)
	assert.NotEmpty(t, records[0].EntryHash)
	assert.Equal(t, records[0].EntryHash, records[1].PrevHash)
}

func TestRecord_SecretNeverStored(t *testing.T) {
	a, s := testAuditor(t)
	ctx := context.Background()

	secret := []byte("sk-super-secret-value")
	require.NoError(t, a.Record(ctx, Entry{
		Action:  schema.ActionVaultResolve,
		Outcome: schema.OutcomeSuccess,
		Secret:  secret,
		Details: map[string]any{"field": "password"},
	}))

	records, err := s.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, Digest(secret), rec.ValueDigest)
	assert.NotContains(t, string(rec.Details), string(secret))
	assert.NotContains(t, rec.ValueDigest, string(secret))
}

func TestVerify_CleanChain(t *testing.T) {
	a, _ := testAuditor(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Record(ctx, Entry{
			Action:  schema.ActionAccessCheck,
			Outcome: schema.OutcomeSuccess,
			AgentID: "agent-1",
		}))
	}
	assert.NoError(t, a.Verify(ctx))
}

func TestVerify_DetectsTampering(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	a, err := New(ctx, s, nil)
	require.NoError(t, err)

	require.NoError(t, a.Record(ctx, Entry{Action: schema.ActionVaultAdd, Outcome: schema.OutcomeSuccess, AgentID: "a"}))
	require.NoError(t, a.Record(ctx, Entry{Action: schema.ActionVaultResolve, Outcome: schema.OutcomeSuccess, AgentID: "a"}))

	// Tamper with the first entry behind the auditor's back.
	records, err := s.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	records[0].AgentID = "someone-else"
	tampered := store.NewMemoryStore()
	for _, r := range records {
		require.NoError(t, tampered.AppendAudit(ctx, r))
	}

	a2, err := New(ctx, tampered, nil)
	require.NoError(t, err)
	err = a2.Verify(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry_hash mismatch")
}

func TestRecord_ConcurrentAppendsStayLinear(t *testing.T) {
	a, s := testAuditor(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Record(ctx, Entry{Action: schema.ActionAccessCheck, Outcome: schema.OutcomeSuccess})
		}()
	}
	wg.Wait()

	records, err := s.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, records, 20)
	require.NoError(t, a.Verify(ctx))

	prev := ""
	for _, r := range records {
		assert.Equal(t, prev, r.PrevHash)
		prev = r.EntryHash
	}
}

func TestNew_ResumesExistingChain(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	a1, err := New(ctx, s, nil)
	require.NoError(t, err)
	require.NoError(t, a1.Record(ctx, Entry{Action: schema.ActionVaultAdd, Outcome: schema.OutcomeSuccess}))

	a2, err := New(ctx, s, nil)
	require.NoError(t, err)
	require.NoError(t, a2.Record(ctx, Entry{Action: schema.ActionVaultDelete, Outcome: schema.OutcomeSuccess}))

	require.NoError(t, a2.Verify(ctx))
}

func TestDigest_Stable(t *testing.T) {
	d1 := Digest([]byte("value"))
	d2 := Digest([]byte("value"))
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)
	assert.False(t, strings.Contains(d1, "value"))
}
