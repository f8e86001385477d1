// Package audit is the append-only record of every security-relevant
// action in the vault. Entries never contain secret values; when a secret
// was processed, only a one-way digest of it is recorded. Entries are
// hash-chained so tampering with a past entry is detectable, not just
// logged.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/covault/covault/internal/store"
	"github.com/covault/covault/pkg/schema"
)

// Entry is the caller-facing description of one audit event. The auditor
// fills in timestamp, chain hashes and the value digest.
type Entry struct {
	Action    string
	Outcome   schema.AuditOutcome
	Namespace string
	Name      string
	Category  string
	AgentID   string
	Origin    string
	Details   map[string]any
	// Secret is the processed secret value, if any. It is digested and
	// discarded; it never reaches the store or the log.
	Secret []byte
}

// Auditor is the single serialized append path to the audit log. All
// components write through one shared Auditor so concurrent appends never
// interleave and the hash chain stays linear.
type Auditor struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.Mutex
	lastHash string
}

// New creates an Auditor over the given store, loading the current chain
// head so appends continue an existing log.
func New(ctx context.Context, s store.Store, logger *slog.Logger) (*Auditor, error) {
	last, err := s.LastAuditHash(ctx)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load audit chain head").WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{store: s, logger: logger, lastHash: last}, nil
}

// Record appends one entry. Appends run to completion even when the
// caller's context is cancelled, to avoid partially-audited state.
func (a *Auditor) Record(ctx context.Context, e Entry) error {
	var details json.RawMessage
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "marshal audit details").WithCause(err)
		}
		details = b
	}

	rec := &store.AuditRecord{
		Timestamp: time.Now().UTC(),
		Action:    e.Action,
		Outcome:   e.Outcome,
		Namespace: e.Namespace,
		Name:      e.Name,
		Category:  e.Category,
		AgentID:   e.AgentID,
		Origin:    e.Origin,
		Details:   details,
	}
	if len(e.Secret) > 0 {
		rec.ValueDigest = Digest(e.Secret)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec.PrevHash = a.lastHash
	rec.EntryHash = chainHash(rec)

	// Detach from the caller's cancellation: an abandoned request must not
	// leave an access unrecorded.
	if err := a.store.AppendAudit(context.WithoutCancel(ctx), rec); err != nil {
		return schema.NewError(schema.ErrCodeStore, "append audit entry").WithCause(err)
	}
	a.lastHash = rec.EntryHash

	a.logger.DebugContext(ctx, "audit entry appended",
		slog.String("action", rec.Action),
		slog.String("outcome", string(rec.Outcome)))
	return nil
}

// Query returns audit records matching the filter, oldest first.
func (a *Auditor) Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditRecord, error) {
	return a.store.ListAudit(ctx, filter)
}

// Verify walks the full chain and returns an error naming the first entry
// whose stored hash does not match its recomputed one, or whose prev_hash
// does not point at the previous entry.
func (a *Auditor) Verify(ctx context.Context) error {
	records, err := a.store.ListAudit(ctx, store.AuditFilter{})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "read audit log").WithCause(err)
	}

	prev := ""
	for _, rec := range records {
		if rec.PrevHash != prev {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"audit chain broken at entry %d: prev_hash mismatch", rec.ID)
		}
		if got := chainHash(rec); got != rec.EntryHash {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"audit chain broken at entry %d: entry_hash mismatch", rec.ID)
		}
		prev = rec.EntryHash
	}
	return nil
}

// Digest returns the hex SHA-256 of a secret value. It is the only form
// in which a processed secret ever appears in an audit entry.
func Digest(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// chainHash computes the entry hash over the previous hash and the
// entry's canonical fields. Any later edit to a recorded field breaks the
// chain from that entry forward.
func chainHash(rec *store.AuditRecord) string {
	var b strings.Builder
	b.WriteString(rec.PrevHash)
	b.WriteByte('\n')
	b.WriteString(rec.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('\n')
	b.WriteString(rec.Action)
	b.WriteByte('\n')
	b.WriteString(string(rec.Outcome))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%s:%s\n", rec.Namespace, rec.Name)
	b.WriteString(rec.Category)
	b.WriteByte('\n')
	b.WriteString(rec.AgentID)
	b.WriteByte('\n')
	b.WriteString(rec.Origin)
	b.WriteByte('\n')
	b.Write(rec.Details)
	b.WriteByte('\n')
	b.WriteString(rec.ValueDigest)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
