// Package credstore owns Credential records: encrypted persistence,
// format validation on the way in, and decryption for authorized
// resolution on the way out. Plaintext values exist only in short-lived
// buffers that callers zero on release.
package credstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/covault/covault/internal/audit"
	"github.com/covault/covault/internal/pii"
	"github.com/covault/covault/internal/store"
	"github.com/covault/covault/pkg/schema"
)

// CredStore is the Credential Store component.
type CredStore struct {
	store     store.Store
	env       *Envelope
	validator *pii.Validator
	auditor   *audit.Auditor
	logger    *slog.Logger
}

// New creates a CredStore over the given persistence, envelope, format
// validator and auditor.
func New(s store.Store, env *Envelope, validator *pii.Validator, auditor *audit.Auditor, logger *slog.Logger) *CredStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredStore{store: s, env: env, validator: validator, auditor: auditor, logger: logger}
}

// PutRequest describes one credential write. Exactly one of Value or
// Fields is set: Value for simple and file kinds, Fields for structured.
type PutRequest struct {
	Namespace     string
	Name          string
	Kind          schema.CredentialKind
	Tier          schema.SensitivityTier
	Category      string
	Value         []byte
	Fields        map[string]string
	AllowedAgents []string
	AllowedTools  []string
	ExpiresAt     *time.Time
	AgentID       string
	Origin        string
}

// Put upserts a credential. When a category is declared, the value must
// pass format validation before it enters the store. The plaintext is
// sealed and zeroed before return.
func (cs *CredStore) Put(ctx context.Context, req PutRequest) error {
	ref := schema.CredentialRef{Namespace: req.Namespace, Name: req.Name}
	if req.Namespace == "" || req.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "namespace and name are required")
	}
	if !schema.ValidKind(req.Kind) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid credential kind %q", req.Kind)
	}

	plaintext, err := encodePlaintext(req)
	if err != nil {
		return err
	}
	defer Zero(plaintext)

	tier := req.Tier
	if req.Category != "" {
		res, valErr := cs.validateRequest(req)
		if valErr != nil {
			cs.auditPut(ctx, req, nil, schema.OutcomeError, map[string]any{"error": schema.CodeOf(valErr)})
			return valErr
		}
		if tier == "" {
			tier = res.Tier
		}
	}
	if tier == "" {
		tier = schema.TierMedium
	}
	if !schema.ValidTier(tier) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid sensitivity tier %q", tier)
	}

	sealed, err := cs.env.Seal(plaintext)
	if err != nil {
		return schema.NewError(schema.ErrCodeVault, "seal payload").WithCause(err).WithKey(ref.String())
	}

	action := schema.ActionVaultAdd
	if _, getErr := cs.store.GetCredential(ctx, req.Namespace, req.Name); getErr == nil {
		action = schema.ActionVaultUpdate
	}

	cred := &store.Credential{
		Namespace:     req.Namespace,
		Name:          req.Name,
		Kind:          req.Kind,
		Tier:          tier,
		Category:      req.Category,
		Payload:       sealed,
		KeyRef:        cs.env.KeyRef(),
		AllowedAgents: req.AllowedAgents,
		AllowedTools:  req.AllowedTools,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := cs.store.PutCredential(ctx, cred); err != nil {
		return schema.NewError(schema.ErrCodeStore, "put credential").WithCause(err).WithKey(ref.String())
	}

	cs.auditPutAction(ctx, action, req, plaintext, schema.OutcomeSuccess, map[string]any{
		"kind": string(req.Kind),
		"tier": string(tier),
	})
	return nil
}

// validateRequest runs category validation over the request's plaintext.
// Structured credentials validate each field value against the category.
func (cs *CredStore) validateRequest(req PutRequest) (pii.Result, error) {
	if req.Kind == schema.KindStructured {
		var last pii.Result
		for _, v := range req.Fields {
			res, err := cs.validator.Validate(v, req.Category)
			if err != nil {
				return res, err
			}
			last = res
		}
		if len(req.Fields) == 0 {
			return pii.Result{}, schema.NewError(schema.ErrCodeValidation, "structured credential requires fields")
		}
		return last, nil
	}
	return cs.validator.Validate(string(req.Value), req.Category)
}

// Get returns credential metadata. The encrypted payload is stripped;
// values only leave through Resolve.
func (cs *CredStore) Get(ctx context.Context, namespace, name string) (*store.Credential, error) {
	cred, err := cs.store.GetCredential(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	cred.Payload = nil
	return cred, nil
}

// List returns metadata for every credential, optionally scoped to one
// namespace. Payloads are never included in listings. Each listing is
// audited with the caller and the number of records disclosed.
func (cs *CredStore) List(ctx context.Context, namespace, agentID, origin string) ([]*store.Credential, error) {
	creds, err := cs.store.ListCredentials(ctx, namespace)
	if err != nil {
		return nil, err
	}
	cs.record(ctx, audit.Entry{
		Action:    schema.ActionVaultList,
		Outcome:   schema.OutcomeSuccess,
		Namespace: namespace,
		AgentID:   agentID,
		Origin:    origin,
		Details:   map[string]any{"count": len(creds)},
	})
	return creds, nil
}

// Resolve decrypts one credential and optionally extracts a named field
// from a structured payload. The returned buffer is owned by the caller,
// who must Zero it when done. Every resolve is audited.
func (cs *CredStore) Resolve(ctx context.Context, namespace, name, field, agentID, origin string) ([]byte, error) {
	ref := schema.CredentialRef{Namespace: namespace, Name: name}

	cred, err := cs.store.GetCredential(ctx, namespace, name)
	if err != nil {
		cs.auditResolve(ctx, ref, field, agentID, origin, nil, schema.OutcomeError, schema.ErrCodeCredentialNotFound)
		return nil, err
	}
	if cred.Expired(time.Now().UTC()) {
		cs.auditResolve(ctx, ref, field, agentID, origin, nil, schema.OutcomeError, "expired")
		return nil, schema.NewError(schema.ErrCodeCredentialNotFound, "credential has expired").
			WithKey(ref.String()).WithDetails(map[string]any{"expired": true})
	}

	plaintext, err := cs.env.Open(cred.Payload)
	if err != nil {
		cs.auditResolve(ctx, ref, field, agentID, origin, nil, schema.OutcomeError, schema.ErrCodeVault)
		if ve, ok := err.(*schema.VaultError); ok {
			return nil, ve.WithKey(ref.String())
		}
		return nil, err
	}

	if field != "" {
		value, fieldErr := extractField(cred.Kind, plaintext, field, ref)
		Zero(plaintext)
		if fieldErr != nil {
			cs.auditResolve(ctx, ref, field, agentID, origin, nil, schema.OutcomeError, schema.ErrCodeFieldNotFound)
			return nil, fieldErr
		}
		cs.auditResolve(ctx, ref, field, agentID, origin, value, schema.OutcomeSuccess, "")
		return value, nil
	}

	cs.auditResolve(ctx, ref, field, agentID, origin, plaintext, schema.OutcomeSuccess, "")
	return plaintext, nil
}

// Delete removes the credential and revokes every grant referencing it.
func (cs *CredStore) Delete(ctx context.Context, namespace, name, agentID, origin string) error {
	ref := schema.CredentialRef{Namespace: namespace, Name: name}

	if err := cs.store.DeleteCredential(ctx, namespace, name); err != nil {
		return err
	}
	revoked, err := cs.store.RevokeGrantsForCredential(ctx, namespace, name, "credential deleted", time.Now().UTC())
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "revoke grants for deleted credential").
			WithCause(err).WithKey(ref.String())
	}

	cs.record(ctx, audit.Entry{
		Action:    schema.ActionVaultDelete,
		Outcome:   schema.OutcomeSuccess,
		Namespace: namespace,
		Name:      name,
		AgentID:   agentID,
		Origin:    origin,
		Details:   map[string]any{"grants_revoked": len(revoked)},
	})
	return nil
}

// ExportItem is one decrypted credential in a bulk export.
type ExportItem struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Category  string `json:"category,omitempty"`
	Value     string `json:"value"`
}

// Export decrypts every credential in the namespace (or all namespaces
// when empty) after the export policy check. A single export-blocked
// category refuses the entire set; partial exports are not permitted.
func (cs *CredStore) Export(ctx context.Context, namespace, agentID, origin string) ([]ExportItem, error) {
	creds, err := cs.store.ListCredentials(ctx, namespace)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list credentials for export").WithCause(err)
	}

	categories := make([]string, 0, len(creds))
	for _, c := range creds {
		categories = append(categories, c.Category)
	}
	if err := cs.validator.CheckExport(categories); err != nil {
		cs.record(ctx, audit.Entry{
			Action:    schema.ActionVaultExport,
			Outcome:   schema.OutcomeDenied,
			Namespace: namespace,
			AgentID:   agentID,
			Origin:    origin,
			Details:   map[string]any{"error": schema.CodeOf(err), "count": len(creds)},
		})
		return nil, err
	}

	items := make([]ExportItem, 0, len(creds))
	for _, c := range creds {
		plaintext, resolveErr := cs.resolveRaw(ctx, c.Namespace, c.Name)
		if resolveErr != nil {
			return nil, resolveErr
		}
		items = append(items, ExportItem{
			Namespace: c.Namespace,
			Name:      c.Name,
			Kind:      string(c.Kind),
			Category:  c.Category,
			Value:     string(plaintext),
		})
		Zero(plaintext)
	}

	cs.record(ctx, audit.Entry{
		Action:    schema.ActionVaultExport,
		Outcome:   schema.OutcomeSuccess,
		Namespace: namespace,
		AgentID:   agentID,
		Origin:    origin,
		Details:   map[string]any{"count": len(items)},
	})
	return items, nil
}

// resolveRaw decrypts without auditing; used inside Export, which audits
// the batch as one event.
func (cs *CredStore) resolveRaw(ctx context.Context, namespace, name string) ([]byte, error) {
	cred, err := cs.store.GetCredential(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	plaintext, err := cs.env.Open(cred.Payload)
	if err != nil {
		if ve, ok := err.(*schema.VaultError); ok {
			return nil, ve.WithKey(cred.Ref().String())
		}
		return nil, err
	}
	return plaintext, nil
}

func encodePlaintext(req PutRequest) ([]byte, error) {
	if req.Kind == schema.KindStructured {
		if len(req.Fields) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "structured credential requires fields")
		}
		b, err := json.Marshal(req.Fields)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "encode structured payload").WithCause(err)
		}
		return b, nil
	}
	if len(req.Value) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "credential value is required")
	}
	return append([]byte(nil), req.Value...), nil
}

// extractField pulls one member out of a structured payload. Any field
// selector against a non-structured kind is FIELD_NOT_FOUND, never a
// partial or coerced value.
func extractField(kind schema.CredentialKind, plaintext []byte, field string, ref schema.CredentialRef) ([]byte, error) {
	if kind != schema.KindStructured {
		return nil, schema.NewErrorf(schema.ErrCodeFieldNotFound,
			"field %q requested on %s credential", field, kind).WithKey(ref.String())
	}
	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "decode structured payload").
			WithCause(err).WithKey(ref.String())
	}
	v, ok := fields[field]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeFieldNotFound,
			"field %q not present", field).WithKey(ref.String())
	}
	return []byte(v), nil
}

// --- audit helpers ---

func (cs *CredStore) auditPut(ctx context.Context, req PutRequest, secret []byte, outcome schema.AuditOutcome, details map[string]any) {
	cs.auditPutAction(ctx, schema.ActionVaultAdd, req, secret, outcome, details)
}

func (cs *CredStore) auditPutAction(ctx context.Context, action string, req PutRequest, secret []byte, outcome schema.AuditOutcome, details map[string]any) {
	cs.record(ctx, audit.Entry{
		Action:    action,
		Outcome:   outcome,
		Namespace: req.Namespace,
		Name:      req.Name,
		Category:  req.Category,
		AgentID:   req.AgentID,
		Origin:    req.Origin,
		Details:   details,
		Secret:    secret,
	})
}

func (cs *CredStore) auditResolve(ctx context.Context, ref schema.CredentialRef, field, agentID, origin string, secret []byte, outcome schema.AuditOutcome, errCode string) {
	details := map[string]any{}
	if field != "" {
		details["field"] = field
	}
	if errCode != "" {
		details["error"] = errCode
	}
	cs.record(ctx, audit.Entry{
		Action:    schema.ActionVaultResolve,
		Outcome:   outcome,
		Namespace: ref.Namespace,
		Name:      ref.Name,
		AgentID:   agentID,
		Origin:    origin,
		Details:   details,
		Secret:    secret,
	})
}

func (cs *CredStore) record(ctx context.Context, e audit.Entry) {
	if err := cs.auditor.Record(ctx, e); err != nil {
		cs.logger.ErrorContext(ctx, "audit append failed",
			slog.String("action", e.Action), slog.Any("error", err))
	}
}
