package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/covault/covault/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Credentials ---

func (s *LibSQLStore) PutCredential(ctx context.Context, cred *Credential) error {
	agents, err := marshalStrings(cred.AllowedAgents)
	if err != nil {
		return fmt.Errorf("marshal allowed_agents: %w", err)
	}
	tools, err := marshalStrings(cred.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed_tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (namespace, name, kind, tier, category, payload, key_ref, allowed_agents, allowed_tools, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, name) DO UPDATE SET
		   kind=excluded.kind, tier=excluded.tier, category=excluded.category,
		   payload=excluded.payload, key_ref=excluded.key_ref,
		   allowed_agents=excluded.allowed_agents, allowed_tools=excluded.allowed_tools,
		   expires_at=excluded.expires_at, updated_at=CURRENT_TIMESTAMP`,
		cred.Namespace, cred.Name, string(cred.Kind), string(cred.Tier), nullStr(cred.Category),
		cred.Payload, cred.KeyRef, agents, tools,
		nullTime(cred.ExpiresAt), timeOrNow(cred.CreatedAt), timeOrNow(cred.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetCredential(ctx context.Context, namespace, name string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT namespace, name, kind, tier, category, payload, key_ref, allowed_agents, allowed_tools, expires_at, created_at, updated_at
		 FROM credentials WHERE namespace = ? AND name = ?`, namespace, name)
	cred, err := scanCredential(row.Scan)
	if err == sql.ErrNoRows {
		return nil, credentialNotFound(namespace, name)
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *LibSQLStore) ListCredentials(ctx context.Context, namespace string) ([]*Credential, error) {
	query := `SELECT namespace, name, kind, tier, category, key_ref, allowed_agents, allowed_tools, expires_at, created_at, updated_at FROM credentials`
	var args []any
	if namespace != "" {
		query += ` WHERE namespace = ?`
		args = append(args, namespace)
	}
	query += ` ORDER BY namespace, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c := &Credential{}
		var kind, tier string
		var category, agents, tools sql.NullString
		var expiresAt sql.NullTime
		// Payload is intentionally not selected: listings carry metadata only.
		if err := rows.Scan(&c.Namespace, &c.Name, &kind, &tier, &category,
			&c.KeyRef, &agents, &tools, &expiresAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Kind = schema.CredentialKind(kind)
		c.Tier = schema.SensitivityTier(tier)
		c.Category = category.String
		c.AllowedAgents = unmarshalStrings(agents)
		c.AllowedTools = unmarshalStrings(tools)
		if expiresAt.Valid {
			c.ExpiresAt = &expiresAt.Time
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *LibSQLStore) DeleteCredential(ctx context.Context, namespace, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE namespace = ? AND name = ?`, namespace, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return credentialNotFound(namespace, name)
	}
	return nil
}

func scanCredential(scan func(dest ...any) error) (*Credential, error) {
	c := &Credential{}
	var kind, tier string
	var category, agents, tools sql.NullString
	var expiresAt sql.NullTime
	err := scan(&c.Namespace, &c.Name, &kind, &tier, &category, &c.Payload,
		&c.KeyRef, &agents, &tools, &expiresAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Kind = schema.CredentialKind(kind)
	c.Tier = schema.SensitivityTier(tier)
	c.Category = category.String
	c.AllowedAgents = unmarshalStrings(agents)
	c.AllowedTools = unmarshalStrings(tools)
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	return c, nil
}

// --- Access grants ---

func (s *LibSQLStore) CreateGrant(ctx context.Context, grant *AccessGrant) error {
	tools, err := marshalStrings(grant.ToolAllowlist)
	if err != nil {
		return fmt.Errorf("marshal tool_allowlist: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO access_grants (id, namespace, name, agent_id, purpose, granted_at, expires_at, max_uses, uses_remaining, active, revoked_at, revoke_reason, policy, tool_allowlist)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.ID, grant.Namespace, grant.Name, grant.AgentID, grant.Purpose,
		timeOrNow(grant.GrantedAt), nullTime(grant.ExpiresAt),
		grant.MaxUses, nullInt(grant.UsesRemaining), boolInt(grant.Active),
		nullTime(grant.RevokedAt), nullStr(grant.RevokeReason),
		nullStr(grant.Policy), tools,
	)
	return err
}

func (s *LibSQLStore) GetGrant(ctx context.Context, id string) (*AccessGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, namespace, name, agent_id, purpose, granted_at, expires_at, max_uses, uses_remaining, active, revoked_at, revoke_reason, policy, tool_allowlist
		 FROM access_grants WHERE id = ?`, id)
	g, err := scanGrant(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("grant", id)
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *LibSQLStore) ListGrants(ctx context.Context, filter GrantFilter) ([]*AccessGrant, error) {
	var where []string
	var args []any

	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}

	query := `SELECT id, namespace, name, agent_id, purpose, granted_at, expires_at, max_uses, uses_remaining, active, revoked_at, revoke_reason, policy, tool_allowlist FROM access_grants`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY granted_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []*AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// ConsumeGrantUse validates and consumes in a single UPDATE so two racing
// substitutions can never both spend the last remaining use.
func (s *LibSQLStore) ConsumeGrantUse(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_grants
		 SET uses_remaining = CASE WHEN uses_remaining IS NULL THEN NULL ELSE uses_remaining - 1 END
		 WHERE id = ?
		   AND active = 1
		   AND (expires_at IS NULL OR expires_at > ?)
		   AND (uses_remaining IS NULL OR uses_remaining > 0)`,
		id, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) RevokeGrant(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_grants SET active = 0, revoked_at = ?, revoke_reason = ? WHERE id = ? AND active = 1`,
		at, reason, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the grant does not exist or it is already inactive.
		// Revocation is irreversible, so re-revoking an inactive grant is a no-op.
		if _, getErr := s.GetGrant(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *LibSQLStore) RevokeGrantsForCredential(ctx context.Context, namespace, name, reason string, at time.Time) ([]string, error) {
	return s.deactivateGrants(ctx,
		`SELECT id FROM access_grants WHERE namespace = ? AND name = ? AND active = 1`,
		[]any{namespace, name}, reason, at)
}

func (s *LibSQLStore) DeactivateExpiredGrants(ctx context.Context, now time.Time) ([]string, error) {
	return s.deactivateGrants(ctx,
		`SELECT id FROM access_grants WHERE active = 1 AND expires_at IS NOT NULL AND expires_at <= ?`,
		[]any{now}, "expired", now)
}

// deactivateGrants selects matching grant IDs and marks them inactive in
// one transaction, so a concurrent check cannot pass between the two steps.
func (s *LibSQLStore) deactivateGrants(ctx context.Context, selectQuery string, selectArgs []any, reason string, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectQuery, selectArgs...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE access_grants SET active = 0, revoked_at = ?, revoke_reason = ? WHERE id = ?`,
			at, reason, id); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deactivate: %w", err)
	}
	return ids, nil
}

func scanGrant(scan func(dest ...any) error) (*AccessGrant, error) {
	g := &AccessGrant{}
	var purpose, revokeReason, policy, tools sql.NullString
	var expiresAt, revokedAt sql.NullTime
	var usesRemaining sql.NullInt64
	var active int
	err := scan(&g.ID, &g.Namespace, &g.Name, &g.AgentID, &purpose,
		&g.GrantedAt, &expiresAt, &g.MaxUses, &usesRemaining, &active,
		&revokedAt, &revokeReason, &policy, &tools)
	if err != nil {
		return nil, err
	}
	g.Purpose = purpose.String
	g.RevokeReason = revokeReason.String
	g.Policy = policy.String
	g.ToolAllowlist = unmarshalStrings(tools)
	g.Active = active == 1
	if expiresAt.Valid {
		g.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		g.RevokedAt = &revokedAt.Time
	}
	if usesRemaining.Valid {
		v := int(usesRemaining.Int64)
		g.UsesRemaining = &v
	}
	return g, nil
}

// --- Audit log ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, action, outcome, namespace, name, category, agent_id, origin, details, value_digest, prev_hash, entry_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		timeOrNow(rec.Timestamp), rec.Action, string(rec.Outcome),
		nullStr(rec.Namespace), nullStr(rec.Name), nullStr(rec.Category),
		nullStr(rec.AgentID), nullStr(rec.Origin), nullRaw(rec.Details),
		nullStr(rec.ValueDigest), nullStr(rec.PrevHash), rec.EntryHash,
	)
	return err
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	var where []string
	var args []any

	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, timestamp, action, outcome, namespace, name, category, agent_id, origin, details, value_digest, prev_hash, entry_hash FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		r := &AuditRecord{}
		var outcome string
		var namespace, name, category, agentID, origin, details, digest, prevHash sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Action, &outcome,
			&namespace, &name, &category, &agentID, &origin, &details,
			&digest, &prevHash, &r.EntryHash); err != nil {
			return nil, err
		}
		r.Outcome = schema.AuditOutcome(outcome)
		r.Namespace = namespace.String
		r.Name = name.String
		r.Category = category.String
		r.AgentID = agentID.String
		r.Origin = origin.String
		r.Details = rawOrNil(details)
		r.ValueDigest = digest.String
		r.PrevHash = prevHash.String
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) LastAuditHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// --- Agents ---

func (s *LibSQLStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	metadata, err := nullableJSON(agent.Metadata)
	if err != nil {
		return fmt.Errorf("marshal agent metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, metadata, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, metadata=excluded.metadata`,
		agent.ID, agent.Name, agent.Type, metadata, timeOrNow(agent.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	var metadata sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Type, &metadata, &a.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	a.Metadata = rawOrNil(metadata)
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	return a, nil
}

func (s *LibSQLStore) UpdateAgentSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound("agent", id)
	}
	return nil
}

func (s *LibSQLStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		var metadata sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &metadata, &a.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		a.Metadata = rawOrNil(metadata)
		if lastSeen.Valid {
			a.LastSeenAt = &lastSeen.Time
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.VaultError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func credentialNotFound(namespace, name string) *schema.VaultError {
	return schema.NewErrorf(schema.ErrCodeCredentialNotFound,
		"credential not found").WithKey(namespace + ":" + name)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return string(raw), nil
}

func marshalStrings(ss []string) (any, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(ns.String), &ss); err != nil {
		return nil
	}
	return ss
}
