package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/covault/covault/pkg/schema"
)

func schemaConflict(resource, id string) *schema.VaultError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}

// MemoryStore is an in-memory Store used as a test double. It implements
// the same contract as LibSQLStore, including atomic grant consumption
// and append-only audit semantics.
type MemoryStore struct {
	mu          sync.Mutex
	credentials map[string]*Credential // key: namespace + "\x00" + name
	grants      map[string]*AccessGrant
	audit       []*AuditRecord
	agents      map[string]*Agent
	nextAuditID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*Credential),
		grants:      make(map[string]*AccessGrant),
		agents:      make(map[string]*Agent),
		nextAuditID: 1,
	}
}

func credKey(namespace, name string) string {
	return namespace + "\x00" + name
}

func (m *MemoryStore) PutCredential(_ context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *cred
	cp.Payload = append([]byte(nil), cred.Payload...)
	now := time.Now().UTC()
	if existing, ok := m.credentials[credKey(cred.Namespace, cred.Name)]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.UpdatedAt = now
	} else {
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = now
		}
	}
	m.credentials[credKey(cred.Namespace, cred.Name)] = &cp
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, namespace, name string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[credKey(namespace, name)]
	if !ok {
		return nil, credentialNotFound(namespace, name)
	}
	cp := *c
	cp.Payload = append([]byte(nil), c.Payload...)
	return &cp, nil
}

func (m *MemoryStore) ListCredentials(_ context.Context, namespace string) ([]*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var creds []*Credential
	for _, c := range m.credentials {
		if namespace != "" && c.Namespace != namespace {
			continue
		}
		cp := *c
		cp.Payload = nil // metadata only
		creds = append(creds, &cp)
	}
	sort.Slice(creds, func(i, j int) bool {
		if creds[i].Namespace != creds[j].Namespace {
			return creds[i].Namespace < creds[j].Namespace
		}
		return creds[i].Name < creds[j].Name
	})
	return creds, nil
}

func (m *MemoryStore) DeleteCredential(_ context.Context, namespace, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := credKey(namespace, name)
	if _, ok := m.credentials[key]; !ok {
		return credentialNotFound(namespace, name)
	}
	delete(m.credentials, key)
	return nil
}

func (m *MemoryStore) CreateGrant(_ context.Context, grant *AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.grants[grant.ID]; ok {
		return schemaConflict("grant", grant.ID)
	}
	cp := *grant
	if cp.GrantedAt.IsZero() {
		cp.GrantedAt = time.Now().UTC()
	}
	if cp.UsesRemaining != nil {
		v := *cp.UsesRemaining
		cp.UsesRemaining = &v
	}
	m.grants[grant.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGrant(_ context.Context, id string) (*AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[id]
	if !ok {
		return nil, storeNotFound("grant", id)
	}
	return copyGrant(g), nil
}

func (m *MemoryStore) ListGrants(_ context.Context, filter GrantFilter) ([]*AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var grants []*AccessGrant
	for _, g := range m.grants {
		if filter.AgentID != "" && g.AgentID != filter.AgentID {
			continue
		}
		if filter.Namespace != "" && g.Namespace != filter.Namespace {
			continue
		}
		if filter.Name != "" && g.Name != filter.Name {
			continue
		}
		if filter.ActiveOnly && !g.Active {
			continue
		}
		grants = append(grants, copyGrant(g))
	}
	sort.Slice(grants, func(i, j int) bool {
		if !grants[i].GrantedAt.Equal(grants[j].GrantedAt) {
			return grants[i].GrantedAt.After(grants[j].GrantedAt)
		}
		return strings.Compare(grants[i].ID, grants[j].ID) < 0
	})
	if filter.Limit > 0 && len(grants) > filter.Limit {
		grants = grants[:filter.Limit]
	}
	return grants, nil
}

func (m *MemoryStore) ConsumeGrantUse(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[id]
	if !ok || !g.Active {
		return false, nil
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false, nil
	}
	if g.UsesRemaining != nil {
		if *g.UsesRemaining <= 0 {
			return false, nil
		}
		*g.UsesRemaining--
	}
	return true, nil
}

func (m *MemoryStore) RevokeGrant(_ context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[id]
	if !ok {
		return storeNotFound("grant", id)
	}
	if !g.Active {
		return nil // already irreversibly inactive
	}
	g.Active = false
	g.RevokedAt = &at
	g.RevokeReason = reason
	return nil
}

func (m *MemoryStore) RevokeGrantsForCredential(_ context.Context, namespace, name, reason string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, g := range m.grants {
		if g.Active && g.Namespace == namespace && g.Name == name {
			g.Active = false
			g.RevokedAt = &at
			g.RevokeReason = reason
			ids = append(ids, g.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) DeactivateExpiredGrants(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, g := range m.grants {
		if g.Active && g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
			g.Active = false
			g.RevokedAt = &now
			g.RevokeReason = "expired"
			ids = append(ids, g.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	cp.ID = m.nextAuditID
	m.nextAuditID++
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []*AuditRecord
	for _, r := range m.audit {
		if filter.Action != "" && r.Action != filter.Action {
			continue
		}
		if filter.AgentID != "" && r.AgentID != filter.AgentID {
			continue
		}
		if filter.Namespace != "" && r.Namespace != filter.Namespace {
			continue
		}
		if filter.Name != "" && r.Name != filter.Name {
			continue
		}
		if filter.Since != nil && r.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *r
		records = append(records, &cp)
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}
	return records, nil
}

func (m *MemoryStore) LastAuditHash(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.audit) == 0 {
		return "", nil
	}
	return m.audit[len(m.audit)-1].EntryHash, nil
}

func (m *MemoryStore) RegisterAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *agent
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.agents[agent.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, storeNotFound("agent", id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpdateAgentSeen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return storeNotFound("agent", id)
	}
	now := time.Now().UTC()
	a.LastSeenAt = &now
	return nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		agents = append(agents, &cp)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	return agents, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func copyGrant(g *AccessGrant) *AccessGrant {
	cp := *g
	if g.UsesRemaining != nil {
		v := *g.UsesRemaining
		cp.UsesRemaining = &v
	}
	cp.ToolAllowlist = append([]string(nil), g.ToolAllowlist...)
	return &cp
}
