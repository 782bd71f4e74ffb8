package guard

import (
	"context"
	"sort"
	"sync"
)

// MemoryMembershipStore keeps memberships in a map, for tests and demos.
type MemoryMembershipStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]*Membership
}

func NewMemoryMembershipStore() *MemoryMembershipStore {
	return &MemoryMembershipStore{rows: make(map[string]map[string]*Membership)}
}

func (s *MemoryMembershipStore) Get(ctx context.Context, tenantID, actorID string) (*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rows[tenantID][actorID]
	if !ok {
		return nil, ErrNotFound
	}
	cop := *m
	return &cop, nil
}

func (s *MemoryMembershipStore) Put(ctx context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byActor, ok := s.rows[m.TenantID]
	if !ok {
		byActor = make(map[string]*Membership)
		s.rows[m.TenantID] = byActor
	}
	cop := *m
	byActor[m.ActorID] = &cop
	return nil
}

func (s *MemoryMembershipStore) List(ctx context.Context, tenantID string) ([]*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Membership, 0, len(s.rows[tenantID]))
	for _, m := range s.rows[tenantID] {
		cop := *m
		out = append(out, &cop)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out, nil
}

// MemoryRoleStore keeps custom roles in a map.
type MemoryRoleStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]*Role
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{rows: make(map[string]map[string]*Role)}
}

func (s *MemoryRoleStore) Get(ctx context.Context, tenantID, key string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[tenantID][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRole(r), nil
}

func (s *MemoryRoleStore) Put(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.rows[r.TenantID]
	if !ok {
		byKey = make(map[string]*Role)
		s.rows[r.TenantID] = byKey
	}
	byKey[r.Key] = cloneRole(r)
	return nil
}

func (s *MemoryRoleStore) Delete(ctx context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[tenantID][key]; !ok {
		return ErrNotFound
	}
	delete(s.rows[tenantID], key)
	return nil
}

func (s *MemoryRoleStore) List(ctx context.Context, tenantID string) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.rows[tenantID]))
	for _, r := range s.rows[tenantID] {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneRole(r *Role) *Role {
	cop := *r
	cop.Grants = append([]Grant(nil), r.Grants...)
	return &cop
}

// MemoryTenantStore keeps tenant records in a map.
type MemoryTenantStore struct {
	mu   sync.RWMutex
	rows map[string]*Tenant
}

func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{rows: make(map[string]*Tenant)}
}

func (s *MemoryTenantStore) Get(ctx context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cop := *t
	return &cop, nil
}

func (s *MemoryTenantStore) Put(ctx context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cop := *t
	s.rows[t.ID] = &cop
	return nil
}

// MemoryAuditStore keeps an append-only audit slice. Entries are never
// mutated after Append.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(ctx context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cop := *e
	s.entries = append(s.entries, &cop)
	return nil
}

func (s *MemoryAuditStore) Query(ctx context.Context, f AuditFilter, p Page) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if !auditMatches(e, f) {
			continue
		}
		matched = append(matched, e)
	}
	// newest first, id as tiebreak so paging is deterministic
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	if p.Offset >= len(matched) {
		return []*AuditEntry{}, nil
	}
	matched = matched[p.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*AuditEntry, len(matched))
	for i, e := range matched {
		cop := *e
		out[i] = &cop
	}
	return out, nil
}

func auditMatches(e *AuditEntry, f AuditFilter) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.Permitted != nil && e.Permitted != *f.Permitted {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// MemoryTeamStore keeps actor->team sets in maps.
type MemoryTeamStore struct {
	mu      sync.RWMutex
	byActor map[string]map[string]bool
}

func NewMemoryTeamStore() *MemoryTeamStore {
	return &MemoryTeamStore{byActor: make(map[string]map[string]bool)}
}

func (s *MemoryTeamStore) AddMember(ctx context.Context, teamID, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	teams, ok := s.byActor[actorID]
	if !ok {
		teams = make(map[string]bool)
		s.byActor[actorID] = teams
	}
	teams[teamID] = true
	return nil
}

func (s *MemoryTeamStore) RemoveMember(ctx context.Context, teamID, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byActor[actorID], teamID)
	return nil
}

func (s *MemoryTeamStore) TeamsOf(ctx context.Context, actorID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byActor[actorID]))
	for t := range s.byActor[actorID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}
