package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/taskhive/guard/utils"
)

// System role keys and their priorities. Priority strictly orders the four
// tiers; custom roles interleave between them at tenant-definition time and
// compare the same way wherever hierarchy matters.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"

	PriorityOwner  = 40
	PriorityAdmin  = 30
	PriorityMember = 20
	PriorityViewer = 10
)

// domainResourceTypes are the product record types the fixed tiers are
// granted over. Custom roles may target any resource type string.
var domainResourceTypes = []string{"task", "sprint", "milestone", "notification", "pomodoro"}

// systemRoles builds the fixed tier definitions. Owner and admin hold the
// wildcard grant; what separates them is pure hierarchy (an admin can never
// act on the owner's membership). Member visibility is own-or-team; viewer
// visibility is own only, which covers both the assignee and the creator
// carve-out.
func systemRoles() map[string]*Role {
	member := make([]Grant, 0, len(domainResourceTypes)*7+1)
	viewer := make([]Grant, 0, len(domainResourceTypes)*4+1)
	for _, rt := range domainResourceTypes {
		member = append(member,
			Grant{ResourceType: rt, Action: ActionShow, Condition: CondOwnOnly},
			Grant{ResourceType: rt, Action: ActionShow, Condition: CondTeamOnly},
			Grant{ResourceType: rt, Action: ActionIndex, Condition: CondOwnOnly},
			Grant{ResourceType: rt, Action: ActionIndex, Condition: CondTeamOnly},
			Grant{ResourceType: rt, Action: ActionCreate, Condition: CondNone},
			Grant{ResourceType: rt, Action: ActionUpdate, Condition: CondOwnOnly},
			Grant{ResourceType: rt, Action: ActionDelete, Condition: CondOwnOnly},
		)
		viewer = append(viewer,
			Grant{ResourceType: rt, Action: ActionShow, Condition: CondOwnOnly},
			Grant{ResourceType: rt, Action: ActionIndex, Condition: CondOwnOnly},
		)
	}
	// both lower tiers can read the tenant roster
	member = append(member, Grant{ResourceType: ResourceMembership, Action: ActionShow, Condition: CondNone},
		Grant{ResourceType: ResourceMembership, Action: ActionIndex, Condition: CondNone})
	viewer = append(viewer, Grant{ResourceType: ResourceMembership, Action: ActionShow, Condition: CondNone})

	return map[string]*Role{
		RoleOwner: {Key: RoleOwner, Name: "Owner", Priority: PriorityOwner, System: true,
			Grants: []Grant{{ResourceType: "*", Action: "*", Condition: CondNone}}},
		RoleAdmin: {Key: RoleAdmin, Name: "Admin", Priority: PriorityAdmin, System: true,
			Grants: []Grant{{ResourceType: "*", Action: "*", Condition: CondNone}}},
		RoleMember: {Key: RoleMember, Name: "Member", Priority: PriorityMember, System: true, Grants: member},
		RoleViewer: {Key: RoleViewer, Name: "Viewer", Priority: PriorityViewer, System: true, Grants: viewer},
	}
}

// TenantSnapshot is the read-only role set for one tenant: the four system
// tiers plus the tenant's custom roles, compiled once per mutation and
// shared by concurrent evaluations.
type TenantSnapshot struct {
	TenantID string
	roles    map[string]*Role
}

// role returns the snapshot's own record for key, or nil. Callers must
// treat it as immutable.
func (s *TenantSnapshot) role(key string) *Role {
	if s == nil {
		return nil
	}
	return s.roles[key]
}

// Role returns a copy of the role for key, or nil. Mutating the copy
// leaves the snapshot untouched.
func (s *TenantSnapshot) Role(key string) *Role {
	r := s.role(key)
	if r == nil {
		return nil
	}
	return cloneRole(r)
}

// Roles returns copies of every role in the snapshot.
func (s *TenantSnapshot) Roles() []*Role {
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, cloneRole(r))
	}
	return out
}

// Catalog holds role and grant definitions. Reads go through a per-tenant
// snapshot cached in ristretto; mutations serialize per tenant and rebuild
// the snapshot, so two simultaneous priority changes can never both pass
// against a stale view.
type Catalog struct {
	roles       RoleStore
	memberships MembershipStore
	system      map[string]*Role

	cache    *ristretto.Cache
	snapTTL  time.Duration
	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
	gen      map[string]uint64
}

func NewCatalog(roles RoleStore, memberships MembershipStore) (*Catalog, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	return &Catalog{
		roles:       roles,
		memberships: memberships,
		system:      systemRoles(),
		cache:       cache,
		tenantMu:    make(map[string]*sync.Mutex),
		gen:         make(map[string]uint64),
	}, nil
}

// lockTenant returns the single-writer lock for a tenant, creating it on
// first use. Authorization reads never take it.
func (c *Catalog) lockTenant(tenantID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.tenantMu[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		c.tenantMu[tenantID] = mu
	}
	return mu
}

// Snapshot returns the compiled role set for a tenant, building and caching
// it if needed.
func (c *Catalog) Snapshot(ctx context.Context, tenantID string) (*TenantSnapshot, error) {
	if v, ok := c.cache.Get(tenantID); ok {
		if snap, ok := v.(*TenantSnapshot); ok {
			return snap, nil
		}
	}
	gen := c.generation(tenantID)
	snap, err := c.build(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.publish(tenantID, gen, snap)
	return snap, nil
}

// generation returns the invalidation counter for a tenant. A snapshot built
// while one generation is current may only be cached while it stays current.
func (c *Catalog) generation(tenantID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[tenantID]
}

// publish caches snap unless an invalidation landed after gen was read. A
// reader that built against pre-mutation store state therefore cannot
// overwrite the invalidation and pin stale grants in the cache.
func (c *Catalog) publish(tenantID string, gen uint64, snap *TenantSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[tenantID] != gen {
		return false
	}
	if c.snapTTL > 0 {
		c.cache.SetWithTTL(tenantID, snap, 1, c.snapTTL)
	} else {
		c.cache.Set(tenantID, snap, 1)
	}
	return true
}

func (c *Catalog) build(ctx context.Context, tenantID string) (*TenantSnapshot, error) {
	custom, err := c.roles.List(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list roles for %s: %w", tenantID, err)
	}
	roles := make(map[string]*Role, len(c.system)+len(custom))
	for k, r := range c.system {
		roles[k] = cloneRole(r)
	}
	for _, r := range custom {
		roles[r.Key] = r
	}
	return &TenantSnapshot{TenantID: tenantID, roles: roles}, nil
}

// Invalidate drops the cached snapshot for a tenant. The generation bump
// happens before the cache delete so an in-flight build observes it.
func (c *Catalog) Invalidate(tenantID string) {
	c.mu.Lock()
	c.gen[tenantID]++
	c.mu.Unlock()
	c.cache.Del(tenantID)
}

// Role resolves one role (system or custom) for a tenant.
func (c *Catalog) Role(ctx context.Context, tenantID, key string) (*Role, error) {
	snap, err := c.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	r := snap.Role(key)
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

// validateRole rejects malformed custom role definitions before they can
// reach the evaluation path.
func (c *Catalog) validateRole(ctx context.Context, r *Role) error {
	if r.Key == "" {
		return catalogErr(r.TenantID, "", "role key is required")
	}
	if _, ok := c.system[r.Key]; ok {
		return catalogErr(r.TenantID, r.Key, "system role key is reserved")
	}
	if r.Priority <= 0 {
		return catalogErr(r.TenantID, r.Key, "priority must be positive")
	}
	if r.Priority >= PriorityOwner {
		return catalogErr(r.TenantID, r.Key, "priority must stay below the owner tier")
	}
	for _, sys := range c.system {
		if r.Priority == sys.Priority {
			return catalogErr(r.TenantID, r.Key, fmt.Sprintf("priority %d collides with system role %s", r.Priority, sys.Key))
		}
	}
	existing, err := c.roles.List(ctx, r.TenantID)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	for _, o := range existing {
		if o.Key != r.Key && o.Priority == r.Priority {
			return catalogErr(r.TenantID, r.Key, fmt.Sprintf("priority %d collides with role %s", r.Priority, o.Key))
		}
	}
	return validateGrants(r)
}

func validateGrants(r *Role) error {
	for _, g := range r.Grants {
		if g.ResourceType == "" {
			return catalogErr(r.TenantID, r.Key, "grant resource type is required")
		}
		if g.Action == "" {
			return catalogErr(r.TenantID, r.Key, "grant action is required")
		}
		switch g.Condition {
		case CondNone, CondOwnOnly, CondTeamOnly, "":
		default:
			return catalogErr(r.TenantID, r.Key, fmt.Sprintf("unknown condition %q", g.Condition))
		}
	}
	return nil
}

// createRole validates and persists a custom role. Caller gating (actor
// priority must exceed the new role's priority) lives on the Engine; the
// per-tenant lock must be held by the caller.
func (c *Catalog) createRole(ctx context.Context, r *Role) error {
	if err := c.validateRole(ctx, r); err != nil {
		return err
	}
	if _, err := c.roles.Get(ctx, r.TenantID, r.Key); err == nil {
		return catalogErr(r.TenantID, r.Key, "role already exists")
	}
	r.CreatedAt = time.Now()
	if err := c.roles.Put(ctx, r); err != nil {
		return fmt.Errorf("create role %s: %w", r.Key, err)
	}
	c.Invalidate(r.TenantID)
	return nil
}

func (c *Catalog) updateRole(ctx context.Context, r *Role) error {
	if err := c.validateRole(ctx, r); err != nil {
		return err
	}
	if _, err := c.roles.Get(ctx, r.TenantID, r.Key); err != nil {
		return ErrNotFound
	}
	if err := c.roles.Put(ctx, r); err != nil {
		return fmt.Errorf("update role %s: %w", r.Key, err)
	}
	c.Invalidate(r.TenantID)
	return nil
}

// deleteRole removes a custom role unless any active membership still
// references it.
func (c *Catalog) deleteRole(ctx context.Context, tenantID, key string) error {
	if _, ok := c.system[key]; ok {
		return catalogErr(tenantID, key, "system roles cannot be deleted")
	}
	if _, err := c.roles.Get(ctx, tenantID, key); err != nil {
		return ErrNotFound
	}
	members, err := c.memberships.List(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}
	for _, m := range members {
		if m.Active && m.Role == key {
			return catalogErr(tenantID, key, "role is referenced by an active membership")
		}
	}
	if err := c.roles.Delete(ctx, tenantID, key); err != nil {
		return fmt.Errorf("delete role %s: %w", key, err)
	}
	c.Invalidate(tenantID)
	return nil
}

// attachGrant appends one grant to an existing custom role. The per-tenant
// lock must be held by the caller.
func (c *Catalog) attachGrant(ctx context.Context, tenantID, key string, g Grant) error {
	if _, ok := c.system[key]; ok {
		return catalogErr(tenantID, key, "system roles cannot be modified")
	}
	r, err := c.roles.Get(ctx, tenantID, key)
	if err != nil {
		return ErrNotFound
	}
	r.Grants = append(r.Grants, g)
	if err := validateGrants(r); err != nil {
		return err
	}
	if err := c.roles.Put(ctx, r); err != nil {
		return fmt.Errorf("attach grant to %s: %w", key, err)
	}
	c.Invalidate(tenantID)
	return nil
}

// detachGrant removes every grant matching g from a custom role. Removing
// a grant that is not present is ErrNotFound.
func (c *Catalog) detachGrant(ctx context.Context, tenantID, key string, g Grant) error {
	if _, ok := c.system[key]; ok {
		return catalogErr(tenantID, key, "system roles cannot be modified")
	}
	r, err := c.roles.Get(ctx, tenantID, key)
	if err != nil {
		return ErrNotFound
	}
	kept := r.Grants[:0]
	removed := false
	for _, have := range r.Grants {
		if have == g {
			removed = true
			continue
		}
		kept = append(kept, have)
	}
	if !removed {
		return ErrNotFound
	}
	r.Grants = kept
	if err := c.roles.Put(ctx, r); err != nil {
		return fmt.Errorf("detach grant from %s: %w", key, err)
	}
	c.Invalidate(tenantID)
	return nil
}

// matchAction matches a grant action pattern against the requested action.
func matchAction(pattern, actual Action) bool {
	return utils.Match(string(actual), string(pattern))
}

// grantsFor collects the grant outcome for (role, resourceType, action):
// whether any matching grant is unconditional, and the distinct conditions
// attached to the conditional matches, in grant order.
func grantsFor(role *Role, resourceType string, action Action) (unconditional bool, conds []Condition) {
	seen := make(map[Condition]bool, 2)
	for _, g := range role.Grants {
		if !utils.Match(resourceType, g.ResourceType) || !matchAction(g.Action, action) {
			continue
		}
		if g.Condition == CondNone || g.Condition == "" {
			return true, nil
		}
		if !seen[g.Condition] {
			seen[g.Condition] = true
			conds = append(conds, g.Condition)
		}
	}
	return false, conds
}
