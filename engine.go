package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskhive/guard/logger"
)

// Engine evaluates authorization requests against the role catalog and
// records every decision in the audit log. One Engine serves all tenants;
// all methods are safe for concurrent use.
type Engine struct {
	catalog     *Catalog
	memberships MembershipStore
	tenants     TenantStore
	teams       TeamStore
	audit       *AuditLogger
	log         logger.Logger

	auditBuffer int
	snapTTL     time.Duration
}

// NewEngine wires an Engine over the given stores. The tenant and team
// stores are optional and attached with options; without a tenant store
// every tenant id is treated as active.
func NewEngine(memberships MembershipStore, roles RoleStore, audits AuditStore, opts ...EngineOption) (*Engine, error) {
	if memberships == nil || roles == nil || audits == nil {
		return nil, errors.New("guard: membership, role and audit stores are required")
	}
	e := &Engine{
		memberships: memberships,
		log:         logger.NewNullLogger(),
		auditBuffer: defaultAuditBuffer,
	}
	for _, opt := range opts {
		opt(e)
	}
	catalog, err := NewCatalog(roles, memberships)
	if err != nil {
		return nil, err
	}
	catalog.snapTTL = e.snapTTL
	e.catalog = catalog
	e.audit = NewAuditLogger(audits, WithAuditBuffer(e.auditBuffer), WithAuditLoggerLog(e.log))
	return e, nil
}

// Audit exposes the audit surface (query, CSV export, flush).
func (e *Engine) Audit() *AuditLogger { return e.audit }

// Catalog exposes read access to the compiled role catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Flush blocks until every recorded audit entry has reached the store.
func (e *Engine) Flush() { e.audit.Flush() }

// Close flushes and stops the audit writer.
func (e *Engine) Close() { e.audit.Close() }

// HydrateTeams fills actor.Teams from the team store, when one is
// configured. Evaluation itself never touches the store.
func (e *Engine) HydrateTeams(ctx context.Context, actor *Actor) error {
	if e.teams == nil || actor == nil {
		return nil
	}
	teams, err := e.teams.TeamsOf(ctx, actor.ID)
	if err != nil {
		return fmt.Errorf("resolve teams for %s: %w", actor.ID, err)
	}
	actor.Teams = teams
	return nil
}

// resolveMembership returns the actor's active membership in the tenant.
// A missing membership, an inactive membership and an inactive tenant are
// indistinguishable to the caller: all come back as (nil, false, nil).
func (e *Engine) resolveMembership(ctx context.Context, actor *Actor, tenantID string) (*Membership, bool, error) {
	if actor == nil || actor.ID == "" || tenantID == "" {
		return nil, false, nil
	}
	if e.tenants != nil {
		t, err := e.tenants.Get(ctx, tenantID)
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("resolve tenant %s: %w", tenantID, err)
		}
		if !t.Active {
			return nil, false, nil
		}
	}
	m, err := e.memberships.Get(ctx, tenantID, actor.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve membership %s/%s: %w", tenantID, actor.ID, err)
	}
	if !m.Active {
		return nil, false, nil
	}
	return m, true, nil
}

// Evaluate decides whether actor may perform action on res within tenant
// tenantID, and records exactly one audit entry for the attempt. Denials
// are ordinary decisions, not errors; the error return covers store
// failures and the cross-tenant case, where ErrNotFound is returned so a
// resource's existence in another tenant never leaks.
func (e *Engine) Evaluate(ctx context.Context, actor *Actor, tenantID string, action Action, res *Resource) (*Decision, error) {
	d := &Decision{Timestamp: time.Now()}
	var checks []ConditionCheck
	finish := func(permitted bool, reason string) *Decision {
		d.Permitted = permitted
		d.Reason = reason
		d.Conditions = checks
		e.record(actor, tenantID, action, res, d)
		return d
	}

	if res != nil && res.TenantID != "" && res.TenantID != tenantID {
		finish(false, ReasonNotFound)
		return nil, ErrNotFound
	}
	m, ok, err := e.resolveMembership(ctx, actor, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return finish(false, ReasonNoMembership), nil
	}
	snap, err := e.catalog.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	role := snap.role(m.Role)
	if role == nil {
		return finish(false, ReasonUnknownRole), nil
	}

	// Reading or updating one's own membership is self service and needs
	// no grant. Role changes are excluded: nobody alters their own role.
	if res != nil && res.Type == ResourceMembership && res.MemberActorID != "" && res.MemberActorID == actor.ID {
		switch action {
		case ActionShow, ActionIndex, ActionUpdate:
			return finish(true, ReasonSelfService), nil
		}
	}

	resourceType := ""
	if res != nil {
		resourceType = res.Type
	}
	unconditional, conds := grantsFor(role, resourceType, action)
	if !unconditional && len(conds) == 0 {
		return finish(false, ReasonNoGrant), nil
	}
	if !unconditional {
		met := false
		for _, c := range conds {
			outcome := CheckCondition(c, actor, res)
			checks = append(checks, ConditionCheck{Condition: c, Outcome: outcome})
			if outcome {
				met = true
				break
			}
		}
		if !met {
			return finish(false, ReasonConditionNotMet), nil
		}
	}

	if res != nil {
		if deny, reason := hierarchyDeny(snap, actor, role, action, res); deny {
			return finish(false, reason), nil
		}
		if res.Type == ResourceMembership && (action == ActionShow || action == ActionIndex) {
			if tr := snap.role(res.MemberRole); tr != nil && tr.Priority > role.Priority {
				return finish(true, ReasonHierarchyView), nil
			}
		}
	}
	return finish(true, ReasonAllowed), nil
}

// hierarchyDeny applies the priority overrides for membership and role
// targets after the grant check has passed. Reads are never gated: a
// member may see who the owner is, they just cannot touch the membership.
func hierarchyDeny(snap *TenantSnapshot, actor *Actor, actorRole *Role, action Action, res *Resource) (bool, string) {
	switch res.Type {
	case ResourceMembership:
		if res.MemberActorID == "" {
			return false, ""
		}
		self := res.MemberActorID == actor.ID
		targetPri := 0
		if tr := snap.role(res.MemberRole); tr != nil {
			targetPri = tr.Priority
		}
		switch action {
		case ActionShow, ActionIndex:
			return false, ""
		case ActionChangeRole:
			if self {
				return true, ReasonSelfRoleChange
			}
			if targetPri >= PriorityOwner {
				return true, ReasonOwnerProtected
			}
			// acting on a peer or above is denied, not just above
			if targetPri >= actorRole.Priority {
				return true, ReasonPriorityExceeded
			}
			nr := snap.role(res.NewRole)
			if nr == nil {
				return true, ReasonUnknownRole
			}
			if nr.Priority >= actorRole.Priority {
				return true, ReasonEscalation
			}
		case ActionCreate:
			nr := snap.role(res.NewRole)
			if nr == nil {
				return true, ReasonUnknownRole
			}
			if nr.Priority >= actorRole.Priority {
				return true, ReasonEscalation
			}
		case ActionDeactivate, ActionDelete:
			// The owner membership only leaves via ownership transfer,
			// which is an external atomic operation, never a deactivate.
			// Equal priority is not enough either: that covers both the
			// owner removing themselves and one admin purging another.
			if targetPri >= PriorityOwner {
				return true, ReasonOwnerProtected
			}
			if targetPri >= actorRole.Priority {
				return true, ReasonPriorityExceeded
			}
		case ActionUpdate, ActionReactivate:
			if targetPri >= actorRole.Priority {
				return true, ReasonPriorityExceeded
			}
		}
	case ResourceRole:
		switch action {
		case ActionShow, ActionIndex:
			return false, ""
		default:
			if tr := snap.role(res.ID); tr != nil && tr.Priority >= actorRole.Priority {
				return true, ReasonPriorityExceeded
			}
		}
	}
	return false, ""
}

// Can is the boolean convenience over Evaluate.
func (e *Engine) Can(ctx context.Context, actor *Actor, tenantID string, action Action, res *Resource) bool {
	d, err := e.Evaluate(ctx, actor, tenantID, action, res)
	return err == nil && d != nil && d.Permitted
}

// profileFields are the membership attributes a member manages on their
// own record and a higher tier may edit on lower records.
var profileFields = []string{"display_name", "title", "notification_preferences"}

// PermittedFields reports which fields of target's membership the actor
// may modify. Self edits cover the profile fields only; outranking the
// target adds role and active; an outranked actor may edit nothing.
func (e *Engine) PermittedFields(ctx context.Context, actor *Actor, tenantID string, target *Membership) ([]string, error) {
	if target == nil {
		return nil, nil
	}
	m, ok, err := e.resolveMembership(ctx, actor, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	snap, err := e.catalog.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	actorRole := snap.role(m.Role)
	if actorRole == nil {
		return nil, nil
	}
	if target.ActorID == actor.ID {
		return append([]string(nil), profileFields...), nil
	}
	targetPri := 0
	if tr := snap.role(target.Role); tr != nil {
		targetPri = tr.Priority
	}
	if targetPri >= actorRole.Priority {
		return nil, nil
	}
	fields := append([]string(nil), profileFields...)
	return append(fields, "role", "active"), nil
}

// guard runs Evaluate for a mutation and converts a denial into an error.
func (e *Engine) guard(ctx context.Context, actor *Actor, tenantID string, action Action, res *Resource) error {
	d, err := e.Evaluate(ctx, actor, tenantID, action, res)
	if err != nil {
		return err
	}
	if !d.Permitted {
		if d.Reason == ReasonNoMembership {
			return ErrNoMembership
		}
		return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
	}
	return nil
}

func (e *Engine) actorRole(ctx context.Context, actor *Actor, tenantID string) (*Role, error) {
	m, ok, err := e.resolveMembership(ctx, actor, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoMembership
	}
	snap, err := e.catalog.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	r := snap.role(m.Role)
	if r == nil {
		return nil, catalogErr(tenantID, m.Role, "membership references unknown role")
	}
	return r, nil
}

// AssignRole creates a membership for targetActorID with roleKey, or
// changes the role on an existing one. Both paths go through Evaluate and
// are audited; the new role must sit strictly below the actor's tier.
func (e *Engine) AssignRole(ctx context.Context, actor *Actor, tenantID, targetActorID, roleKey string) error {
	cur, err := e.memberships.Get(ctx, tenantID, targetActorID)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	res := &Resource{Type: ResourceMembership, ID: targetActorID, TenantID: tenantID, MemberActorID: targetActorID, NewRole: roleKey}
	action := ActionCreate
	if exists {
		res.MemberRole = cur.Role
		action = ActionChangeRole
	}
	if err := e.guard(ctx, actor, tenantID, action, res); err != nil {
		return err
	}
	mu := e.catalog.lockTenant(tenantID)
	mu.Lock()
	defer mu.Unlock()
	now := time.Now()
	if exists {
		cur.Role = roleKey
		cur.UpdatedAt = now
		if err := e.memberships.Put(ctx, cur); err != nil {
			return fmt.Errorf("assign role: %w", err)
		}
	} else {
		m := &Membership{TenantID: tenantID, ActorID: targetActorID, Role: roleKey, Active: true, CreatedAt: now, UpdatedAt: now}
		if err := e.memberships.Put(ctx, m); err != nil {
			return fmt.Errorf("assign role: %w", err)
		}
	}
	e.log.Info("role assigned", "tenant", tenantID, "actor", actor.ID, "member", targetActorID, "role", roleKey)
	return nil
}

// DeactivateMembership suspends targetActorID's membership. The record
// stays for history and can be reactivated; owner memberships are
// protected until ownership is transferred.
func (e *Engine) DeactivateMembership(ctx context.Context, actor *Actor, tenantID, targetActorID string) error {
	return e.setMembershipActive(ctx, actor, tenantID, targetActorID, false)
}

// ReactivateMembership restores a suspended membership with its prior role.
func (e *Engine) ReactivateMembership(ctx context.Context, actor *Actor, tenantID, targetActorID string) error {
	return e.setMembershipActive(ctx, actor, tenantID, targetActorID, true)
}

func (e *Engine) setMembershipActive(ctx context.Context, actor *Actor, tenantID, targetActorID string, active bool) error {
	m, err := e.memberships.Get(ctx, tenantID, targetActorID)
	if err != nil {
		return err
	}
	action := ActionDeactivate
	if active {
		action = ActionReactivate
	}
	res := &Resource{Type: ResourceMembership, ID: targetActorID, TenantID: tenantID, MemberActorID: targetActorID, MemberRole: m.Role}
	if err := e.guard(ctx, actor, tenantID, action, res); err != nil {
		return err
	}
	mu := e.catalog.lockTenant(tenantID)
	mu.Lock()
	defer mu.Unlock()
	m.Active = active
	m.UpdatedAt = time.Now()
	if err := e.memberships.Put(ctx, m); err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	e.log.Info("membership state changed", "tenant", tenantID, "actor", actor.ID, "member", targetActorID, "active", active)
	return nil
}

// Memberships lists the tenant roster, gated by the membership index grant.
func (e *Engine) Memberships(ctx context.Context, actor *Actor, tenantID string) ([]*Membership, error) {
	if err := e.guard(ctx, actor, tenantID, ActionIndex, &Resource{Type: ResourceMembership, TenantID: tenantID}); err != nil {
		return nil, err
	}
	return e.memberships.List(ctx, tenantID)
}

// Roles lists the tenant's role catalog (system tiers plus custom roles).
func (e *Engine) Roles(ctx context.Context, actor *Actor, tenantID string) ([]*Role, error) {
	if err := e.guard(ctx, actor, tenantID, ActionIndex, &Resource{Type: ResourceRole, TenantID: tenantID}); err != nil {
		return nil, err
	}
	snap, err := e.catalog.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return snap.Roles(), nil
}

// CreateRole defines a custom role. The actor must outrank the role being
// created so a tier can never mint peers above itself.
func (e *Engine) CreateRole(ctx context.Context, actor *Actor, tenantID string, r *Role) error {
	r.TenantID = tenantID
	if err := e.guard(ctx, actor, tenantID, ActionCreate, &Resource{Type: ResourceRole, ID: r.Key, TenantID: tenantID}); err != nil {
		return err
	}
	actorRole, err := e.actorRole(ctx, actor, tenantID)
	if err != nil {
		return err
	}
	if r.Priority >= actorRole.Priority {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, ReasonEscalation)
	}
	mu := e.catalog.lockTenant(tenantID)
	mu.Lock()
	defer mu.Unlock()
	return e.catalog.createRole(ctx, r)
}

// UpdateRole replaces a custom role definition.
func (e *Engine) UpdateRole(ctx context.Context, actor *Actor, tenantID string, r *Role) error {
	r.TenantID = tenantID
	if err := e.guard(ctx, actor, tenantID, ActionUpdate, &Resource{Type: ResourceRole, ID: r.Key, TenantID: tenantID}); err != nil {
		return err
	}
	actorRole, err := e.actorRole(ctx, actor, tenantID)
	if err != nil {
		return err
	}
	if r.Priority >= actorRole.Priority {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, ReasonEscalation)
	}
	mu := e.catalog.lockTenant(tenantID)
	mu.Lock()
	defer mu.Unlock()
	return e.catalog.updateRole(ctx, r)
}

// DeleteRole removes a custom role no active membership references.
func (e *Engine) DeleteRole(ctx context.Context, actor *Actor, tenantID, key string) error {
	if err := e.guard(ctx, actor, tenantID, ActionDelete, &Resource{Type: ResourceRole, ID: key, TenantID: tenantID}); err != nil {
		return err
	}
	mu := e.catalog.lockTenant(tenantID)
	mu.Lock()
	defer mu.Unlock()
	return e.catalog.deleteRole(ctx, tenantID, key)
}

// AttachGrant appends one grant to a custom role.
func (e *Engine) AttachGrant(ctx context.Context, actor *Actor, tenantID, key string, g Grant) error {
	if err := e.guard(ctx, actor, tenantID, ActionUpdate, &Resource{Type: ResourceRole, ID: key, TenantID: tenantID}); err != nil {
		return err
	}
	mu := e.catalog.lockTenant(tenantID)
	mu.Lock()
	defer mu.Unlock()
	return e.catalog.attachGrant(ctx, tenantID, key, g)
}

// DetachGrant removes a grant from a custom role.
func (e *Engine) DetachGrant(ctx context.Context, actor *Actor, tenantID, key string, g Grant) error {
	if err := e.guard(ctx, actor, tenantID, ActionUpdate, &Resource{Type: ResourceRole, ID: key, TenantID: tenantID}); err != nil {
		return err
	}
	mu := e.catalog.lockTenant(tenantID)
	mu.Lock()
	defer mu.Unlock()
	return e.catalog.detachGrant(ctx, tenantID, key, g)
}

func (e *Engine) record(actor *Actor, tenantID string, action Action, res *Resource, d *Decision) {
	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	entry := &AuditEntry{
		TenantID:   tenantID,
		ActorID:    actorID,
		Action:     action,
		Permitted:  d.Permitted,
		Conditions: d.Conditions,
		Context:    map[string]any{"reason": d.Reason},
		Timestamp:  d.Timestamp,
	}
	if actor != nil && actor.SystemAdmin {
		entry.Context["system_admin"] = true
	}
	if res != nil {
		entry.ResourceType = res.Type
		entry.ResourceID = res.ID
		if res.MemberActorID != "" {
			entry.Context["member"] = res.MemberActorID
		}
		if res.NewRole != "" {
			entry.Context["new_role"] = res.NewRole
		}
	}
	e.audit.Record(entry)
	e.log.Debug("decision",
		"tenant", tenantID,
		"actor", actorID,
		"action", string(action),
		"resource", entry.ResourceType,
		"permitted", d.Permitted,
		"reason", d.Reason,
	)
}
