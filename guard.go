package guard

import (
	"context"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Actor is a global (not tenant-scoped) identity requesting access.
// Teams carries the actor's team identifiers for the active request; the
// engine never resolves team membership itself, callers supply it (a
// TeamStore can be used to hydrate it).
type Actor struct {
	ID          string   `json:"id"`
	SystemAdmin bool     `json:"system_admin"`
	Teams       []string `json:"teams,omitempty"`
}

// Tenant is an isolated namespace. Deactivated tenants keep their
// membership and audit records but resolve no active memberships.
type Tenant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Membership binds one actor to one tenant with a role. At most one
// membership exists per (tenant, actor) pair; an inactive membership
// behaves as absent for authorization but stays queryable for history.
type Membership struct {
	TenantID  string    `json:"tenant_id"`
	ActorID   string    `json:"actor_id"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Action names an operation on a resource type.
type Action string

const (
	ActionShow       Action = "show"
	ActionIndex      Action = "index"
	ActionCreate     Action = "create"
	ActionUpdate     Action = "update"
	ActionDelete     Action = "delete"
	ActionDeactivate Action = "deactivate"
	ActionReactivate Action = "reactivate"
	ActionChangeRole Action = "change_role"
)

// Condition narrows a grant to specific resource instances.
type Condition string

const (
	CondNone     Condition = "none"
	CondOwnOnly  Condition = "own_only"
	CondTeamOnly Condition = "team_only"
)

// Grant is one (resource-type, action, condition) capability attached to a
// role. ResourceType and Action accept a trailing '*' wildcard.
type Grant struct {
	ResourceType string    `json:"resource" yaml:"resource"`
	Action       Action    `json:"action" yaml:"action"`
	Condition    Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Role is a named, priority-ordered bundle of grants. System roles have an
// empty TenantID and fixed grants; custom roles belong to one tenant and
// carry exactly their explicit grants, no implicit inheritance.
type Role struct {
	Key       string    `json:"key" yaml:"key"`
	TenantID  string    `json:"tenant_id" yaml:"tenant_id"`
	Name      string    `json:"name" yaml:"name"`
	Priority  int       `json:"priority" yaml:"priority"`
	System    bool      `json:"system" yaml:"system"`
	Grants    []Grant   `json:"grants" yaml:"grants"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Resource is the caller-supplied snapshot of the record being acted on.
// The engine never queries domain storage; creator, assignee and team come
// from the domain-record collaborator at evaluation time. ID may be empty
// for collection-level checks.
//
// For membership targets (Type == ResourceMembership) the Member* fields
// identify the membership being acted on, and NewRole carries the requested
// role for change_role.
type Resource struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	CreatorID  string `json:"creator_id,omitempty"`
	AssigneeID string `json:"assignee_id,omitempty"`
	TeamID     string `json:"team_id,omitempty"`

	MemberActorID string `json:"member_actor_id,omitempty"`
	MemberRole    string `json:"member_role,omitempty"`
	NewRole       string `json:"new_role,omitempty"`
}

// Resource types the engine itself gives meaning to. Domain types (task,
// sprint, milestone, ...) are opaque strings owned by the caller.
const (
	ResourceMembership = "membership"
	ResourceRole       = "role"
)

// ConditionCheck records one condition evaluated during a decision and its
// outcome.
type ConditionCheck struct {
	Condition Condition `json:"condition"`
	Outcome   bool      `json:"outcome"`
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Permitted  bool             `json:"permitted"`
	Reason     string           `json:"reason"`
	Conditions []ConditionCheck `json:"conditions,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Decision reasons. These are stable strings: they end up in audit entries.
const (
	ReasonAllowed          = "allowed"
	ReasonNoMembership     = "no membership"
	ReasonNotFound         = "not found"
	ReasonNoGrant          = "no grant"
	ReasonConditionNotMet  = "condition not met"
	ReasonUnknownRole      = "unknown role"
	ReasonSelfService      = "self service"
	ReasonSelfRoleChange   = "own role change denied"
	ReasonPriorityExceeded = "target outranks actor"
	ReasonEscalation       = "escalation to own tier or above"
	ReasonOwnerProtected   = "ownership transfer required"
	ReasonHierarchyView    = "read-only view of higher role"
)

// AuditEntry is the append-only record of one authorization decision.
// Entries are never mutated or deleted by the engine.
type AuditEntry struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	ActorID      string           `json:"actor_id"`
	ResourceType string           `json:"resource_type"`
	ResourceID   string           `json:"resource_id,omitempty"`
	Action       Action           `json:"action"`
	Permitted    bool             `json:"permitted"`
	Conditions   []ConditionCheck `json:"conditions,omitempty"`
	Context      map[string]any   `json:"context,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// AuditFilter selects audit entries for the reporting surface.
type AuditFilter struct {
	TenantID     string
	ActorID      string
	Action       Action
	ResourceType string
	Permitted    *bool
	From         time.Time
	To           time.Time
}

// Page bounds a query. A zero Limit applies the store's default.
type Page struct {
	Limit  int
	Offset int
}

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// MembershipStore persists tenant memberships. Get returns ErrNotFound when
// no membership row exists; active-flag interpretation is the engine's job.
type MembershipStore interface {
	Get(ctx context.Context, tenantID, actorID string) (*Membership, error)
	Put(ctx context.Context, m *Membership) error
	List(ctx context.Context, tenantID string) ([]*Membership, error)
}

// RoleStore persists tenant custom roles. System roles never hit the store.
type RoleStore interface {
	Get(ctx context.Context, tenantID, key string) (*Role, error)
	Put(ctx context.Context, r *Role) error
	Delete(ctx context.Context, tenantID, key string) error
	List(ctx context.Context, tenantID string) ([]*Role, error)
}

// TenantStore resolves tenant records. Optional: without one the engine
// treats every tenant id as active.
type TenantStore interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	Put(ctx context.Context, t *Tenant) error
}

// AuditStore appends and queries immutable audit entries. There is no
// update or delete; retention is an external housekeeping concern.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	Query(ctx context.Context, f AuditFilter, p Page) ([]*AuditEntry, error)
}

// TeamStore tracks which teams an actor belongs to. The engine does not
// consult it during evaluation; callers use it to hydrate Actor.Teams.
type TeamStore interface {
	AddMember(ctx context.Context, teamID, actorID string) error
	RemoveMember(ctx context.Context, teamID, actorID string) error
	TeamsOf(ctx context.Context, actorID string) ([]string, error)
}
