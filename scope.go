package guard

import (
	"context"
	"strings"
)

// FilterKind classifies a scope filter.
type FilterKind uint8

const (
	// FilterNone matches no records (guest, inactive membership, or a role
	// with no read grant on the type).
	FilterNone FilterKind = iota
	// FilterAll matches every record in the tenant.
	FilterAll
	// FilterUnion matches records satisfying any of the clauses.
	FilterUnion
)

// FilterClause is one predicate of a union filter.
type FilterClause uint8

const (
	ClauseCreatedBy FilterClause = iota
	ClauseAssignedTo
	ClauseTeamOf
)

func (c FilterClause) String() string {
	switch c {
	case ClauseCreatedBy:
		return "created_by"
	case ClauseAssignedTo:
		return "assigned_to"
	case ClauseTeamOf:
		return "team_of"
	}
	return "unknown"
}

// Filter is a declarative description of which records a listing may
// return. The engine never touches storage; callers translate the filter
// into their own query (a WHERE clause, an index scan, ...). Clauses are
// OR-combined and always relative to the requesting actor.
type Filter struct {
	Kind    FilterKind
	Clauses []FilterClause
}

var (
	NoneFilter = Filter{Kind: FilterNone}
	AllFilter  = Filter{Kind: FilterAll}
)

// IsEmpty reports whether the filter matches nothing.
func (f Filter) IsEmpty() bool { return f.Kind == FilterNone }

// Has reports whether a union filter contains the clause.
func (f Filter) Has(c FilterClause) bool {
	if f.Kind != FilterUnion {
		return false
	}
	for _, cl := range f.Clauses {
		if cl == c {
			return true
		}
	}
	return false
}

// Match applies the filter to one resource snapshot on behalf of actor.
// Storage-backed callers compile the filter into a query instead; Match is
// the reference semantics and serves in-memory collaborators and tests.
func (f Filter) Match(actor *Actor, res *Resource) bool {
	switch f.Kind {
	case FilterAll:
		return true
	case FilterUnion:
		for _, c := range f.Clauses {
			switch c {
			case ClauseCreatedBy:
				if res.CreatorID != "" && res.CreatorID == actor.ID {
					return true
				}
			case ClauseAssignedTo:
				if res.AssigneeID != "" && res.AssigneeID == actor.ID {
					return true
				}
			case ClauseTeamOf:
				for _, t := range actor.Teams {
					if res.TeamID != "" && res.TeamID == t {
						return true
					}
				}
			}
		}
	}
	return false
}

func (f Filter) String() string {
	switch f.Kind {
	case FilterAll:
		return "all"
	case FilterUnion:
		parts := make([]string, len(f.Clauses))
		for i, c := range f.Clauses {
			parts[i] = c.String()
		}
		return strings.Join(parts, "|")
	}
	return "none"
}

// readActions are the grant actions that contribute visibility to listings.
var readActions = []Action{ActionIndex, ActionShow}

// ScopeFor resolves the listing filter for (actor, tenant, resourceType)
// from the actor's role grants: an unconditional read grant yields the
// whole tenant, own_only yields created-by or assigned-to, team_only yields
// the actor's teams. Non-members get the empty filter. ScopeFor is
// read-only and produces no audit entry; listing is audited, if at all, by
// the caller as one coarse event.
func (e *Engine) ScopeFor(ctx context.Context, actor *Actor, tenantID, resourceType string) (Filter, error) {
	m, ok, err := e.resolveMembership(ctx, actor, tenantID)
	if err != nil {
		return NoneFilter, err
	}
	if !ok {
		return NoneFilter, nil
	}
	snap, err := e.catalog.Snapshot(ctx, tenantID)
	if err != nil {
		return NoneFilter, err
	}
	role := snap.role(m.Role)
	if role == nil {
		return NoneFilter, nil
	}
	return scopeFromGrants(role, resourceType), nil
}

func scopeFromGrants(role *Role, resourceType string) Filter {
	var own, team bool
	for _, a := range readActions {
		unconditional, conds := grantsFor(role, resourceType, a)
		if unconditional {
			return AllFilter
		}
		for _, c := range conds {
			switch c {
			case CondOwnOnly:
				own = true
			case CondTeamOnly:
				team = true
			}
		}
	}
	var clauses []FilterClause
	if own {
		clauses = append(clauses, ClauseCreatedBy, ClauseAssignedTo)
	}
	if team {
		clauses = append(clauses, ClauseTeamOf)
	}
	if len(clauses) == 0 {
		return NoneFilter
	}
	return Filter{Kind: FilterUnion, Clauses: clauses}
}
