package guard

import (
	"context"
	"testing"
)

func TestScopeSystemTiers(t *testing.T) {
	ctx := context.Background()
	e, ms, _ := newTestEngine(t)
	seedMember(t, ms, "t1", "olivia", RoleOwner)
	seedMember(t, ms, "t1", "adam", RoleAdmin)
	seedMember(t, ms, "t1", "bob", RoleMember)
	seedMember(t, ms, "t1", "vera", RoleViewer)

	cases := []struct {
		actor string
		want  string
	}{
		{"olivia", "all"},
		{"adam", "all"},
		{"bob", "created_by|assigned_to|team_of"},
		{"vera", "created_by|assigned_to"},
		{"nobody", "none"},
	}
	for _, tc := range cases {
		f, err := e.ScopeFor(ctx, &Actor{ID: tc.actor}, "t1", "task")
		if err != nil {
			t.Fatalf("scope for %s: %v", tc.actor, err)
		}
		if got := f.String(); got != tc.want {
			t.Fatalf("scope for %s = %q, want %q", tc.actor, got, tc.want)
		}
	}
}

func TestScopeCustomRoles(t *testing.T) {
	ctx := context.Background()
	e, ms, _ := newTestEngine(t)
	seedMember(t, ms, "t1", "olivia", RoleOwner)

	auditor := &Role{Key: "auditor", Priority: 25, Grants: []Grant{
		{ResourceType: "task", Action: ActionIndex, Condition: CondNone},
	}}
	lead := &Role{Key: "lead", Priority: 24, Grants: []Grant{
		{ResourceType: "task", Action: ActionIndex, Condition: CondTeamOnly},
		{ResourceType: "task", Action: ActionShow, Condition: CondTeamOnly},
	}}
	for _, r := range []*Role{auditor, lead} {
		if err := e.CreateRole(ctx, &Actor{ID: "olivia"}, "t1", r); err != nil {
			t.Fatalf("create role %s: %v", r.Key, err)
		}
	}
	seedMember(t, ms, "t1", "amy", "auditor")
	seedMember(t, ms, "t1", "liam", "lead")

	f, err := e.ScopeFor(ctx, &Actor{ID: "amy"}, "t1", "task")
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if f.Kind != FilterAll {
		t.Fatalf("unconditional read grant must resolve to all, got %s", f)
	}

	f, err = e.ScopeFor(ctx, &Actor{ID: "liam"}, "t1", "task")
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if f.String() != "team_of" {
		t.Fatalf("team_only read grant = %q, want team_of", f)
	}

	// no read grant on sprints at all
	f, err = e.ScopeFor(ctx, &Actor{ID: "liam"}, "t1", "sprint")
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if !f.IsEmpty() {
		t.Fatalf("no read grant must yield the empty filter, got %s", f)
	}
}

func TestFilterMatch(t *testing.T) {
	actor := &Actor{ID: "bob", Teams: []string{"team-blue"}}
	memberFilter := Filter{Kind: FilterUnion, Clauses: []FilterClause{ClauseCreatedBy, ClauseAssignedTo, ClauseTeamOf}}

	cases := []struct {
		name string
		f    Filter
		res  Resource
		want bool
	}{
		{"all matches anything", AllFilter, Resource{Type: "task"}, true},
		{"none matches nothing", NoneFilter, Resource{Type: "task", CreatorID: "bob"}, false},
		{"created by actor", memberFilter, Resource{CreatorID: "bob"}, true},
		{"assigned to actor", memberFilter, Resource{CreatorID: "ann", AssigneeID: "bob"}, true},
		{"actor's team", memberFilter, Resource{CreatorID: "ann", TeamID: "team-blue"}, true},
		{"unrelated record", memberFilter, Resource{CreatorID: "ann", AssigneeID: "cid", TeamID: "team-red"}, false},
		{"empty ids never match", memberFilter, Resource{}, false},
	}
	for _, tc := range cases {
		if got := tc.f.Match(actor, &tc.res); got != tc.want {
			t.Fatalf("%s: match = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMemberScopeIsExactUnion(t *testing.T) {
	ctx := context.Background()
	e, ms, _ := newTestEngine(t)
	seedMember(t, ms, "t1", "bob", RoleMember)

	f, err := e.ScopeFor(ctx, &Actor{ID: "bob", Teams: []string{"team-blue"}}, "t1", "task")
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	for _, c := range []FilterClause{ClauseCreatedBy, ClauseAssignedTo, ClauseTeamOf} {
		if !f.Has(c) {
			t.Fatalf("member scope missing clause %s", c)
		}
	}
	if len(f.Clauses) != 3 {
		t.Fatalf("member scope has extra clauses: %s", f)
	}
}
