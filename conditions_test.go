package guard

import "testing"

func TestCheckCondition(t *testing.T) {
	bob := &Actor{ID: "bob", Teams: []string{"team-blue"}}

	cases := []struct {
		name string
		cond Condition
		res  *Resource
		want bool
	}{
		{"none always passes", CondNone, &Resource{}, true},
		{"own via creator", CondOwnOnly, &Resource{CreatorID: "bob"}, true},
		{"own via assignee", CondOwnOnly, &Resource{CreatorID: "ann", AssigneeID: "bob"}, true},
		{"own neither", CondOwnOnly, &Resource{CreatorID: "ann", AssigneeID: "cid"}, false},
		{"own empty ids", CondOwnOnly, &Resource{}, false},
		{"team match", CondTeamOnly, &Resource{TeamID: "team-blue"}, true},
		{"team mismatch", CondTeamOnly, &Resource{TeamID: "team-red"}, false},
		{"team empty", CondTeamOnly, &Resource{}, false},
		{"unknown fails closed", Condition("sometimes"), &Resource{CreatorID: "bob"}, false},
		{"nil resource", CondOwnOnly, nil, false},
	}
	for _, tc := range cases {
		if got := CheckCondition(tc.cond, bob, tc.res); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}

	if CheckCondition(CondOwnOnly, nil, &Resource{CreatorID: "bob"}) {
		t.Fatalf("nil actor must fail closed")
	}
}

func TestParseCondition(t *testing.T) {
	cases := []struct {
		in      string
		want    Condition
		wantErr bool
	}{
		{"none", CondNone, false},
		{"", CondNone, false},
		{"ALWAYS", CondNone, false},
		{"own_only", CondOwnOnly, false},
		{"own", CondOwnOnly, false},
		{" owned ", CondOwnOnly, false},
		{"team_only", CondTeamOnly, false},
		{"team", CondTeamOnly, false},
		{"sometimes", "", true},
		{"own-only", "", true},
	}
	for _, tc := range cases {
		got, err := ParseCondition(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}
