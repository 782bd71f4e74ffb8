package stores

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/taskhive/guard"
)

func newTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLMembershipStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := NewSQLMembershipStore(newTestDB(t))

	if _, err := s.Get(ctx, "t1", "bob"); !errors.Is(err, guard.ErrNotFound) {
		t.Fatalf("missing row: got %v, want not found", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	m := &guard.Membership{TenantID: "t1", ActorID: "bob", Role: guard.RoleMember, Active: true, CreatedAt: now, UpdatedAt: now}
	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "t1", "bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Role != guard.RoleMember || !got.Active {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	// upsert on the same (tenant, actor) key
	m.Role = guard.RoleAdmin
	m.Active = false
	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = s.Get(ctx, "t1", "bob")
	if got.Role != guard.RoleAdmin || got.Active {
		t.Fatalf("upsert mismatch: %+v", got)
	}

	if err := s.Put(ctx, &guard.Membership{TenantID: "t1", ActorID: "ann", Role: guard.RoleViewer, Active: true}); err != nil {
		t.Fatalf("put second: %v", err)
	}
	list, err := s.List(ctx, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ActorID != "ann" {
		t.Fatalf("list = %+v", list)
	}
	if other, _ := s.List(ctx, "t2"); len(other) != 0 {
		t.Fatalf("tenant isolation broken: %+v", other)
	}
}

func TestSQLRoleStoreGrantsRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := NewSQLRoleStore(newTestDB(t))

	role := &guard.Role{
		TenantID: "t1", Key: "contractor", Name: "Contractor", Priority: 15,
		Grants: []guard.Grant{
			{ResourceType: "task", Action: guard.ActionShow, Condition: guard.CondOwnOnly},
			{ResourceType: "task", Action: guard.ActionCreate, Condition: guard.CondNone},
		},
	}
	if err := s.Put(ctx, role); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "t1", "contractor")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority != 15 || len(got.Grants) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Grants[0].Condition != guard.CondOwnOnly {
		t.Fatalf("grants lost their condition: %+v", got.Grants)
	}

	list, err := s.List(ctx, "t1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}

	if err := s.Delete(ctx, "t1", "contractor"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "t1", "contractor"); !errors.Is(err, guard.ErrNotFound) {
		t.Fatalf("after delete: got %v, want not found", err)
	}
}

func TestSQLAuditStoreQuery(t *testing.T) {
	ctx := context.Background()
	s := NewSQLAuditStore(newTestDB(t))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*guard.AuditEntry{
		{ID: "1", TenantID: "t1", ActorID: "bob", Action: guard.ActionShow, ResourceType: "task", Permitted: true, Timestamp: base,
			Conditions: []guard.ConditionCheck{{Condition: guard.CondOwnOnly, Outcome: true}},
			Context:    map[string]any{"reason": guard.ReasonAllowed}},
		{ID: "2", TenantID: "t1", ActorID: "bob", Action: guard.ActionUpdate, ResourceType: "task", Permitted: false, Timestamp: base.Add(time.Hour)},
		{ID: "3", TenantID: "t2", ActorID: "ann", Action: guard.ActionShow, ResourceType: "sprint", Permitted: true, Timestamp: base},
	}
	for _, e := range entries {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.ID, err)
		}
	}

	got, err := s.Query(ctx, guard.AuditFilter{TenantID: "t1"}, guard.Page{Limit: 10})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != "2" {
		t.Fatalf("tenant query = %+v, want newest first", got)
	}
	if len(got[1].Conditions) != 1 || got[1].Conditions[0].Condition != guard.CondOwnOnly {
		t.Fatalf("conditions json lost: %+v", got[1])
	}
	if got[1].Context["reason"] != guard.ReasonAllowed {
		t.Fatalf("context json lost: %+v", got[1].Context)
	}

	denied := false
	got, err = s.Query(ctx, guard.AuditFilter{TenantID: "t1", Permitted: &denied}, guard.Page{Limit: 10})
	if err != nil || len(got) != 1 || got[0].ID != "2" {
		t.Fatalf("outcome filter = %+v (%v)", got, err)
	}

	got, err = s.Query(ctx, guard.AuditFilter{TenantID: "t1"}, guard.Page{Limit: 1, Offset: 1})
	if err != nil || len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("pagination = %+v (%v)", got, err)
	}
}

func TestSQLTenantStore(t *testing.T) {
	ctx := context.Background()
	s := NewSQLTenantStore(newTestDB(t))

	if _, err := s.Get(ctx, "t1"); !errors.Is(err, guard.ErrNotFound) {
		t.Fatalf("missing tenant: got %v", err)
	}
	if err := s.Put(ctx, &guard.Tenant{ID: "t1", Name: "Acme", Active: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "t1")
	if err != nil || !got.Active || got.Name != "Acme" {
		t.Fatalf("get = %+v (%v)", got, err)
	}
	if err := s.Put(ctx, &guard.Tenant{ID: "t1", Name: "Acme", Active: false}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = s.Get(ctx, "t1")
	if got.Active {
		t.Fatalf("upsert did not deactivate")
	}
}

func TestSQLBackedEngine(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e, err := guard.NewEngine(
		NewSQLMembershipStore(db),
		NewSQLRoleStore(db),
		NewSQLAuditStore(db),
		guard.WithTenantStore(NewSQLTenantStore(db)),
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Close()

	ts := NewSQLTenantStore(db)
	if err := ts.Put(ctx, &guard.Tenant{ID: "t1", Name: "Acme", Active: true}); err != nil {
		t.Fatalf("put tenant: %v", err)
	}
	ms := NewSQLMembershipStore(db)
	if err := ms.Put(ctx, &guard.Membership{TenantID: "t1", ActorID: "olivia", Role: guard.RoleOwner, Active: true}); err != nil {
		t.Fatalf("put membership: %v", err)
	}

	if err := e.AssignRole(ctx, &guard.Actor{ID: "olivia"}, "t1", "bob", guard.RoleMember); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !e.Can(ctx, &guard.Actor{ID: "bob"}, "t1", guard.ActionCreate, &guard.Resource{Type: "task"}) {
		t.Fatalf("sql-backed member must create tasks")
	}

	e.Flush()
	permitted := true
	entries, err := e.Audit().Query(ctx, guard.AuditFilter{TenantID: "t1", Permitted: &permitted}, guard.Page{Limit: 10})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("permitted audit entries = %d, want 2", len(entries))
	}
}
