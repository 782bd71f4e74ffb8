package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/taskhive/guard"
)

// SQLRoleStore persists custom roles in SQL (squealx). Grants are stored
// as a JSON column; the catalog recompiles them into snapshots.
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) Get(ctx context.Context, tenantID, key string) (*guard.Role, error) {
	q := `SELECT tenant_id, role_key, name, priority, grants_json, created_at FROM roles WHERE tenant_id = :tenant_id AND role_key = :role_key`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"tenant_id": tenantID,
		"role_key":  key,
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, guard.ErrNotFound
	}
	return scanRole(r)
}

func (s *SQLRoleStore) Put(ctx context.Context, role *guard.Role) error {
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now()
	}
	grants, _ := json.Marshal(role.Grants)
	q := `INSERT INTO roles(tenant_id, role_key, name, priority, grants_json, created_at)
VALUES(:tenant_id, :role_key, :name, :priority, :grants_json, :created_at)
ON CONFLICT(tenant_id, role_key) DO UPDATE SET name = excluded.name, priority = excluded.priority, grants_json = excluded.grants_json`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":   role.TenantID,
		"role_key":    role.Key,
		"name":        role.Name,
		"priority":    role.Priority,
		"grants_json": string(grants),
		"created_at":  role.CreatedAt,
	})
	return err
}

func (s *SQLRoleStore) Delete(ctx context.Context, tenantID, key string) error {
	q := `DELETE FROM roles WHERE tenant_id = :tenant_id AND role_key = :role_key`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id": tenantID,
		"role_key":  key,
	})
	return err
}

func (s *SQLRoleStore) List(ctx context.Context, tenantID string) ([]*guard.Role, error) {
	q := `SELECT tenant_id, role_key, name, priority, grants_json, created_at FROM roles WHERE tenant_id = :tenant_id ORDER BY priority DESC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*guard.Role, 0)
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

func scanRole(r rowScanner) (*guard.Role, error) {
	var tenant, key, name, grantsJSON string
	var priority int
	var createdRaw interface{}
	if err := r.Scan(&tenant, &key, &name, &priority, &grantsJSON, &createdRaw); err != nil {
		return nil, err
	}
	role := &guard.Role{
		TenantID:  tenant,
		Key:       key,
		Name:      name,
		Priority:  priority,
		CreatedAt: scanTime(createdRaw),
	}
	_ = json.Unmarshal([]byte(grantsJSON), &role.Grants)
	return role, nil
}
