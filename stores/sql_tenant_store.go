package stores

import (
	"context"

	"github.com/oarkflow/squealx"

	"github.com/taskhive/guard"
)

// SQLTenantStore persists tenant records in SQL (squealx)
type SQLTenantStore struct {
	db *squealx.DB
}

func NewSQLTenantStore(db *squealx.DB) *SQLTenantStore {
	return &SQLTenantStore{db: db}
}

func (s *SQLTenantStore) Get(ctx context.Context, id string) (*guard.Tenant, error) {
	q := `SELECT id, name, active FROM tenants WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, guard.ErrNotFound
	}
	var idv, name string
	var activeInt int
	if err := r.Scan(&idv, &name, &activeInt); err != nil {
		return nil, err
	}
	return &guard.Tenant{ID: idv, Name: name, Active: activeInt != 0}, nil
}

func (s *SQLTenantStore) Put(ctx context.Context, t *guard.Tenant) error {
	q := `INSERT INTO tenants(id, name, active) VALUES(:id, :name, :active)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":     t.ID,
		"name":   t.Name,
		"active": boolToInt(t.Active),
	})
	return err
}
