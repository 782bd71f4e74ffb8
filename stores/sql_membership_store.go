package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/taskhive/guard"
)

// SQLMembershipStore persists memberships in SQL (squealx)
type SQLMembershipStore struct {
	db *squealx.DB
}

func NewSQLMembershipStore(db *squealx.DB) *SQLMembershipStore {
	return &SQLMembershipStore{db: db}
}

func (s *SQLMembershipStore) Get(ctx context.Context, tenantID, actorID string) (*guard.Membership, error) {
	q := `SELECT tenant_id, actor_id, role_key, active, created_at, updated_at FROM memberships WHERE tenant_id = :tenant_id AND actor_id = :actor_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"tenant_id": tenantID,
		"actor_id":  actorID,
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, guard.ErrNotFound
	}
	return scanMembership(r)
}

func (s *SQLMembershipStore) Put(ctx context.Context, m *guard.Membership) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	q := `INSERT INTO memberships(tenant_id, actor_id, role_key, active, created_at, updated_at)
VALUES(:tenant_id, :actor_id, :role_key, :active, :created_at, :updated_at)
ON CONFLICT(tenant_id, actor_id) DO UPDATE SET role_key = excluded.role_key, active = excluded.active, updated_at = excluded.updated_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":  m.TenantID,
		"actor_id":   m.ActorID,
		"role_key":   m.Role,
		"active":     boolToInt(m.Active),
		"created_at": m.CreatedAt,
		"updated_at": m.UpdatedAt,
	})
	return err
}

func (s *SQLMembershipStore) List(ctx context.Context, tenantID string) ([]*guard.Membership, error) {
	q := `SELECT tenant_id, actor_id, role_key, active, created_at, updated_at FROM memberships WHERE tenant_id = :tenant_id ORDER BY actor_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*guard.Membership, 0)
	for r.Next() {
		m, err := scanMembership(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func scanMembership(r rowScanner) (*guard.Membership, error) {
	var tenant, actor, role string
	var activeInt int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&tenant, &actor, &role, &activeInt, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	return &guard.Membership{
		TenantID:  tenant,
		ActorID:   actor,
		Role:      role,
		Active:    activeInt != 0,
		CreatedAt: scanTime(createdRaw),
		UpdatedAt: scanTime(updatedRaw),
	}, nil
}
