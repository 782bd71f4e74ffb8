package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/taskhive/guard"
)

// SQLAuditStore persists audit entries in SQL. There is no update or
// delete path; the table is append-only by construction.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) Append(ctx context.Context, e *guard.AuditEntry) error {
	conditions, _ := json.Marshal(e.Conditions)
	contextB, _ := json.Marshal(e.Context)
	q := `INSERT INTO audit_log(id, tenant_id, actor_id, resource_type, resource_id, action, permitted, conditions_json, context_json, timestamp)
VALUES(:id, :tenant_id, :actor_id, :resource_type, :resource_id, :action, :permitted, :conditions_json, :context_json, :timestamp)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              e.ID,
		"tenant_id":       e.TenantID,
		"actor_id":        e.ActorID,
		"resource_type":   e.ResourceType,
		"resource_id":     e.ResourceID,
		"action":          string(e.Action),
		"permitted":       boolToInt(e.Permitted),
		"conditions_json": string(conditions),
		"context_json":    string(contextB),
		"timestamp":       e.Timestamp,
	})
	return err
}

func (s *SQLAuditStore) Query(ctx context.Context, f guard.AuditFilter, p guard.Page) ([]*guard.AuditEntry, error) {
	q := `SELECT id, tenant_id, actor_id, resource_type, resource_id, action, permitted, conditions_json, context_json, timestamp FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if f.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = f.TenantID
	}
	if f.ActorID != "" {
		q += " AND actor_id = :actor_id"
		params["actor_id"] = f.ActorID
	}
	if f.Action != "" {
		q += " AND action = :action"
		params["action"] = string(f.Action)
	}
	if f.ResourceType != "" {
		q += " AND resource_type = :resource_type"
		params["resource_type"] = f.ResourceType
	}
	if f.Permitted != nil {
		q += " AND permitted = :permitted"
		params["permitted"] = boolToInt(*f.Permitted)
	}
	if !f.From.IsZero() {
		q += " AND timestamp >= :from"
		params["from"] = f.From
	}
	if !f.To.IsZero() {
		q += " AND timestamp <= :to"
		params["to"] = f.To
	}
	q += " ORDER BY timestamp DESC, id DESC"
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	params["limit"] = limit
	params["offset"] = p.Offset
	q += " LIMIT :limit OFFSET :offset"
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*guard.AuditEntry, 0)
	for r.Next() {
		var id, tenant, actor, resourceType, resourceID, action, conditionsJSON, contextJSON string
		var permittedInt int
		var tsRaw interface{}
		if err := r.Scan(&id, &tenant, &actor, &resourceType, &resourceID, &action, &permittedInt, &conditionsJSON, &contextJSON, &tsRaw); err != nil {
			return nil, err
		}
		entry := &guard.AuditEntry{
			ID:           id,
			TenantID:     tenant,
			ActorID:      actor,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Action:       guard.Action(action),
			Permitted:    permittedInt != 0,
			Timestamp:    scanTime(tsRaw),
		}
		_ = json.Unmarshal([]byte(conditionsJSON), &entry.Conditions)
		_ = json.Unmarshal([]byte(contextJSON), &entry.Context)
		out = append(out, entry)
	}
	return out, nil
}
