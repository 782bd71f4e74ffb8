package guard

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for lookups that must not disclose whether
	// the record exists in another tenant, and by stores for missing rows.
	ErrNotFound = errors.New("guard: not found")

	// ErrNoMembership is returned by guarded operations when the acting
	// actor has no active membership in the tenant. Missing, inactive and
	// unknown memberships are indistinguishable to callers.
	ErrNoMembership = errors.New("guard: no membership")

	// ErrPermissionDenied is returned by guarded operations when the
	// membership exists but the grant, condition or hierarchy check failed.
	ErrPermissionDenied = errors.New("guard: permission denied")
)

// CatalogError reports a malformed role or grant definition rejected at
// mutation time. It never reaches the evaluation path.
type CatalogError struct {
	TenantID string
	Role     string
	Reason   string
}

func (e *CatalogError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("guard: catalog: %s (tenant %s)", e.Reason, e.TenantID)
	}
	return fmt.Sprintf("guard: catalog: role %s: %s (tenant %s)", e.Role, e.Reason, e.TenantID)
}

func catalogErr(tenantID, role, reason string) error {
	return &CatalogError{TenantID: tenantID, Role: role, Reason: reason}
}
