package guard

import (
	"log/slog"
	"time"

	"github.com/taskhive/guard/logger"
)

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithLogger sets the structured logger used for decisions and audit
// writer failures.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithPhusluLogger routes engine logging through the oarkflow/log package.
func WithPhusluLogger() EngineOption {
	return WithLogger(logger.NewPhusluLogger())
}

// WithSlogLogger routes engine logging through a slog.Logger.
func WithSlogLogger(l *slog.Logger) EngineOption {
	return WithLogger(logger.NewSLogLogger(l))
}

// WithTenantStore enables tenant activity checks. Without it every tenant
// id resolves as active.
func WithTenantStore(ts TenantStore) EngineOption {
	return func(e *Engine) { e.tenants = ts }
}

// WithTeamStore attaches a team store for HydrateTeams.
func WithTeamStore(ts TeamStore) EngineOption {
	return func(e *Engine) { e.teams = ts }
}

// WithAuditBufferSize sizes the async audit channel. When the buffer is
// full entries are written synchronously instead of dropped.
func WithAuditBufferSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.auditBuffer = n
		}
	}
}

// WithSnapshotTTL bounds how long a compiled tenant role snapshot may be
// served from cache. Zero keeps snapshots until invalidated by a mutation.
func WithSnapshotTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.snapTTL = d
		}
	}
}
