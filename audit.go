package guard

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/guard/logger"
)

// AuditLogger appends decision records without ever failing the decision
// path. Record hands entries to a buffered channel drained by a single
// worker; when the buffer is full the entry is logged locally, counted, and
// dropped, so a stalled sink never adds latency to a decision. Sink errors
// are logged locally and swallowed: a broken audit store must never become
// an availability outage.
type AuditLogger struct {
	store AuditStore
	log   logger.Logger

	ch        chan AuditEntry
	pending   sync.WaitGroup
	dropped   atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

const defaultAuditBuffer = 1024

func NewAuditLogger(store AuditStore, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		store: store,
		log:   logger.NewPhusluLogger(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ch == nil {
		a.ch = make(chan AuditEntry, defaultAuditBuffer)
	}
	go a.drain()
	return a
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditBuffer sets the channel capacity between Record and the writer.
func WithAuditBuffer(n int) AuditOption {
	return func(a *AuditLogger) {
		if n > 0 {
			a.ch = make(chan AuditEntry, n)
		}
	}
}

// WithAuditLoggerLog sets the local logger used for sink failures.
func WithAuditLoggerLog(l logger.Logger) AuditOption {
	return func(a *AuditLogger) {
		if l != nil {
			a.log = l
		}
	}
}

func (a *AuditLogger) drain() {
	defer close(a.done)
	bg := context.Background()
	for entry := range a.ch {
		a.append(bg, &entry)
		a.pending.Done()
	}
}

func (a *AuditLogger) append(ctx context.Context, e *AuditEntry) {
	if err := a.store.Append(ctx, e); err != nil {
		a.log.Error("audit append failed",
			"tenant", e.TenantID,
			"actor", e.ActorID,
			"action", string(e.Action),
			"error", err.Error())
	}
}

// Record appends one entry, fire-and-forget. It never blocks and never
// returns an error to the decision path.
func (a *AuditLogger) Record(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	a.pending.Add(1)
	select {
	case a.ch <- *e:
	default:
		// buffer full: the writer is behind, shed the entry
		a.pending.Done()
		a.dropped.Add(1)
		a.log.Error("audit buffer full, entry dropped",
			"tenant", e.TenantID,
			"actor", e.ActorID,
			"action", string(e.Action),
			"dropped", int(a.dropped.Load()))
	}
}

// Dropped reports how many entries were shed because the buffer was full.
func (a *AuditLogger) Dropped() uint64 {
	return a.dropped.Load()
}

// Flush blocks until every entry recorded so far has been handed to the
// store.
func (a *AuditLogger) Flush() {
	a.pending.Wait()
}

// Close flushes and stops the writer. Record must not be called after
// Close.
func (a *AuditLogger) Close() {
	a.closeOnce.Do(func() {
		a.pending.Wait()
		close(a.ch)
		<-a.done
	})
}

// Query returns entries matching the filter, newest first, bounded by the
// page.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter, p Page) ([]*AuditEntry, error) {
	return a.store.Query(ctx, f, p)
}

var csvHeader = []string{"date", "time", "actor", "action", "resource_type", "resource", "permitted", "context"}

// ExportCSV streams every entry matching the filter as CSV, one row per
// entry, paging through the store. The upper time bound is pinned at the
// start: entries recorded while the export is running fall outside the
// window, so the paged result set stays fixed and rows are neither
// duplicated nor skipped.
func (a *AuditLogger) ExportCSV(ctx context.Context, w io.Writer, f AuditFilter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	if f.To.IsZero() {
		f.To = time.Now()
	}
	const pageSize = 500
	offset := 0
	for {
		entries, err := a.store.Query(ctx, f, Page{Limit: pageSize, Offset: offset})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write(csvRow(e)); err != nil {
				return err
			}
		}
		if len(entries) < pageSize {
			break
		}
		offset += pageSize
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(e *AuditEntry) []string {
	permitted := "no"
	if e.Permitted {
		permitted = "yes"
	}
	contextStr := ""
	if len(e.Context) > 0 {
		if b, err := json.Marshal(e.Context); err == nil {
			contextStr = string(b)
		}
	}
	return []string{
		e.Timestamp.Format("2006-01-02"),
		e.Timestamp.Format("15:04:05"),
		e.ActorID,
		string(e.Action),
		e.ResourceType,
		e.ResourceID,
		permitted,
		contextStr,
	}
}
