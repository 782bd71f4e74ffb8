package guard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskhive/guard/logger"
)

type failingAuditStore struct {
	calls int
}

func (f *failingAuditStore) Append(ctx context.Context, e *AuditEntry) error {
	f.calls++
	return errors.New("sink down")
}

func (f *failingAuditStore) Query(ctx context.Context, _ AuditFilter, _ Page) ([]*AuditEntry, error) {
	return nil, errors.New("sink down")
}

func TestAuditRecordAndFlush(t *testing.T) {
	store := NewMemoryAuditStore()
	a := NewAuditLogger(store)
	defer a.Close()

	for i := 0; i < 10; i++ {
		a.Record(&AuditEntry{TenantID: "t1", ActorID: "bob", Action: ActionShow, Permitted: true})
	}
	a.Flush()

	entries, err := store.Query(context.Background(), AuditFilter{TenantID: "t1"}, Page{Limit: 100})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("entries = %d, want 10", len(entries))
	}
	for _, e := range entries {
		if e.ID == "" {
			t.Fatalf("entry id must be assigned on record")
		}
		if e.Timestamp.IsZero() {
			t.Fatalf("entry timestamp must be assigned on record")
		}
	}
}

func TestAuditFailingSinkNeverPropagates(t *testing.T) {
	store := &failingAuditStore{}
	a := NewAuditLogger(store, WithAuditLoggerLog(logger.NewNullLogger()))
	a.Record(&AuditEntry{TenantID: "t1", ActorID: "bob", Action: ActionShow})
	a.Flush()
	a.Close()
	if store.calls != 1 {
		t.Fatalf("append calls = %d, want 1", store.calls)
	}
}

// gateAuditStore stalls inside Append until released, simulating a slow
// sink, and signals entry so the test can sequence deterministically.
type gateAuditStore struct {
	inner   *MemoryAuditStore
	entered chan struct{}
	release chan struct{}
}

func (g *gateAuditStore) Append(ctx context.Context, e *AuditEntry) error {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Append(ctx, e)
}

func (g *gateAuditStore) Query(ctx context.Context, f AuditFilter, p Page) ([]*AuditEntry, error) {
	return g.inner.Query(ctx, f, p)
}

func TestAuditFullBufferShedsWithoutBlocking(t *testing.T) {
	store := &gateAuditStore{
		inner:   NewMemoryAuditStore(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	a := NewAuditLogger(store, WithAuditBuffer(1), WithAuditLoggerLog(logger.NewNullLogger()))

	a.Record(&AuditEntry{TenantID: "t1", ActorID: "bob", Action: ActionShow})
	<-store.entered
	// the writer is stalled in the sink; fill the buffer, then overflow it
	a.Record(&AuditEntry{TenantID: "t1", ActorID: "bob", Action: ActionShow})
	done := make(chan struct{})
	go func() {
		a.Record(&AuditEntry{TenantID: "t1", ActorID: "bob", Action: ActionShow})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("record must not block while the sink is stalled")
	}
	if got := a.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	close(store.release)
	<-store.entered
	a.Flush()
	a.Close()

	entries, _ := store.inner.Query(context.Background(), AuditFilter{TenantID: "t1"}, Page{Limit: 10})
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (buffered entries still land)", len(entries))
	}
}

func TestAuditQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAuditStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []*AuditEntry{
		{ID: "1", TenantID: "t1", ActorID: "bob", Action: ActionShow, ResourceType: "task", Permitted: true, Timestamp: base},
		{ID: "2", TenantID: "t1", ActorID: "bob", Action: ActionUpdate, ResourceType: "task", Permitted: false, Timestamp: base.Add(time.Hour)},
		{ID: "3", TenantID: "t1", ActorID: "ann", Action: ActionShow, ResourceType: "sprint", Permitted: true, Timestamp: base.Add(2 * time.Hour)},
		{ID: "4", TenantID: "t2", ActorID: "bob", Action: ActionShow, ResourceType: "task", Permitted: true, Timestamp: base},
	}
	for _, e := range seed {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	denied := false
	cases := []struct {
		name   string
		filter AuditFilter
		want   []string
	}{
		{"by tenant", AuditFilter{TenantID: "t1"}, []string{"3", "2", "1"}},
		{"by actor", AuditFilter{TenantID: "t1", ActorID: "ann"}, []string{"3"}},
		{"by action", AuditFilter{TenantID: "t1", Action: ActionUpdate}, []string{"2"}},
		{"by resource type", AuditFilter{TenantID: "t1", ResourceType: "sprint"}, []string{"3"}},
		{"by outcome", AuditFilter{TenantID: "t1", Permitted: &denied}, []string{"2"}},
		{"by range", AuditFilter{TenantID: "t1", From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)}, []string{"2"}},
	}
	for _, tc := range cases {
		entries, err := store.Query(ctx, tc.filter, Page{Limit: 10})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(entries) != len(tc.want) {
			t.Fatalf("%s: got %d entries, want %d", tc.name, len(entries), len(tc.want))
		}
		for i, e := range entries {
			if e.ID != tc.want[i] {
				t.Fatalf("%s: entry %d = %s, want %s (newest first)", tc.name, i, e.ID, tc.want[i])
			}
		}
	}

	// pagination
	entries, err := store.Query(ctx, AuditFilter{TenantID: "t1"}, Page{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("paged query: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "1" {
		t.Fatalf("paged query = %+v, want just entry 1", entries)
	}
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAuditStore()
	a := NewAuditLogger(store)
	defer a.Close()

	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	a.Record(&AuditEntry{
		TenantID: "t1", ActorID: "bob", Action: ActionUpdate,
		ResourceType: "task", ResourceID: "task-7", Permitted: false,
		Context: map[string]any{"reason": ReasonConditionNotMet}, Timestamp: ts,
	})
	a.Flush()

	var buf bytes.Buffer
	if err := a.ExportCSV(ctx, &buf, AuditFilter{TenantID: "t1"}); err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines = %d, want header plus one row", len(lines))
	}
	if lines[0] != "date,time,actor,action,resource_type,resource,permitted,context" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	row := lines[1]
	for _, want := range []string{"2026-03-01", "09:30:00", "bob", "update", "task", "task-7", "no"} {
		if !strings.Contains(row, want) {
			t.Fatalf("row %q missing %q", row, want)
		}
	}
}

// appendDuringQueryStore injects a fresh entry after the first page is
// served, simulating decisions landing while an export runs.
type appendDuringQueryStore struct {
	inner *MemoryAuditStore
	once  sync.Once
}

func (s *appendDuringQueryStore) Append(ctx context.Context, e *AuditEntry) error {
	return s.inner.Append(ctx, e)
}

func (s *appendDuringQueryStore) Query(ctx context.Context, f AuditFilter, p Page) ([]*AuditEntry, error) {
	out, err := s.inner.Query(ctx, f, p)
	s.once.Do(func() {
		s.inner.Append(ctx, &AuditEntry{
			ID: "late", TenantID: "t1", ActorID: "eve", Action: ActionShow,
			ResourceType: "task", Timestamp: time.Now().Add(time.Second),
		})
	})
	return out, err
}

func TestExportCSVStableWhileEntriesArrive(t *testing.T) {
	ctx := context.Background()
	store := &appendDuringQueryStore{inner: NewMemoryAuditStore()}
	a := NewAuditLogger(store, WithAuditLoggerLog(logger.NewNullLogger()))
	defer a.Close()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	const total = 501
	for i := 0; i < total; i++ {
		e := &AuditEntry{
			ID: fmt.Sprintf("e%03d", i), TenantID: "t1", ActorID: "bob",
			Action: ActionShow, ResourceType: "task", Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := a.ExportCSV(ctx, &buf, AuditFilter{TenantID: "t1"}); err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != total+1 {
		t.Fatalf("csv lines = %d, want header plus %d rows", len(lines), total)
	}
	seen := make(map[string]bool, total)
	for _, line := range lines[1:] {
		if strings.Contains(line, "eve") {
			t.Fatalf("entry recorded mid-export leaked into the window: %q", line)
		}
		if seen[line] {
			t.Fatalf("duplicated row %q", line)
		}
		seen[line] = true
	}
}
