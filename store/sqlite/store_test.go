package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/internal/entity"
	"github.com/xraph/backbone/schema"
	"github.com/xraph/backbone/store/sqlite"
)

func ctx() context.Context { return context.Background() }

// newStore opens a migrated store on a fresh database file. A file rather
// than :memory: lets every pooled connection see the same tables.
func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "backbone.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	s, err := sqlite.Open(ctx(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx()); err != nil {
		t.Fatal(err)
	}
	return s
}

func newSchema(eventType, version string) *schema.Schema {
	return &schema.Schema{
		Entity:        entity.New(),
		ID:            id.NewSchemaID(),
		EventType:     eventType,
		Version:       version,
		Body:          json.RawMessage(`{"type":"object"}`),
		Compatibility: schema.Backward,
	}
}

func newEvent(eventID string) *inbox.Event {
	return &inbox.Event{
		EventID:    eventID,
		EventType:  "application.submitted",
		Source:     "test",
		Payload:    json.RawMessage(`{}`),
		Status:     inbox.StatusReceived,
		MaxRetries: 5,
		ReceivedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestPing(t *testing.T) {
	s := newStore(t)
	if err := s.Ping(ctx()); err != nil {
		t.Fatal(err)
	}
	// Migrations are idempotent.
	if err := s.Migrate(ctx()); err != nil {
		t.Fatal(err)
	}
}

func TestSchemaCRUD(t *testing.T) {
	s := newStore(t)

	a := newSchema("application.submitted", "1.0.0")
	if err := s.CreateSchema(ctx(), a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSchema(ctx(), newSchema("application.submitted", "1.0.0")); !errors.Is(err, schema.ErrDuplicateVersion) {
		t.Fatalf("expected ErrDuplicateVersion, got %v", err)
	}

	got, err := s.GetSchemaVersion(ctx(), "application.submitted", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != a.ID {
		t.Fatal("version lookup returned the wrong row")
	}
	if _, err := s.GetActiveSchema(ctx(), "application.submitted"); !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Fatalf("expected no active version, got %v", err)
	}
}

func TestActivateSchemaKeepsOneActive(t *testing.T) {
	s := newStore(t)
	a := newSchema("x", "1.0.0")
	b := newSchema("x", "1.1.0")
	other := newSchema("y", "1.0.0")
	for _, sc := range []*schema.Schema{a, b, other} {
		if err := s.CreateSchema(ctx(), sc); err != nil {
			t.Fatal(err)
		}
	}

	for _, sc := range []*schema.Schema{a, other, b} {
		if _, err := s.ActivateSchema(ctx(), sc.ID); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.GetActiveSchema(ctx(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != b.ID {
		t.Fatal("expected 1.1.0 active")
	}

	all, err := s.ListSchemas(ctx(), schema.ListOpts{EventType: "x", IncludeDeprecated: true})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, sc := range all {
		if sc.IsActive {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("active versions of x = %d, want 1", n)
	}

	y, _ := s.GetActiveSchema(ctx(), "y")
	if y == nil || y.ID != other.ID {
		t.Fatal("activation leaked across event types")
	}

	if _, err := s.ActivateSchema(ctx(), id.NewSchemaID()); !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Fatalf("expected ErrSchemaNotFound, got %v", err)
	}
}

func TestInboxInsertAndTransition(t *testing.T) {
	s := newStore(t)
	ev := newEvent("e1")

	if err := s.InsertInboxEvent(ctx(), ev); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertInboxEvent(ctx(), newEvent("e1")); !errors.Is(err, inbox.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	started := time.Now().UTC().Truncate(time.Millisecond)
	ev.Status = inbox.StatusProcessing
	ev.ProcessingStartedAt = &started
	if err := s.TransitionInboxEvent(ctx(), ev, inbox.StatusReceived); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionInboxEvent(ctx(), ev, inbox.StatusReceived); !errors.Is(err, inbox.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}

	back := ev.Clone()
	back.Status = inbox.StatusReceived
	if err := s.TransitionInboxEvent(ctx(), back, inbox.StatusProcessing); !errors.Is(err, inbox.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	missing := newEvent("nope")
	missing.Status = inbox.StatusProcessing
	if err := s.TransitionInboxEvent(ctx(), missing, inbox.StatusReceived); !errors.Is(err, inbox.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}

	ev.Status = inbox.StatusCompleted
	if err := s.TransitionInboxEvent(ctx(), ev, inbox.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetInboxEvent(ctx(), "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != inbox.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestInboxInsertRace(t *testing.T) {
	s := newStore(t)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		other []error
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InsertInboxEvent(ctx(), newEvent("same-id"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, inbox.ErrDuplicateEvent):
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("inserts won = %d, want 1", wins)
	}
	if len(other) != 0 {
		t.Fatalf("losers must see ErrDuplicateEvent: %v", other)
	}
}

func TestInboxTransitionSingleWinner(t *testing.T) {
	s := newStore(t)
	if err := s.InsertInboxEvent(ctx(), newEvent("e1")); err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := newEvent("e1")
			ev.Status = inbox.StatusProcessing
			if err := s.TransitionInboxEvent(ctx(), ev, inbox.StatusReceived); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestInboxLeaseFence(t *testing.T) {
	s := newStore(t)
	ev := newEvent("e1")
	if err := s.InsertInboxEvent(ctx(), ev); err != nil {
		t.Fatal(err)
	}

	first := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	ev.Status = inbox.StatusProcessing
	ev.ProcessingStartedAt = &first
	if err := s.TransitionInboxEvent(ctx(), ev, inbox.StatusReceived); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListExpiredLeases(ctx(), time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].EventID != "e1" {
		t.Fatalf("expired leases = %v", stale)
	}
	if fresh, _ := s.ListExpiredLeases(ctx(), first.Add(-time.Second), 10); len(fresh) != 0 {
		t.Fatalf("lease reported expired before its start: %v", fresh)
	}

	// Reclaim, then a new claim under a later start.
	reclaimed := stale[0]
	reclaimed.Status = inbox.StatusRetryScheduled
	reclaimed.RetryCount = 1
	if err := s.TransitionInboxEvent(ctx(), reclaimed, inbox.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	second := first.Add(time.Minute)
	reclaimed.Status = inbox.StatusProcessing
	reclaimed.ProcessingStartedAt = &second
	if err := s.TransitionInboxEvent(ctx(), reclaimed, inbox.StatusRetryScheduled); err != nil {
		t.Fatal(err)
	}

	ev.Status = inbox.StatusCompleted
	if err := s.TransitionInboxEvent(ctx(), ev, inbox.StatusProcessing); !errors.Is(err, inbox.ErrStaleTransition) {
		t.Fatalf("commit under the first lease = %v, want ErrStaleTransition", err)
	}

	reclaimed.Status = inbox.StatusCompleted
	if err := s.TransitionInboxEvent(ctx(), reclaimed, inbox.StatusProcessing); err != nil {
		t.Fatalf("commit under the current lease: %v", err)
	}
}

func TestListDueRetries(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()

	for i, offset := range []time.Duration{-2 * time.Minute, -time.Minute, time.Hour} {
		ev := newEvent(string(rune('a' + i)))
		ev.Status = inbox.StatusRetryScheduled
		next := now.Add(offset)
		ev.NextRetryAt = &next
		if err := s.InsertInboxEvent(ctx(), ev); err != nil {
			t.Fatal(err)
		}
	}

	due, err := s.ListDueRetries(ctx(), now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].EventID != "a" {
		t.Fatalf("due = %v", due)
	}

	one, _ := s.ListDueRetries(ctx(), now, 1)
	if len(one) != 1 {
		t.Fatalf("limit ignored: %d", len(one))
	}
}

func TestPurgeInbox(t *testing.T) {
	s := newStore(t)
	old := time.Now().UTC().Add(-48 * time.Hour)

	for _, st := range []inbox.Status{inbox.StatusCompleted, inbox.StatusFailed, inbox.StatusSkipped} {
		ev := newEvent(string(st))
		ev.Status = st
		ev.ReceivedAt = old
		if err := s.InsertInboxEvent(ctx(), ev); err != nil {
			t.Fatal(err)
		}
	}
	fresh := newEvent("fresh")
	fresh.Status = inbox.StatusCompleted
	if err := s.InsertInboxEvent(ctx(), fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeInbox(ctx(), time.Now().UTC().Add(-24*time.Hour), inbox.Purgeable)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("purged = %d, want 2", n)
	}
	if total, _ := s.CountInbox(ctx(), ""); total != 2 {
		t.Fatalf("remaining = %d", total)
	}
	if failed, _ := s.CountInbox(ctx(), inbox.StatusFailed); failed != 1 {
		t.Fatal("FAILED row should remain")
	}
}

func TestKeys(t *testing.T) {
	s := newStore(t)

	if done, _ := s.IsKeyProcessed(ctx(), "k"); done {
		t.Fatal("unknown key reported processed")
	}
	if err := s.MarkKeyProcessed(ctx(), "k", "e1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if done, _ := s.IsKeyProcessed(ctx(), "k"); !done {
		t.Fatal("key should be processed")
	}
	// Re-marking the same key is an upsert.
	if err := s.MarkKeyProcessed(ctx(), "k", "e2", time.Hour); err != nil {
		t.Fatal(err)
	}
}

func TestDLQ(t *testing.T) {
	s := newStore(t)
	e := &dlq.Entry{
		Entity:    entity.New(),
		ID:        id.NewDLQID(),
		EventID:   "e1",
		EventType: "email.send",
		FailedAt:  time.Now().UTC().Add(-time.Hour),
	}
	if err := s.Push(ctx(), e); err != nil {
		t.Fatal(err)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.MarkReplayed(ctx(), e.ID, at); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDLQ(ctx(), e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReplayedAt == nil || !got.ReplayedAt.Equal(at) {
		t.Fatal("replayed_at not stored")
	}

	if err := s.MarkReplayed(ctx(), id.NewDLQID(), at); !errors.Is(err, dlq.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	n, _ := s.Purge(ctx(), time.Now().UTC())
	if n != 1 {
		t.Fatalf("purged = %d", n)
	}
	if c, _ := s.CountDLQ(ctx()); c != 0 {
		t.Fatalf("count = %d", c)
	}
}
