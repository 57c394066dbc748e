package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/backbone"
	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/internal/entity"
	"github.com/xraph/backbone/schema"
)

func ctx() context.Context { return context.Background() }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	s := New()

	if err := s.Migrate(ctx()); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx()); !errors.Is(err, backbone.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// schema.Store
// ──────────────────────────────────────────────────

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

func TestSchemaCRUD(t *testing.T) {
	s := New()

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

	// Mutating the returned copy must not leak into the store.
	got.Description = "changed"
	again, _ := s.GetSchema(ctx(), a.ID)
	if again.Description == "changed" {
		t.Fatal("store returned a shared pointer")
	}

	if _, err := s.GetActiveSchema(ctx(), "application.submitted"); !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Fatalf("expected no active version, got %v", err)
	}
}

func TestActivateSchemaSwapsActive(t *testing.T) {
	s := New()
	a := newSchema("x", "1.0.0")
	b := newSchema("x", "1.1.0")
	other := newSchema("y", "1.0.0")
	for _, sc := range []*schema.Schema{a, b, other} {
		if err := s.CreateSchema(ctx(), sc); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.ActivateSchema(ctx(), a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActivateSchema(ctx(), other.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActivateSchema(ctx(), b.ID); err != nil {
		t.Fatal(err)
	}

	active, _ := s.GetActiveSchema(ctx(), "x")
	if active.ID != b.ID {
		t.Fatal("expected 1.1.0 active")
	}
	prev, _ := s.GetSchema(ctx(), a.ID)
	if prev.IsActive {
		t.Fatal("1.0.0 should be inactive")
	}
	y, _ := s.GetActiveSchema(ctx(), "y")
	if y.ID != other.ID {
		t.Fatal("activation leaked across event types")
	}

	if _, err := s.ActivateSchema(ctx(), id.NewSchemaID()); !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Fatalf("expected ErrSchemaNotFound, got %v", err)
	}
}

func TestListSchemas(t *testing.T) {
	s := New()
	a := newSchema("x", "1.0.0")
	b := newSchema("x", "1.1.0")
	b.IsDeprecated = true
	c := newSchema("y", "1.0.0")
	for _, sc := range []*schema.Schema{a, b, c} {
		if err := s.CreateSchema(ctx(), sc); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		opts schema.ListOpts
		want int
	}{
		{"all live", schema.ListOpts{}, 2},
		{"with deprecated", schema.ListOpts{IncludeDeprecated: true}, 3},
		{"by type", schema.ListOpts{EventType: "x", IncludeDeprecated: true}, 2},
		{"limit", schema.ListOpts{IncludeDeprecated: true, Limit: 1}, 1},
		{"offset past end", schema.ListOpts{Offset: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListSchemas(ctx(), tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d, want %d", len(got), tt.want)
			}
		})
	}

	types, _ := s.ListEventTypes(ctx())
	if len(types) != 2 || types[0] != "x" || types[1] != "y" {
		t.Fatalf("types = %v", types)
	}
}

// ──────────────────────────────────────────────────
// inbox.Store
// ──────────────────────────────────────────────────

func newEvent(eventID string) *inbox.Event {
	return &inbox.Event{
		EventID:    eventID,
		EventType:  "application.submitted",
		Source:     "test",
		Payload:    json.RawMessage(`{}`),
		Status:     inbox.StatusReceived,
		MaxRetries: 5,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestInboxInsertAndTransition(t *testing.T) {
	s := New()
	ev := newEvent("e1")

	if err := s.InsertInboxEvent(ctx(), ev); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertInboxEvent(ctx(), newEvent("e1")); !errors.Is(err, inbox.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	ev.Status = inbox.StatusProcessing
	if err := s.TransitionInboxEvent(ctx(), ev, inbox.StatusReceived); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionInboxEvent(ctx(), ev, inbox.StatusReceived); !errors.Is(err, inbox.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}

	ev.Status = inbox.StatusReceived
	if err := s.TransitionInboxEvent(ctx(), ev, inbox.StatusProcessing); !errors.Is(err, inbox.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	missing := newEvent("nope")
	missing.Status = inbox.StatusProcessing
	if err := s.TransitionInboxEvent(ctx(), missing, inbox.StatusReceived); !errors.Is(err, inbox.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestInboxTransitionSingleWinner(t *testing.T) {
	s := New()
	if err := s.InsertInboxEvent(ctx(), newEvent("e1")); err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 10 {
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

func TestListDueRetries(t *testing.T) {
	s := New()
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

func TestListExpiredLeases(t *testing.T) {
	s := New()
	now := time.Now().UTC()

	for _, tc := range []struct {
		id      string
		started time.Duration
	}{{"old", -time.Hour}, {"older", -2 * time.Hour}, {"fresh", 0}} {
		ev := newEvent(tc.id)
		ev.Status = inbox.StatusProcessing
		started := now.Add(tc.started)
		ev.ProcessingStartedAt = &started
		if err := s.InsertInboxEvent(ctx(), ev); err != nil {
			t.Fatal(err)
		}
	}

	stale, err := s.ListExpiredLeases(ctx(), now.Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 || stale[0].EventID != "older" || stale[1].EventID != "old" {
		t.Fatalf("expired leases = %v", stale)
	}
}

func TestPurgeInbox(t *testing.T) {
	s := New()
	old := time.Now().Add(-48 * time.Hour)

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

	n, err := s.PurgeInbox(ctx(), time.Now().Add(-24*time.Hour), inbox.Purgeable)
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

// ──────────────────────────────────────────────────
// inbox.KeyStore
// ──────────────────────────────────────────────────

func TestKeys(t *testing.T) {
	s := New()

	if done, _ := s.IsKeyProcessed(ctx(), "k"); done {
		t.Fatal("unknown key reported processed")
	}
	if err := s.MarkKeyProcessed(ctx(), "k", "e1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if done, _ := s.IsKeyProcessed(ctx(), "k"); !done {
		t.Fatal("key should be processed")
	}

	if err := s.MarkKeyProcessed(ctx(), "short", "e2", time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if done, _ := s.IsKeyProcessed(ctx(), "short"); done {
		t.Fatal("expired key reported processed")
	}
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

func TestDLQ(t *testing.T) {
	s := New()
	e := &dlq.Entry{
		Entity:    entity.New(),
		ID:        id.NewDLQID(),
		EventID:   "e1",
		EventType: "email.send",
		FailedAt:  time.Now().Add(-time.Hour),
	}
	if err := s.Push(ctx(), e); err != nil {
		t.Fatal(err)
	}

	at := time.Now().UTC()
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

	n, _ := s.Purge(ctx(), time.Now())
	if n != 1 {
		t.Fatalf("purged = %d", n)
	}
	if c, _ := s.CountDLQ(ctx()); c != 0 {
		t.Fatalf("count = %d", c)
	}
}
