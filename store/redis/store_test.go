package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/internal/entity"
	"github.com/xraph/backbone/schema"
	"github.com/xraph/backbone/store/redis"
)

func setupStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := redis.New(client)
	t.Cleanup(func() { s.Close() })
	return s, mr
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

func newEvent(eventID string, received time.Time) *inbox.Event {
	return &inbox.Event{
		EventID:      eventID,
		EventType:    "evaluation.completed",
		EventVersion: "1.0.0",
		Source:       "evaluations",
		Payload:      json.RawMessage(`{"eventId":"` + eventID + `"}`),
		Status:       inbox.StatusReceived,
		MaxRetries:   3,
		ReceivedAt:   received,
	}
}

func TestPing(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestSchemaVersions(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	a := newSchema("x", "1.0.0")
	b := newSchema("x", "1.1.0")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	other := newSchema("w", "1.0.0")
	for _, sc := range []*schema.Schema{a, b, other} {
		if err := s.CreateSchema(ctx, sc); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateSchema(ctx, newSchema("x", "1.0.0")); !errors.Is(err, schema.ErrDuplicateVersion) {
		t.Fatalf("expected ErrDuplicateVersion, got %v", err)
	}

	if _, err := s.GetActiveSchema(ctx, "x"); !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Fatalf("expected no active version, got %v", err)
	}

	if _, err := s.ActivateSchema(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	activated, err := s.ActivateSchema(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !activated.IsActive {
		t.Fatal("activated version should report active")
	}

	prev, err := s.GetSchemaVersion(ctx, "x", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if prev.IsActive {
		t.Fatal("1.0.0 should be inactive after 1.1.0 activation")
	}

	if _, err := s.ActivateSchema(ctx, id.NewSchemaID()); !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Fatalf("expected ErrSchemaNotFound, got %v", err)
	}

	types, err := s.ListEventTypes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 2 || types[0] != "w" || types[1] != "x" {
		t.Fatalf("types = %v", types)
	}

	now := time.Now().UTC()
	a.IsDeprecated = true
	a.DeprecatedAt = &now
	a.DeprecationReason = "superseded"
	if err := s.UpdateSchema(ctx, a); err != nil {
		t.Fatal(err)
	}

	listed, err := s.ListSchemas(ctx, schema.ListOpts{EventType: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].ID != b.ID {
		t.Fatalf("expected only 1.1.0 without deprecated, got %d", len(listed))
	}

	all, err := s.ListSchemas(ctx, schema.ListOpts{IncludeDeprecated: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].EventType != "w" || all[1].ID != a.ID || all[2].ID != b.ID {
		t.Fatal("expected ordering by event type then creation")
	}
}

func TestInboxInsertAndTransition(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	ev := newEvent("e-1", time.Now().UTC())
	if err := s.InsertInboxEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertInboxEvent(ctx, newEvent("e-1", time.Now().UTC())); !errors.Is(err, inbox.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	next := ev.Clone()
	next.Status = inbox.StatusProcessing
	if err := s.TransitionInboxEvent(ctx, next, inbox.StatusReceived); err != nil {
		t.Fatal(err)
	}

	// A second writer still holding the old status loses.
	stale := ev.Clone()
	stale.Status = inbox.StatusProcessing
	if err := s.TransitionInboxEvent(ctx, stale, inbox.StatusReceived); !errors.Is(err, inbox.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}

	invalid := next.Clone()
	invalid.Status = inbox.StatusReceived
	if err := s.TransitionInboxEvent(ctx, invalid, inbox.StatusProcessing); !errors.Is(err, inbox.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	missing := newEvent("nope", time.Now().UTC())
	missing.Status = inbox.StatusProcessing
	if err := s.TransitionInboxEvent(ctx, missing, inbox.StatusReceived); !errors.Is(err, inbox.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}

	got, err := s.GetInboxEvent(ctx, "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != inbox.StatusProcessing {
		t.Fatalf("status = %s", got.Status)
	}

	if n, _ := s.CountInbox(ctx, inbox.StatusReceived); n != 0 {
		t.Fatalf("RECEIVED count = %d, want 0", n)
	}
	if n, _ := s.CountInbox(ctx, inbox.StatusProcessing); n != 1 {
		t.Fatalf("PROCESSING count = %d, want 1", n)
	}
	if n, _ := s.CountInbox(ctx, ""); n != 1 {
		t.Fatalf("total count = %d, want 1", n)
	}
}

func TestListDueRetries(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	schedule := func(eventID string, at time.Time) {
		t.Helper()
		ev := newEvent(eventID, now)
		if err := s.InsertInboxEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		proc := ev.Clone()
		proc.Status = inbox.StatusProcessing
		if err := s.TransitionInboxEvent(ctx, proc, inbox.StatusReceived); err != nil {
			t.Fatal(err)
		}
		retry := proc.Clone()
		retry.Status = inbox.StatusRetryScheduled
		retry.RetryCount = 1
		retry.NextRetryAt = &at
		if err := s.TransitionInboxEvent(ctx, retry, inbox.StatusProcessing); err != nil {
			t.Fatal(err)
		}
	}

	schedule("late", now.Add(-time.Second))
	schedule("early", now.Add(-time.Minute))
	schedule("future", now.Add(time.Hour))

	due, err := s.ListDueRetries(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].EventID != "early" || due[1].EventID != "late" {
		t.Fatalf("due = %v", due)
	}

	limited, _ := s.ListDueRetries(ctx, now, 1)
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}

	// Leaving RETRY_SCHEDULED drops the row from the due index.
	row, _ := s.GetInboxEvent(ctx, "early")
	proc := row.Clone()
	proc.Status = inbox.StatusProcessing
	proc.NextRetryAt = nil
	if err := s.TransitionInboxEvent(ctx, proc, inbox.StatusRetryScheduled); err != nil {
		t.Fatal(err)
	}
	due, _ = s.ListDueRetries(ctx, now, 10)
	if len(due) != 1 || due[0].EventID != "late" {
		t.Fatalf("due after claim = %v", due)
	}
}

func TestExpiredLeasesAndFence(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	claim := func(eventID string, started time.Time) *inbox.Event {
		t.Helper()
		ev := newEvent(eventID, now)
		if err := s.InsertInboxEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		proc := ev.Clone()
		proc.Status = inbox.StatusProcessing
		proc.ProcessingStartedAt = &started
		if err := s.TransitionInboxEvent(ctx, proc, inbox.StatusReceived); err != nil {
			t.Fatal(err)
		}
		return proc
	}

	stuck := claim("stuck", now.Add(-time.Hour))
	claim("busy", now)

	stale, err := s.ListExpiredLeases(ctx, now.Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].EventID != "stuck" {
		t.Fatalf("expired leases = %v", stale)
	}

	// Reclaim and claim again under a newer lease.
	retry := stale[0].Clone()
	retry.Status = inbox.StatusRetryScheduled
	retry.RetryCount = 1
	if err := s.TransitionInboxEvent(ctx, retry, inbox.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	again := retry.Clone()
	restarted := now.Add(time.Second)
	again.Status = inbox.StatusProcessing
	again.ProcessingStartedAt = &restarted
	if err := s.TransitionInboxEvent(ctx, again, inbox.StatusRetryScheduled); err != nil {
		t.Fatal(err)
	}

	stuck.Status = inbox.StatusCompleted
	if err := s.TransitionInboxEvent(ctx, stuck, inbox.StatusProcessing); !errors.Is(err, inbox.ErrStaleTransition) {
		t.Fatalf("commit under the old lease = %v, want ErrStaleTransition", err)
	}
	again.Status = inbox.StatusCompleted
	if err := s.TransitionInboxEvent(ctx, again, inbox.StatusProcessing); err != nil {
		t.Fatalf("commit under the current lease: %v", err)
	}
}

func TestListInboxAndPurge(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, eid := range []string{"a", "b", "c"} {
		ev := newEvent(eid, base.Add(time.Duration(i)*time.Minute))
		if eid == "b" {
			ev.EventType = "interview.completed"
		}
		if err := s.InsertInboxEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.ListInbox(ctx, inbox.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0].EventID != "c" || rows[2].EventID != "a" {
		t.Fatal("expected newest first")
	}

	page, _ := s.ListInbox(ctx, inbox.ListOpts{Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].EventID != "b" {
		t.Fatal("pagination mismatch")
	}

	typed, _ := s.ListInbox(ctx, inbox.ListOpts{EventType: "interview.completed"})
	if len(typed) != 1 || typed[0].EventID != "b" {
		t.Fatal("event type filter mismatch")
	}

	// Complete "a" so it becomes purgeable.
	row, _ := s.GetInboxEvent(ctx, "a")
	proc := row.Clone()
	proc.Status = inbox.StatusProcessing
	if err := s.TransitionInboxEvent(ctx, proc, inbox.StatusReceived); err != nil {
		t.Fatal(err)
	}
	done := proc.Clone()
	done.Status = inbox.StatusCompleted
	if err := s.TransitionInboxEvent(ctx, done, inbox.StatusProcessing); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeInbox(ctx, time.Now().UTC(), inbox.Purgeable)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := s.GetInboxEvent(ctx, "a"); !errors.Is(err, inbox.ErrEventNotFound) {
		t.Fatal("purged row still present")
	}
	if total, _ := s.CountInbox(ctx, ""); total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
}

func TestKeyExpiry(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	if ok, _ := s.IsKeyProcessed(ctx, "evaluation.completed:a1:ev1"); ok {
		t.Fatal("unknown key reported processed")
	}
	if err := s.MarkKeyProcessed(ctx, "evaluation.completed:a1:ev1", "e-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsKeyProcessed(ctx, "evaluation.completed:a1:ev1"); !ok {
		t.Fatal("marked key not processed")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := s.IsKeyProcessed(ctx, "evaluation.completed:a1:ev1"); ok {
		t.Fatal("expired key still processed")
	}
}

func TestDLQ(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	var ids []id.ID
	for i, et := range []string{"a.b", "c.d", "a.b"} {
		e := &dlq.Entry{
			Entity:    entity.New(),
			ID:        id.NewDLQID(),
			EventID:   "e" + string(rune('0'+i)),
			EventType: et,
			Payload:   json.RawMessage(`{}`),
			Error:     "boom",
			FailedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Push(ctx, e); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}

	all, err := s.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != ids[2] {
		t.Fatal("expected newest first")
	}

	typed, _ := s.ListDLQ(ctx, dlq.ListOpts{EventType: "a.b"})
	if len(typed) != 2 {
		t.Fatalf("typed = %d, want 2", len(typed))
	}

	from := base.Add(30 * time.Second)
	windowed, _ := s.ListDLQ(ctx, dlq.ListOpts{From: &from})
	if len(windowed) != 2 {
		t.Fatalf("windowed = %d, want 2", len(windowed))
	}

	at := time.Now().UTC()
	if err := s.MarkReplayed(ctx, ids[0], at); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetDLQ(ctx, ids[0])
	if got.ReplayedAt == nil || !got.ReplayedAt.Equal(at) {
		t.Fatal("replayed_at not stamped")
	}
	if err := s.MarkReplayed(ctx, id.NewDLQID(), at); !errors.Is(err, dlq.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	n, err := s.Purge(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if c, _ := s.CountDLQ(ctx); c != 1 {
		t.Fatalf("count = %d, want 1", c)
	}
}
