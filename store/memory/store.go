// Package memory provides an in-memory Store implementation for unit tests
// and single-process deployments.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/backbone"
	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/schema"
	bbstore "github.com/xraph/backbone/store"
)

// compile-time interface check.
var _ bbstore.Store = (*Store)(nil)

type key struct {
	eventID   string
	expiresAt time.Time
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	schemas        map[string]*schema.Schema // keyed by ID string
	schemaVersions map[string]string         // "type@version" -> ID string
	inbox          map[string]*inbox.Event   // keyed by event id
	keys           map[string]key            // business idempotency keys
	dlqEntries     map[string]*dlq.Entry     // keyed by ID string

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		schemas:        make(map[string]*schema.Schema),
		schemaVersions: make(map[string]string),
		inbox:          make(map[string]*inbox.Event),
		keys:           make(map[string]key),
		dlqEntries:     make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is still open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return backbone.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// schema.Store
// ──────────────────────────────────────────────────

func versionKey(eventType, version string) string { return eventType + "@" + version }

func cloneSchema(sc *schema.Schema) *schema.Schema {
	c := *sc
	c.Body = append([]byte(nil), sc.Body...)
	if sc.DeprecatedAt != nil {
		t := *sc.DeprecatedAt
		c.DeprecatedAt = &t
	}
	return &c
}

// CreateSchema inserts a new schema version.
func (s *Store) CreateSchema(_ context.Context, sc *schema.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := versionKey(sc.EventType, sc.Version)
	if _, ok := s.schemaVersions[k]; ok {
		return schema.ErrDuplicateVersion
	}
	s.schemas[sc.ID.String()] = cloneSchema(sc)
	s.schemaVersions[k] = sc.ID.String()
	return nil
}

// GetSchema returns a schema version by ID.
func (s *Store) GetSchema(_ context.Context, schemaID id.ID) (*schema.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schemas[schemaID.String()]
	if !ok {
		return nil, schema.ErrSchemaNotFound
	}
	return cloneSchema(sc), nil
}

// GetSchemaVersion returns the exact (event type, version) pair.
func (s *Store) GetSchemaVersion(_ context.Context, eventType, version string) (*schema.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sid, ok := s.schemaVersions[versionKey(eventType, version)]
	if !ok {
		return nil, schema.ErrSchemaNotFound
	}
	return cloneSchema(s.schemas[sid]), nil
}

// GetActiveSchema returns the active version of an event type.
func (s *Store) GetActiveSchema(_ context.Context, eventType string) (*schema.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sc := range s.schemas {
		if sc.EventType == eventType && sc.IsActive {
			return cloneSchema(sc), nil
		}
	}
	return nil, schema.ErrSchemaNotFound
}

// ListSchemas returns schema versions, optionally filtered.
func (s *Store) ListSchemas(_ context.Context, opts schema.ListOpts) ([]*schema.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*schema.Schema, 0, len(s.schemas))
	for _, sc := range s.schemas {
		if opts.EventType != "" && sc.EventType != opts.EventType {
			continue
		}
		if !opts.IncludeDeprecated && sc.IsDeprecated {
			continue
		}
		result = append(result, cloneSchema(sc))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].EventType != result[j].EventType {
			return result[i].EventType < result[j].EventType
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// ListEventTypes returns every event type with a registered version.
func (s *Store) ListEventTypes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, sc := range s.schemas {
		if !seen[sc.EventType] {
			seen[sc.EventType] = true
			out = append(out, sc.EventType)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ActivateSchema activates the target and deactivates its siblings under one lock.
func (s *Store) ActivateSchema(_ context.Context, schemaID id.ID) (*schema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.schemas[schemaID.String()]
	if !ok {
		return nil, schema.ErrSchemaNotFound
	}

	now := time.Now().UTC()
	for _, sc := range s.schemas {
		if sc.EventType == target.EventType && sc.IsActive && sc != target {
			sc.IsActive = false
			sc.UpdatedAt = now
		}
	}
	target.IsActive = true
	target.UpdatedAt = now

	return cloneSchema(target), nil
}

// UpdateSchema replaces the mutable fields of a schema version.
func (s *Store) UpdateSchema(_ context.Context, sc *schema.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.schemas[sc.ID.String()]
	if !ok {
		return schema.ErrSchemaNotFound
	}
	existing.Description = sc.Description
	existing.IsDeprecated = sc.IsDeprecated
	existing.DeprecatedAt = sc.DeprecatedAt
	existing.DeprecationReason = sc.DeprecationReason
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// ──────────────────────────────────────────────────
// inbox.Store
// ──────────────────────────────────────────────────

// InsertInboxEvent inserts ev unless its event id exists.
func (s *Store) InsertInboxEvent(_ context.Context, ev *inbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inbox[ev.EventID]; ok {
		return inbox.ErrDuplicateEvent
	}
	s.inbox[ev.EventID] = ev.Clone()
	return nil
}

// GetInboxEvent returns the row for eventID.
func (s *Store) GetInboxEvent(_ context.Context, eventID string) (*inbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.inbox[eventID]
	if !ok {
		return nil, inbox.ErrEventNotFound
	}
	return ev.Clone(), nil
}

// TransitionInboxEvent swaps in ev when the stored status equals from.
func (s *Store) TransitionInboxEvent(_ context.Context, ev *inbox.Event, from inbox.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.inbox[ev.EventID]
	if !ok {
		return inbox.ErrEventNotFound
	}
	if cur.Status != from {
		return inbox.ErrStaleTransition
	}
	if from == inbox.StatusProcessing && !inbox.SameLease(cur.ProcessingStartedAt, ev.ProcessingStartedAt) {
		return inbox.ErrStaleTransition
	}
	if !from.CanTransitionTo(ev.Status) {
		return inbox.ErrInvalidTransition
	}
	s.inbox[ev.EventID] = ev.Clone()
	return nil
}

// ListDueRetries returns RETRY_SCHEDULED rows due at now, earliest first.
func (s *Store) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*inbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*inbox.Event
	for _, ev := range s.inbox {
		if ev.Status == inbox.StatusRetryScheduled && ev.NextRetryAt != nil && !ev.NextRetryAt.After(now) {
			due = append(due, ev.Clone())
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})

	return applyPagination(due, 0, limit), nil
}

// ListExpiredLeases returns PROCESSING rows started at or before
// startedBefore, oldest first.
func (s *Store) ListExpiredLeases(_ context.Context, startedBefore time.Time, limit int) ([]*inbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*inbox.Event
	for _, ev := range s.inbox {
		if ev.Status == inbox.StatusProcessing && ev.ProcessingStartedAt != nil && !ev.ProcessingStartedAt.After(startedBefore) {
			stale = append(stale, ev.Clone())
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ProcessingStartedAt.Before(*stale[j].ProcessingStartedAt)
	})

	return applyPagination(stale, 0, limit), nil
}

// ListInbox returns rows newest first.
func (s *Store) ListInbox(_ context.Context, opts inbox.ListOpts) ([]*inbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*inbox.Event
	for _, ev := range s.inbox {
		if opts.Status != "" && ev.Status != opts.Status {
			continue
		}
		if opts.EventType != "" && ev.EventType != opts.EventType {
			continue
		}
		result = append(result, ev.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ReceivedAt.After(result[j].ReceivedAt)
	})

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// CountInbox counts rows in status, or all rows when status is empty.
func (s *Store) CountInbox(_ context.Context, status inbox.Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, ev := range s.inbox {
		if status == "" || ev.Status == status {
			n++
		}
	}
	return n, nil
}

// PurgeInbox deletes rows in statuses received before the cutoff.
func (s *Store) PurgeInbox(_ context.Context, before time.Time, statuses []inbox.Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for eid, ev := range s.inbox {
		if ev.ReceivedAt.Before(before) && slices.Contains(statuses, ev.Status) {
			delete(s.inbox, eid)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// inbox.KeyStore
// ──────────────────────────────────────────────────

// IsKeyProcessed reports whether key is recorded and unexpired.
func (s *Store) IsKeyProcessed(_ context.Context, k string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[k]
	if !ok {
		return false, nil
	}
	return rec.expiresAt.IsZero() || time.Now().Before(rec.expiresAt), nil
}

// MarkKeyProcessed records key for ttl.
func (s *Store) MarkKeyProcessed(_ context.Context, k, eventID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := key{eventID: eventID}
	if ttl > 0 {
		rec.expiresAt = time.Now().Add(ttl)
	}
	s.keys[k] = rec
	return nil
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

// Push adds an entry to the DLQ.
func (s *Store) Push(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *entry
	s.dlqEntries[entry.ID.String()] = &c
	return nil
}

// ListDLQ returns DLQ entries newest first.
func (s *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*dlq.Entry
	for _, e := range s.dlqEntries {
		if opts.EventType != "" && e.EventType != opts.EventType {
			continue
		}
		if opts.From != nil && e.FailedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && e.FailedAt.After(*opts.To) {
			continue
		}
		c := *e
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FailedAt.After(result[j].FailedAt)
	})

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// GetDLQ returns a DLQ entry by ID.
func (s *Store) GetDLQ(_ context.Context, dlqID id.ID) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return nil, dlq.ErrEntryNotFound
	}
	c := *e
	return &c, nil
}

// MarkReplayed stamps ReplayedAt.
func (s *Store) MarkReplayed(_ context.Context, dlqID id.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return dlq.ErrEntryNotFound
	}
	e.ReplayedAt = &at
	e.UpdatedAt = at
	return nil
}

// Purge removes DLQ entries that failed before the cutoff.
func (s *Store) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, e := range s.dlqEntries {
		if e.FailedAt.Before(before) {
			delete(s.dlqEntries, k)
			n++
		}
	}
	return n, nil
}

// CountDLQ returns the number of DLQ entries.
func (s *Store) CountDLQ(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.dlqEntries)), nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// applyPagination applies offset and limit to a slice.
func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) {
		return nil
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}
