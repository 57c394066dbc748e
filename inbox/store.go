package inbox

import (
	"context"
	"time"
)

// Store defines the persistence contract for inbox rows.
type Store interface {
	// InsertInboxEvent atomically inserts ev if no row exists for its
	// event id. Returns ErrDuplicateEvent otherwise.
	InsertInboxEvent(ctx context.Context, ev *Event) error

	// GetInboxEvent returns the row for eventID or ErrEventNotFound.
	GetInboxEvent(ctx context.Context, eventID string) (*Event, error)

	// TransitionInboxEvent replaces the stored row with ev if, and only if,
	// the stored status still equals from. Returns ErrStaleTransition when
	// it does not and ErrEventNotFound when no row exists. When from is
	// PROCESSING the stored ProcessingStartedAt must also equal ev's, so a
	// worker whose lease was reclaimed cannot commit over the new claim.
	TransitionInboxEvent(ctx context.Context, ev *Event, from Status) error

	// ListDueRetries returns RETRY_SCHEDULED rows with NextRetryAt <= now,
	// earliest first.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Event, error)

	// ListExpiredLeases returns PROCESSING rows whose ProcessingStartedAt is
	// at or before startedBefore, oldest first.
	ListExpiredLeases(ctx context.Context, startedBefore time.Time, limit int) ([]*Event, error)

	// ListInbox returns rows newest first.
	ListInbox(ctx context.Context, opts ListOpts) ([]*Event, error)

	// CountInbox counts rows in status, or all rows when status is empty.
	CountInbox(ctx context.Context, status Status) (int64, error)

	// PurgeInbox deletes rows in one of statuses received before the cutoff.
	PurgeInbox(ctx context.Context, before time.Time, statuses []Status) (int64, error)
}

// KeyStore records business-level idempotency keys that outlive transport ids.
type KeyStore interface {
	// IsKeyProcessed reports whether key was marked processed and has not expired.
	IsKeyProcessed(ctx context.Context, key string) (bool, error)

	// MarkKeyProcessed records key as processed by eventID for ttl.
	MarkKeyProcessed(ctx context.Context, key, eventID string, ttl time.Duration) error
}
