package dlq

import (
	"context"
	"time"

	"github.com/xraph/backbone/id"
)

// Store defines the persistence contract for the dead letter queue.
type Store interface {
	// Push records a permanently failed inbox event.
	Push(ctx context.Context, entry *Entry) error

	// ListDLQ returns DLQ entries newest first, optionally filtered.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ returns a DLQ entry by ID.
	GetDLQ(ctx context.Context, dlqID id.ID) (*Entry, error)

	// MarkReplayed stamps the entry's ReplayedAt.
	MarkReplayed(ctx context.Context, dlqID id.ID, at time.Time) error

	// Purge deletes DLQ entries that failed before a threshold.
	Purge(ctx context.Context, before time.Time) (int64, error)

	// CountDLQ returns the total number of DLQ entries.
	CountDLQ(ctx context.Context) (int64, error)
}
