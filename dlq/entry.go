package dlq

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/internal/entity"
)

// ErrEntryNotFound is returned when a DLQ entry cannot be found.
var ErrEntryNotFound = errors.New("dlq: entry not found")

// Entry is the triage record of an inbox event that exhausted its handler retries.
type Entry struct {
	entity.Entity

	// ID is the unique TypeID for this DLQ entry.
	ID id.ID `json:"id"`

	// EventID references the inbox row.
	EventID string `json:"event_id"`

	EventType     string `json:"event_type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source"`

	// Payload is the stored envelope.
	Payload json.RawMessage `json:"payload"`

	// Error is the message of the final handler failure.
	Error string `json:"error"`

	RetryCount int `json:"retry_count"`

	// ReplayedAt is set once an operator replays the entry.
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`

	FailedAt time.Time `json:"failed_at"`
}

// ListOpts configures filtering and pagination for DLQ listing.
type ListOpts struct {
	Offset    int
	Limit     int
	EventType string
	From      *time.Time
	To        *time.Time
}
