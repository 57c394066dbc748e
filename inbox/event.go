// Package inbox implements the idempotent consumer-side gateway.
//
// Every delivered envelope is recorded under its event id before any
// handler runs. The insert is atomic, so concurrent deliveries of the same
// id cannot both win, and every later status change is a compare-and-swap
// on the previous status. A handler therefore runs at most once per event
// id unless it fails and is retried.
package inbox

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an inbox row.
type Status string

const (
	StatusReceived          Status = "RECEIVED"
	StatusProcessing        Status = "PROCESSING"
	StatusCompleted         Status = "COMPLETED"
	StatusRetryScheduled    Status = "RETRY_SCHEDULED"
	StatusFailed            Status = "FAILED"
	StatusSkipped           Status = "SKIPPED"
	StatusDuplicateDetected Status = "DUPLICATE_DETECTED"
)

// PROCESSING moves to RETRY_SCHEDULED or FAILED either when the handler
// fails or when its lease expires without a commit.
var transitions = map[Status][]Status{
	StatusReceived:       {StatusProcessing, StatusSkipped},
	StatusProcessing:     {StatusCompleted, StatusRetryScheduled, StatusFailed, StatusSkipped, StatusDuplicateDetected},
	StatusRetryScheduled: {StatusProcessing},
	StatusFailed:         {StatusProcessing},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusCompleted, StatusRetryScheduled,
		StatusFailed, StatusSkipped, StatusDuplicateDetected:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no automatic transition leaves s.
// FAILED is terminal; only a manual retry moves it back to PROCESSING.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusDuplicateDetected:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Purgeable lists the terminal states removed by the cleanup sweep.
// FAILED rows are kept for manual triage.
var Purgeable = []Status{StatusCompleted, StatusSkipped, StatusDuplicateDetected}

// Event is the inbox row recorded for one delivered envelope.
type Event struct {
	EventID               string          `json:"event_id"`
	EventType             string          `json:"event_type"`
	EventVersion          string          `json:"event_version"`
	CorrelationID         string          `json:"correlation_id,omitempty"`
	Source                string          `json:"source"`
	PayloadHash           string          `json:"payload_hash"`
	Payload               json.RawMessage `json:"payload"`
	Status                Status          `json:"status"`
	RetryCount            int             `json:"retry_count"`
	MaxRetries            int             `json:"max_retries"`
	NextRetryAt           *time.Time      `json:"next_retry_at,omitempty"`
	ReceivedAt            time.Time       `json:"received_at"`
	ProcessingStartedAt   *time.Time      `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time      `json:"processing_completed_at,omitempty"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	IdempotencyKey        string          `json:"idempotency_key,omitempty"`
	Result                json.RawMessage `json:"result,omitempty"`
}

// Retryable reports whether the row still has handler attempts left.
func (e *Event) Retryable() bool {
	return e.RetryCount < e.MaxRetries
}

// LeaseExpired reports whether e has been PROCESSING for longer than
// timeout at now. A non-positive timeout never expires.
func (e *Event) LeaseExpired(now time.Time, timeout time.Duration) bool {
	if e.Status != StatusProcessing || e.ProcessingStartedAt == nil || timeout <= 0 {
		return false
	}
	return !e.ProcessingStartedAt.Add(timeout).After(now)
}

// SameLease reports whether a and b carry the same processing start.
// Stores use it to fence commits from a worker whose lease was reclaimed.
func SameLease(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	c.Result = append(json.RawMessage(nil), e.Result...)
	c.NextRetryAt = cloneTime(e.NextRetryAt)
	c.ProcessingStartedAt = cloneTime(e.ProcessingStartedAt)
	c.ProcessingCompletedAt = cloneTime(e.ProcessingCompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ListOpts configures filtering and pagination for inbox listing.
type ListOpts struct {
	Offset    int
	Limit     int
	Status    Status
	EventType string
}
