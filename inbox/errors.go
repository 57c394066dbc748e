package inbox

import (
	"errors"
	"fmt"
)

var (
	// ErrEventNotFound is returned when no inbox row exists for an event id.
	ErrEventNotFound = errors.New("inbox: event not found")

	// ErrDuplicateEvent is returned by InsertInboxEvent when the id already exists.
	ErrDuplicateEvent = errors.New("inbox: duplicate event")

	// ErrStaleTransition is returned when the row's status no longer matches
	// the expected previous status.
	ErrStaleTransition = errors.New("inbox: stale status transition")

	// ErrInvalidTransition is returned when a status change breaks the state machine.
	ErrInvalidTransition = errors.New("inbox: invalid status transition")

	// ErrNotRetryable is returned by a manual retry of a row that is neither
	// FAILED nor RETRY_SCHEDULED.
	ErrNotRetryable = errors.New("inbox: event is not retryable")

	// ErrHandlerFailed is wrapped by HandlerError.
	ErrHandlerFailed = errors.New("inbox: handler execution failed")

	// ErrHandlerExists is returned when registering a second handler for a type.
	ErrHandlerExists = errors.New("inbox: handler already registered")

	// ErrLeaseExpired is the failure recorded for a PROCESSING row whose
	// worker never committed an outcome.
	ErrLeaseExpired = errors.New("inbox: processing lease expired")

	// ErrPermanent marks a handler failure that retrying cannot fix. The row
	// goes straight to FAILED; a redelivery or a DLQ replay may drive it again.
	ErrPermanent = errors.New("inbox: permanent failure")
)

// Permanent wraps err so the processor fails the row without scheduling
// retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// HandlerError records a handler failure, including recovered panics.
type HandlerError struct {
	EventID   string
	EventType string
	Cause     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s (%s): %v", ErrHandlerFailed.Error(), e.EventType, e.EventID, e.Cause)
}

func (e *HandlerError) Unwrap() []error { return []error{ErrHandlerFailed, e.Cause} }
