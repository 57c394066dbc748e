package backbone

import (
	"errors"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/schema"
)

// Sentinel errors returned by backbone stores and services. The
// subsystem sentinels are re-exported so callers can match them without
// importing each subsystem package.
var (
	// ErrNoStore is returned when a Backbone is created without a store.
	ErrNoStore = errors.New("backbone: store is required")

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("backbone: store is closed")

	// ErrMigrationFailed is returned when a database migration fails.
	ErrMigrationFailed = errors.New("backbone: migration failed")

	// ErrSchemaNotFound is returned when a schema version cannot be found.
	ErrSchemaNotFound = schema.ErrSchemaNotFound

	// ErrDuplicateSchemaVersion is returned when an (event type, version) pair is already registered.
	ErrDuplicateSchemaVersion = schema.ErrDuplicateVersion

	// ErrInboxEventNotFound is returned when an inbox row cannot be found.
	ErrInboxEventNotFound = inbox.ErrEventNotFound

	// ErrDuplicateEvent is returned by InsertInboxEvent when the event id already exists.
	ErrDuplicateEvent = inbox.ErrDuplicateEvent

	// ErrStaleTransition is returned when a status compare-and-swap loses the race.
	ErrStaleTransition = inbox.ErrStaleTransition

	// ErrDLQNotFound is returned when a DLQ entry cannot be found.
	ErrDLQNotFound = dlq.ErrEntryNotFound
)
