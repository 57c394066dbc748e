// Package store defines the composite Store interface for all backbone persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them, so a single backend serves the schema registry, the inbox,
// the idempotency keys and the DLQ.
package store

import (
	"context"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/schema"
)

// Store is the aggregate persistence interface.
type Store interface {
	schema.Store
	inbox.Store
	inbox.KeyStore
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
