package schema

import (
	"context"

	"github.com/xraph/backbone/id"
)

// Store defines the persistence contract for the schema registry.
type Store interface {
	// CreateSchema inserts a new version. Returns ErrDuplicateVersion when
	// the (event type, version) pair already exists.
	CreateSchema(ctx context.Context, s *Schema) error

	// GetSchema returns a version by its TypeID.
	GetSchema(ctx context.Context, schemaID id.ID) (*Schema, error)

	// GetSchemaVersion returns the exact (event type, version) pair.
	GetSchemaVersion(ctx context.Context, eventType, version string) (*Schema, error)

	// GetActiveSchema returns the single active version of an event type.
	GetActiveSchema(ctx context.Context, eventType string) (*Schema, error)

	// ListSchemas returns versions ordered by event type then creation time.
	ListSchemas(ctx context.Context, opts ListOpts) ([]*Schema, error)

	// ListEventTypes returns the distinct event types with at least one version.
	ListEventTypes(ctx context.Context) ([]string, error)

	// ActivateSchema activates the target and deactivates every other
	// version of its event type in one atomic step.
	ActivateSchema(ctx context.Context, schemaID id.ID) (*Schema, error)

	// UpdateSchema persists mutable fields (deprecation, description).
	UpdateSchema(ctx context.Context, s *Schema) error
}
