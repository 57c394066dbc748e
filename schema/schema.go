// Package schema implements the versioned JSON-schema registry for event types.
//
// Each event type owns an ordered set of semantic versions. Registration
// checks a new version against every existing one under the existing
// version's compatibility mode, the first version of a type is activated
// automatically, and at most one version per type is active at any time.
package schema

import (
	"encoding/json"
	"time"

	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/internal/entity"
)

// Compatibility governs which schema changes a version tolerates from its successors.
type Compatibility string

const (
	// Backward requires data written with a newer schema to be readable by this one.
	Backward Compatibility = "BACKWARD"
	// Forward requires data written with this schema to be readable by a newer one.
	Forward Compatibility = "FORWARD"
	// Full requires both Backward and Forward.
	Full Compatibility = "FULL"
	// None disables checking.
	None Compatibility = "NONE"
)

// IsValid reports whether c is a known mode.
func (c Compatibility) IsValid() bool {
	switch c {
	case Backward, Forward, Full, None:
		return true
	default:
		return false
	}
}

// Schema is one registered version of an event type's payload schema.
type Schema struct {
	entity.Entity

	ID                id.ID           `json:"id"`
	EventType         string          `json:"event_type"`
	Version           string          `json:"version"`
	Body              json.RawMessage `json:"schema"`
	Compatibility     Compatibility   `json:"compatibility"`
	Description       string          `json:"description,omitempty"`
	Fingerprint       string          `json:"fingerprint"`
	IsActive          bool            `json:"is_active"`
	IsDeprecated      bool            `json:"is_deprecated"`
	DeprecatedAt      *time.Time      `json:"deprecated_at,omitempty"`
	DeprecationReason string          `json:"deprecation_reason,omitempty"`
}

// Input describes a schema version to register or to dry-run against the registry.
type Input struct {
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Body          json.RawMessage `json:"schema"`
	Compatibility Compatibility   `json:"compatibility,omitempty"`
	Description   string          `json:"description,omitempty"`
}

// ListOpts configures filtering and pagination for schema listing.
type ListOpts struct {
	Offset            int
	Limit             int
	EventType         string
	IncludeDeprecated bool
}
