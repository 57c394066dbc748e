package schema

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemaNotFound is returned when no schema matches the lookup.
	ErrSchemaNotFound = errors.New("schema: not found")

	// ErrDuplicateVersion is returned when the (event type, version) pair already exists.
	ErrDuplicateVersion = errors.New("schema: duplicate version")

	// ErrInvalidSchema is returned when a body does not compile or the version is not x.y.z.
	ErrInvalidSchema = errors.New("schema: invalid schema")

	// ErrSchemaDeprecated is returned when activating a deprecated version.
	ErrSchemaDeprecated = errors.New("schema: version is deprecated")

	// ErrSchemaIncompatible is wrapped by IncompatibleError.
	ErrSchemaIncompatible = errors.New("schema: incompatible with existing versions")

	// ErrSchemaValidation is wrapped by ValidationError.
	ErrSchemaValidation = errors.New("schema: payload validation failed")
)

// IncompatibleError lists, per existing version, why a new version was rejected.
type IncompatibleError struct {
	EventType  string
	Version    string
	Violations map[string][]string
}

func (e *IncompatibleError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s@%s", ErrSchemaIncompatible.Error(), e.EventType, e.Version)
	for v, list := range e.Violations {
		fmt.Fprintf(&b, "; against %s: %s", v, strings.Join(list, ", "))
	}
	return b.String()
}

func (e *IncompatibleError) Unwrap() error { return ErrSchemaIncompatible }

// ValidationError carries one message per failing leaf of a payload validation.
type ValidationError struct {
	EventType  string
	Version    string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s@%s: %s", ErrSchemaValidation.Error(), e.EventType, e.Version, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrSchemaValidation }
