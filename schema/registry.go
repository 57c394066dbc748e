package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/backbone/envelope"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/internal/entity"
	"github.com/xraph/backbone/observability"
)

// Config configures the registry service.
type Config struct {
	// CacheTTL bounds how long an active-version lookup is served from
	// memory. Set to 0 to cache until the next Register/Activate/Deprecate.
	CacheTTL time.Duration

	Metrics *observability.Metrics
}

type cachedActive struct {
	schema   *Schema
	loadedAt time.Time
}

// Registry is the schema registry service.
type Registry struct {
	store     Store
	validator *Validator
	config    Config
	logger    *slog.Logger

	mu     sync.RWMutex
	active map[string]cachedActive
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		validator: NewValidator(),
		config:    cfg,
		logger:    logger,
		active:    make(map[string]cachedActive),
	}
}

// Validator returns the registry's compiled-schema cache.
func (r *Registry) Validator() *Validator {
	return r.validator
}

// Register adds a new version of an event type.
//
// The first version of a type is activated. Every later version is checked
// against all existing versions, each under its own declared compatibility
// mode, and is registered inactive.
func (r *Registry) Register(ctx context.Context, in Input) (*Schema, error) {
	if in.Compatibility == "" {
		in.Compatibility = Backward
	}

	existing, err := r.prepare(ctx, in)
	if err != nil {
		return nil, err
	}

	s := &Schema{
		Entity:        entity.New(),
		ID:            id.NewSchemaID(),
		EventType:     in.EventType,
		Version:       in.Version,
		Body:          in.Body,
		Compatibility: in.Compatibility,
		Description:   in.Description,
		Fingerprint:   Fingerprint(in.Body),
	}

	if err := r.store.CreateSchema(ctx, s); err != nil {
		return nil, fmt.Errorf("schema: register %s@%s: %w", in.EventType, in.Version, err)
	}

	if len(existing) == 0 {
		activated, err := r.store.ActivateSchema(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("schema: activate first version %s@%s: %w", in.EventType, in.Version, err)
		}
		s = activated
	}

	r.forget(in.EventType)

	r.logger.InfoContext(ctx, "schema registered",
		"event_type", s.EventType,
		"version", s.Version,
		"schema_id", s.ID,
		"active", s.IsActive,
	)

	return s, nil
}

// CheckCompatibility runs every Register check except persistence.
func (r *Registry) CheckCompatibility(ctx context.Context, in Input) error {
	if in.Compatibility == "" {
		in.Compatibility = Backward
	}
	_, err := r.prepare(ctx, in)
	return err
}

func (r *Registry) prepare(ctx context.Context, in Input) ([]*Schema, error) {
	if in.EventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidSchema)
	}
	if !envelope.ValidVersion(in.Version) {
		return nil, fmt.Errorf("%w: version %q is not x.y.z", ErrInvalidSchema, in.Version)
	}
	if !in.Compatibility.IsValid() {
		return nil, fmt.Errorf("%w: unknown compatibility mode %q", ErrInvalidSchema, in.Compatibility)
	}
	if err := r.validator.Compile(in.Body); err != nil {
		return nil, err
	}

	if _, err := r.store.GetSchemaVersion(ctx, in.EventType, in.Version); err == nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, in.EventType, in.Version)
	} else if !errors.Is(err, ErrSchemaNotFound) {
		return nil, fmt.Errorf("schema: lookup %s@%s: %w", in.EventType, in.Version, err)
	}

	existing, err := r.store.ListSchemas(ctx, ListOpts{EventType: in.EventType, IncludeDeprecated: true})
	if err != nil {
		return nil, fmt.Errorf("schema: list versions of %s: %w", in.EventType, err)
	}

	violations := make(map[string][]string)
	for _, prev := range existing {
		found, err := Check(prev.Compatibility, prev.Body, in.Body)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			violations[prev.Version] = found
		}
	}
	if len(violations) > 0 {
		return nil, &IncompatibleError{EventType: in.EventType, Version: in.Version, Violations: violations}
	}

	return existing, nil
}

// Activate makes schemaID the single active version of its event type.
func (r *Registry) Activate(ctx context.Context, schemaID id.ID) (*Schema, error) {
	s, err := r.store.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	if s.IsDeprecated {
		return nil, fmt.Errorf("%w: %s@%s", ErrSchemaDeprecated, s.EventType, s.Version)
	}

	activated, err := r.store.ActivateSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}

	r.forget(activated.EventType)

	r.logger.InfoContext(ctx, "schema activated",
		"event_type", activated.EventType,
		"version", activated.Version,
		"schema_id", activated.ID,
	)

	return activated, nil
}

// Deprecate marks a version as not recommended for new producers. The
// version remains available for validation.
func (r *Registry) Deprecate(ctx context.Context, schemaID id.ID, reason string) (*Schema, error) {
	s, err := r.store.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}

	if !s.IsDeprecated {
		now := time.Now().UTC()
		s.IsDeprecated = true
		s.DeprecatedAt = &now
		s.DeprecationReason = reason
		s.UpdatedAt = now
		if err := r.store.UpdateSchema(ctx, s); err != nil {
			return nil, fmt.Errorf("schema: deprecate %s: %w", schemaID, err)
		}
	}

	r.forget(s.EventType)

	r.logger.InfoContext(ctx, "schema deprecated",
		"event_type", s.EventType,
		"version", s.Version,
		"reason", reason,
	)

	return s, nil
}

// Validate validates payload against an explicit version, or against the
// active version of eventType when version is empty.
func (r *Registry) Validate(ctx context.Context, eventType, version string, payload json.RawMessage) error {
	var (
		s   *Schema
		err error
	)
	if version == "" {
		s, err = r.GetActive(ctx, eventType)
	} else {
		s, err = r.store.GetSchemaVersion(ctx, eventType, version)
	}
	if err != nil {
		return err
	}

	err = r.validator.Validate(s, payload)
	if r.config.Metrics != nil {
		r.config.Metrics.RecordValidation(err == nil)
	}
	return err
}

// Get returns a version by id.
func (r *Registry) Get(ctx context.Context, schemaID id.ID) (*Schema, error) {
	return r.store.GetSchema(ctx, schemaID)
}

// GetVersion returns an exact (event type, version) pair.
func (r *Registry) GetVersion(ctx context.Context, eventType, version string) (*Schema, error) {
	return r.store.GetSchemaVersion(ctx, eventType, version)
}

// GetActive returns the active version of eventType, using the cache when fresh.
func (r *Registry) GetActive(ctx context.Context, eventType string) (*Schema, error) {
	r.mu.RLock()
	if c, ok := r.active[eventType]; ok && !r.expired(c) {
		r.mu.RUnlock()
		return c.schema, nil
	}
	r.mu.RUnlock()

	s, err := r.store.GetActiveSchema(ctx, eventType)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.active[eventType] = cachedActive{schema: s, loadedAt: time.Now()}
	r.mu.Unlock()

	return s, nil
}

// List returns registered versions.
func (r *Registry) List(ctx context.Context, opts ListOpts) ([]*Schema, error) {
	return r.store.ListSchemas(ctx, opts)
}

// ListTypes returns every event type with at least one registered version.
func (r *Registry) ListTypes(ctx context.Context) ([]string, error) {
	return r.store.ListEventTypes(ctx)
}

// InvalidateCache clears the active-version cache and the compiled schemas.
func (r *Registry) InvalidateCache() {
	r.mu.Lock()
	r.active = make(map[string]cachedActive)
	r.mu.Unlock()
	r.validator.InvalidateCache()
}

func (r *Registry) forget(eventType string) {
	r.mu.Lock()
	delete(r.active, eventType)
	r.mu.Unlock()
}

// expired must be called with at least RLock held.
func (r *Registry) expired(c cachedActive) bool {
	if r.config.CacheTTL == 0 {
		return false
	}
	return time.Since(c.loadedAt) > r.config.CacheTTL
}
