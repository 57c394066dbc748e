package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/internal/entity"
	"github.com/xraph/backbone/schema"
)

// schemaModel is the JSON representation stored in Redis. The active flag
// is not stored: a per-type pointer key names the active version, so
// activation is a single SET.
type schemaModel struct {
	ID                string          `json:"id"`
	EventType         string          `json:"event_type"`
	Version           string          `json:"version"`
	Body              json.RawMessage `json:"body"`
	Compatibility     string          `json:"compatibility"`
	Description       string          `json:"description"`
	Fingerprint       string          `json:"fingerprint"`
	IsDeprecated      bool            `json:"is_deprecated"`
	DeprecatedAt      *time.Time      `json:"deprecated_at,omitempty"`
	DeprecationReason string          `json:"deprecation_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toSchemaModel(sc *schema.Schema) *schemaModel {
	return &schemaModel{
		ID:                sc.ID.String(),
		EventType:         sc.EventType,
		Version:           sc.Version,
		Body:              sc.Body,
		Compatibility:     string(sc.Compatibility),
		Description:       sc.Description,
		Fingerprint:       sc.Fingerprint,
		IsDeprecated:      sc.IsDeprecated,
		DeprecatedAt:      sc.DeprecatedAt,
		DeprecationReason: sc.DeprecationReason,
		CreatedAt:         sc.CreatedAt,
		UpdatedAt:         sc.UpdatedAt,
	}
}

func fromSchemaModel(m *schemaModel, activeID string) (*schema.Schema, error) {
	schemaID, err := id.ParseSchemaID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse schema ID %q: %w", m.ID, err)
	}
	return &schema.Schema{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                schemaID,
		EventType:         m.EventType,
		Version:           m.Version,
		Body:              m.Body,
		Compatibility:     schema.Compatibility(m.Compatibility),
		Description:       m.Description,
		Fingerprint:       m.Fingerprint,
		IsActive:          m.ID == activeID,
		IsDeprecated:      m.IsDeprecated,
		DeprecatedAt:      m.DeprecatedAt,
		DeprecationReason: m.DeprecationReason,
	}, nil
}

func (s *Store) CreateSchema(ctx context.Context, sc *schema.Schema) error {
	m := toSchemaModel(sc)

	ok, err := s.rdb.SetNX(ctx, versionKey(m.EventType, m.Version), m.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("backbone/redis: reserve schema version: %w", err)
	}
	if !ok {
		return schema.ErrDuplicateVersion
	}

	if err := s.setEntity(ctx, entityKey(prefixSchema, m.ID), m); err != nil {
		return fmt.Errorf("backbone/redis: create schema: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, zSchemaType+m.EventType, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
	pipe.SAdd(ctx, sSchemaTypes, m.EventType)
	if sc.IsActive {
		pipe.Set(ctx, activeSchema+m.EventType, m.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backbone/redis: create schema indexes: %w", err)
	}
	return nil
}

// loadSchema reads the document for schemaID and resolves its active flag.
func (s *Store) loadSchema(ctx context.Context, schemaID string) (*schema.Schema, error) {
	var m schemaModel
	if err := s.getEntity(ctx, entityKey(prefixSchema, schemaID), &m); err != nil {
		if isRedisNil(err) {
			return nil, schema.ErrSchemaNotFound
		}
		return nil, fmt.Errorf("backbone/redis: get schema: %w", err)
	}

	activeID, err := s.activeID(ctx, m.EventType)
	if err != nil {
		return nil, err
	}
	return fromSchemaModel(&m, activeID)
}

func (s *Store) activeID(ctx context.Context, eventType string) (string, error) {
	activeID, err := s.rdb.Get(ctx, activeSchema+eventType).Result()
	if err != nil && !isRedisNil(err) {
		return "", fmt.Errorf("backbone/redis: get active schema: %w", err)
	}
	return activeID, nil
}

func (s *Store) GetSchema(ctx context.Context, schemaID id.ID) (*schema.Schema, error) {
	return s.loadSchema(ctx, schemaID.String())
}

func (s *Store) GetSchemaVersion(ctx context.Context, eventType, version string) (*schema.Schema, error) {
	sid, err := s.rdb.Get(ctx, versionKey(eventType, version)).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, schema.ErrSchemaNotFound
		}
		return nil, fmt.Errorf("backbone/redis: get schema version: %w", err)
	}
	return s.loadSchema(ctx, sid)
}

func (s *Store) GetActiveSchema(ctx context.Context, eventType string) (*schema.Schema, error) {
	activeID, err := s.activeID(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if activeID == "" {
		return nil, schema.ErrSchemaNotFound
	}
	return s.loadSchema(ctx, activeID)
}

func (s *Store) ListSchemas(ctx context.Context, opts schema.ListOpts) ([]*schema.Schema, error) {
	types := []string{opts.EventType}
	if opts.EventType == "" {
		var err error
		if types, err = s.ListEventTypes(ctx); err != nil {
			return nil, err
		}
	}

	var result []*schema.Schema
	for _, et := range types {
		ids, err := s.rdb.ZRange(ctx, zSchemaType+et, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("backbone/redis: list schemas: %w", err)
		}
		for _, sid := range ids {
			sc, err := s.loadSchema(ctx, sid)
			if err != nil {
				return nil, err
			}
			if !opts.IncludeDeprecated && sc.IsDeprecated {
				continue
			}
			result = append(result, sc)
		}
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListEventTypes(ctx context.Context) ([]string, error) {
	types, err := s.rdb.SMembers(ctx, sSchemaTypes).Result()
	if err != nil {
		return nil, fmt.Errorf("backbone/redis: list event types: %w", err)
	}
	sort.Strings(types)
	return types, nil
}

// ActivateSchema repoints the event type's active pointer at the target.
func (s *Store) ActivateSchema(ctx context.Context, schemaID id.ID) (*schema.Schema, error) {
	var m schemaModel
	key := entityKey(prefixSchema, schemaID.String())
	if err := s.getEntity(ctx, key, &m); err != nil {
		if isRedisNil(err) {
			return nil, schema.ErrSchemaNotFound
		}
		return nil, fmt.Errorf("backbone/redis: get schema: %w", err)
	}

	m.UpdatedAt = now()
	if err := s.setEntity(ctx, key, &m); err != nil {
		return nil, fmt.Errorf("backbone/redis: activate schema: %w", err)
	}
	if err := s.rdb.Set(ctx, activeSchema+m.EventType, m.ID, 0).Err(); err != nil {
		return nil, fmt.Errorf("backbone/redis: activate schema: %w", err)
	}
	return fromSchemaModel(&m, m.ID)
}

func (s *Store) UpdateSchema(ctx context.Context, sc *schema.Schema) error {
	var m schemaModel
	key := entityKey(prefixSchema, sc.ID.String())
	if err := s.getEntity(ctx, key, &m); err != nil {
		if isRedisNil(err) {
			return schema.ErrSchemaNotFound
		}
		return fmt.Errorf("backbone/redis: get schema: %w", err)
	}

	m.Description = sc.Description
	m.IsDeprecated = sc.IsDeprecated
	m.DeprecatedAt = sc.DeprecatedAt
	m.DeprecationReason = sc.DeprecationReason
	m.UpdatedAt = now()

	if err := s.setEntity(ctx, key, &m); err != nil {
		return fmt.Errorf("backbone/redis: update schema: %w", err)
	}
	return nil
}
