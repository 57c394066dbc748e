package mongo

import (
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/schema"
)

// CreateSchema inserts a new schema version.
func (s *Store) CreateSchema(ctx context.Context, sc *schema.Schema) error {
	_, err := s.mdb.NewInsert(toSchemaModel(sc)).Exec(ctx)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return schema.ErrDuplicateVersion
		}

		return fmt.Errorf("backbone/mongo: create schema: %w", err)
	}

	return nil
}

// GetSchema returns a schema version by ID.
func (s *Store) GetSchema(ctx context.Context, schemaID id.ID) (*schema.Schema, error) {
	return s.findSchema(ctx, bson.M{"_id": schemaID.String()})
}

// GetSchemaVersion returns the exact (event type, version) pair.
func (s *Store) GetSchemaVersion(ctx context.Context, eventType, version string) (*schema.Schema, error) {
	return s.findSchema(ctx, bson.M{"event_type": eventType, "version": version})
}

// GetActiveSchema returns the active version of an event type.
func (s *Store) GetActiveSchema(ctx context.Context, eventType string) (*schema.Schema, error) {
	return s.findSchema(ctx, bson.M{"event_type": eventType, "is_active": true})
}

func (s *Store) findSchema(ctx context.Context, filter bson.M) (*schema.Schema, error) {
	var m schemaModel

	err := s.mdb.NewFind(&m).
		Filter(filter).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, schema.ErrSchemaNotFound
		}

		return nil, fmt.Errorf("backbone/mongo: get schema: %w", err)
	}

	return fromSchemaModel(&m)
}

// ListSchemas returns schema versions ordered by event type then creation.
func (s *Store) ListSchemas(ctx context.Context, opts schema.ListOpts) ([]*schema.Schema, error) {
	var models []schemaModel

	filter := bson.M{}
	if opts.EventType != "" {
		filter["event_type"] = opts.EventType
	}

	if !opts.IncludeDeprecated {
		filter["is_deprecated"] = false
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "event_type", Value: 1}, {Key: "created_at", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("backbone/mongo: list schemas: %w", err)
	}

	result := make([]*schema.Schema, 0, len(models))

	for i := range models {
		sc, err := fromSchemaModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, sc)
	}

	return result, nil
}

// ListEventTypes returns every event type with a registered version.
func (s *Store) ListEventTypes(ctx context.Context) ([]string, error) {
	var types []string

	res := s.mdb.Collection(colSchemas).Distinct(ctx, "event_type", bson.M{})
	if err := res.Decode(&types); err != nil {
		return nil, fmt.Errorf("backbone/mongo: list event types: %w", err)
	}

	sort.Strings(types)

	return types, nil
}

// ActivateSchema deactivates the siblings before activating the target, so
// a concurrent reader sees at most one active version.
func (s *Store) ActivateSchema(ctx context.Context, schemaID id.ID) (*schema.Schema, error) {
	target, err := s.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}

	t := now()
	col := s.mdb.Collection(colSchemas)

	_, err = col.UpdateMany(ctx,
		bson.M{
			"event_type": target.EventType,
			"is_active":  true,
			"_id":        bson.M{"$ne": schemaID.String()},
		},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": t}},
	)
	if err != nil {
		return nil, fmt.Errorf("backbone/mongo: deactivate siblings: %w", err)
	}

	res, err := s.mdb.NewUpdate((*schemaModel)(nil)).
		Filter(bson.M{"_id": schemaID.String()}).
		Set("is_active", true).
		Set("updated_at", t).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("backbone/mongo: activate schema: %w", err)
	}

	if res.MatchedCount() == 0 {
		return nil, schema.ErrSchemaNotFound
	}

	target.IsActive = true
	target.UpdatedAt = t

	return target, nil
}

// UpdateSchema persists the mutable fields of a schema version.
func (s *Store) UpdateSchema(ctx context.Context, sc *schema.Schema) error {
	res, err := s.mdb.NewUpdate((*schemaModel)(nil)).
		Filter(bson.M{"_id": sc.ID.String()}).
		Set("description", sc.Description).
		Set("is_deprecated", sc.IsDeprecated).
		Set("deprecated_at", sc.DeprecatedAt).
		Set("deprecation_reason", sc.DeprecationReason).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("backbone/mongo: update schema: %w", err)
	}

	if res.MatchedCount() == 0 {
		return schema.ErrSchemaNotFound
	}

	return nil
}
