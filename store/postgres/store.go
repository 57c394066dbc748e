// Package postgres implements store.Store on PostgreSQL through the Grove ORM.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the pg migrate executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/schema"
	bbstore "github.com/xraph/backbone/store"
)

// compile-time interface check
var _ bbstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// Open connects to the PostgreSQL database at dsn and returns a store on it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	drv := pgdriver.New()
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("backbone/postgres: open: %w", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		return nil, fmt.Errorf("backbone/postgres: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("backbone/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("backbone/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Schema Store ====================

func (s *Store) CreateSchema(ctx context.Context, sc *schema.Schema) error {
	res, err := s.pg.NewInsert(toSchemaModel(sc)).
		OnConflict("(event_type, version) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return schema.ErrDuplicateVersion
	}
	return nil
}

func (s *Store) GetSchema(ctx context.Context, schemaID id.ID) (*schema.Schema, error) {
	m := new(schemaModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", schemaID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, schema.ErrSchemaNotFound
		}
		return nil, err
	}
	return fromSchemaModel(m)
}

func (s *Store) GetSchemaVersion(ctx context.Context, eventType, version string) (*schema.Schema, error) {
	m := new(schemaModel)
	err := s.pg.NewSelect(m).
		Where("event_type = $1", eventType).
		Where("version = $2", version).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, schema.ErrSchemaNotFound
		}
		return nil, err
	}
	return fromSchemaModel(m)
}

func (s *Store) GetActiveSchema(ctx context.Context, eventType string) (*schema.Schema, error) {
	m := new(schemaModel)
	err := s.pg.NewSelect(m).
		Where("event_type = $1", eventType).
		Where("is_active = true").
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, schema.ErrSchemaNotFound
		}
		return nil, err
	}
	return fromSchemaModel(m)
}

func (s *Store) ListSchemas(ctx context.Context, opts schema.ListOpts) ([]*schema.Schema, error) {
	var models []schemaModel
	q := s.pg.NewSelect(&models)

	if opts.EventType != "" {
		q = q.Where("event_type = $1", opts.EventType)
	}
	if !opts.IncludeDeprecated {
		q = q.Where("is_deprecated = false")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("event_type ASC, created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*schema.Schema, len(models))
	for i := range models {
		sc, err := fromSchemaModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sc
	}
	return result, nil
}

func (s *Store) ListEventTypes(ctx context.Context) ([]string, error) {
	var models []schemaModel
	if err := s.pg.NewSelect(&models).
		OrderExpr("event_type ASC").
		Scan(ctx); err != nil {
		return nil, err
	}

	var out []string
	for i := range models {
		if n := len(out); n == 0 || out[n-1] != models[i].EventType {
			out = append(out, models[i].EventType)
		}
	}
	return out, nil
}

// ActivateSchema flips is_active across every version of the target's event
// type in a single statement, so readers never observe two active versions.
func (s *Store) ActivateSchema(ctx context.Context, schemaID id.ID) (*schema.Schema, error) {
	sid := schemaID.String()
	res, err := s.pg.NewUpdate((*schemaModel)(nil)).
		Set("is_active = (id = $1)", sid).
		Set("updated_at = $2", time.Now().UTC()).
		Where("event_type = (SELECT event_type FROM backbone_schemas WHERE id = $3)", sid).
		Where("(is_active OR id = $4)", sid).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, schema.ErrSchemaNotFound
	}
	return s.GetSchema(ctx, schemaID)
}

func (s *Store) UpdateSchema(ctx context.Context, sc *schema.Schema) error {
	res, err := s.pg.NewUpdate((*schemaModel)(nil)).
		Set("description = $1", sc.Description).
		Set("is_deprecated = $2", sc.IsDeprecated).
		Set("deprecated_at = $3", sc.DeprecatedAt).
		Set("deprecation_reason = $4", sc.DeprecationReason).
		Set("updated_at = $5", time.Now().UTC()).
		Where("id = $6", sc.ID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return schema.ErrSchemaNotFound
	}
	return nil
}

// ==================== Inbox Store ====================

func (s *Store) InsertInboxEvent(ctx context.Context, ev *inbox.Event) error {
	res, err := s.pg.NewInsert(toInboxModel(ev)).
		OnConflict("(event_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return inbox.ErrDuplicateEvent
	}
	return nil
}

func (s *Store) GetInboxEvent(ctx context.Context, eventID string) (*inbox.Event, error) {
	m := new(inboxModel)
	err := s.pg.NewSelect(m).
		Where("event_id = $1", eventID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, inbox.ErrEventNotFound
		}
		return nil, err
	}
	return fromInboxModel(m), nil
}

// TransitionInboxEvent is a compare-and-set on the status column.
func (s *Store) TransitionInboxEvent(ctx context.Context, ev *inbox.Event, from inbox.Status) error {
	if !from.CanTransitionTo(ev.Status) {
		return s.transitionFailure(ctx, ev.EventID, from, inbox.ErrInvalidTransition)
	}

	m := toInboxModel(ev)
	q := s.pg.NewUpdate((*inboxModel)(nil)).
		Set("status = $1", m.Status).
		Set("retry_count = $2", m.RetryCount).
		Set("max_retries = $3", m.MaxRetries).
		Set("next_retry_at = $4", m.NextRetryAt).
		Set("processing_started_at = $5", m.ProcessingStartedAt).
		Set("processing_completed_at = $6", m.ProcessingCompletedAt).
		Set("error_message = $7", m.ErrorMessage).
		Set("idempotency_key = $8", m.IdempotencyKey).
		Set("result = $9", m.Result).
		Where("event_id = $10", m.EventID).
		Where("status = $11", string(from))
	if from == inbox.StatusProcessing && m.ProcessingStartedAt != nil {
		// A reclaimed lease has a newer start; the old holder matches nothing.
		q = q.Where("processing_started_at = $12", *m.ProcessingStartedAt)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.transitionFailure(ctx, ev.EventID, from, inbox.ErrStaleTransition)
	}
	return nil
}

// transitionFailure resolves why a transition did not apply. A missing row
// wins over a stale status, which wins over fallback.
func (s *Store) transitionFailure(ctx context.Context, eventID string, from inbox.Status, fallback error) error {
	cur, err := s.GetInboxEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return inbox.ErrStaleTransition
	}
	return fallback
}

func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*inbox.Event, error) {
	var models []inboxModel
	q := s.pg.NewSelect(&models).
		Where("status = $1", string(inbox.StatusRetryScheduled)).
		Where("next_retry_at <= $2", now).
		OrderExpr("next_retry_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromInboxModels(models), nil
}

// ListExpiredLeases returns PROCESSING rows started at or before
// startedBefore, oldest first.
func (s *Store) ListExpiredLeases(ctx context.Context, startedBefore time.Time, limit int) ([]*inbox.Event, error) {
	var models []inboxModel
	q := s.pg.NewSelect(&models).
		Where("status = $1", string(inbox.StatusProcessing)).
		Where("processing_started_at <= $2", startedBefore).
		OrderExpr("processing_started_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromInboxModels(models), nil
}

func (s *Store) ListInbox(ctx context.Context, opts inbox.ListOpts) ([]*inbox.Event, error) {
	var models []inboxModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.EventType != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("event_type = $%d", argIdx), opts.EventType)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("received_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromInboxModels(models), nil
}

func (s *Store) CountInbox(ctx context.Context, status inbox.Status) (int64, error) {
	q := s.pg.NewSelect((*inboxModel)(nil))
	if status != "" {
		q = q.Where("status = $1", string(status))
	}
	return q.Count(ctx)
}

func (s *Store) PurgeInbox(ctx context.Context, before time.Time, statuses []inbox.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	res, err := s.pg.NewDelete((*inboxModel)(nil)).
		Where("received_at < $1", before).
		Where("status = ANY($2)", names).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func fromInboxModels(models []inboxModel) []*inbox.Event {
	result := make([]*inbox.Event, len(models))
	for i := range models {
		result[i] = fromInboxModel(&models[i])
	}
	return result
}

// ==================== Key Store ====================

func (s *Store) IsKeyProcessed(ctx context.Context, key string) (bool, error) {
	count, err := s.pg.NewSelect((*keyModel)(nil)).
		Where("key = $1", key).
		Where("(expires_at IS NULL OR expires_at > $2)", time.Now().UTC()).
		Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) MarkKeyProcessed(ctx context.Context, key, eventID string, ttl time.Duration) error {
	now := time.Now().UTC()
	m := &keyModel{Key: key, EventID: eventID, CreatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		m.ExpiresAt = &exp
	}
	_, err := s.pg.NewInsert(m).
		OnConflict("(key) DO UPDATE").
		Set("event_id = EXCLUDED.event_id").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	return err
}

// ==================== DLQ Store ====================

func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pg.NewInsert(toDLQEntryModel(entry)).Exec(ctx)
	return err
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqEntryModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.EventType != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("event_type = $%d", argIdx), opts.EventType)
	}
	if opts.From != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("failed_at >= $%d", argIdx), *opts.From)
	}
	if opts.To != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("failed_at <= $%d", argIdx), *opts.To)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("failed_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*dlq.Entry, len(models))
	for i := range models {
		entry, err := fromDLQEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = entry
	}
	return result, nil
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	m := new(dlqEntryModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", dlqID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, dlq.ErrEntryNotFound
		}
		return nil, err
	}
	return fromDLQEntryModel(m)
}

func (s *Store) MarkReplayed(ctx context.Context, dlqID id.ID, at time.Time) error {
	res, err := s.pg.NewUpdate((*dlqEntryModel)(nil)).
		Set("replayed_at = $1", at).
		Set("updated_at = $2", at).
		Where("id = $3", dlqID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return dlq.ErrEntryNotFound
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pg.NewDelete((*dlqEntryModel)(nil)).
		Where("failed_at < $1", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return rows, nil
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.pg.NewSelect((*dlqEntryModel)(nil)).
		Count(ctx)
	return count, err
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
