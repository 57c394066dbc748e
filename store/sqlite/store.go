// Package sqlite implements store.Store on SQLite through the Grove ORM.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the sqlite migrate executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/schema"
	bbstore "github.com/xraph/backbone/store"
)

// compile-time interface check
var _ bbstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// Open connects to the SQLite database at dsn and returns a store on it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	drv := sqlitedriver.New()
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("backbone/sqlite: open: %w", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		return nil, fmt.Errorf("backbone/sqlite: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("backbone/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("backbone/sqlite: migration failed: %w", err)
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
	res, err := s.sdb.NewInsert(toSchemaModel(sc)).
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
	err := s.sdb.NewSelect(m).
		Where("id = ?", schemaID.String()).
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
	err := s.sdb.NewSelect(m).
		Where("event_type = ?", eventType).
		Where("version = ?", version).
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
	err := s.sdb.NewSelect(m).
		Where("event_type = ?", eventType).
		Where("is_active = 1").
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
	q := s.sdb.NewSelect(&models)

	if opts.EventType != "" {
		q = q.Where("event_type = ?", opts.EventType)
	}
	if !opts.IncludeDeprecated {
		q = q.Where("is_deprecated = 0")
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
	if err := s.sdb.NewSelect(&models).
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

// ActivateSchema flips is_active across the event type in one statement;
// SQLite serializes writers, so no sibling is left active.
func (s *Store) ActivateSchema(ctx context.Context, schemaID id.ID) (*schema.Schema, error) {
	sid := schemaID.String()
	res, err := s.sdb.NewUpdate((*schemaModel)(nil)).
		Set("is_active = (id = ?)", sid).
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_type = (SELECT event_type FROM backbone_schemas WHERE id = ?)", sid).
		Where("(is_active = 1 OR id = ?)", sid).
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
	res, err := s.sdb.NewUpdate((*schemaModel)(nil)).
		Set("description = ?", sc.Description).
		Set("is_deprecated = ?", sc.IsDeprecated).
		Set("deprecated_at = ?", sc.DeprecatedAt).
		Set("deprecation_reason = ?", sc.DeprecationReason).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", sc.ID.String()).
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
	res, err := s.sdb.NewInsert(toInboxModel(ev)).
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
	err := s.sdb.NewSelect(m).
		Where("event_id = ?", eventID).
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
	q := s.sdb.NewUpdate((*inboxModel)(nil)).
		Set("status = ?", m.Status).
		Set("retry_count = ?", m.RetryCount).
		Set("max_retries = ?", m.MaxRetries).
		Set("next_retry_at = ?", m.NextRetryAt).
		Set("processing_started_at = ?", m.ProcessingStartedAt).
		Set("processing_completed_at = ?", m.ProcessingCompletedAt).
		Set("error_message = ?", m.ErrorMessage).
		Set("idempotency_key = ?", m.IdempotencyKey).
		Set("result = ?", m.Result).
		Where("event_id = ?", m.EventID).
		Where("status = ?", string(from))
	if from == inbox.StatusProcessing && m.ProcessingStartedAt != nil {
		// A reclaimed lease has a newer start; the old holder matches nothing.
		q = q.Where("processing_started_at = ?", *m.ProcessingStartedAt)
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
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(inbox.StatusRetryScheduled)).
		Where("next_retry_at <= ?", now).
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
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(inbox.StatusProcessing)).
		Where("processing_started_at <= ?", startedBefore).
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
	q := s.sdb.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.EventType != "" {
		q = q.Where("event_type = ?", opts.EventType)
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
	q := s.sdb.NewSelect((*inboxModel)(nil))
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	return q.Count(ctx)
}

func (s *Store) PurgeInbox(ctx context.Context, before time.Time, statuses []inbox.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")

	res, err := s.sdb.NewDelete((*inboxModel)(nil)).
		Where("received_at < ?", before).
		Where("status IN ("+placeholders+")", args...).
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
	count, err := s.sdb.NewSelect((*keyModel)(nil)).
		Where("key = ?", key).
		Where("(expires_at IS NULL OR expires_at > ?)", time.Now().UTC()).
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
	_, err := s.sdb.NewInsert(m).
		OnConflict("(key) DO UPDATE").
		Set("event_id = EXCLUDED.event_id").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	return err
}

// ==================== DLQ Store ====================

func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.sdb.NewInsert(toDLQEntryModel(entry)).Exec(ctx)
	return err
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqEntryModel
	q := s.sdb.NewSelect(&models)

	if opts.EventType != "" {
		q = q.Where("event_type = ?", opts.EventType)
	}
	if opts.From != nil {
		q = q.Where("failed_at >= ?", *opts.From)
	}
	if opts.To != nil {
		q = q.Where("failed_at <= ?", *opts.To)
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
	err := s.sdb.NewSelect(m).
		Where("id = ?", dlqID.String()).
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
	res, err := s.sdb.NewUpdate((*dlqEntryModel)(nil)).
		Set("replayed_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", dlqID.String()).
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
	res, err := s.sdb.NewDelete((*dlqEntryModel)(nil)).
		Where("failed_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	return s.sdb.NewSelect((*dlqEntryModel)(nil)).Count(ctx)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
