package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/backbone/inbox"
)

// InsertInboxEvent inserts ev unless a row for its event id exists.
func (s *Store) InsertInboxEvent(ctx context.Context, ev *inbox.Event) error {
	_, err := s.mdb.NewInsert(toInboxModel(ev)).Exec(ctx)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return inbox.ErrDuplicateEvent
		}

		return fmt.Errorf("backbone/mongo: insert inbox event: %w", err)
	}

	return nil
}

// GetInboxEvent returns the row for eventID.
func (s *Store) GetInboxEvent(ctx context.Context, eventID string) (*inbox.Event, error) {
	var m inboxModel

	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": eventID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, inbox.ErrEventNotFound
		}

		return nil, fmt.Errorf("backbone/mongo: get inbox event: %w", err)
	}

	return fromInboxModel(&m), nil
}

// TransitionInboxEvent replaces the row only while its status equals from.
// The status predicate in the filter makes the write a compare-and-set.
func (s *Store) TransitionInboxEvent(ctx context.Context, ev *inbox.Event, from inbox.Status) error {
	if !from.CanTransitionTo(ev.Status) {
		return s.transitionFailure(ctx, ev.EventID, from, inbox.ErrInvalidTransition)
	}

	m := toInboxModel(ev)

	filter := bson.M{"_id": m.EventID, "status": string(from)}
	if from == inbox.StatusProcessing && m.ProcessingStartedAt != nil {
		// A reclaimed lease has a newer start; the old holder matches nothing.
		filter["processing_started_at"] = *m.ProcessingStartedAt
	}

	res, err := s.mdb.NewUpdate(m).
		Filter(filter).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("backbone/mongo: transition inbox event: %w", err)
	}

	if res.MatchedCount() == 0 {
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

// ListDueRetries returns RETRY_SCHEDULED rows due at now, earliest first.
func (s *Store) ListDueRetries(ctx context.Context, at time.Time, limit int) ([]*inbox.Event, error) {
	var models []inboxModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":        string(inbox.StatusRetryScheduled),
			"next_retry_at": bson.M{"$lte": at},
		}).
		Sort(bson.D{{Key: "next_retry_at", Value: 1}})

	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("backbone/mongo: list due retries: %w", err)
	}

	return fromInboxModels(models), nil
}

// ListExpiredLeases returns PROCESSING rows started at or before
// startedBefore, oldest first.
func (s *Store) ListExpiredLeases(ctx context.Context, startedBefore time.Time, limit int) ([]*inbox.Event, error) {
	var models []inboxModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":                string(inbox.StatusProcessing),
			"processing_started_at": bson.M{"$lte": startedBefore},
		}).
		Sort(bson.D{{Key: "processing_started_at", Value: 1}})

	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("backbone/mongo: list expired leases: %w", err)
	}

	return fromInboxModels(models), nil
}

// ListInbox returns rows newest first.
func (s *Store) ListInbox(ctx context.Context, opts inbox.ListOpts) ([]*inbox.Event, error) {
	var models []inboxModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	if opts.EventType != "" {
		filter["event_type"] = opts.EventType
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "received_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("backbone/mongo: list inbox: %w", err)
	}

	return fromInboxModels(models), nil
}

// CountInbox counts rows in status, or all rows when status is empty.
func (s *Store) CountInbox(ctx context.Context, status inbox.Status) (int64, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}

	count, err := s.mdb.NewFind((*inboxModel)(nil)).
		Filter(filter).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("backbone/mongo: count inbox: %w", err)
	}

	return count, nil
}

// PurgeInbox deletes rows in statuses received before the cutoff.
func (s *Store) PurgeInbox(ctx context.Context, before time.Time, statuses []inbox.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	res, err := s.mdb.NewDelete((*inboxModel)(nil)).
		Many().
		Filter(bson.M{
			"received_at": bson.M{"$lt": before},
			"status":      bson.M{"$in": names},
		}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("backbone/mongo: purge inbox: %w", err)
	}

	return res.DeletedCount(), nil
}

func fromInboxModels(models []inboxModel) []*inbox.Event {
	result := make([]*inbox.Event, 0, len(models))
	for i := range models {
		result = append(result, fromInboxModel(&models[i]))
	}

	return result
}

// IsKeyProcessed reports whether key is recorded and unexpired. The TTL
// index reaps expired keys lazily, so expiry is also checked here.
func (s *Store) IsKeyProcessed(ctx context.Context, key string) (bool, error) {
	count, err := s.mdb.NewFind((*keyModel)(nil)).
		Filter(bson.M{
			"_id": key,
			"$or": bson.A{
				bson.M{"expires_at": bson.M{"$exists": false}},
				bson.M{"expires_at": bson.M{"$gt": now()}},
			},
		}).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("backbone/mongo: check key: %w", err)
	}

	return count > 0, nil
}

// MarkKeyProcessed upserts key for ttl.
func (s *Store) MarkKeyProcessed(ctx context.Context, key, eventID string, ttl time.Duration) error {
	t := now()

	set := bson.M{"event_id": eventID, "created_at": t}
	update := bson.M{"$set": set}

	if ttl > 0 {
		set["expires_at"] = t.Add(ttl)
	} else {
		update["$unset"] = bson.M{"expires_at": ""}
	}

	_, err := s.mdb.Collection(colKeys).UpdateOne(ctx,
		bson.M{"_id": key},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("backbone/mongo: mark key: %w", err)
	}

	return nil
}
