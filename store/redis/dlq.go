package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/internal/entity"
)

// dlqEntryModel is the JSON representation stored in Redis.
type dlqEntryModel struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error"`
	RetryCount    int             `json:"retry_count"`
	ReplayedAt    *time.Time      `json:"replayed_at,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toDLQEntryModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:            e.ID.String(),
		EventID:       e.EventID,
		EventType:     e.EventType,
		CorrelationID: e.CorrelationID,
		Source:        e.Source,
		Payload:       e.Payload,
		Error:         e.Error,
		RetryCount:    e.RetryCount,
		ReplayedAt:    e.ReplayedAt,
		FailedAt:      e.FailedAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func fromDLQEntryModel(m *dlqEntryModel) (*dlq.Entry, error) {
	dlqID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse DLQ ID %q: %w", m.ID, err)
	}
	return &dlq.Entry{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            dlqID,
		EventID:       m.EventID,
		EventType:     m.EventType,
		CorrelationID: m.CorrelationID,
		Source:        m.Source,
		Payload:       m.Payload,
		Error:         m.Error,
		RetryCount:    m.RetryCount,
		ReplayedAt:    m.ReplayedAt,
		FailedAt:      m.FailedAt,
	}, nil
}

func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	m := toDLQEntryModel(entry)
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("backbone/redis: marshal dlq entry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, entityKey(prefixDLQ, m.ID), raw, 0)
	pipe.ZAdd(ctx, zDLQAll, goredis.Z{Score: scoreFromTime(m.FailedAt), Member: m.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backbone/redis: push dlq: %w", err)
	}
	return nil
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	lo, hi := math.Inf(-1), math.Inf(1)
	if opts.From != nil {
		lo = scoreFromTime(*opts.From)
	}
	if opts.To != nil {
		hi = scoreFromTime(*opts.To)
	}

	ids, err := s.zRangeByScoreIDs(ctx, zDLQAll, lo, hi, false)
	if err != nil {
		return nil, fmt.Errorf("backbone/redis: list dlq: %w", err)
	}
	slices.Reverse(ids)

	var result []*dlq.Entry
	for _, did := range ids {
		var m dlqEntryModel
		if err := s.getEntity(ctx, entityKey(prefixDLQ, did), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, fmt.Errorf("backbone/redis: list dlq: %w", err)
		}
		if opts.EventType != "" && m.EventType != opts.EventType {
			continue
		}
		entry, err := fromDLQEntryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	var m dlqEntryModel
	if err := s.getEntity(ctx, entityKey(prefixDLQ, dlqID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, dlq.ErrEntryNotFound
		}
		return nil, fmt.Errorf("backbone/redis: get dlq: %w", err)
	}
	return fromDLQEntryModel(&m)
}

func (s *Store) MarkReplayed(ctx context.Context, dlqID id.ID, at time.Time) error {
	key := entityKey(prefixDLQ, dlqID.String())

	var m dlqEntryModel
	if err := s.getEntity(ctx, key, &m); err != nil {
		if isRedisNil(err) {
			return dlq.ErrEntryNotFound
		}
		return fmt.Errorf("backbone/redis: get dlq: %w", err)
	}

	m.ReplayedAt = &at
	m.UpdatedAt = at
	if err := s.setEntity(ctx, key, &m); err != nil {
		return fmt.Errorf("backbone/redis: mark replayed: %w", err)
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.zRangeByScoreIDs(ctx, zDLQAll, math.Inf(-1), scoreFromTime(before), true)
	if err != nil {
		return 0, fmt.Errorf("backbone/redis: purge: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.rdb.TxPipeline()
	for _, did := range ids {
		pipe.Del(ctx, entityKey(prefixDLQ, did))
		pipe.ZRem(ctx, zDLQAll, did)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("backbone/redis: purge: %w", err)
	}
	return int64(len(ids)), nil
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, zDLQAll).Result()
	if err != nil {
		return 0, fmt.Errorf("backbone/redis: count dlq: %w", err)
	}
	return n, nil
}
