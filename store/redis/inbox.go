package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/backbone/inbox"
)

// insertInboxScript creates the row hash and its indexes if absent.
// KEYS[1] = row hash, KEYS[2] = all index, KEYS[3] = status index, KEYS[4] = due index
// ARGV[1] = status, ARGV[2] = doc, ARGV[3] = event id, ARGV[4] = receipt score,
// ARGV[5] = due score or ""
var insertInboxScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'doc', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
if ARGV[5] ~= '' then redis.call('ZADD', KEYS[4], ARGV[5], ARGV[3]) end
return 1
`)

// transitionInboxScript swaps the row when its status still equals ARGV[1]
// and, for rows leaving PROCESSING, its lease still equals ARGV[7].
// KEYS[1] = row hash, KEYS[2] = from-status index, KEYS[3] = to-status index, KEYS[4] = due index
// ARGV[1] = from, ARGV[2] = to, ARGV[3] = doc, ARGV[4] = event id,
// ARGV[5] = receipt score, ARGV[6] = due score or "",
// ARGV[7] = expected lease or "", ARGV[8] = new lease or ""
// Returns -1 when the row is missing, 0 when stale, 1 when applied.
var transitionInboxScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
if cur ~= ARGV[1] then return 0 end
if ARGV[7] ~= '' and redis.call('HGET', KEYS[1], 'lease') ~= ARGV[7] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'doc', ARGV[3])
if ARGV[8] ~= '' then
    redis.call('HSET', KEYS[1], 'lease', ARGV[8])
else
    redis.call('HDEL', KEYS[1], 'lease')
end
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[4])
if ARGV[6] ~= '' then
    redis.call('ZADD', KEYS[4], ARGV[6], ARGV[4])
else
    redis.call('ZREM', KEYS[4], ARGV[4])
end
return 1
`)

// leaseToken encodes a processing start for the row hash's lease field.
func leaseToken(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

// dueScore is the due-index score of ev, or "" when it is not awaiting a retry.
func dueScore(ev *inbox.Event) string {
	if ev.Status != inbox.StatusRetryScheduled || ev.NextRetryAt == nil {
		return ""
	}
	return formatScore(scoreFromTime(*ev.NextRetryAt))
}

func (s *Store) InsertInboxEvent(ctx context.Context, ev *inbox.Event) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("backbone/redis: marshal inbox event: %w", err)
	}

	n, err := insertInboxScript.Run(ctx, s.rdb,
		[]string{
			entityKey(prefixInbox, ev.EventID),
			zInboxAll,
			zInboxStatus + string(ev.Status),
			zInboxDue,
		},
		string(ev.Status), doc, ev.EventID, formatScore(scoreFromTime(ev.ReceivedAt)), dueScore(ev),
	).Int()
	if err != nil {
		return fmt.Errorf("backbone/redis: insert inbox event: %w", err)
	}
	if n == 0 {
		return inbox.ErrDuplicateEvent
	}
	return nil
}

func (s *Store) GetInboxEvent(ctx context.Context, eventID string) (*inbox.Event, error) {
	raw, err := s.rdb.HGet(ctx, entityKey(prefixInbox, eventID), "doc").Bytes()
	if err != nil {
		if isRedisNil(err) {
			return nil, inbox.ErrEventNotFound
		}
		return nil, fmt.Errorf("backbone/redis: get inbox event: %w", err)
	}
	var ev inbox.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("backbone/redis: decode inbox event: %w", err)
	}
	return &ev, nil
}

func (s *Store) TransitionInboxEvent(ctx context.Context, ev *inbox.Event, from inbox.Status) error {
	if !from.CanTransitionTo(ev.Status) {
		cur, err := s.GetInboxEvent(ctx, ev.EventID)
		if err != nil {
			return err
		}
		if cur.Status != from {
			return inbox.ErrStaleTransition
		}
		return inbox.ErrInvalidTransition
	}

	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("backbone/redis: marshal inbox event: %w", err)
	}

	var expected, lease string
	if from == inbox.StatusProcessing {
		expected = leaseToken(ev.ProcessingStartedAt)
	}
	if ev.Status == inbox.StatusProcessing {
		lease = leaseToken(ev.ProcessingStartedAt)
	}

	n, err := transitionInboxScript.Run(ctx, s.rdb,
		[]string{
			entityKey(prefixInbox, ev.EventID),
			zInboxStatus + string(from),
			zInboxStatus + string(ev.Status),
			zInboxDue,
		},
		string(from), string(ev.Status), doc, ev.EventID,
		formatScore(scoreFromTime(ev.ReceivedAt)), dueScore(ev), expected, lease,
	).Int()
	if err != nil {
		return fmt.Errorf("backbone/redis: transition inbox event: %w", err)
	}

	switch n {
	case -1:
		return inbox.ErrEventNotFound
	case 0:
		return inbox.ErrStaleTransition
	default:
		return nil
	}
}

// loadInbox fetches documents for ids in order, skipping rows deleted
// since the index was read.
func (s *Store) loadInbox(ctx context.Context, ids []string) ([]*inbox.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.StringCmd, len(ids))
	for i, eid := range ids {
		cmds[i] = pipe.HGet(ctx, entityKey(prefixInbox, eid), "doc")
	}
	if _, err := pipe.Exec(ctx); err != nil && !isRedisNil(err) {
		return nil, fmt.Errorf("backbone/redis: load inbox: %w", err)
	}

	result := make([]*inbox.Event, 0, len(ids))
	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, fmt.Errorf("backbone/redis: load inbox: %w", err)
		}
		var ev inbox.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("backbone/redis: decode inbox event: %w", err)
		}
		result = append(result, &ev)
	}
	return result, nil
}

func (s *Store) ListDueRetries(ctx context.Context, at time.Time, limit int) ([]*inbox.Event, error) {
	ids, err := s.zRangeByScoreIDs(ctx, zInboxDue, math.Inf(-1), scoreFromTime(at), false)
	if err != nil {
		return nil, fmt.Errorf("backbone/redis: list due retries: %w", err)
	}

	rows, err := s.loadInbox(ctx, ids)
	if err != nil {
		return nil, err
	}

	due := make([]*inbox.Event, 0, len(rows))
	for _, ev := range rows {
		if ev.Status == inbox.StatusRetryScheduled {
			due = append(due, ev)
		}
	}
	return applyPagination(due, 0, limit), nil
}

// ListExpiredLeases scans the PROCESSING index; the set only holds rows
// that are mid-handler, so it stays small.
func (s *Store) ListExpiredLeases(ctx context.Context, startedBefore time.Time, limit int) ([]*inbox.Event, error) {
	ids, err := s.rdb.ZRange(ctx, zInboxStatus+string(inbox.StatusProcessing), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("backbone/redis: list expired leases: %w", err)
	}

	rows, err := s.loadInbox(ctx, ids)
	if err != nil {
		return nil, err
	}

	stale := make([]*inbox.Event, 0, len(rows))
	for _, ev := range rows {
		if ev.Status == inbox.StatusProcessing && ev.ProcessingStartedAt != nil && !ev.ProcessingStartedAt.After(startedBefore) {
			stale = append(stale, ev)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ProcessingStartedAt.Before(*stale[j].ProcessingStartedAt)
	})
	return applyPagination(stale, 0, limit), nil
}

func (s *Store) ListInbox(ctx context.Context, opts inbox.ListOpts) ([]*inbox.Event, error) {
	zKey := zInboxAll
	if opts.Status != "" {
		zKey = zInboxStatus + string(opts.Status)
	}

	// Without a type filter the index can page directly.
	if opts.EventType == "" {
		stop := int64(-1)
		if opts.Limit > 0 {
			stop = int64(opts.Offset + opts.Limit - 1)
		}
		ids, err := s.rdb.ZRevRange(ctx, zKey, int64(opts.Offset), stop).Result()
		if err != nil {
			return nil, fmt.Errorf("backbone/redis: list inbox: %w", err)
		}
		return s.loadInbox(ctx, ids)
	}

	ids, err := s.rdb.ZRevRange(ctx, zKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("backbone/redis: list inbox: %w", err)
	}
	rows, err := s.loadInbox(ctx, ids)
	if err != nil {
		return nil, err
	}

	filtered := make([]*inbox.Event, 0, len(rows))
	for _, ev := range rows {
		if ev.EventType == opts.EventType {
			filtered = append(filtered, ev)
		}
	}
	return applyPagination(filtered, opts.Offset, opts.Limit), nil
}

func (s *Store) CountInbox(ctx context.Context, status inbox.Status) (int64, error) {
	zKey := zInboxAll
	if status != "" {
		zKey = zInboxStatus + string(status)
	}
	n, err := s.rdb.ZCard(ctx, zKey).Result()
	if err != nil {
		return 0, fmt.Errorf("backbone/redis: count inbox: %w", err)
	}
	return n, nil
}

func (s *Store) PurgeInbox(ctx context.Context, before time.Time, statuses []inbox.Status) (int64, error) {
	var count int64
	for _, st := range statuses {
		zKey := zInboxStatus + string(st)
		ids, err := s.zRangeByScoreIDs(ctx, zKey, math.Inf(-1), scoreFromTime(before), true)
		if err != nil {
			return count, fmt.Errorf("backbone/redis: purge inbox: %w", err)
		}
		if len(ids) == 0 {
			continue
		}

		pipe := s.rdb.TxPipeline()
		for _, eid := range ids {
			pipe.Del(ctx, entityKey(prefixInbox, eid))
			pipe.ZRem(ctx, zInboxAll, eid)
			pipe.ZRem(ctx, zKey, eid)
			pipe.ZRem(ctx, zInboxDue, eid)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return count, fmt.Errorf("backbone/redis: purge inbox: %w", err)
		}
		count += int64(len(ids))
	}
	return count, nil
}

// IsKeyProcessed reports whether key is recorded. Expiry is delegated to
// the key's Redis TTL.
func (s *Store) IsKeyProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, entityKey(prefixKey, key)).Result()
	if err != nil {
		return false, fmt.Errorf("backbone/redis: check key: %w", err)
	}
	return n > 0, nil
}

func (s *Store) MarkKeyProcessed(ctx context.Context, key, eventID string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, entityKey(prefixKey, key), eventID, ttl).Err(); err != nil {
		return fmt.Errorf("backbone/redis: mark key: %w", err)
	}
	return nil
}
