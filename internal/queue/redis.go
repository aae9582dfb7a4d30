package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for the shared queue backend.
	keyQueuePrefix = "mq:queue:" // + <mode> -> sorted set, score = joinedAt (ms)
	keyEntryPrefix = "mq:entry:" // + <participant_id> -> hash

	// entryTTL bounds queue growth if a process dies mid-cleanup. Touch
	// refreshes it, so live entries never expire.
	entryTTL = 5 * time.Minute

	// popRetryCap bounds the optimistic pop-verify-rollback loop used when
	// the backend cannot run scripts.
	popRetryCap = 3
)

// Redis is the shared Store used by multi-process deployments. All mutations
// that must be indivisible run as Lua scripts so no two processes can ever
// claim overlapping entries.
type Redis struct {
	rdb        *redis.Client
	useScripts bool
	enqueue    *redis.Script
	popPair    *redis.Script
}

// RedisOption configures the Redis store.
type RedisOption func(*Redis)

// WithoutScripts disables Lua scripting and switches PopPair to the
// optimistic pop-verify-rollback loop, for backends that accept the Redis
// protocol but cannot evaluate scripts.
func WithoutScripts() RedisOption {
	return func(s *Redis) { s.useScripts = false }
}

// NewRedis creates a queue store backed by the given Redis client.
func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	s := &Redis{
		rdb:        rdb,
		useScripts: true,
		enqueue:    redis.NewScript(enqueueLua),
		popPair:    redis.NewScript(popPairLua),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func queueKey(mode ChatMode) string { return keyQueuePrefix + string(mode) }

func entryKey(pid string) string { return keyEntryPrefix + pid }

// enqueueLua inserts an entry unless the participant is already queued in
// any mode. Returns 1 on insert, 0 on duplicate.
const enqueueLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
    'mode', ARGV[2], 'interests', ARGV[3], 'languages', ARGV[4],
    'age_range', ARGV[5], 'priority', ARGV[6],
    'joined_at', ARGV[7], 'heartbeat', ARGV[7], 'retry_count', 0)
redis.call('EXPIRE', KEYS[1], ARGV[8])
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
return 1
`

// popPairLua removes exactly the two named members from the mode queue, or
// nothing at all. Returns 1 when both were removed, 0 otherwise.
const popPairLua = `
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1], ARGV[2])
redis.call('DEL', KEYS[2], KEYS[3])
return 1
`

func (s *Redis) Enqueue(ctx context.Context, e *Entry) error {
	joined := e.JoinedAt
	if joined.IsZero() {
		joined = time.Now()
	}

	res, err := s.enqueue.Run(ctx, s.rdb,
		[]string{entryKey(e.ParticipantID), queueKey(e.Mode)},
		e.ParticipantID,
		string(e.Mode),
		strings.Join(e.Prefs.Interests, ","),
		strings.Join(e.Prefs.Languages, ","),
		e.Prefs.AgeRange,
		e.Priority,
		joined.UnixMilli(),
		int(entryTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrBackendUnavailable, err)
	}
	if res == 0 {
		return ErrDuplicateParticipant
	}
	return nil
}

func (s *Redis) Snapshot(ctx context.Context, mode ChatMode) ([]Entry, error) {
	ids, err := s.rdb.ZRange(ctx, queueKey(mode), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrBackendUnavailable, err)
	}

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.getEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil || e.Mode != mode {
			continue // hash expired or mode changed under us; cleanup will catch it
		}
		out = append(out, *e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// getEntry loads a single entry hash. Returns nil when it does not exist.
func (s *Redis) getEntry(ctx context.Context, pid string) (*Entry, error) {
	fields, err := s.rdb.HGetAll(ctx, entryKey(pid)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get entry: %v", ErrBackendUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	joinedMs, _ := strconv.ParseInt(fields["joined_at"], 10, 64)
	beatMs, _ := strconv.ParseInt(fields["heartbeat"], 10, 64)
	priority, _ := strconv.Atoi(fields["priority"])
	retries, _ := strconv.Atoi(fields["retry_count"])

	e := &Entry{
		ParticipantID: pid,
		Mode:          ChatMode(fields["mode"]),
		Prefs: Preferences{
			Interests: splitCSV(fields["interests"]),
			Languages: splitCSV(fields["languages"]),
			AgeRange:  fields["age_range"],
		},
		Priority:    priority,
		JoinedAt:    time.UnixMilli(joinedMs),
		HeartbeatAt: time.UnixMilli(beatMs),
		RetryCount:  retries,
	}
	return e, nil
}

func (s *Redis) RemoveIfPresent(ctx context.Context, participantID string) (bool, error) {
	e, err := s.getEntry(ctx, participantID)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}

	pipe := s.rdb.Pipeline()
	zrem := pipe.ZRem(ctx, queueKey(e.Mode), participantID)
	pipe.Del(ctx, entryKey(participantID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: remove: %v", ErrBackendUnavailable, err)
	}
	return zrem.Val() > 0, nil
}

func (s *Redis) PopPair(ctx context.Context, mode ChatMode, idA, idB string) (bool, error) {
	if idA == idB {
		return false, nil
	}
	if !s.useScripts {
		return s.popPairOptimistic(ctx, mode, idA, idB)
	}

	res, err := s.popPair.Run(ctx, s.rdb,
		[]string{queueKey(mode), entryKey(idA), entryKey(idB)},
		idA, idB,
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: pop pair: %v", ErrBackendUnavailable, err)
	}
	return res == 1, nil
}

// popPairOptimistic pops the two lowest-scored members and verifies they are
// exactly the intended pair, re-pushing and retrying otherwise. A session is
// never created from unverified identities; after popRetryCap failed rounds
// the attempt is reported as a backend problem and left to the next sweep.
func (s *Redis) popPairOptimistic(ctx context.Context, mode ChatMode, idA, idB string) (bool, error) {
	key := queueKey(mode)

	for attempt := 0; attempt < popRetryCap; attempt++ {
		popped, err := s.rdb.ZPopMin(ctx, key, 2).Result()
		if err != nil {
			return false, fmt.Errorf("%w: pop pair: %v", ErrBackendUnavailable, err)
		}
		if len(popped) < 2 {
			// Not enough entries to form a pair; push back whatever we took.
			if len(popped) > 0 {
				s.rdb.ZAdd(ctx, key, popped...)
			}
			return false, nil
		}

		m0, _ := popped[0].Member.(string)
		m1, _ := popped[1].Member.(string)
		if (m0 == idA && m1 == idB) || (m0 == idB && m1 == idA) {
			s.rdb.Del(ctx, entryKey(idA), entryKey(idB))
			return true, nil
		}

		// Wrong identities (another process raced us, or a newer entry sits
		// in front). Roll back and retry.
		if _, err := s.rdb.ZAdd(ctx, key, popped...).Result(); err != nil {
			return false, fmt.Errorf("%w: pop rollback: %v", ErrBackendUnavailable, err)
		}

		// The intended pair may be gone entirely; bail out early.
		if _, err := s.rdb.ZScore(ctx, key, idA).Result(); err == redis.Nil {
			return false, nil
		}
		if _, err := s.rdb.ZScore(ctx, key, idB).Result(); err == redis.Nil {
			return false, nil
		}
	}

	return false, fmt.Errorf("%w: pop pair: retry cap exhausted", ErrBackendUnavailable)
}

func (s *Redis) Position(ctx context.Context, mode ChatMode, participantID string) (int, error) {
	rank, err := s.rdb.ZRank(ctx, queueKey(mode), participantID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: position: %v", ErrBackendUnavailable, err)
	}
	return int(rank) + 1, nil
}

func (s *Redis) IncrementRetry(ctx context.Context, participantID string) (int, error) {
	key := entryKey(participantID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: retry: %v", ErrBackendUnavailable, err)
	}
	if exists == 0 {
		return 0, nil
	}

	n, err := s.rdb.HIncrBy(ctx, key, "retry_count", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: retry: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}

func (s *Redis) Touch(ctx context.Context, participantID string) error {
	key := entryKey(participantID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: touch: %v", ErrBackendUnavailable, err)
	}
	if exists == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "heartbeat", time.Now().UnixMilli())
	pipe.Expire(ctx, key, entryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: touch: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *Redis) PurgeStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for _, mode := range Modes {
		ids, err := s.rdb.ZRange(ctx, queueKey(mode), 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: purge: %v", ErrBackendUnavailable, err)
		}

		for _, id := range ids {
			e, err := s.getEntry(ctx, id)
			if err != nil {
				continue
			}
			// A missing hash means the entry TTL fired: the queue member is
			// an orphan either way.
			if e == nil || e.HeartbeatAt.Before(cutoff) {
				pipe := s.rdb.Pipeline()
				pipe.ZRem(ctx, queueKey(mode), id)
				pipe.Del(ctx, entryKey(id))
				if _, err := pipe.Exec(ctx); err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}

func (s *Redis) Len(ctx context.Context, mode ChatMode) (int, error) {
	n, err := s.rdb.ZCard(ctx, queueKey(mode)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: len: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
