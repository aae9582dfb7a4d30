package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/roulette/internal/queue"
)

const (
	keySessionPrefix = "mq:session:" // + <session_id> -> hash
	keyMemberPrefix  = "mq:member:"  // + <participant_id> -> active session id

	// activeTTL bounds abandoned sessions if every process dies before
	// cleanup. endedTTL keeps terminal records around long enough for the
	// losing side of an end/disconnect race to observe them.
	activeTTL = 2 * time.Hour
	endedTTL  = 10 * time.Minute
)

// Redis is the shared Registry for multi-process deployments. Create and End
// run as Lua scripts: the member index keys are written and cleared in the
// same atomic step as the session record, so the one-active-session
// invariant holds across processes.
type Redis struct {
	rdb    *redis.Client
	create *redis.Script
	end    *redis.Script
}

// NewRedis creates a session registry backed by the given Redis client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{
		rdb:    rdb,
		create: redis.NewScript(createLua),
		end:    redis.NewScript(endLua),
	}
}

// createLua creates the session hash and both member index entries unless
// either participant already has an active session. Returns 1 on success,
// 0 when a participant is busy.
const createLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
redis.call('HSET', KEYS[3],
    'a_id', ARGV[1], 'a_display', ARGV[2],
    'b_id', ARGV[3], 'b_display', ARGV[4],
    'mode', ARGV[5], 'state', 'active',
    'started_at', ARGV[6], 'message_count', 0)
redis.call('EXPIRE', KEYS[3], ARGV[8])
redis.call('SET', KEYS[1], ARGV[7], 'EX', ARGV[8])
redis.call('SET', KEYS[2], ARGV[7], 'EX', ARGV[8])
return 1
`

// endLua transitions a session to ended exactly once and clears both member
// index entries. Returns 1 when this call performed the transition, 0 when
// the session was already ended, -1 when it does not exist.
const endLua = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state == 'ended' then return 0 end
redis.call('HSET', KEYS[1], 'state', 'ended', 'end_reason', ARGV[1], 'ended_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[4])
local a = redis.call('HGET', KEYS[1], 'a_id')
local b = redis.call('HGET', KEYS[1], 'b_id')
redis.call('DEL', ARGV[3] .. a, ARGV[3] .. b)
return 1
`

func sessionKey(id string) string { return keySessionPrefix + id }

func memberKey(pid string) string { return keyMemberPrefix + pid }

func (r *Redis) Create(ctx context.Context, a, b Participant, mode queue.ChatMode) (*Session, error) {
	s := &Session{
		ID:        uuid.New().String(),
		A:         a,
		B:         b,
		Mode:      mode,
		State:     StateActive,
		StartedAt: time.Now(),
	}

	res, err := r.create.Run(ctx, r.rdb,
		[]string{memberKey(a.ID), memberKey(b.ID), sessionKey(s.ID)},
		a.ID, a.DisplayID, b.ID, b.DisplayID,
		string(mode), s.StartedAt.UnixMilli(), s.ID, int(activeTTL.Seconds()),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	if res == 0 {
		return nil, ErrAlreadyInSession
	}
	return s, nil
}

func (r *Redis) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := r.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	return parseSession(sessionID, fields), nil
}

func (r *Redis) MembershipOf(ctx context.Context, participantID string) (*Session, error) {
	sid, err := r.rdb.Get(ctx, memberKey(participantID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: membership: %w", err)
	}

	s, err := r.Get(ctx, sid)
	if err == ErrSessionNotFound {
		// Session hash expired before the member key; treat as not in session.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.State != StateActive {
		return nil, nil
	}
	return s, nil
}

func (r *Redis) End(ctx context.Context, sessionID string, reason EndReason) (*Session, bool, error) {
	res, err := r.end.Run(ctx, r.rdb,
		[]string{sessionKey(sessionID)},
		string(reason), time.Now().UnixMilli(), keyMemberPrefix, int(endedTTL.Seconds()),
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("session: end: %w", err)
	}
	if res == -1 {
		return nil, false, ErrSessionNotFound
	}

	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return s, res == 1, nil
}

func (r *Redis) IncrementMessageCount(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("session: increment: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}
	return r.rdb.HIncrBy(ctx, key, "message_count", 1).Err()
}

func parseSession(id string, fields map[string]string) *Session {
	startedMs, _ := strconv.ParseInt(fields["started_at"], 10, 64)
	endedMs, _ := strconv.ParseInt(fields["ended_at"], 10, 64)
	count, _ := strconv.ParseInt(fields["message_count"], 10, 64)

	s := &Session{
		ID:           id,
		A:            Participant{ID: fields["a_id"], DisplayID: fields["a_display"]},
		B:            Participant{ID: fields["b_id"], DisplayID: fields["b_display"]},
		Mode:         queue.ChatMode(fields["mode"]),
		State:        State(fields["state"]),
		StartedAt:    time.UnixMilli(startedMs),
		MessageCount: count,
		EndReason:    EndReason(fields["end_reason"]),
	}
	if endedMs > 0 {
		s.EndedAt = time.UnixMilli(endedMs)
	}
	return s
}
