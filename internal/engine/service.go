// Package engine orchestrates the queue store, matcher, session registry,
// and relay behind the boundary operations: join/leave queue, send message,
// typing, signaling, end session, and disconnect. It is the only component
// that mutates the queue store from external input, which keeps the
// enqueue -> match-attempt -> session-create ordering consistent.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/roulette/internal/matching"
	"github.com/whisper/roulette/internal/metrics"
	"github.com/whisper/roulette/internal/queue"
	"github.com/whisper/roulette/internal/relay"
	"github.com/whisper/roulette/internal/session"
)

// SessionSink receives session lifecycle records for best-effort
// persistence. Implementations must not block.
type SessionSink interface {
	RecordSessionStart(s *session.Session)
	RecordSessionEnd(s *session.Session)
}

// Config holds the service's tunable parameters.
type Config struct {
	SweepInterval time.Duration // periodic match sweep
	PurgeInterval time.Duration // stale-entry purge cadence
	StaleAfter    time.Duration // heartbeat age after which an entry is purged
	Weights       matching.Weights
	Wait          matching.WaitEstimate
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 2 * time.Second,
		PurgeInterval: 5 * time.Second,
		StaleAfter:    60 * time.Second,
		Weights:       matching.DefaultWeights(),
		Wait:          matching.DefaultWaitEstimate(),
	}
}

// JoinResult is the outcome of JoinQueue: either an immediately created
// session, or the caller's queue standing.
type JoinResult struct {
	Matched       *session.Session
	Position      int
	EstimatedWait time.Duration
}

// Service wires the engine components together.
type Service struct {
	cfg      Config
	store    queue.Store
	registry session.Registry
	matcher  *matching.Matcher
	relay    *relay.Relay
	history  SessionSink // optional

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the matchmaking service. history may be nil.
func New(cfg Config, store queue.Store, registry session.Registry, rly *relay.Relay, history SessionSink) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		store:    store,
		registry: registry,
		matcher:  matching.New(store, registry, cfg.Weights),
		relay:    rly,
		history:  history,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the periodic match sweep and the stale-entry purge.
func (s *Service) Start() {
	go s.sweepLoop()
	go s.purgeLoop()
	log.Println("[engine] service started")
}

// Stop shuts down the background loops.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[engine] service stopped")
}

// JoinQueue enqueues the participant and immediately attempts a match.
// Returns the new session when one was created, or the caller's queue
// position and a wait estimate. A transient backend failure during the match
// attempt is reported as "still queued", never as a hard error; the sweep
// retries it.
func (s *Service) JoinQueue(ctx context.Context, participantID string, mode queue.ChatMode, prefs queue.Preferences) (*JoinResult, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("engine: unknown chat mode %q", mode)
	}

	if existing, err := s.registry.MembershipOf(ctx, participantID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, session.ErrAlreadyInSession
	}

	entry := &queue.Entry{
		ParticipantID: participantID,
		Mode:          mode,
		Prefs:         prefs,
		JoinedAt:      time.Now(),
	}
	if err := s.store.Enqueue(ctx, entry); err != nil {
		return nil, err
	}

	pair, err := s.matcher.TryMatch(ctx, entry)
	switch {
	case err == nil:
		sess, err := s.createSession(ctx, pair)
		if err == nil {
			return &JoinResult{Matched: sess}, nil
		}
		// Session creation failed after the pair was claimed; any side still
		// free was re-queued, fall through to the queued result.
		log.Printf("[engine] create session after claim failed: %v", err)
	case errors.Is(err, matching.ErrNoMatch):
		// Normal: stay queued.
	case errors.Is(err, queue.ErrBackendUnavailable):
		log.Printf("[engine] match attempt for %s deferred: %v", participantID, err)
	default:
		log.Printf("[engine] match attempt for %s: %v", participantID, err)
	}

	pos, err := s.store.Position(ctx, mode, participantID)
	if err != nil {
		log.Printf("[engine] queue position for %s: %v", participantID, err)
	}
	return &JoinResult{
		Position:      pos,
		EstimatedWait: s.cfg.Wait.Estimate(0),
	}, nil
}

// LeaveQueue removes the participant's queue entry if present. Idempotent.
func (s *Service) LeaveQueue(ctx context.Context, participantID string) error {
	_, err := s.store.RemoveIfPresent(ctx, participantID)
	return err
}

// SendMessage relays a chat message within the session.
func (s *Service) SendMessage(ctx context.Context, sessionID, senderID, content string) (*relay.Message, error) {
	return s.relay.SendChatMessage(ctx, sessionID, senderID, content)
}

// StartTyping forwards a typing-started indicator.
func (s *Service) StartTyping(ctx context.Context, sessionID, senderID string) error {
	return s.relay.RelayTyping(ctx, sessionID, senderID, true)
}

// StopTyping forwards a typing-stopped indicator.
func (s *Service) StopTyping(ctx context.Context, sessionID, senderID string) error {
	return s.relay.RelayTyping(ctx, sessionID, senderID, false)
}

// SendSignal forwards an opaque peer-connection payload to the partner.
func (s *Service) SendSignal(ctx context.Context, sessionID, senderID, kind string, payload json.RawMessage) error {
	if !relay.ValidSignalKind(kind) {
		return fmt.Errorf("engine: unknown signal kind %q", kind)
	}
	return s.relay.RelaySignal(ctx, sessionID, senderID, kind, payload)
}

// EndSession ends the session on the requester's behalf. Idempotent: ending
// an already-ended session succeeds without emitting another notification.
func (s *Service) EndSession(ctx context.Context, sessionID, requesterID string) error {
	sess, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Has(requesterID) {
		return relay.ErrSenderNotInSession
	}

	ended, endedNow, err := s.registry.End(ctx, sessionID, session.ReasonUserLeft)
	if err != nil {
		return err
	}
	if !endedNow {
		return nil
	}

	s.teardown(ended)
	partner, _ := ended.Partner(requesterID)
	s.relay.NotifySessionEnded(partner.ID, sessionID, session.ReasonPartnerLeft)
	s.relay.NotifySessionEnded(requesterID, sessionID, session.ReasonUserLeft)
	return nil
}

// OnDisconnect cleans up after a dropped transport: the participant's queue
// entry is removed and any active session is ended with partner_left
// reported to the other side. It never returns an error; partial failures
// are logged and the stale-entry sweep recovers what it can.
func (s *Service) OnDisconnect(participantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.store.RemoveIfPresent(ctx, participantID); err != nil {
		log.Printf("[engine] disconnect dequeue %s: %v", participantID, err)
	}

	sess, err := s.registry.MembershipOf(ctx, participantID)
	if err != nil {
		log.Printf("[engine] disconnect membership %s: %v", participantID, err)
		return
	}
	if sess == nil {
		return
	}

	ended, endedNow, err := s.registry.End(ctx, sess.ID, session.ReasonPartnerLeft)
	if err != nil {
		log.Printf("[engine] disconnect end session=%s: %v", sess.ID, err)
		return
	}
	if !endedNow {
		return
	}

	s.teardown(ended)
	if partner, ok := ended.Partner(participantID); ok {
		s.relay.NotifySessionEnded(partner.ID, ended.ID, session.ReasonPartnerLeft)
	}
	log.Printf("[engine] disconnect ended session=%s participant=%s", ended.ID, participantID)
}

// Heartbeat refreshes the participant's queue entry so the stale purge
// leaves it alone. Driven by the transport's keepalive.
func (s *Service) Heartbeat(ctx context.Context, participantID string) error {
	return s.store.Touch(ctx, participantID)
}

// createSession turns a claimed pair into an Active session and notifies
// both sides. If the registry refuses (a concurrent pass won a membership
// race), the claimed entries are pushed back so neither participant is lost.
func (s *Service) createSession(ctx context.Context, pair *matching.Pair) (*session.Session, error) {
	a := session.Participant{ID: pair.A.ParticipantID, DisplayID: anonDisplayID()}
	b := session.Participant{ID: pair.B.ParticipantID, DisplayID: anonDisplayID()}

	sess, err := s.registry.Create(ctx, a, b, pair.A.Mode)
	if err != nil {
		s.requeue(ctx, &pair.A)
		s.requeue(ctx, &pair.B)
		return nil, err
	}

	s.relay.NotifyMatched(a.ID, sess)
	s.relay.NotifyMatched(b.ID, sess)

	metrics.ActiveSessions.Inc()
	metrics.MatchDuration.Observe(time.Since(pair.B.JoinedAt).Seconds())
	if s.history != nil {
		s.history.RecordSessionStart(sess)
	}

	log.Printf("[engine] matched %s+%s session=%s mode=%s score=%.2f",
		a.ID, b.ID, sess.ID, sess.Mode, pair.Score)
	return sess, nil
}

// requeue restores a claimed entry with its original join time so the
// participant keeps their place in line. A participant who gained an Active
// session in the meantime (the usual reason Create refused the pair) must
// not get an entry back, or they would be silently re-matched the moment
// that session ends.
func (s *Service) requeue(ctx context.Context, e *queue.Entry) {
	if sess, err := s.registry.MembershipOf(ctx, e.ParticipantID); err != nil {
		log.Printf("[engine] requeue membership %s: %v", e.ParticipantID, err)
		return
	} else if sess != nil {
		return
	}
	if err := s.store.Enqueue(ctx, e); err != nil && !errors.Is(err, queue.ErrDuplicateParticipant) {
		log.Printf("[engine] requeue %s: %v", e.ParticipantID, err)
	}
}

// teardown records the terminal session.
func (s *Service) teardown(sess *session.Session) {
	metrics.ActiveSessions.Dec()
	if s.history != nil {
		s.history.RecordSessionEnd(sess)
	}
}

// sweepLoop periodically retries queued entries whose preferred partner may
// have joined after them, bumping their retry count so the reported wait
// estimate shrinks.
func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[engine] sweep loop stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SweepInterval)
	defer cancel()

	for _, mode := range queue.Modes {
		entries, err := s.store.Snapshot(ctx, mode)
		if err != nil {
			log.Printf("[engine] sweep snapshot mode=%s: %v", mode, err)
			continue
		}

		for i := range entries {
			e := entries[i]
			pair, err := s.matcher.TryMatch(ctx, &e)
			switch {
			case err == nil:
				if _, err := s.createSession(ctx, pair); err != nil {
					log.Printf("[engine] sweep create session: %v", err)
				}
			case errors.Is(err, matching.ErrNoMatch):
				// IncrementRetry is a no-op for entries claimed earlier in
				// this pass.
				if _, err := s.store.IncrementRetry(ctx, e.ParticipantID); err != nil {
					log.Printf("[engine] sweep retry bump %s: %v", e.ParticipantID, err)
				}
			default:
				log.Printf("[engine] sweep match %s: %v", e.ParticipantID, err)
			}
		}
	}
}

// purgeLoop drops queue entries with no heartbeat inside the staleness
// window (silent disconnects) and refreshes the queue-size gauges.
func (s *Service) purgeLoop() {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[engine] purge loop stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PurgeInterval)
			if removed, err := s.store.PurgeStale(ctx, s.cfg.StaleAfter); err != nil {
				log.Printf("[engine] purge: %v", err)
			} else if removed > 0 {
				log.Printf("[engine] purged %d stale queue entries", removed)
			}
			for _, mode := range queue.Modes {
				if n, err := s.store.Len(ctx, mode); err == nil {
					metrics.QueueSize.WithLabelValues(string(mode)).Set(float64(n))
				}
			}
			cancel()
		}
	}
}

// anonDisplayID generates the per-session anonymous name shown to the
// partner in place of the raw participant id.
func anonDisplayID() string {
	return "Guest-" + uuid.NewString()[:8]
}
