package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/roulette/internal/queue"
)

// Memory is the process-local Registry for single-instance deployments.
// An active-membership index keyed by participant id makes the
// one-session-per-participant check O(1).
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*Session // sessionID -> session (active and ended)
	active   map[string]string   // participantID -> active sessionID

	// endedRetention bounds how long terminal records are kept so that
	// late Get/End calls still resolve. Swept opportunistically on Create.
	endedRetention time.Duration
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		sessions:       make(map[string]*Session),
		active:         make(map[string]string),
		endedRetention: 10 * time.Minute,
	}
}

func (m *Memory) Create(_ context.Context, a, b Participant, mode queue.ChatMode) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.active[a.ID]; busy {
		return nil, ErrAlreadyInSession
	}
	if _, busy := m.active[b.ID]; busy {
		return nil, ErrAlreadyInSession
	}

	m.sweepEndedLocked()

	s := &Session{
		ID:        uuid.New().String(),
		A:         a,
		B:         b,
		Mode:      mode,
		State:     StateActive,
		StartedAt: time.Now(),
	}
	m.sessions[s.ID] = s
	m.active[a.ID] = s.ID
	m.active[b.ID] = s.ID

	cp := *s
	return &cp, nil
}

func (m *Memory) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) MembershipOf(_ context.Context, participantID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, ok := m.active[participantID]
	if !ok {
		return nil, nil
	}
	cp := *m.sessions[sid]
	return &cp, nil
}

func (m *Memory) End(_ context.Context, sessionID string, reason EndReason) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	if s.State == StateEnded {
		cp := *s
		return &cp, false, nil
	}

	s.State = StateEnded
	s.EndReason = reason
	s.EndedAt = time.Now()
	delete(m.active, s.A.ID)
	delete(m.active, s.B.ID)

	cp := *s
	return &cp, true, nil
}

func (m *Memory) IncrementMessageCount(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.MessageCount++
	return nil
}

// sweepEndedLocked drops terminal records past the retention window.
// Caller holds m.mu.
func (m *Memory) sweepEndedLocked() {
	cutoff := time.Now().Add(-m.endedRetention)
	for id, s := range m.sessions {
		if s.State == StateEnded && s.EndedAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}
