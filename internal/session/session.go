// Package session manages active pairings. The registry owns the Session
// lifecycle (Active -> Ended, terminal) and enforces that any participant is
// a member of at most one Active session at a time. "Waiting" is represented
// by a queue entry, never by a session.
package session

import (
	"errors"
	"time"

	"github.com/whisper/roulette/internal/queue"
)

// State is the session lifecycle state.
type State string

const (
	StateActive State = "active"
	StateEnded  State = "ended"
)

// EndReason explains why a session ended. It is forwarded verbatim to the
// surviving participant.
type EndReason string

const (
	ReasonUserLeft    EndReason = "user_left"
	ReasonPartnerLeft EndReason = "partner_left"
	ReasonReported    EndReason = "reported"
	ReasonTimeout     EndReason = "timeout"
	ReasonSystemEnded EndReason = "system_ended"
)

var (
	// ErrAlreadyInSession is returned by Create when either participant is
	// already a member of an Active session.
	ErrAlreadyInSession = errors.New("session: participant already in a session")

	// ErrSessionNotFound is returned when no session exists for the given id.
	ErrSessionNotFound = errors.New("session: not found")
)

// Participant is one side of a pairing. DisplayID is the engine-generated
// per-session anonymous name shown to the partner; the raw participant id is
// never exposed across the session.
type Participant struct {
	ID        string `json:"id"`
	DisplayID string `json:"display_id"`
}

// Session is an active or ended pairing of exactly two participants.
type Session struct {
	ID           string         `json:"session_id"`
	A            Participant    `json:"participant_a"`
	B            Participant    `json:"participant_b"`
	Mode         queue.ChatMode `json:"mode"`
	State        State          `json:"state"`
	StartedAt    time.Time      `json:"started_at"`
	MessageCount int64          `json:"message_count"`
	EndReason    EndReason      `json:"end_reason,omitempty"`
	EndedAt      time.Time      `json:"ended_at,omitempty"`
}

// Has reports whether the participant is a member of this session.
func (s *Session) Has(participantID string) bool {
	return s.A.ID == participantID || s.B.ID == participantID
}

// Partner returns the other member of the session. ok is false when the
// given participant is not a member at all.
func (s *Session) Partner(participantID string) (Participant, bool) {
	switch participantID {
	case s.A.ID:
		return s.B, true
	case s.B.ID:
		return s.A, true
	}
	return Participant{}, false
}

// Member returns the session's own record for the given participant.
func (s *Session) Member(participantID string) (Participant, bool) {
	switch participantID {
	case s.A.ID:
		return s.A, true
	case s.B.ID:
		return s.B, true
	}
	return Participant{}, false
}
