package session

import (
	"context"

	"github.com/whisper/roulette/internal/queue"
)

// Registry is the session store contract. Implementations must enforce the
// one-active-session-per-participant invariant inside Create, and make End
// idempotent so disconnect and explicit end can race safely.
type Registry interface {
	// Create starts an Active session for the two participants. Fails with
	// ErrAlreadyInSession if either participant is already a member of an
	// Active session.
	Create(ctx context.Context, a, b Participant, mode queue.ChatMode) (*Session, error)

	// Get returns the session for the id, or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// MembershipOf returns the Active session containing the participant, or
	// nil when the participant is not in any Active session.
	MembershipOf(ctx context.Context, participantID string) (*Session, error)

	// End transitions the session to Ended exactly once. endedNow reports
	// whether this call performed the transition; calls against an
	// already-Ended session return the terminal record with endedNow=false
	// instead of erroring.
	End(ctx context.Context, sessionID string, reason EndReason) (s *Session, endedNow bool, err error)

	// IncrementMessageCount bumps the session's message counter.
	IncrementMessageCount(ctx context.Context, sessionID string) error
}
