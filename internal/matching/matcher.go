package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/whisper/roulette/internal/queue"
	"github.com/whisper/roulette/internal/session"
)

// ErrNoMatch is the normal "still queued" outcome of a matching pass: no
// candidate was available, or another process claimed the chosen candidate
// first. It is not a failure.
var ErrNoMatch = errors.New("matching: no match yet")

// MembershipChecker is the slice of the session registry the matcher needs
// to keep participants with an Active session out of new pairings.
type MembershipChecker interface {
	MembershipOf(ctx context.Context, participantID string) (*session.Session, error)
}

// Pair is the outcome of a successful matching pass: the two claimed entries
// and the score the winning candidate achieved.
type Pair struct {
	A     queue.Entry
	B     queue.Entry
	Score float64
}

// candidate is ephemeral scoring state, recomputed every pass.
type candidate struct {
	entry queue.Entry
	score float64
}

// Matcher scores same-mode queue entries and claims the best pairing
// atomically.
type Matcher struct {
	store    queue.Store
	sessions MembershipChecker
	weights  Weights
}

// New creates a Matcher over the given queue store and session membership
// checker.
func New(store queue.Store, sessions MembershipChecker, weights Weights) *Matcher {
	return &Matcher{store: store, sessions: sessions, weights: weights}
}

// TryMatch attempts to pair the triggering entry with the best-scoring
// candidate currently queued for the same chat mode. Candidates are ranked
// by score (ties broken by earliest join) and the first one that passes the
// session-membership re-check is claimed with an atomic pop-pair. Returns
// ErrNoMatch when no candidate is available or the claim is lost to a
// concurrent matcher.
func (m *Matcher) TryMatch(ctx context.Context, e *queue.Entry) (*Pair, error) {
	snapshot, err := m.store.Snapshot(ctx, e.Mode)
	if err != nil {
		return nil, fmt.Errorf("matching: snapshot: %w", err)
	}

	now := time.Now()
	candidates := make([]candidate, 0, len(snapshot))
	for _, c := range snapshot {
		if c.ParticipantID == e.ParticipantID {
			continue
		}
		candidates = append(candidates, candidate{entry: c, score: m.weights.Score(e, &c, now)})
	}
	if len(candidates) == 0 {
		return nil, ErrNoMatch
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entry.JoinedAt.Before(candidates[j].entry.JoinedAt)
	})

	// The triggering participant may have been pulled into a session by a
	// concurrent pass (disconnect/rejoin races included); never pair them
	// twice.
	if busy, err := m.inSession(ctx, e.ParticipantID); err != nil {
		return nil, err
	} else if busy {
		return nil, ErrNoMatch
	}

	for _, c := range candidates {
		busy, err := m.inSession(ctx, c.entry.ParticipantID)
		if err != nil {
			return nil, err
		}
		if busy {
			continue
		}

		ok, err := m.store.PopPair(ctx, e.Mode, e.ParticipantID, c.entry.ParticipantID)
		if err != nil {
			return nil, fmt.Errorf("matching: claim pair: %w", err)
		}
		if !ok {
			// Lost the race for this candidate (or for ourselves). The
			// triggering entry stays queued; the next sweep retries.
			log.Printf("[matcher] lost claim for %s+%s, staying queued",
				e.ParticipantID, c.entry.ParticipantID)
			return nil, ErrNoMatch
		}

		return &Pair{A: *e, B: c.entry, Score: c.score}, nil
	}

	return nil, ErrNoMatch
}

func (m *Matcher) inSession(ctx context.Context, participantID string) (bool, error) {
	s, err := m.sessions.MembershipOf(ctx, participantID)
	if err != nil {
		return false, fmt.Errorf("matching: membership check: %w", err)
	}
	return s != nil, nil
}
