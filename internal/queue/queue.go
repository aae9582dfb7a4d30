// Package queue holds waiting participants keyed by chat mode. It defines
// the Store contract shared by the in-memory backend (single-process
// deployments) and the Redis backend (horizontally scaled deployments), in
// particular the atomic pop-pair operation that prevents two matchers from
// ever claiming overlapping entries.
package queue

import (
	"context"
	"errors"
	"time"
)

// ChatMode selects which queue a participant waits in.
type ChatMode string

const (
	ModeText  ChatMode = "text"
	ModeAudio ChatMode = "audio"
	ModeVideo ChatMode = "video"
)

// Modes lists every valid chat mode.
var Modes = []ChatMode{ModeText, ModeAudio, ModeVideo}

// Valid reports whether the mode is one of the known chat modes.
func (m ChatMode) Valid() bool {
	switch m {
	case ModeText, ModeAudio, ModeVideo:
		return true
	}
	return false
}

var (
	// ErrDuplicateParticipant is returned by Enqueue when the participant is
	// already queued in any chat mode.
	ErrDuplicateParticipant = errors.New("queue: participant already queued")

	// ErrBackendUnavailable signals a transient shared-store failure. Callers
	// treat it as "no match yet" and let the next sweep retry.
	ErrBackendUnavailable = errors.New("queue: backend unavailable")
)

// Preferences carries the matching hints a participant supplied on join.
type Preferences struct {
	Interests []string `json:"interests,omitempty"`
	Languages []string `json:"languages,omitempty"`
	AgeRange  string   `json:"age_range,omitempty"`
}

// Entry is a participant's recorded intent to be matched.
type Entry struct {
	ParticipantID string
	Mode          ChatMode
	Prefs         Preferences
	Priority      int       // higher sorts first in Snapshot
	JoinedAt      time.Time
	HeartbeatAt   time.Time
	RetryCount    int
}

// Store is the queue contract. Implementations must make PopPair indivisible:
// either both named entries are removed or neither is.
type Store interface {
	// Enqueue inserts the entry. Fails with ErrDuplicateParticipant if the
	// participant is already queued in any mode. Never blocks.
	Enqueue(ctx context.Context, e *Entry) error

	// Snapshot returns a copy of the mode's entries ordered by priority
	// (descending) then joinedAt (ascending), without removing anything.
	Snapshot(ctx context.Context, mode ChatMode) ([]Entry, error)

	// RemoveIfPresent removes the participant's entry if one exists.
	// Idempotent; reports whether an entry was removed.
	RemoveIfPresent(ctx context.Context, participantID string) (bool, error)

	// PopPair removes exactly the two named entries from the mode's queue as
	// a single indivisible operation. Returns false without removing anything
	// if either entry is missing (already claimed, left, or in another mode).
	PopPair(ctx context.Context, mode ChatMode, idA, idB string) (bool, error)

	// Position returns the participant's 1-based position within its mode
	// queue: the count of same-mode entries that joined earlier, plus one.
	Position(ctx context.Context, mode ChatMode, participantID string) (int, error)

	// IncrementRetry bumps the entry's retry counter and returns the new value.
	IncrementRetry(ctx context.Context, participantID string) (int, error)

	// Touch refreshes the entry's heartbeat timestamp. A no-op for unknown
	// participants.
	Touch(ctx context.Context, participantID string) error

	// PurgeStale removes entries whose heartbeat is older than olderThan and
	// returns how many were removed.
	PurgeStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Len returns the number of entries waiting in the mode's queue.
	Len(ctx context.Context, mode ChatMode) (int, error)
}
