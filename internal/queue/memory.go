package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the process-local Store used by single-instance deployments.
// A single mutex guards every operation, which makes PopPair trivially
// indivisible.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry // participantID -> entry, across all modes
}

// NewMemory creates an empty in-memory queue store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

func (m *Memory) Enqueue(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[e.ParticipantID]; ok {
		return ErrDuplicateParticipant
	}

	cp := *e
	if cp.JoinedAt.IsZero() {
		cp.JoinedAt = time.Now()
	}
	if cp.HeartbeatAt.IsZero() {
		cp.HeartbeatAt = cp.JoinedAt
	}
	m.entries[e.ParticipantID] = &cp
	return nil
}

func (m *Memory) Snapshot(_ context.Context, mode ChatMode) ([]Entry, error) {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Mode == mode {
			out = append(out, *e)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (m *Memory) RemoveIfPresent(_ context.Context, participantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[participantID]
	delete(m.entries, participantID)
	return ok, nil
}

func (m *Memory) PopPair(_ context.Context, mode ChatMode, idA, idB string) (bool, error) {
	if idA == idB {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, okA := m.entries[idA]
	b, okB := m.entries[idB]
	if !okA || !okB || a.Mode != mode || b.Mode != mode {
		return false, nil
	}

	delete(m.entries, idA)
	delete(m.entries, idB)
	return true, nil
}

func (m *Memory) Position(_ context.Context, mode ChatMode, participantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	self, ok := m.entries[participantID]
	if !ok || self.Mode != mode {
		return 0, nil
	}

	pos := 1
	for id, e := range m.entries {
		if id == participantID || e.Mode != mode {
			continue
		}
		if e.JoinedAt.Before(self.JoinedAt) {
			pos++
		}
	}
	return pos, nil
}

func (m *Memory) IncrementRetry(_ context.Context, participantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[participantID]
	if !ok {
		return 0, nil
	}
	e.RetryCount++
	return e.RetryCount, nil
}

func (m *Memory) Touch(_ context.Context, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[participantID]; ok {
		e.HeartbeatAt = time.Now()
	}
	return nil
}

func (m *Memory) PurgeStale(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries {
		if e.HeartbeatAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Len(_ context.Context, mode ChatMode) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if e.Mode == mode {
			n++
		}
	}
	return n, nil
}
