package queue

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func enqueueAt(t *testing.T, m *Memory, ctx context.Context, pid string, mode ChatMode, joined time.Time) {
	t.Helper()
	err := m.Enqueue(ctx, &Entry{
		ParticipantID: pid,
		Mode:          mode,
		JoinedAt:      joined,
	})
	if err != nil {
		t.Fatalf("failed to enqueue %s: %v", pid, err)
	}
}

// ---------- Enqueue tests ----------

func TestMemory_EnqueueDuplicate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Enqueue(ctx, &Entry{ParticipantID: "alice", Mode: ModeText}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := m.Enqueue(ctx, &Entry{ParticipantID: "alice", Mode: ModeText})
	if err != ErrDuplicateParticipant {
		t.Fatalf("expected ErrDuplicateParticipant, got %v", err)
	}
}

func TestMemory_EnqueueDuplicateAcrossModes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Enqueue(ctx, &Entry{ParticipantID: "alice", Mode: ModeText}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The duplicate check spans all modes: one participant, one entry.
	err := m.Enqueue(ctx, &Entry{ParticipantID: "alice", Mode: ModeVideo})
	if err != ErrDuplicateParticipant {
		t.Fatalf("expected ErrDuplicateParticipant across modes, got %v", err)
	}
}

// ---------- Snapshot ordering ----------

func TestMemory_SnapshotOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	enqueueAt(t, m, ctx, "second", ModeText, base.Add(1*time.Second))
	enqueueAt(t, m, ctx, "first", ModeText, base)
	enqueueAt(t, m, ctx, "third", ModeText, base.Add(2*time.Second))
	enqueueAt(t, m, ctx, "other-mode", ModeVideo, base)

	snap, err := m.Snapshot(ctx, ModeText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	want := []string{"first", "second", "third"}
	for i, pid := range want {
		if snap[i].ParticipantID != pid {
			t.Errorf("snapshot[%d]: expected %s, got %s", i, pid, snap[i].ParticipantID)
		}
	}
}

func TestMemory_SnapshotPriorityFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	enqueueAt(t, m, ctx, "early", ModeText, base)
	if err := m.Enqueue(ctx, &Entry{
		ParticipantID: "vip",
		Mode:          ModeText,
		Priority:      1,
		JoinedAt:      base.Add(time.Minute),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, _ := m.Snapshot(ctx, ModeText)
	if snap[0].ParticipantID != "vip" {
		t.Errorf("expected priority entry first, got %s", snap[0].ParticipantID)
	}
}

// ---------- PopPair atomicity ----------

func TestMemory_PopPair(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	enqueueAt(t, m, ctx, "alice", ModeText, now)
	enqueueAt(t, m, ctx, "bob", ModeText, now)

	ok, err := m.PopPair(ctx, ModeText, "alice", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected pop to succeed")
	}

	if n, _ := m.Len(ctx, ModeText); n != 0 {
		t.Errorf("expected empty queue after pop, got %d entries", n)
	}
}

func TestMemory_PopPairMissingLeavesOther(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	enqueueAt(t, m, ctx, "alice", ModeText, time.Now())

	ok, err := m.PopPair(ctx, ModeText, "alice", "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected pop to fail when one entry is missing")
	}

	// All-or-nothing: alice must still be queued.
	if n, _ := m.Len(ctx, ModeText); n != 1 {
		t.Errorf("expected alice to remain queued, got %d entries", n)
	}
}

func TestMemory_PopPairWrongMode(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	enqueueAt(t, m, ctx, "alice", ModeText, now)
	enqueueAt(t, m, ctx, "bob", ModeVideo, now)

	ok, err := m.PopPair(ctx, ModeText, "alice", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected pop to fail across modes")
	}
	if n, _ := m.Len(ctx, ModeText); n != 1 {
		t.Errorf("alice should remain queued, text queue len=%d", n)
	}
	if n, _ := m.Len(ctx, ModeVideo); n != 1 {
		t.Errorf("bob should remain queued, video queue len=%d", n)
	}
}

func TestMemory_PopPairSameID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	enqueueAt(t, m, ctx, "alice", ModeText, time.Now())

	ok, err := m.PopPair(ctx, ModeText, "alice", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected pop to refuse identical ids")
	}
}

// ---------- Position ----------

func TestMemory_PositionIsJoinOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		enqueueAt(t, m, ctx, fmt.Sprintf("p%d", i), ModeText, base.Add(time.Duration(i)*time.Second))
	}

	for i := 0; i < 5; i++ {
		pos, err := m.Position(ctx, ModeText, fmt.Sprintf("p%d", i))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if pos != i+1 {
			t.Errorf("p%d: expected position %d, got %d", i, i+1, pos)
		}
	}
}

func TestMemory_PositionAfterEarlierLeaves(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	enqueueAt(t, m, ctx, "first", ModeText, base)
	enqueueAt(t, m, ctx, "second", ModeText, base.Add(time.Second))

	if _, err := m.RemoveIfPresent(ctx, "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pos, _ := m.Position(ctx, ModeText, "second")
	if pos != 1 {
		t.Errorf("expected position 1 after earlier entry left, got %d", pos)
	}
}

func TestMemory_PositionUnknownParticipant(t *testing.T) {
	m := NewMemory()

	pos, err := m.Position(context.Background(), ModeText, "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 0 {
		t.Errorf("expected position 0 for unknown participant, got %d", pos)
	}
}

// ---------- RemoveIfPresent / Touch / IncrementRetry ----------

func TestMemory_RemoveIfPresentIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	enqueueAt(t, m, ctx, "alice", ModeText, time.Now())

	removed, err := m.RemoveIfPresent(ctx, "alice")
	if err != nil || !removed {
		t.Fatalf("expected removal, got removed=%v err=%v", removed, err)
	}

	removed, err = m.RemoveIfPresent(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed {
		t.Error("expected second removal to report false")
	}
}

func TestMemory_IncrementRetry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	enqueueAt(t, m, ctx, "alice", ModeText, time.Now())

	for want := 1; want <= 3; want++ {
		got, err := m.IncrementRetry(ctx, "alice")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("expected retry count %d, got %d", want, got)
		}
	}

	// Unknown participant is a no-op.
	if got, _ := m.IncrementRetry(ctx, "ghost"); got != 0 {
		t.Errorf("expected 0 for unknown participant, got %d", got)
	}
}

// ---------- PurgeStale ----------

func TestMemory_PurgeStale(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Minute)
	enqueueAt(t, m, ctx, "stale", ModeText, stale)
	enqueueAt(t, m, ctx, "fresh", ModeText, time.Now())

	removed, err := m.PurgeStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged entry, got %d", removed)
	}

	snap, _ := m.Snapshot(ctx, ModeText)
	if len(snap) != 1 || snap[0].ParticipantID != "fresh" {
		t.Errorf("expected only fresh to remain, got %+v", snap)
	}
}

func TestMemory_TouchPreventsPurge(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	enqueueAt(t, m, ctx, "alice", ModeText, time.Now().Add(-2*time.Minute))

	if err := m.Touch(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	removed, _ := m.PurgeStale(ctx, time.Minute)
	if removed != 0 {
		t.Errorf("expected touched entry to survive purge, removed=%d", removed)
	}
}
