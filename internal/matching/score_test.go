package matching

import (
	"math"
	"testing"
	"time"

	"github.com/whisper/roulette/internal/queue"
)

func entryWith(pid string, interests, languages []string, joined time.Time) *queue.Entry {
	return &queue.Entry{
		ParticipantID: pid,
		Mode:          queue.ModeText,
		Prefs: queue.Preferences{
			Interests: interests,
			Languages: languages,
		},
		JoinedAt: joined,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ---------- Score composition ----------

func TestScore_SharedInterestAndLanguage(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()

	// One shared interest out of three distinct tags, one shared language,
	// no wait: (0.3 + (1/3)*0.7) * 1.2 = 0.64.
	a := entryWith("a", []string{"music", "travel"}, []string{"en"}, now)
	b := entryWith("b", []string{"travel", "sports"}, []string{"en", "fr"}, now)

	got := w.Score(a, b, now)
	want := (0.3 + (1.0/3.0)*0.7) * 1.2
	if !almostEqual(got, want) {
		t.Errorf("expected score %.4f, got %.4f", want, got)
	}
	if math.Abs(got-0.64) > 0.001 {
		t.Errorf("expected score ~0.64, got %.4f", got)
	}
}

func TestScore_DisjointInterestsHitFloor(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()

	a := entryWith("a", []string{"music"}, nil, now)
	b := entryWith("b", []string{"sports"}, nil, now)

	got := w.Score(a, b, now)
	if !almostEqual(got, 0.3) {
		t.Errorf("expected floor score 0.3 for disjoint interests, got %.4f", got)
	}
}

func TestScore_NoInterestsIsNeutral(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()

	a := entryWith("a", nil, nil, now)
	b := entryWith("b", []string{"music", "sports"}, nil, now)

	// Either side empty -> interestScore 0.5: 0.3 + 0.5*0.7 = 0.65.
	got := w.Score(a, b, now)
	if !almostEqual(got, 0.65) {
		t.Errorf("expected neutral score 0.65, got %.4f", got)
	}
}

func TestScore_CaseInsensitiveTags(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()

	a := entryWith("a", []string{"Music"}, []string{"EN"}, now)
	b := entryWith("b", []string{"music"}, []string{"en"}, now)

	// Identical sets after normalization: (0.3 + 1.0*0.7) * 1.2 = 1.2.
	got := w.Score(a, b, now)
	if !almostEqual(got, 1.2) {
		t.Errorf("expected score 1.2 for identical normalized tags, got %.4f", got)
	}
}

func TestScore_NoLanguagesMeansNoBoost(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()

	a := entryWith("a", []string{"music"}, nil, now)
	b := entryWith("b", []string{"music"}, []string{"en"}, now)

	got := w.Score(a, b, now)
	if !almostEqual(got, 1.0) {
		t.Errorf("expected no language boost when one side has no tags, got %.4f", got)
	}
}

// ---------- Wait boost monotonicity ----------

func TestScore_MonotonicInWaitTime(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()
	a := entryWith("a", []string{"music"}, nil, now)

	prev := -1.0
	for waited := 0; waited <= 10; waited++ {
		c := entryWith("c", []string{"music"}, nil, now.Add(-time.Duration(waited)*time.Minute))
		got := w.Score(a, c, now)
		if got < prev {
			t.Fatalf("score decreased with wait time: %.4f after %dm < %.4f", got, waited, prev)
		}
		prev = got
	}
}

func TestScore_WaitBoostCapped(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()
	a := entryWith("a", []string{"music"}, nil, now)

	// 5 minutes reaches the 1.5x cap; an hour must score the same.
	fiveMin := w.Score(a, entryWith("c", []string{"music"}, nil, now.Add(-5*time.Minute)), now)
	oneHour := w.Score(a, entryWith("c", []string{"music"}, nil, now.Add(-time.Hour)), now)
	if !almostEqual(fiveMin, oneHour) {
		t.Errorf("expected capped boost: 5m=%.4f, 1h=%.4f", fiveMin, oneHour)
	}
	if !almostEqual(oneHour, 1.5) {
		t.Errorf("expected capped score 1.5, got %.4f", oneHour)
	}
}

func TestScore_FutureJoinClampedToZeroWait(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()
	a := entryWith("a", []string{"music"}, nil, now)
	c := entryWith("c", []string{"music"}, nil, now.Add(time.Minute))

	got := w.Score(a, c, now)
	if !almostEqual(got, 1.0) {
		t.Errorf("expected clock skew to clamp to zero wait, got %.4f", got)
	}
}

// ---------- Wait estimate ----------

func TestWaitEstimate_ShrinksWithRetries(t *testing.T) {
	we := DefaultWaitEstimate()

	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 25 * time.Second},
		{3, 15 * time.Second},
		{5, 5 * time.Second},
		{6, 5 * time.Second},  // floor
		{50, 5 * time.Second}, // never below Min
	}

	for _, tc := range cases {
		if got := we.Estimate(tc.retries); got != tc.want {
			t.Errorf("retries=%d: expected %s, got %s", tc.retries, tc.want, got)
		}
	}
}

func TestWaitEstimate_NeverGrows(t *testing.T) {
	we := DefaultWaitEstimate()

	prev := we.Estimate(0)
	for r := 1; r <= 20; r++ {
		got := we.Estimate(r)
		if got > prev {
			t.Fatalf("estimate grew from %s to %s at retries=%d", prev, got, r)
		}
		prev = got
	}
}
