// Package matching converts queued intent into pairings. Each pass scores
// every same-mode candidate against the triggering entry and claims the best
// one through the queue store's atomic pop-pair, so concurrent matchers can
// never build a session from overlapping entries.
package matching

import (
	"strings"
	"time"

	"github.com/whisper/roulette/internal/queue"
)

// Weights holds the scoring parameters. The defaults are the empirical
// constants the matching behaviour was tuned with; they are configuration,
// not invariants.
type Weights struct {
	InterestFloor      float64 // score floor when interest sets are disjoint
	InterestSpan       float64 // weight of the Jaccard similarity above the floor
	LanguageBoost      float64 // multiplier when at least one language tag is shared
	WaitBoostPerMinute float64 // extra multiplier per minute of candidate wait
	WaitBoostCap       float64 // upper bound on the wait multiplier
}

// DefaultWeights returns the tuned scoring parameters: interest similarity
// spans 30%-100% of the base score, a shared language adds 20%, and waiting
// candidates gain 10% per minute up to +50%.
func DefaultWeights() Weights {
	return Weights{
		InterestFloor:      0.3,
		InterestSpan:       0.7,
		LanguageBoost:      1.2,
		WaitBoostPerMinute: 0.1,
		WaitBoostCap:       1.5,
	}
}

// Score rates candidate c for entry e at the given instant. Higher is
// better. The score is monotonically non-decreasing in the candidate's wait
// time, capped by WaitBoostCap.
func (w Weights) Score(e, c *queue.Entry, now time.Time) float64 {
	score := 1.0

	score *= w.InterestFloor + interestScore(e.Prefs.Interests, c.Prefs.Interests)*w.InterestSpan

	if sharesTag(e.Prefs.Languages, c.Prefs.Languages) {
		score *= w.LanguageBoost
	}

	waited := now.Sub(c.JoinedAt).Minutes()
	if waited < 0 {
		waited = 0
	}
	boost := 1 + waited*w.WaitBoostPerMinute
	if boost > w.WaitBoostCap {
		boost = w.WaitBoostCap
	}
	score *= boost

	return score
}

// interestScore is the Jaccard similarity of the two case-normalized
// interest sets, or 0.5 (neutral) when either side supplied no tags.
func interestScore(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.5
	}

	setA := normalize(a)
	setB := normalize(b)

	intersection := 0
	for tag := range setA {
		if setB[tag] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.5
	}
	return float64(intersection) / float64(union)
}

// sharesTag reports whether the two tag lists have any case-insensitive
// overlap.
func sharesTag(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	setB := normalize(b)
	for _, tag := range a {
		if setB[strings.ToLower(tag)] {
			return true
		}
	}
	return false
}

func normalize(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, tag := range tags {
		set[strings.ToLower(tag)] = true
	}
	return set
}

// WaitEstimate derives the "still queued" wait hint from an entry's retry
// count: max(Min, Base - retries*Step). Monotonically decreasing so the hint
// never grows while a participant keeps waiting.
type WaitEstimate struct {
	Base time.Duration
	Step time.Duration
	Min  time.Duration
}

// DefaultWaitEstimate returns the default wait hint parameters.
func DefaultWaitEstimate() WaitEstimate {
	return WaitEstimate{
		Base: 30 * time.Second,
		Step: 5 * time.Second,
		Min:  5 * time.Second,
	}
}

// Estimate returns the hint for an entry that has been through retryCount
// unsuccessful match attempts.
func (we WaitEstimate) Estimate(retryCount int) time.Duration {
	d := we.Base - time.Duration(retryCount)*we.Step
	if d < we.Min {
		d = we.Min
	}
	return d
}
