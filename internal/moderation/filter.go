package moderation

import (
	"context"
	"strings"
)

// defaultBlocklist is the built-in prohibited term list. Deployments extend
// it via FILTER_TERMS; this baseline only covers obvious solicitation and
// doxxing patterns.
var defaultBlocklist = []string{
	"buy followers",
	"free crypto",
	"onlyfans.com",
	"send nudes",
	"kys",
}

// Filter is an in-process wordlist Moderator. Matching is case-insensitive
// substring search; flagged terms are masked in FilteredText so the boundary
// can show the sender what was rejected.
type Filter struct {
	terms []string
}

// NewFilter creates a Filter with the built-in blocklist plus any extra
// terms. Empty extras are ignored.
func NewFilter(extra ...string) *Filter {
	terms := make([]string, 0, len(defaultBlocklist)+len(extra))
	terms = append(terms, defaultBlocklist...)
	for _, t := range extra {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			terms = append(terms, t)
		}
	}
	return &Filter{terms: terms}
}

// Check implements Moderator.
func (f *Filter) Check(_ context.Context, text, _ string) (Verdict, error) {
	lowered := strings.ToLower(text)

	for _, term := range f.terms {
		idx := strings.Index(lowered, term)
		if idx < 0 {
			continue
		}
		return Verdict{
			Allowed:      false,
			FilteredText: text[:idx] + strings.Repeat("*", len(term)) + text[idx+len(term):],
			Reason:       "prohibited_term",
		}, nil
	}

	return Verdict{Allowed: true, FilteredText: text}, nil
}
