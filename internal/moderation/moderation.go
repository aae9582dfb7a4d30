// Package moderation defines the content-moderation collaborator consumed by
// the relay. The engine only depends on the pass/fail contract; policy
// internals live behind the Moderator interface, whether in-process or in a
// separate worker.
package moderation

import "context"

// Verdict is the outcome of a moderation check.
type Verdict struct {
	Allowed      bool   `json:"allowed"`
	FilteredText string `json:"filtered_text,omitempty"` // content with flagged terms masked
	Reason       string `json:"reason,omitempty"`
}

// Moderator screens chat text before the relay forwards it. Implementations
// must be safe for concurrent use.
type Moderator interface {
	Check(ctx context.Context, text, senderID string) (Verdict, error)
}

// CheckRequest is the wire payload sent to an out-of-process moderation
// worker.
type CheckRequest struct {
	Text     string `json:"text"`
	SenderID string `json:"sender_id"`
}

// PermitAll is a Moderator that allows everything. Used when no moderation
// backend is configured.
type PermitAll struct{}

func (PermitAll) Check(_ context.Context, text, _ string) (Verdict, error) {
	return Verdict{Allowed: true, FilteredText: text}, nil
}
