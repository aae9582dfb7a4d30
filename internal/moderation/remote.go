package moderation

import (
	"context"
	"encoding/json"
	"fmt"
)

// Requester is the transport slice the remote moderator needs; the NATS
// client's RequestModeration satisfies it.
type Requester interface {
	RequestModeration(ctx context.Context, data []byte) ([]byte, error)
}

// Remote is a Moderator backed by an out-of-process worker reached over
// request-reply messaging.
type Remote struct {
	req Requester
}

// NewRemote creates a Remote moderator over the given requester.
func NewRemote(req Requester) *Remote {
	return &Remote{req: req}
}

// Check implements Moderator. A transport or decode failure is returned to
// the caller; the relay decides the fail-open/fail-closed policy.
func (r *Remote) Check(ctx context.Context, text, senderID string) (Verdict, error) {
	data, err := json.Marshal(CheckRequest{Text: text, SenderID: senderID})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: marshal request: %w", err)
	}

	reply, err := r.req.RequestModeration(ctx, data)
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: request: %w", err)
	}

	var v Verdict
	if err := json.Unmarshal(reply, &v); err != nil {
		return Verdict{}, fmt.Errorf("moderation: decode verdict: %w", err)
	}
	return v, nil
}
