package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/whisper/roulette/internal/metrics"
	"github.com/whisper/roulette/internal/moderation"
	"github.com/whisper/roulette/internal/session"
)

// MaxContentChars is the chat message length limit in characters.
const MaxContentChars = 1000

var (
	// ErrSenderNotInSession is returned when the sender is not a member of
	// the addressed session.
	ErrSenderNotInSession = errors.New("relay: sender not in session")

	// ErrContentRejected is returned when the moderation collaborator (or
	// basic validation) refuses the message content.
	ErrContentRejected = errors.New("relay: content rejected")

	// ErrContentTooLong is returned when the message exceeds MaxContentChars.
	ErrContentTooLong = errors.New("relay: content too long")
)

// Relay forwards traffic between the two participants of a session. It owns
// no routing state of its own: every operation resolves the session through
// the shared registry, so any instance in a scaled deployment relays for any
// Active session regardless of which instance created it.
type Relay struct {
	registry  session.Registry
	delivery  Delivery
	moderator moderation.Moderator
	history   HistorySink // optional
}

// New creates a Relay. history may be nil when no persistence collaborator
// is configured.
func New(registry session.Registry, delivery Delivery, moderator moderation.Moderator, history HistorySink) *Relay {
	if moderator == nil {
		moderator = moderation.PermitAll{}
	}
	return &Relay{
		registry:  registry,
		delivery:  delivery,
		moderator: moderator,
		history:   history,
	}
}

// resolve maps a sessionID+senderID to the sender and partner records,
// enforcing session liveness and membership. An ended session resolves the
// same as a missing one.
func (r *Relay) resolve(ctx context.Context, sessionID, senderID string) (sender, partner session.Participant, err error) {
	s, err := r.registry.Get(ctx, sessionID)
	if err != nil {
		return sender, partner, err
	}
	if s.State != session.StateActive {
		return sender, partner, session.ErrSessionNotFound
	}

	sender, ok := s.Member(senderID)
	if !ok {
		return sender, partner, ErrSenderNotInSession
	}
	partner, _ = s.Partner(senderID)
	return sender, partner, nil
}

// SendChatMessage validates and moderates content, forwards it to the
// partner, echoes an acknowledgement to the sender (so optimistically
// rendered local copies can be reconciled), and bumps the session's message
// count. A rejected message is never delivered, not even partially.
func (r *Relay) SendChatMessage(ctx context.Context, sessionID, senderID, content string) (*Message, error) {
	start := time.Now()

	sender, partner, err := r.resolve(ctx, sessionID, senderID)
	if err != nil {
		return nil, err
	}

	if content == "" {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: empty content", ErrContentRejected)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		metrics.MessagesTotal.WithLabelValues("too_long").Inc()
		return nil, ErrContentTooLong
	}

	verdict, err := r.moderator.Check(ctx, content, senderID)
	if err != nil {
		// Fail closed: unmoderated content is never forwarded.
		return nil, fmt.Errorf("relay: moderation check: %w", err)
	}
	if !verdict.Allowed {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %s", ErrContentRejected, verdict.Reason)
	}

	msg := &Message{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		SenderID:        senderID,
		SenderDisplayID: sender.DisplayID,
		Content:         content,
		Ts:              time.Now(),
	}

	if err := r.delivery.Deliver(partner.ID, &Event{
		Type:      EventMessage,
		SessionID: sessionID,
		MessageID: msg.ID,
		From:      sender.DisplayID,
		Text:      content,
		Ts:        msg.Ts.UnixMilli(),
	}); err != nil {
		// The partner's transport may be mid-disconnect; the disconnect path
		// ends the session, so the sender still gets its ack.
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		log.Printf("[relay] deliver to partner failed session=%s: %v", sessionID, err)
	}

	if err := r.delivery.Deliver(senderID, &Event{
		Type:      EventMessageAck,
		SessionID: sessionID,
		MessageID: msg.ID,
		Ts:        msg.Ts.UnixMilli(),
	}); err != nil {
		log.Printf("[relay] ack to sender failed session=%s: %v", sessionID, err)
	}

	if err := r.registry.IncrementMessageCount(ctx, sessionID); err != nil {
		log.Printf("[relay] increment message count session=%s: %v", sessionID, err)
	}

	if r.history != nil {
		r.history.RecordMessage(msg)
	}

	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	metrics.RelayLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// RelayTyping forwards a typing indicator to the partner. Best-effort: no
// acknowledgement, no persistence, delivery failures are swallowed.
func (r *Relay) RelayTyping(ctx context.Context, sessionID, senderID string, starting bool) error {
	sender, partner, err := r.resolve(ctx, sessionID, senderID)
	if err != nil {
		return err
	}

	evType := EventTypingStop
	if starting {
		evType = EventTypingStart
	}
	_ = r.delivery.Deliver(partner.ID, &Event{
		Type:      evType,
		SessionID: sessionID,
		From:      sender.DisplayID,
	})
	return nil
}

// RelaySignal forwards an opaque peer-connection payload to the partner,
// byte for byte. The payload's structure belongs to the signaling protocol
// and is never validated here.
func (r *Relay) RelaySignal(ctx context.Context, sessionID, senderID, kind string, payload json.RawMessage) error {
	sender, partner, err := r.resolve(ctx, sessionID, senderID)
	if err != nil {
		return err
	}

	if err := r.delivery.Deliver(partner.ID, &Event{
		Type:      EventSignal,
		SessionID: sessionID,
		From:      sender.DisplayID,
		Kind:      kind,
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("relay: forward signal: %w", err)
	}

	metrics.SignalsTotal.WithLabelValues(kind).Inc()
	return nil
}

// NotifySessionEnded delivers the session_ended event to one participant.
// The matchmaking service drives this from the registry's endedNow result
// so each side is notified at most once.
func (r *Relay) NotifySessionEnded(participantID, sessionID string, reason session.EndReason) {
	if err := r.delivery.Deliver(participantID, &Event{
		Type:      EventSessionEnded,
		SessionID: sessionID,
		Reason:    string(reason),
		Ts:        time.Now().UnixMilli(),
	}); err != nil {
		log.Printf("[relay] session_ended notify failed participant=%s session=%s: %v",
			participantID, sessionID, err)
	}
}

// NotifyMatched delivers the matched event, carrying the participant's view
// of the new session (their partner's anonymous display id only).
func (r *Relay) NotifyMatched(participantID string, s *session.Session) {
	partner, ok := s.Partner(participantID)
	if !ok {
		return
	}
	partnerJSON, _ := json.Marshal(struct {
		DisplayID string `json:"display_id"`
	}{DisplayID: partner.DisplayID})

	if err := r.delivery.Deliver(participantID, &Event{
		Type:      EventMatched,
		SessionID: s.ID,
		Kind:      string(s.Mode),
		Partner:   partnerJSON,
		Ts:        s.StartedAt.UnixMilli(),
	}); err != nil {
		log.Printf("[relay] matched notify failed participant=%s session=%s: %v",
			participantID, s.ID, err)
	}
}
