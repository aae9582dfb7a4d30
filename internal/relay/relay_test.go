package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/whisper/roulette/internal/moderation"
	"github.com/whisper/roulette/internal/queue"
	"github.com/whisper/roulette/internal/session"
)

// captureDelivery records every delivered event per participant.
type captureDelivery struct {
	mu     sync.Mutex
	events map[string][]*Event
}

func newCapture() *captureDelivery {
	return &captureDelivery{events: make(map[string][]*Event)}
}

func (c *captureDelivery) Deliver(participantID string, ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[participantID] = append(c.events[participantID], ev)
	return nil
}

func (c *captureDelivery) for_(pid string) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[pid]
}

// setupRelay creates a relay over an in-memory registry with one active
// session between alice and bob.
func setupRelay(t *testing.T, mod moderation.Moderator) (*Relay, *captureDelivery, session.Registry, *session.Session) {
	t.Helper()

	registry := session.NewMemory()
	delivery := newCapture()

	sess, err := registry.Create(context.Background(),
		session.Participant{ID: "alice", DisplayID: "Guest-a1"},
		session.Participant{ID: "bob", DisplayID: "Guest-b2"},
		queue.ModeText,
	)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	return New(registry, delivery, mod, nil), delivery, registry, sess
}

// ---------- SendChatMessage ----------

func TestSendChatMessage_DeliversToPartnerAndAcksSender(t *testing.T) {
	r, delivery, registry, sess := setupRelay(t, nil)
	ctx := context.Background()

	msg, err := r.SendChatMessage(ctx, sess.ID, "alice", "hello there")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected generated message id")
	}

	bobEvents := delivery.for_("bob")
	if len(bobEvents) != 1 {
		t.Fatalf("expected 1 event for bob, got %d", len(bobEvents))
	}
	ev := bobEvents[0]
	if ev.Type != EventMessage {
		t.Errorf("expected message event, got %s", ev.Type)
	}
	if ev.Text != "hello there" {
		t.Errorf("expected text to pass through, got %q", ev.Text)
	}
	// The sender is identified only by the per-session display id.
	if ev.From != "Guest-a1" {
		t.Errorf("expected display id in From, got %q", ev.From)
	}
	if ev.MessageID != msg.ID {
		t.Errorf("expected matching message id, got %q want %q", ev.MessageID, msg.ID)
	}

	aliceEvents := delivery.for_("alice")
	if len(aliceEvents) != 1 || aliceEvents[0].Type != EventMessageAck {
		t.Fatalf("expected exactly one ack for alice, got %+v", aliceEvents)
	}
	if aliceEvents[0].MessageID != msg.ID {
		t.Errorf("expected ack to carry the message id")
	}

	// The session's message count reflects the relayed message.
	got, _ := registry.Get(ctx, sess.ID)
	if got.MessageCount != 1 {
		t.Errorf("expected message count 1, got %d", got.MessageCount)
	}
}

func TestSendChatMessage_AnyInstanceOverSharedRegistry(t *testing.T) {
	_, _, registry, sess := setupRelay(t, nil)

	// A second relay instance, as in a scaled deployment where the partner is
	// connected to another process. It never saw the session being created,
	// yet the shared registry must be enough to resolve and relay.
	delivery := newCapture()
	other := New(registry, delivery, nil, nil)

	msg, err := other.SendChatMessage(context.Background(), sess.ID, "bob", "hello from elsewhere")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	aliceEvents := delivery.for_("alice")
	if len(aliceEvents) != 1 || aliceEvents[0].Type != EventMessage {
		t.Fatalf("expected the message delivered to alice, got %+v", aliceEvents)
	}
	if aliceEvents[0].MessageID != msg.ID {
		t.Errorf("expected matching message id, got %q want %q", aliceEvents[0].MessageID, msg.ID)
	}
	if got := delivery.for_("bob"); len(got) != 1 || got[0].Type != EventMessageAck {
		t.Fatalf("expected exactly one ack for bob, got %+v", got)
	}
}

func TestSendChatMessage_SenderNotInSession(t *testing.T) {
	r, delivery, _, sess := setupRelay(t, nil)

	_, err := r.SendChatMessage(context.Background(), sess.ID, "mallory", "hi")
	if !errors.Is(err, ErrSenderNotInSession) {
		t.Fatalf("expected ErrSenderNotInSession, got %v", err)
	}
	if len(delivery.for_("bob")) != 0 {
		t.Error("expected no delivery from a non-member")
	}
}

func TestSendChatMessage_UnknownSession(t *testing.T) {
	r, _, _, _ := setupRelay(t, nil)

	_, err := r.SendChatMessage(context.Background(), "no-such-session", "alice", "hi")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSendChatMessage_EndedSession(t *testing.T) {
	r, _, registry, sess := setupRelay(t, nil)
	ctx := context.Background()

	registry.End(ctx, sess.ID, session.ReasonUserLeft)

	_, err := r.SendChatMessage(ctx, sess.ID, "alice", "hi")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for ended session, got %v", err)
	}
}

func TestSendChatMessage_TooLong(t *testing.T) {
	r, delivery, registry, sess := setupRelay(t, nil)
	ctx := context.Background()

	long := strings.Repeat("x", MaxContentChars+1)
	_, err := r.SendChatMessage(ctx, sess.ID, "alice", long)
	if !errors.Is(err, ErrContentTooLong) {
		t.Fatalf("expected ErrContentTooLong, got %v", err)
	}

	// Rejected content is never delivered, not even partially, and the
	// message count is untouched.
	if len(delivery.for_("bob")) != 0 {
		t.Error("expected no delivery for oversized message")
	}
	got, _ := registry.Get(ctx, sess.ID)
	if got.MessageCount != 0 {
		t.Errorf("expected message count 0, got %d", got.MessageCount)
	}
}

func TestSendChatMessage_LimitCountsRunesNotBytes(t *testing.T) {
	r, _, _, sess := setupRelay(t, nil)

	// 1000 multibyte characters is exactly at the limit.
	msg := strings.Repeat("é", MaxContentChars)
	if _, err := r.SendChatMessage(context.Background(), sess.ID, "alice", msg); err != nil {
		t.Fatalf("expected 1000 runes to pass, got %v", err)
	}
}

func TestSendChatMessage_EmptyRejected(t *testing.T) {
	r, _, _, sess := setupRelay(t, nil)

	_, err := r.SendChatMessage(context.Background(), sess.ID, "alice", "")
	if !errors.Is(err, ErrContentRejected) {
		t.Fatalf("expected ErrContentRejected for empty content, got %v", err)
	}
}

func TestSendChatMessage_ModerationRejects(t *testing.T) {
	r, delivery, _, sess := setupRelay(t, moderation.NewFilter())

	_, err := r.SendChatMessage(context.Background(), sess.ID, "alice", "get free crypto now")
	if !errors.Is(err, ErrContentRejected) {
		t.Fatalf("expected ErrContentRejected, got %v", err)
	}
	if len(delivery.for_("bob")) != 0 {
		t.Error("expected flagged message never delivered")
	}
	if len(delivery.for_("alice")) != 0 {
		t.Error("expected no ack for flagged message")
	}
}

// failingModerator simulates an unreachable moderation backend.
type failingModerator struct{}

func (failingModerator) Check(context.Context, string, string) (moderation.Verdict, error) {
	return moderation.Verdict{}, errors.New("worker unreachable")
}

func TestSendChatMessage_ModerationFailureFailsClosed(t *testing.T) {
	r, delivery, _, sess := setupRelay(t, failingModerator{})

	_, err := r.SendChatMessage(context.Background(), sess.ID, "alice", "hello")
	if err == nil {
		t.Fatal("expected error when moderation backend is down")
	}
	if len(delivery.for_("bob")) != 0 {
		t.Error("expected no delivery when moderation cannot run")
	}
}

// ---------- RelayTyping ----------

func TestRelayTyping(t *testing.T) {
	r, delivery, _, sess := setupRelay(t, nil)
	ctx := context.Background()

	if err := r.RelayTyping(ctx, sess.ID, "alice", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RelayTyping(ctx, sess.ID, "alice", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := delivery.for_("bob")
	if len(events) != 2 {
		t.Fatalf("expected 2 typing events, got %d", len(events))
	}
	if events[0].Type != EventTypingStart || events[1].Type != EventTypingStop {
		t.Errorf("expected start then stop, got %s then %s", events[0].Type, events[1].Type)
	}

	// Typing is fire-and-forget: no ack to the sender.
	if len(delivery.for_("alice")) != 0 {
		t.Error("expected no events for the typing sender")
	}
}

// ---------- RelaySignal ----------

func TestRelaySignal_PayloadForwardedVerbatim(t *testing.T) {
	r, delivery, _, sess := setupRelay(t, nil)

	payload := json.RawMessage(`{"sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1","type":"offer","weird":[1,null,{"x":1e-7}]}`)
	if err := r.RelaySignal(context.Background(), sess.ID, "bob", SignalOffer, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := delivery.for_("alice")
	if len(events) != 1 {
		t.Fatalf("expected 1 signal event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != EventSignal || ev.Kind != SignalOffer {
		t.Errorf("expected signal/offer, got %s/%s", ev.Type, ev.Kind)
	}
	// Byte-for-byte: the relay must not reserialize the payload.
	if !bytes.Equal(ev.Payload, payload) {
		t.Errorf("payload altered in transit:\n got %s\nwant %s", ev.Payload, payload)
	}
	if ev.From != "Guest-b2" {
		t.Errorf("expected sender display id, got %q", ev.From)
	}
}

func TestRelaySignal_NonMember(t *testing.T) {
	r, delivery, _, sess := setupRelay(t, nil)

	err := r.RelaySignal(context.Background(), sess.ID, "mallory", SignalAnswer, json.RawMessage(`{}`))
	if !errors.Is(err, ErrSenderNotInSession) {
		t.Fatalf("expected ErrSenderNotInSession, got %v", err)
	}
	if len(delivery.for_("alice")) != 0 || len(delivery.for_("bob")) != 0 {
		t.Error("expected no signal delivery from a non-member")
	}
}

func TestValidSignalKind(t *testing.T) {
	for _, kind := range []string{SignalOffer, SignalAnswer, SignalICECandidate} {
		if !ValidSignalKind(kind) {
			t.Errorf("expected %q to be valid", kind)
		}
	}
	for _, kind := range []string{"", "renegotiate", "OFFER"} {
		if ValidSignalKind(kind) {
			t.Errorf("expected %q to be invalid", kind)
		}
	}
}

// ---------- Notifications ----------

func TestNotifySessionEnded(t *testing.T) {
	r, delivery, _, sess := setupRelay(t, nil)

	r.NotifySessionEnded("alice", sess.ID, session.ReasonPartnerLeft)

	events := delivery.for_("alice")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventSessionEnded || events[0].Reason != "partner_left" {
		t.Errorf("expected session_ended/partner_left, got %s/%s", events[0].Type, events[0].Reason)
	}
}

func TestNotifyMatched_ExposesOnlyPartnerDisplayID(t *testing.T) {
	r, delivery, _, sess := setupRelay(t, nil)

	r.NotifyMatched("alice", sess)

	events := delivery.for_("alice")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != EventMatched || ev.SessionID != sess.ID {
		t.Errorf("expected matched event for session, got %+v", ev)
	}

	var partner struct {
		DisplayID string `json:"display_id"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal(ev.Partner, &partner); err != nil {
		t.Fatalf("failed to decode partner: %v", err)
	}
	if partner.DisplayID != "Guest-b2" {
		t.Errorf("expected partner display id Guest-b2, got %q", partner.DisplayID)
	}
	if partner.ID != "" {
		t.Errorf("raw participant id leaked: %q", partner.ID)
	}
}
