// Package relay forwards chat messages, typing indicators, and opaque
// peer-connection signaling between the two participants of a session. It
// owns no state: a session id is resolved through the shared registry on
// every operation, so any instance relays for any Active session.
package relay

import (
	"encoding/json"
	"time"
)

// Event types delivered to participants.
const (
	EventMessage      = "message"
	EventMessageAck   = "message_ack"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventSignal       = "signal"
	EventMatched      = "matched"
	EventSessionEnded = "session_ended"
)

// Signal kinds accepted by RelaySignal. The payload shape belongs to the
// peer-connection protocol and is never inspected.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// ValidSignalKind reports whether kind is one of the accepted signal kinds.
func ValidSignalKind(kind string) bool {
	switch kind {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// Event is the tagged payload handed to a participant's transport. From
// always carries the sender's per-session display id, never the raw
// participant id.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id,omitempty"`
	From      string          `json:"from,omitempty"`
	Text      string          `json:"text,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Partner   json.RawMessage `json:"partner,omitempty"`
	Ts        int64           `json:"ts,omitempty"`
}

// Message is the relayed chat message record returned to the sender and
// handed to the history sink.
type Message struct {
	ID              string    `json:"message_id"`
	SessionID       string    `json:"session_id"`
	SenderID        string    `json:"-"` // raw id, never serialized outward
	SenderDisplayID string    `json:"sender"`
	Content         string    `json:"content"`
	Ts              time.Time `json:"ts"`
}

// Delivery hands an event to a participant's transport. Implementations:
// the local WebSocket connection manager, or the NATS publisher when the
// participant may be connected to another process.
type Delivery interface {
	Deliver(participantID string, ev *Event) error
}

// DeliveryFunc adapts a function to the Delivery interface.
type DeliveryFunc func(participantID string, ev *Event) error

func (f DeliveryFunc) Deliver(participantID string, ev *Event) error {
	return f(participantID, ev)
}

// HistorySink receives relayed messages for best-effort persistence.
// Implementations must not block: a slow or failing sink never affects
// relay latency or outcome.
type HistorySink interface {
	RecordMessage(msg *Message)
}
