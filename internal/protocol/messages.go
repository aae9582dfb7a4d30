// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the engine. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinQueue   = "join_queue"
	TypeLeaveQueue  = "leave_queue"
	TypeMessage     = "message"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypeSignal      = "signal"
	TypeEndSession  = "end_session"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected    = "connected"
	TypeQueued       = "queued"
	TypeMatched      = "matched"
	TypeMessageAck   = "message_ack"
	TypeSessionEnded = "session_ended"
	TypeRateLimited  = "rate_limited"
	TypeError        = "error"
	TypePong         = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinQueueMsg is sent by the client to enter the matching queue for a chat
// mode, with optional preference hints.
type JoinQueueMsg struct {
	Type      string   `json:"type"`
	Mode      string   `json:"mode"`
	Interests []string `json:"interests"`
	Languages []string `json:"languages"`
	AgeRange  string   `json:"age_range"`
}

// LeaveQueueMsg is sent by the client to leave the matching queue.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message sent by the client within a session.
type ChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// TypingMsg is sent by the client when it starts or stops typing. The start
// and stop variants share this shape; the type field disambiguates.
type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SignalMsg carries an opaque peer-connection payload (offer, answer, or ICE
// candidate) to be forwarded to the partner verbatim.
type SignalMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// EndSessionMsg is sent by the client to end its session.
type EndSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server when the WebSocket is established,
// carrying the participant id assigned to the connection.
type ConnectedMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// QueuedMsg is sent by the server to confirm the client has entered the
// matching queue without an immediate match.
type QueuedMsg struct {
	Type            string `json:"type"`
	Position        int    `json:"position"`
	EstimatedWaitMs int64  `json:"estimated_wait_ms"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignal:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndSession:
		var m EndSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
