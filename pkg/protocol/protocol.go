// Package protocol defines the wire messages exchanged between the hub and
// real-time subscribers (WebSocket clients, the broadcast bridge).
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import "time"

// Event types carried in the envelope.
const (
	TypeSessionChanged = "session_changed"
	TypeSubscribed     = "subscribed"
	TypeError          = "error"
)

// Change causes for a session_changed event.
const (
	CauseNewMessage     = "new_message"
	CauseSessionUpdated = "session_updated"
)

// Envelope is the top-level wire format for all push messages.
type Envelope struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"ts"`
	Cause     string    `json:"cause,omitempty"`
	Hint      *Hint     `json:"hint,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Hint carries optional pointers that let a subscriber fetch incrementally
// instead of re-reading the whole session.
type Hint struct {
	MessageID *int64     `json:"message_id,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// SessionChanged builds a session_changed envelope.
func SessionChanged(sessionID, cause string, messageID int64, at time.Time) Envelope {
	env := Envelope{
		Type:      TypeSessionChanged,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Cause:     cause,
	}
	hint := &Hint{}
	if messageID > 0 {
		hint.MessageID = &messageID
	}
	if !at.IsZero() {
		t := at.UTC()
		hint.Timestamp = &t
	}
	if hint.MessageID != nil || hint.Timestamp != nil {
		env.Hint = hint
	}
	return env
}
