package stream

import (
	"encoding/json"
	"time"
)

// Message types carried over every transport.
const (
	TypeSessionEvent = "session-event"
	TypeNetworkEvent = "network-event"
	TypeErrorEvent   = "error-event"
	TypeSessionEnded = "session-ended"
	TypeHeartbeat    = "heartbeat"
)

// Message is the envelope pushed to subscribers. Seq is the per-session
// monotonic counter; reconnecting clients resume from it via long-poll.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Heartbeat builds the keepalive frame SSE and WebSocket transports send
// while a session is idle.
func Heartbeat() Message {
	return Message{Type: TypeHeartbeat, Timestamp: time.Now().UTC()}
}
