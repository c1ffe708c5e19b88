package sdk

import "time"

// Severities accepted by the capture endpoints, highest first. Unset
// severity defaults server-side to "error".
const (
	SeverityFatal   = "fatal"
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityDebug   = "debug"
)

// ErrorEvent is one captured error.
type ErrorEvent struct {
	// Message is required; everything else is optional context.
	Message    string                 `json:"message"`
	ErrorClass string                 `json:"error_class,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	URL        string                 `json:"url,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Severity   string                 `json:"severity,omitempty"`
	StatusCode *int                   `json:"status_code,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Timestamp  *time.Time             `json:"timestamp,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// SessionEvent is one replay event. EventType "session-start" should carry
// device info in Data (under "device" or at the top level); "session-end"
// closes the session server-side.
type SessionEvent struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// NetworkEvent is one observed network request.
type NetworkEvent struct {
	Method       string                 `json:"method"`
	URL          string                 `json:"url"`
	StatusCode   *int                   `json:"status_code,omitempty"`
	ResponseTime *int64                 `json:"response_time,omitempty"`
	RequestSize  *int64                 `json:"request_size,omitempty"`
	ResponseSize *int64                 `json:"response_size,omitempty"`
	Timestamp    *time.Time             `json:"timestamp,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	RequestData  map[string]interface{} `json:"request_data,omitempty"`
	ResponseData map[string]interface{} `json:"response_data,omitempty"`
}

// CaptureResult is the server's acknowledgement of a capture request,
// shared by all three endpoints. Index positions in Rejected refer to the
// submitted batch.
type CaptureResult struct {
	Accepted int         `json:"accepted"`
	ErrorIDs []string    `json:"error_ids,omitempty"`
	EventIDs []string    `json:"event_ids,omitempty"`
	Rejected []Rejection `json:"rejected,omitempty"`
	Replayed bool        `json:"replayed,omitempty"`
}

// Rejection flags one item the server refused.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}
