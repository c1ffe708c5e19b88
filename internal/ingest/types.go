package ingest

import (
	"time"

	"github.com/lenshq/backend/internal/core"
)

// ErrorData is one captured error as SDKs send it.
type ErrorData struct {
	Message    string        `json:"message"`
	ErrorClass string        `json:"error_class,omitempty"`
	StackTrace string        `json:"stack_trace,omitempty"`
	URL        string        `json:"url,omitempty"`
	UserAgent  string        `json:"user_agent,omitempty"`
	Severity   string        `json:"severity,omitempty"`
	StatusCode *int          `json:"status_code,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
	Timestamp  *time.Time    `json:"timestamp,omitempty"`
	Metadata   core.Metadata `json:"metadata,omitempty"`
}

// CaptureErrorRequest is either a single error (fields at the top level) or
// a bulk submission via errors[]. When errors[] is present the top-level
// fields are ignored.
type CaptureErrorRequest struct {
	ErrorData
	Errors []ErrorData `json:"errors,omitempty"`
}

// Items normalizes single and bulk shapes into one slice.
func (r *CaptureErrorRequest) Items() []ErrorData {
	if len(r.Errors) > 0 {
		return r.Errors
	}
	if r.Message == "" {
		return nil
	}
	return []ErrorData{r.ErrorData}
}

// GroupSummary is the per-item grouping result on the synchronous path.
type GroupSummary struct {
	GroupID     string  `json:"group_id"`
	Fingerprint string  `json:"fingerprint"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	IsNewGroup  bool    `json:"is_new_group"`
	Similarity  float64 `json:"similarity,omitempty"`
}

// Rejection marks one failed item of a partially accepted batch.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// CaptureErrorResponse is positionally aligned with the submitted items:
// ErrorIDs[i] is empty and Rejected carries index i when item i failed.
// ErrorGroups is empty (not null) on the bulk path, where grouping runs in
// the background; BackgroundJobs then lists the queued job IDs.
type CaptureErrorResponse struct {
	Accepted       int             `json:"accepted"`
	ErrorIDs       []string        `json:"error_ids"`
	ErrorGroups    []*GroupSummary `json:"error_groups"`
	BackgroundJobs []string        `json:"background_jobs,omitempty"`
	Rejected       []Rejection     `json:"rejected,omitempty"`
	Replayed       bool            `json:"replayed,omitempty"`
}

// SessionEventData is one replay event.
type SessionEventData struct {
	EventType string        `json:"event_type"`
	Data      core.Metadata `json:"data,omitempty"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// CaptureSessionEventRequest is a batch of replay events for one session.
// Per-event session_id may override the top-level one.
type CaptureSessionEventRequest struct {
	SessionID string             `json:"session_id"`
	UserID    string             `json:"user_id,omitempty"`
	Events    []SessionEventData `json:"events"`
}

// NetworkEventData is one network request record.
type NetworkEventData struct {
	Method       string        `json:"method"`
	URL          string        `json:"url"`
	StatusCode   *int          `json:"status_code,omitempty"`
	ResponseTime *int64        `json:"response_time,omitempty"`
	RequestSize  *int64        `json:"request_size,omitempty"`
	ResponseSize *int64        `json:"response_size,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	RequestData  core.Metadata `json:"request_data,omitempty"`
	ResponseData core.Metadata `json:"response_data,omitempty"`
}

// CaptureNetworkEventRequest is a batch of network records for one session.
type CaptureNetworkEventRequest struct {
	SessionID string             `json:"session_id"`
	UserID    string             `json:"user_id,omitempty"`
	Events    []NetworkEventData `json:"events"`
}

// CaptureEventsResponse mirrors CaptureErrorResponse for the append-only
// event endpoints.
type CaptureEventsResponse struct {
	Accepted int         `json:"accepted"`
	EventIDs []string    `json:"event_ids"`
	Rejected []Rejection `json:"rejected,omitempty"`
	Replayed bool        `json:"replayed,omitempty"`
}

// Replay-event types with server-side meaning. session-start carries device
// info for analytics; session-end closes the session.
const (
	EventSessionStart = "session-start"
	EventSessionEnd   = "session-end"
)

// deviceInfo is the device block SDKs attach to session-start events.
type deviceInfo struct {
	Browser          string `json:"browser"`
	BrowserVersion   string `json:"browser_version"`
	OS               string `json:"os"`
	OSVersion        string `json:"os_version"`
	DeviceType       string `json:"device_type"`
	ScreenResolution string `json:"screen_resolution"`
	Language         string `json:"language"`
}
