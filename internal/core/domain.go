package core

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Group lifecycle states.
const (
	StatusOpen          = "open"
	StatusInvestigating = "investigating"
	StatusResolved      = "resolved"
	StatusIgnored       = "ignored"
)

// Group priorities.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Error severities as reported by SDKs.
const (
	SeverityFatal   = "fatal"
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityDebug   = "debug"
)

// ValidStatus reports whether s is a recognized group status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusIgnored:
		return true
	}
	return false
}

// ValidPriority reports whether p is a recognized group priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ValidSeverity reports whether s is a recognized severity.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityFatal, SeverityError, SeverityWarning, SeverityInfo, SeverityDebug:
		return true
	}
	return false
}

// PriorityForSeverity maps an event severity to the priority a newly created
// group starts with.
func PriorityForSeverity(severity string) string {
	switch severity {
	case SeverityFatal:
		return PriorityCritical
	case SeverityError:
		return PriorityHigh
	case SeverityWarning:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Metadata is an opaque JSON object. It is validated for size at the API
// boundary and stored as jsonb.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, m)
}

// Tags is a Postgres text[] column.
type Tags []string

func (t Tags) Value() (driver.Value, error) {
	return pq.Array([]string(t)).Value()
}

func (t *Tags) Scan(src interface{}) error {
	return pq.Array((*[]string)(t)).Scan(src)
}

// Project is the tenant unit. The API key is the sole authenticator for
// capture and read traffic.
type Project struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	APIKey    string    `json:"api_key" db:"api_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewAPIKey mints an opaque project key. The prefix makes leaked keys
// greppable in client code and logs.
func NewAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("api key entropy: %w", err)
	}
	return "lens_" + hex.EncodeToString(buf), nil
}

// WebhookEndpoint is a project-scoped alert destination. The secret signs
// every delivery; it is served once, in the create response, and redacted
// everywhere else.
type WebhookEndpoint struct {
	ID        string         `json:"id" db:"id"`
	ProjectID string         `json:"project_id" db:"project_id"`
	URL       string         `json:"url" db:"url"`
	Secret    string         `json:"secret,omitempty" db:"secret"`
	Events    pq.StringArray `json:"events" db:"events"`
	Active    bool           `json:"active" db:"active"`
	FailCount int            `json:"fail_count" db:"fail_count"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Subscribed reports whether the endpoint wants alerts of the given kind.
// An empty events list subscribes to everything.
func (w *WebhookEndpoint) Subscribed(kind string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == kind {
			return true
		}
	}
	return false
}

// NewWebhookSecret mints a webhook signing secret, same shape as NewAPIKey
// under its own prefix.
func NewWebhookSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("webhook secret entropy: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// Session is one browser/app session as reported by an SDK. SessionID is the
// SDK-generated identifier, unique per project.
type Session struct {
	ID        string     `json:"id" db:"id"`
	ProjectID string     `json:"project_id" db:"project_id"`
	SessionID string     `json:"session_id" db:"session_id"`
	UserID    *string    `json:"user_id,omitempty" db:"user_id"`
	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	EventSeq  int64      `json:"-" db:"event_seq"` // monotonic per-session event cursor
	Metadata  Metadata   `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Error is one captured error occurrence. ErrorGroupID and Fingerprint are
// empty until grouping has run and are set exactly once.
type Error struct {
	ID           string    `json:"id" db:"id"`
	ProjectID    string    `json:"project_id" db:"project_id"`
	SessionID    *string   `json:"session_id,omitempty" db:"session_id"`
	Seq          *int64    `json:"seq,omitempty" db:"seq"` // poll cursor; only for errors bound to a session
	ErrorGroupID *string   `json:"error_group_id,omitempty" db:"error_group_id"`
	Fingerprint  *string   `json:"fingerprint,omitempty" db:"fingerprint"`
	Message      string    `json:"message" db:"message"`
	ErrorClass   string    `json:"error_class,omitempty" db:"error_class"`
	StackTrace   string    `json:"stack_trace,omitempty" db:"stack_trace"`
	URL          string    `json:"url,omitempty" db:"url"`
	Severity     string    `json:"severity" db:"severity"`
	StatusCode   *int      `json:"status_code,omitempty" db:"status_code"`
	UserID       *string   `json:"user_id,omitempty" db:"user_id"`
	UserAgent    string    `json:"user_agent,omitempty" db:"user_agent"`
	Metadata     Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// GroupMetadata is the typed view of an error group's metadata column.
type GroupMetadata struct {
	// SimilarFingerprints lists fingerprints attached to this group by the
	// similarity fallback, FIFO capped at SimilarFingerprintCap.
	SimilarFingerprints []string `json:"similar_fingerprints,omitempty"`
	ResolutionNotes     string   `json:"resolution_notes,omitempty"`
}

// SimilarFingerprintCap bounds GroupMetadata.SimilarFingerprints.
const SimilarFingerprintCap = 64

// AppendSimilar records fp in the FIFO similar-fingerprint list. Duplicates
// are ignored; the oldest entry is evicted at the cap.
func (g *GroupMetadata) AppendSimilar(fp string) {
	for _, existing := range g.SimilarFingerprints {
		if existing == fp {
			return
		}
	}
	g.SimilarFingerprints = append(g.SimilarFingerprints, fp)
	if len(g.SimilarFingerprints) > SimilarFingerprintCap {
		g.SimilarFingerprints = g.SimilarFingerprints[len(g.SimilarFingerprints)-SimilarFingerprintCap:]
	}
}

func (g GroupMetadata) Value() (driver.Value, error) {
	return json.Marshal(g)
}

func (g *GroupMetadata) Scan(src interface{}) error {
	if src == nil {
		*g = GroupMetadata{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("group metadata: unsupported scan type %T", src)
	}
	if len(b) == 0 {
		*g = GroupMetadata{}
		return nil
	}
	return json.Unmarshal(b, g)
}

// ErrorGroup is the deduplicated identity of an error. Fingerprint is unique
// per project; occurrences attach to exactly one group.
type ErrorGroup struct {
	ID               string        `json:"id" db:"id"`
	ProjectID        string        `json:"project_id" db:"project_id"`
	Fingerprint      string        `json:"fingerprint" db:"fingerprint"`
	PatternHash      string        `json:"pattern_hash" db:"pattern_hash"`
	Title            string        `json:"title" db:"title"`
	MessageTemplate  string        `json:"message_template" db:"message_template"`
	StackPattern     string        `json:"stack_pattern" db:"stack_pattern"`
	URLPattern       string        `json:"url_pattern" db:"url_pattern"`
	FirstSeen        time.Time     `json:"first_seen" db:"first_seen"`
	LastSeen         time.Time     `json:"last_seen" db:"last_seen"`
	TotalOccurrences int64         `json:"total_occurrences" db:"total_occurrences"`
	UniqueUsers      int64         `json:"unique_users" db:"unique_users"`
	Status           string        `json:"status" db:"status"`
	Priority         string        `json:"priority" db:"priority"`
	AssignedTo       *string       `json:"assigned_to,omitempty" db:"assigned_to"`
	Tags             Tags          `json:"tags" db:"tags"`
	Metadata         GroupMetadata `json:"metadata" db:"metadata"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// SessionEvent is one append-only replay event. Seq is assigned by the
// server, strictly increasing within a session.
type SessionEvent struct {
	ID        string    `json:"id" db:"id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Seq       int64     `json:"seq" db:"seq"`
	EventType string    `json:"event_type" db:"event_type"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Payload   Metadata  `json:"payload,omitempty" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NetworkEvent is one append-only network request record.
type NetworkEvent struct {
	ID           string    `json:"id" db:"id"`
	ProjectID    string    `json:"project_id" db:"project_id"`
	SessionID    string    `json:"session_id" db:"session_id"`
	Seq          int64     `json:"seq" db:"seq"`
	Method       string    `json:"method" db:"method"`
	URL          string    `json:"url" db:"url"`
	StatusCode   int       `json:"status_code" db:"status_code"`
	DurationMs   int64     `json:"duration_ms" db:"duration_ms"`
	RequestSize  int64     `json:"request_size" db:"request_size"`
	ResponseSize int64     `json:"response_size" db:"response_size"`
	Timestamp    time.Time `json:"timestamp" db:"ts"`
	Metadata     Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ErrorStatistic is an hourly rollup, upserted on
// (project_id, error_group_id, time_bucket). Unique counts are approximate;
// the hot path never scans for exact uniqueness.
type ErrorStatistic struct {
	ID             string    `json:"id" db:"id"`
	ProjectID      string    `json:"project_id" db:"project_id"`
	ErrorGroupID   string    `json:"error_group_id" db:"error_group_id"`
	TimeBucket     time.Time `json:"time_bucket" db:"time_bucket"`
	ErrorCount     int64     `json:"error_count" db:"error_count"`
	UniqueUsers    int64     `json:"unique_users" db:"unique_users"`
	UniqueSessions int64     `json:"unique_sessions" db:"unique_sessions"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// DeviceAnalytics is the per-session device record, populated from the
// device info SDKs attach to session starts.
type DeviceAnalytics struct {
	ID               string    `json:"id" db:"id"`
	ProjectID        string    `json:"project_id" db:"project_id"`
	SessionID        string    `json:"session_id" db:"session_id"`
	Browser          string    `json:"browser" db:"browser"`
	BrowserVersion   string    `json:"browser_version" db:"browser_version"`
	OS               string    `json:"os" db:"os"`
	OSVersion        string    `json:"os_version" db:"os_version"`
	DeviceType       string    `json:"device_type" db:"device_type"`
	ScreenResolution string    `json:"screen_resolution" db:"screen_resolution"`
	Language         string    `json:"language" db:"language"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// HourBucket truncates t to the containing UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
