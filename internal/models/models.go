package models

import (
	"encoding/json"
	"time"
)

// DebugRecord is one browser diagnostic snapshot submitted to /collect.
// Opaque sub-documents are kept as raw JSON and stored verbatim.
type DebugRecord struct {
	ID              int64
	IP              string // hashed when a salt is configured; may be blank
	BrowserInfo     json.RawMessage
	PerformanceData json.RawMessage
	Fingerprints    json.RawMessage
	Errors          json.RawMessage
	ErrorCount      int

	// Optional sub-documents; nil when the client omitted them.
	Network    json.RawMessage
	Battery    json.RawMessage
	Benchmarks json.RawMessage

	ClientTimestamp *string // untrusted
	VisitorID       *string
	SessionID       *string
	PageviewID      *string

	Timestamp time.Time // server-assigned
}

// Event is one discrete client-side occurrence submitted to /event.
type Event struct {
	ID         int64  `json:"id,omitempty"`
	VisitorID  string `json:"visitor_id"`
	SessionID  string `json:"session_id"`
	PageviewID string `json:"pageview_id"`
	EventType  string `json:"event_type"`
	Seq        int64  `json:"seq"`

	Path            *string         `json:"path,omitempty"`
	Referrer        *string         `json:"referrer,omitempty"`
	IPHash          *string         `json:"ip_hash,omitempty"` // never the raw address
	UserAgent       *string         `json:"user_agent,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp *string         `json:"client_timestamp,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
