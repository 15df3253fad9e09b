package models

import "time"

// Default routing values applied to inbound log records with missing fields.
const (
	DefaultService   = "default"
	DefaultSessionID = "default"
	DefaultSeverity  = "INFO"
)

// LogRecord is a single inbound log line with routing metadata. Missing fields
// are filled with defaults by Normalize before analysis.
type LogRecord struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Service   string    `json:"service,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Normalize fills unset fields with their documented defaults.
func (r LogRecord) Normalize(now time.Time) LogRecord {
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	if r.Severity == "" {
		r.Severity = DefaultSeverity
	}
	if r.Service == "" {
		r.Service = DefaultService
	}
	if r.SessionID == "" {
		r.SessionID = DefaultSessionID
	}
	return r
}
