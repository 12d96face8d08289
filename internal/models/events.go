package models

import "time"

// AttemptEvent is published to the attempts topic after every
// ProcessingAttempt appended to a record. It carries the resulting record
// status, so the stream doubles as the transition audit trail.
type AttemptEvent struct {
	RecordID   string    `json:"record_id"`
	URL        string    `json:"url"`
	Stage      Stage     `json:"stage"`
	Method     string    `json:"method"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Status     Status    `json:"status"`
	At         time.Time `json:"at"`
}

// LinkEvent is published to the links topic when a record commits a
// reference-manager item key.
type LinkEvent struct {
	RecordID string    `json:"record_id"`
	URL      string    `json:"url"`
	ItemKey  string    `json:"item_key"`
	Status   Status    `json:"status"`
	Method   string    `json:"method"`
	At       time.Time `json:"at"`
}
