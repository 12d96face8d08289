package models

import "time"

// SessionStatus is the lifecycle state of a batch session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCancelled SessionStatus = "cancelled"
	SessionCompleted SessionStatus = "completed"
)

// Done reports whether the session accepts no further work.
func (s SessionStatus) Done() bool {
	return s == SessionCancelled || s == SessionCompleted
}

// BatchSession is the immutable snapshot of a batch session returned to
// callers. The live, mutex-guarded session lives in internal/batch.
type BatchSession struct {
	ID           string        `json:"id"`
	RecordIDs    []string      `json:"record_ids"`
	Concurrency  int           `json:"concurrency"`
	Status       SessionStatus `json:"status"`
	Completed    []string      `json:"completed"`
	Failed       []string      `json:"failed"`
	Skipped      []string      `json:"skipped,omitempty"`
	Parked       []string      `json:"parked,omitempty"`
	CurrentIndex int           `json:"current_index"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at,omitempty"`
}
