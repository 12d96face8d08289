// Package batch runs bounded-concurrency processing sessions over sets of
// records, with cooperative pause, resume, and cancel.
package batch

import (
	"sync"
	"time"

	"citation-linker/internal/models"
)

// Session is the live state of one batch run. All fields are guarded by mu;
// callers outside this package only ever see Snapshot copies.
type Session struct {
	mu   sync.Mutex
	cond *sync.Cond

	id          string
	recordIDs   []string
	concurrency int

	status       models.SessionStatus
	completed    []string
	failed       []string
	skipped      []string
	parked       []string
	currentIndex int

	startedAt   time.Time
	completedAt time.Time
}

func newSession(id string, recordIDs []string, concurrency int) *Session {
	s := &Session{
		id:          id,
		recordIDs:   recordIDs,
		concurrency: concurrency,
		status:      models.SessionRunning,
		startedAt:   time.Now().UTC(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Snapshot copies the current session state.
func (s *Session) Snapshot() models.BatchSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.BatchSession{
		ID:           s.id,
		RecordIDs:    append([]string(nil), s.recordIDs...),
		Concurrency:  s.concurrency,
		Status:       s.status,
		Completed:    append([]string(nil), s.completed...),
		Failed:       append([]string(nil), s.failed...),
		Skipped:      append([]string(nil), s.skipped...),
		Parked:       append([]string(nil), s.parked...),
		CurrentIndex: s.currentIndex,
		StartedAt:    s.startedAt,
		CompletedAt:  s.completedAt,
	}
}

// Pause stops dispatching new records. In-flight records run to completion.
// Pausing a finished or cancelled session is a no-op and reports false.
func (s *Session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.SessionRunning {
		return false
	}
	s.status = models.SessionPaused
	return true
}

// Resume continues a paused session from where it stopped. Records that
// already ran are not re-dispatched.
func (s *Session) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.SessionPaused {
		return false
	}
	s.status = models.SessionRunning
	s.cond.Broadcast()
	return true
}

// Cancel ends the session permanently. In-flight records run to completion;
// nothing new is dispatched and the session cannot be resumed.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Done() {
		return false
	}
	s.status = models.SessionCancelled
	s.completedAt = time.Now().UTC()
	s.cond.Broadcast()
	return true
}

// awaitDispatch blocks while the session is paused. It reports whether the
// caller may dispatch the next record; false means the session is done.
func (s *Session) awaitDispatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.status == models.SessionPaused {
		s.cond.Wait()
	}
	return s.status == models.SessionRunning
}

// claimNext reserves the next undispatched record index, or reports false
// when every record has been handed out.
func (s *Session) claimNext() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentIndex >= len(s.recordIDs) {
		return 0, false
	}
	idx := s.currentIndex
	s.currentIndex++
	return idx, true
}

func (s *Session) recordOutcome(id string, res outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch res {
	case outcomeCompleted:
		s.completed = append(s.completed, id)
	case outcomeFailed:
		s.failed = append(s.failed, id)
	case outcomeSkipped:
		s.skipped = append(s.skipped, id)
	case outcomeParked:
		s.parked = append(s.parked, id)
	}
}

// finish marks the session completed unless it was already cancelled.
func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Done() {
		return
	}
	s.status = models.SessionCompleted
	s.completedAt = time.Now().UTC()
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeParked
)
