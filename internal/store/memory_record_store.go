package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"citation-linker/internal/models"
)

// MemoryRecordStore keeps records in a process-local map. Used when no
// REDIS_ADDR is configured and throughout the test suite.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]models.ProcessingRecord
}

// NewMemoryRecordStore initializes an empty in-memory RecordStore.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]models.ProcessingRecord)}
}

// Close is a no-op for the in-memory store.
func (s *MemoryRecordStore) Close() error { return nil }

// Create stores a new record. An existing id is refused.
func (s *MemoryRecordStore) Create(ctx context.Context, rec models.ProcessingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Get returns a copy of the record so callers hold a true snapshot.
func (s *MemoryRecordStore) Get(ctx context.Context, id string) (models.ProcessingRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return models.ProcessingRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *MemoryRecordStore) update(id string, fn func(*models.ProcessingRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	fn(&rec)
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return nil
}

func (s *MemoryRecordStore) SetStatus(ctx context.Context, id string, status models.Status) error {
	return s.update(id, func(r *models.ProcessingRecord) {
		r.Status = status
	})
}

func (s *MemoryRecordStore) SetUserIntent(ctx context.Context, id string, intent models.UserIntent) error {
	return s.update(id, func(r *models.ProcessingRecord) {
		r.UserIntent = intent
	})
}

func (s *MemoryRecordStore) AppendAttempt(ctx context.Context, id string, attempt models.ProcessingAttempt) error {
	return s.update(id, func(r *models.ProcessingRecord) {
		r.History = append(r.History, attempt)
		r.AttemptCount++
	})
}

func (s *MemoryRecordStore) SetLink(ctx context.Context, id, itemKey string, createdByThisSystem bool) error {
	return s.update(id, func(r *models.ProcessingRecord) {
		r.LinkedItemKey = itemKey
		r.CreatedByThisSystem = createdByThisSystem
		if r.LinkedRecordCount < 1 {
			r.LinkedRecordCount = 1
		}
	})
}

func (s *MemoryRecordStore) ClearLink(ctx context.Context, id string) error {
	return s.update(id, func(r *models.ProcessingRecord) {
		r.LinkedItemKey = ""
		r.CreatedByThisSystem = false
		r.ExternallyModified = false
		r.LinkedRecordCount = 0
	})
}

func (s *MemoryRecordStore) SetValidation(ctx context.Context, id, status string, details []string) error {
	return s.update(id, func(r *models.ProcessingRecord) {
		r.CitationValidationStatus = status
		r.CitationValidationDetails = details
	})
}

func (s *MemoryRecordStore) SetRawContent(ctx context.Context, id, content string) error {
	return s.update(id, func(r *models.ProcessingRecord) {
		r.RawContent = content
	})
}

func (s *MemoryRecordStore) Reset(ctx context.Context, id string) error {
	return s.update(id, func(r *models.ProcessingRecord) {
		r.Status = models.StatusNotStarted
		r.AttemptCount = 0
		r.History = nil
		r.LinkedItemKey = ""
		r.CreatedByThisSystem = false
		r.ExternallyModified = false
		r.LinkedRecordCount = 0
		r.CitationValidationStatus = ""
		r.CitationValidationDetails = nil
	})
}

// cloneRecord deep-copies the slices so a returned snapshot cannot alias
// stored state.
func cloneRecord(rec models.ProcessingRecord) models.ProcessingRecord {
	out := rec
	if rec.History != nil {
		out.History = make([]models.ProcessingAttempt, len(rec.History))
		copy(out.History, rec.History)
	}
	if rec.CitationValidationDetails != nil {
		out.CitationValidationDetails = make([]string, len(rec.CitationValidationDetails))
		copy(out.CitationValidationDetails, rec.CitationValidationDetails)
	}
	return out
}
