package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"citation-linker/internal/models"
)

// RedisRecordStore stores processing records in Redis as JSON snapshots,
// one key per record.
type RedisRecordStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRecordStore initializes a Redis-backed RecordStore. A zero ttl
// keeps records forever.
func NewRedisRecordStore(addr, prefix string, ttl time.Duration) *RedisRecordStore {
	return &RedisRecordStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		ttl:    ttl,
	}
}

// Close closes the Redis client.
func (s *RedisRecordStore) Close() error {
	return s.client.Close()
}

func (s *RedisRecordStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisRecordStore) write(ctx context.Context, rec models.ProcessingRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(rec.ID), payload, s.ttl).Err()
}

// Create writes a new record snapshot. An existing id is refused.
func (s *RedisRecordStore) Create(ctx context.Context, rec models.ProcessingRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.ID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	return nil
}

// Get reads a record snapshot from Redis.
func (s *RedisRecordStore) Get(ctx context.Context, id string) (models.ProcessingRecord, bool, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.ProcessingRecord{}, false, nil
		}
		return models.ProcessingRecord{}, false, err
	}

	var rec models.ProcessingRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return models.ProcessingRecord{}, false, err
	}
	return rec, true, nil
}

// update applies fn to the stored snapshot and writes it back.
func (s *RedisRecordStore) update(ctx context.Context, id string, fn func(*models.ProcessingRecord)) error {
	rec, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	fn(&rec)
	return s.write(ctx, rec)
}

// SetStatus persists a new status.
func (s *RedisRecordStore) SetStatus(ctx context.Context, id string, status models.Status) error {
	return s.update(ctx, id, func(r *models.ProcessingRecord) {
		r.Status = status
	})
}

// SetUserIntent persists a new user intent.
func (s *RedisRecordStore) SetUserIntent(ctx context.Context, id string, intent models.UserIntent) error {
	return s.update(ctx, id, func(r *models.ProcessingRecord) {
		r.UserIntent = intent
	})
}

// AppendAttempt appends a history entry and increments attempt_count.
func (s *RedisRecordStore) AppendAttempt(ctx context.Context, id string, attempt models.ProcessingAttempt) error {
	return s.update(ctx, id, func(r *models.ProcessingRecord) {
		r.History = append(r.History, attempt)
		r.AttemptCount++
	})
}

// SetLink persists the reference-manager item key and its provenance flag.
func (s *RedisRecordStore) SetLink(ctx context.Context, id, itemKey string, createdByThisSystem bool) error {
	return s.update(ctx, id, func(r *models.ProcessingRecord) {
		r.LinkedItemKey = itemKey
		r.CreatedByThisSystem = createdByThisSystem
		if r.LinkedRecordCount < 1 {
			r.LinkedRecordCount = 1
		}
	})
}

// ClearLink removes the item link and its provenance flags.
func (s *RedisRecordStore) ClearLink(ctx context.Context, id string) error {
	return s.update(ctx, id, func(r *models.ProcessingRecord) {
		r.LinkedItemKey = ""
		r.CreatedByThisSystem = false
		r.ExternallyModified = false
		r.LinkedRecordCount = 0
	})
}

// SetValidation persists the citation completeness verdict.
func (s *RedisRecordStore) SetValidation(ctx context.Context, id, status string, details []string) error {
	return s.update(ctx, id, func(r *models.ProcessingRecord) {
		r.CitationValidationStatus = status
		r.CitationValidationDetails = details
	})
}

// SetRawContent caches fetched page content for the LLM stage.
func (s *RedisRecordStore) SetRawContent(ctx context.Context, id, content string) error {
	return s.update(ctx, id, func(r *models.ProcessingRecord) {
		r.RawContent = content
	})
}

// Reset clears history, attempts, link, and validation, returning the
// record to not_started.
func (s *RedisRecordStore) Reset(ctx context.Context, id string) error {
	return s.update(ctx, id, func(r *models.ProcessingRecord) {
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
