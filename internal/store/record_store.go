package store

import (
	"context"

	"citation-linker/internal/models"
)

// RecordStore is the persistence boundary for processing records. The
// processing core reads snapshots through Get and writes back only through
// these explicit mutation calls; it never mutates a cached copy silently.
type RecordStore interface {
	Create(ctx context.Context, rec models.ProcessingRecord) error
	Get(ctx context.Context, id string) (models.ProcessingRecord, bool, error)
	SetStatus(ctx context.Context, id string, status models.Status) error
	SetUserIntent(ctx context.Context, id string, intent models.UserIntent) error
	// AppendAttempt appends an immutable history entry and bumps attempt_count.
	AppendAttempt(ctx context.Context, id string, attempt models.ProcessingAttempt) error
	SetLink(ctx context.Context, id, itemKey string, createdByThisSystem bool) error
	ClearLink(ctx context.Context, id string) error
	SetValidation(ctx context.Context, id, status string, details []string) error
	SetRawContent(ctx context.Context, id, content string) error
	// Reset returns the record to not_started with an empty history, zero
	// attempt count, and no link or validation verdict.
	Reset(ctx context.Context, id string) error
	Close() error
}
