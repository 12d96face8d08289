package batch

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"citation-linker/internal/models"
	"citation-linker/internal/pipeline"
	"citation-linker/internal/store"
)

const (
	defaultConcurrency = 3
	maxConcurrency     = 16
)

// Processor is the per-record processing seam, satisfied by the pipeline
// orchestrator.
type Processor interface {
	ProcessRecord(ctx context.Context, id string) (pipeline.ProcessResult, error)
}

// Options configure one batch session.
type Options struct {
	// Concurrency bounds how many records process at once. Zero means the
	// default; values above the cap are clamped.
	Concurrency int
	// RespectUserIntent additionally skips manual_only records, which batch
	// runs should not touch even though direct processing may.
	RespectUserIntent bool
	// StopOnError cancels the session after the first failed record.
	StopOnError bool
}

// Scheduler creates and runs batch sessions.
type Scheduler struct {
	registry  *Registry
	processor Processor
	store     store.RecordStore
}

// NewScheduler builds a scheduler over the given processor and store.
func NewScheduler(registry *Registry, processor Processor, recordStore store.RecordStore) *Scheduler {
	return &Scheduler{registry: registry, processor: processor, store: recordStore}
}

// CreateAndStart registers a new session and begins processing in the
// background, returning the session immediately. The session ends when every
// record has been dispatched and finished, or when it is cancelled;
// cancellation lets in-flight records run to completion.
func (s *Scheduler) CreateAndStart(ctx context.Context, recordIDs []string, opts Options) (*Session, error) {
	if opts.Concurrency < 0 {
		return nil, fmt.Errorf("concurrency must not be negative, got %d", opts.Concurrency)
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Concurrency > maxConcurrency {
		opts.Concurrency = maxConcurrency
	}

	sess := newSession(uuid.NewString(), recordIDs, opts.Concurrency)
	s.registry.add(sess)
	log.Printf("batch started session=%s records=%d concurrency=%d", sess.ID(), len(recordIDs), opts.Concurrency)

	go s.run(ctx, sess, opts)
	return sess, nil
}

func (s *Scheduler) run(ctx context.Context, sess *Session, opts Options) {
	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.Cancel()
		case <-done:
		}
	}()

	ids := sess.Snapshot().RecordIDs
	for {
		if !sess.awaitDispatch() {
			break
		}
		idx, ok := sess.claimNext()
		if !ok {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processOne(ctx, sess, id, opts)
		}(ids[idx])
	}

	wg.Wait()
	sess.finish()
	snap := sess.Snapshot()
	log.Printf("batch finished session=%s status=%s completed=%d failed=%d skipped=%d parked=%d",
		snap.ID, snap.Status, len(snap.Completed), len(snap.Failed), len(snap.Skipped), len(snap.Parked))
}

func (s *Scheduler) processOne(ctx context.Context, sess *Session, id string, opts Options) {
	if opts.RespectUserIntent {
		rec, found, err := s.store.Get(ctx, id)
		if err != nil {
			log.Printf("batch load failed session=%s record=%s err=%v", sess.ID(), id, err)
			sess.recordOutcome(id, outcomeFailed)
			return
		}
		if found && rec.UserIntent == models.IntentManualOnly {
			sess.recordOutcome(id, outcomeSkipped)
			return
		}
	}

	res, err := s.processor.ProcessRecord(ctx, id)
	failed := false
	switch {
	case err != nil:
		log.Printf("batch process error session=%s record=%s err=%v", sess.ID(), id, err)
		sess.recordOutcome(id, outcomeFailed)
		failed = true
	case res.Skipped:
		sess.recordOutcome(id, outcomeSkipped)
	case res.Success:
		sess.recordOutcome(id, outcomeCompleted)
	case res.Status.IsAwaiting():
		// Parked for human input, not a failure.
		sess.recordOutcome(id, outcomeParked)
	default:
		sess.recordOutcome(id, outcomeFailed)
		failed = true
	}

	if opts.StopOnError && failed && sess.Cancel() {
		log.Printf("batch stopped on error session=%s record=%s", sess.ID(), id)
	}
}
