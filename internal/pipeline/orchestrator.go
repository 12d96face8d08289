// Package pipeline runs the enrichment cascade for a single record: the
// scholarly-paper API first, then the reference-manager translator, then raw
// content extraction, then the LLM fallback.
package pipeline

import (
	"context"
	"log"
	"strings"
	"time"

	"citation-linker/internal/content"
	"citation-linker/internal/guard"
	"citation-linker/internal/llm"
	"citation-linker/internal/models"
	"citation-linker/internal/ratelimit"
	"citation-linker/internal/s2"
	"citation-linker/internal/state"
	"citation-linker/internal/store"
)

// Method labels recorded on attempts and events.
const (
	MethodPaperAPI   = "semantic_scholar_api"
	MethodIdentifier = "doi_resolution"
	MethodTranslator = "zotero_translator"
	MethodContent    = "content_extraction"
	MethodLLM        = "llm_extraction"
)

// minContentQuality is the extraction score below which the content stage
// defers to the LLM fallback instead of committing a thin citation.
const minContentQuality = 0.5

// PaperLookup is the scholarly-paper API collaborator.
type PaperLookup interface {
	Lookup(ctx context.Context, paperID string) (models.Citation, error)
}

// IdentifierResolver is the reference-manager collaborator. It resolves bare
// identifiers, translates web pages, and commits items to the library.
type IdentifierResolver interface {
	ResolveIdentifier(ctx context.Context, identifier string) (models.Citation, error)
	TranslateWeb(ctx context.Context, rawURL string) ([]models.Citation, error)
	CreateItem(ctx context.Context, cit models.Citation) (string, error)
}

// ContentExtractor is the raw page extraction collaborator.
type ContentExtractor interface {
	Extract(ctx context.Context, rawURL string) (content.Result, error)
}

// MetadataExtractor is the LLM fallback collaborator.
type MetadataExtractor interface {
	Extract(ctx context.Context, content string) (llm.Extraction, error)
}

// TokenWaiter is the per-domain rate limiter seam.
type TokenWaiter interface {
	WaitForToken(ctx context.Context, domain string) error
}

// EventPublisher receives attempt and link events. A nil publisher disables
// event publishing.
type EventPublisher interface {
	WriteAttempt(ctx context.Context, ev models.AttemptEvent) error
	WriteLink(ctx context.Context, ev models.LinkEvent) error
}

// ProcessResult is the outcome of one ProcessRecord call.
type ProcessResult struct {
	Success   bool
	Skipped   bool
	Status    models.Status
	ItemKey   string
	Method    string
	Error     string
	ErrorCode models.ErrorCode
}

// Orchestrator cascades a record through the enrichment stages. It owns no
// state of its own; every mutation goes through the record store and the
// status machine.
type Orchestrator struct {
	store   store.RecordStore
	machine *state.Machine
	limiter TokenWaiter

	paper    PaperLookup
	resolver IdentifierResolver
	content  ContentExtractor
	llm      MetadataExtractor
	events   EventPublisher

	paperDomain      string
	resolverDomain   string
	llmDomain        string
	minLLMConfidence float64
}

// Config carries the orchestrator's collaborators and knobs.
type Config struct {
	Store   store.RecordStore
	Machine *state.Machine
	Limiter TokenWaiter

	Paper    PaperLookup
	Resolver IdentifierResolver
	Content  ContentExtractor
	LLM      MetadataExtractor
	Events   EventPublisher

	// Rate-limit domains for the API collaborators. The content stage is
	// limited per target host instead.
	PaperDomain    string
	ResolverDomain string
	LLMDomain      string

	// MinLLMConfidence parks LLM extractions below it in awaiting_metadata.
	MinLLMConfidence float64
}

// New builds an Orchestrator from the config.
func New(cfg Config) *Orchestrator {
	if cfg.MinLLMConfidence <= 0 {
		cfg.MinLLMConfidence = 0.6
	}
	return &Orchestrator{
		store:            cfg.Store,
		machine:          cfg.Machine,
		limiter:          cfg.Limiter,
		paper:            cfg.Paper,
		resolver:         cfg.Resolver,
		content:          cfg.Content,
		llm:              cfg.LLM,
		events:           cfg.Events,
		paperDomain:      cfg.PaperDomain,
		resolverDomain:   cfg.ResolverDomain,
		llmDomain:        cfg.LLMDomain,
		minLLMConfidence: cfg.MinLLMConfidence,
	}
}

// stageOutcome is what one stage invocation produced: a citation to commit,
// a parking status for human input, or an error (carried separately).
type stageOutcome struct {
	citation models.Citation
	park     models.Status
	parkNote string
	method   string
}

// ProcessRecord runs the cascade for one record. Stages fail independently:
// a retryable failure moves on to the next applicable stage, a permanent one
// ends the cascade in exhausted. The record's prior state is never clobbered
// by a failed run.
func (o *Orchestrator) ProcessRecord(ctx context.Context, id string) (ProcessResult, error) {
	rec, found, err := o.store.Get(ctx, id)
	if err != nil {
		return ProcessResult{}, err
	}
	if !found {
		return ProcessResult{Skipped: true, Error: "record not found"}, nil
	}
	if !guard.CanProcess(rec) {
		log.Printf("process skipped record=%s status=%s intent=%s", rec.ID, rec.Status, rec.UserIntent)
		return ProcessResult{Skipped: true, Status: rec.Status, Error: "record is not processable"}, nil
	}

	cur := rec.Status
	stage, ok := o.nextStage(rec, "")
	if !ok {
		return ProcessResult{Skipped: true, Status: cur, Error: "no applicable stage"}, nil
	}

	var lastErr *models.StageError
	for {
		procStatus := stage.ProcessingStatus()
		res, err := o.machine.Transition(ctx, rec.ID, cur, procStatus, map[string]string{"stage": string(stage)})
		if err != nil {
			return ProcessResult{}, err
		}
		if !res.Allowed {
			return ProcessResult{Status: cur, Error: res.Reason}, nil
		}
		cur = procStatus

		started := time.Now()
		outcome, stageErr := o.runStage(ctx, &rec, stage)
		duration := time.Since(started)

		if stageErr == nil && outcome.park != "" {
			return o.park(ctx, rec, stage, cur, outcome, duration)
		}
		if stageErr == nil {
			result, err := o.commit(ctx, rec, stage, cur, outcome, duration)
			if err != nil {
				stageErr = models.AsStageError(err)
			} else {
				return result, nil
			}
		}

		lastErr = stageErr
		o.recordAttempt(ctx, rec, models.ProcessingAttempt{
			Timestamp:  time.Now().UTC(),
			Stage:      stage,
			Method:     outcome.method,
			Success:    false,
			Error:      stageErr.Message,
			DurationMs: duration.Milliseconds(),
			Metadata:   map[string]string{"error_code": string(stageErr.Code)},
		}, cur)
		log.Printf("stage failed record=%s stage=%s code=%s retryable=%t err=%q",
			rec.ID, stage, stageErr.Code, stageErr.Retryable, stageErr.Message)

		if stageErr.Retryable {
			if next, ok := o.nextStage(rec, stage); ok {
				stage = next
				continue
			}
		}
		break
	}

	if res, err := o.machine.Transition(ctx, rec.ID, cur, models.StatusExhausted, map[string]string{"reason": lastErr.Message}); err != nil {
		return ProcessResult{}, err
	} else if !res.Allowed {
		return ProcessResult{Status: cur, Error: res.Reason}, nil
	}
	return ProcessResult{
		Status:    models.StatusExhausted,
		Error:     lastErr.Message,
		ErrorCode: lastErr.Code,
	}, nil
}

// nextStage returns the first applicable stage strictly after prev ("" means
// from the start). Applicability is re-evaluated per call because earlier
// stages can cache content or discover identifiers that unlock later ones.
func (o *Orchestrator) nextStage(rec models.ProcessingRecord, prev models.Stage) (models.Stage, bool) {
	seen := prev == ""
	for _, stage := range models.StageOrder {
		if !seen {
			if stage == prev {
				seen = true
			}
			continue
		}
		if o.applicable(rec, stage) {
			return stage, true
		}
	}
	return "", false
}

func (o *Orchestrator) applicable(rec models.ProcessingRecord, stage models.Stage) bool {
	isWebURL := strings.HasPrefix(rec.URL, "http://") || strings.HasPrefix(rec.URL, "https://")
	switch stage {
	case models.StagePaperLookup:
		return o.paper != nil && (rec.HasIdentifier() || scholarlyHost(rec.URL))
	case models.StageIdentifierLookup:
		return o.resolver != nil && (rec.HasIdentifier() || isWebURL)
	case models.StageContentExtract:
		return o.content != nil && isWebURL
	case models.StageLLMExtract:
		return o.llm != nil && rec.RawContent != ""
	}
	return false
}

// scholarlyHost reports whether the URL points at a host the paper API can
// resolve directly.
func scholarlyHost(rawURL string) bool {
	host := ratelimit.DomainOf(rawURL)
	switch host {
	case "doi.org", "dx.doi.org", "arxiv.org", "www.arxiv.org",
		"semanticscholar.org", "www.semanticscholar.org", "api.semanticscholar.org":
		return true
	}
	return false
}

// runStage waits for a rate-limit token and invokes the stage collaborator.
// A panicking collaborator is contained and reported as a permanent failure.
func (o *Orchestrator) runStage(ctx context.Context, rec *models.ProcessingRecord, stage models.Stage) (outcome stageOutcome, stageErr *models.StageError) {
	if err := o.limiter.WaitForToken(ctx, o.stageDomain(*rec, stage)); err != nil {
		return stageOutcome{method: stageMethod(*rec, stage)}, models.AsStageError(err)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("stage panic record=%s stage=%s panic=%v", rec.ID, stage, r)
			stageErr = models.NewStageError(models.ErrCodePermanent, "stage %s panicked: %v", stage, r)
		}
	}()

	switch stage {
	case models.StagePaperLookup:
		return o.runPaperLookup(ctx, *rec)
	case models.StageIdentifierLookup:
		return o.runIdentifierLookup(ctx, *rec)
	case models.StageContentExtract:
		return o.runContentExtract(ctx, rec)
	case models.StageLLMExtract:
		return o.runLLMExtract(ctx, *rec)
	}
	return stageOutcome{}, models.NewStageError(models.ErrCodeValidation, "unknown stage %q", stage)
}

func (o *Orchestrator) stageDomain(rec models.ProcessingRecord, stage models.Stage) string {
	switch stage {
	case models.StagePaperLookup:
		return o.paperDomain
	case models.StageIdentifierLookup:
		return o.resolverDomain
	case models.StageLLMExtract:
		return o.llmDomain
	default:
		return ratelimit.DomainOf(rec.URL)
	}
}

func stageMethod(rec models.ProcessingRecord, stage models.Stage) string {
	switch stage {
	case models.StagePaperLookup:
		return MethodPaperAPI
	case models.StageIdentifierLookup:
		if rec.HasIdentifier() {
			return MethodIdentifier
		}
		return MethodTranslator
	case models.StageContentExtract:
		return MethodContent
	case models.StageLLMExtract:
		return MethodLLM
	}
	return string(stage)
}

func (o *Orchestrator) runPaperLookup(ctx context.Context, rec models.ProcessingRecord) (stageOutcome, *models.StageError) {
	paperID := s2.PaperID(rec)
	if paperID == "" {
		return stageOutcome{method: MethodPaperAPI},
			models.NewStageError(models.ErrCodeValidation, "no usable paper identifier")
	}
	cit, err := o.paper.Lookup(ctx, paperID)
	if err != nil {
		return stageOutcome{method: MethodPaperAPI}, models.AsStageError(err)
	}
	return stageOutcome{citation: cit, method: MethodPaperAPI}, nil
}

func (o *Orchestrator) runIdentifierLookup(ctx context.Context, rec models.ProcessingRecord) (stageOutcome, *models.StageError) {
	if rec.HasIdentifier() {
		identifier := rec.DOI
		if identifier == "" {
			identifier = rec.ArxivID
		}
		if identifier == "" {
			identifier = rec.ISBN
		}
		cit, err := o.resolver.ResolveIdentifier(ctx, identifier)
		if err != nil {
			return stageOutcome{method: MethodIdentifier}, models.AsStageError(err)
		}
		return stageOutcome{citation: cit, method: MethodIdentifier}, nil
	}

	candidates, err := o.resolver.TranslateWeb(ctx, rec.URL)
	if err != nil {
		return stageOutcome{method: MethodTranslator}, models.AsStageError(err)
	}
	switch len(candidates) {
	case 0:
		return stageOutcome{method: MethodTranslator},
			models.NewStageError(models.ErrCodePermanent, "translator found no items for %s", rec.URL)
	case 1:
		return stageOutcome{citation: candidates[0], method: MethodTranslator}, nil
	default:
		return stageOutcome{
			park:     models.StatusAwaitingSelection,
			parkNote: "translator returned multiple candidates",
			method:   MethodTranslator,
		}, nil
	}
}

// runContentExtract caches fetched content on the record before judging
// quality, so the LLM fallback can run on the same page even when this
// stage's own extraction is too thin to commit.
func (o *Orchestrator) runContentExtract(ctx context.Context, rec *models.ProcessingRecord) (stageOutcome, *models.StageError) {
	res, err := o.content.Extract(ctx, rec.URL)
	if err != nil {
		return stageOutcome{method: MethodContent}, models.AsStageError(err)
	}

	if res.RawHTML != "" {
		if err := o.store.SetRawContent(ctx, rec.ID, res.RawHTML); err != nil {
			log.Printf("cache content failed record=%s err=%v", rec.ID, err)
		} else {
			rec.RawContent = res.RawHTML
		}
	}
	if rec.DOI == "" {
		rec.DOI = res.DOI
	}
	if rec.ArxivID == "" {
		rec.ArxivID = res.ArxivID
	}

	if res.Quality < minContentQuality {
		// Fetch worked, the page just lacks structured metadata. The LLM
		// stage can still succeed on the cached content, so this failure
		// stays retryable.
		return stageOutcome{method: MethodContent}, &models.StageError{
			Code:      models.ErrCodeValidation,
			Message:   "extraction quality below threshold",
			Retryable: true,
		}
	}
	return stageOutcome{citation: res.Citation, method: MethodContent}, nil
}

func (o *Orchestrator) runLLMExtract(ctx context.Context, rec models.ProcessingRecord) (stageOutcome, *models.StageError) {
	ext, err := o.llm.Extract(ctx, rec.RawContent)
	if err != nil {
		return stageOutcome{method: MethodLLM}, models.AsStageError(err)
	}
	if ext.MinConfidence() < o.minLLMConfidence {
		return stageOutcome{
			park:     models.StatusAwaitingMetadata,
			parkNote: "llm confidence below threshold",
			method:   MethodLLM,
		}, nil
	}
	if ext.Citation.URL == "" {
		ext.Citation.URL = rec.URL
	}
	return stageOutcome{citation: ext.Citation, method: MethodLLM}, nil
}

// commit creates the library item, validates the citation, and moves the
// record to stored or stored_incomplete. The item is committed before the
// status so a crash can never leave a stored record without an item.
func (o *Orchestrator) commit(ctx context.Context, rec models.ProcessingRecord, stage models.Stage, cur models.Status, outcome stageOutcome, duration time.Duration) (ProcessResult, error) {
	if outcome.citation.URL == "" {
		outcome.citation.URL = rec.URL
	}

	itemKey, err := o.resolver.CreateItem(ctx, outcome.citation)
	if err != nil {
		return ProcessResult{}, err
	}

	valStatus, missing := outcome.citation.Validate()
	target := models.StatusStored
	if valStatus == models.ValidationIncomplete {
		target = models.StatusStoredIncomplete
	}

	if err := o.store.SetLink(ctx, rec.ID, itemKey, true); err != nil {
		return ProcessResult{}, err
	}
	if err := o.store.SetValidation(ctx, rec.ID, valStatus, missing); err != nil {
		return ProcessResult{}, err
	}

	res, err := o.machine.Transition(ctx, rec.ID, cur, target, map[string]string{
		"method":   outcome.method,
		"item_key": itemKey,
	})
	if err != nil {
		return ProcessResult{}, err
	}
	if !res.Allowed {
		return ProcessResult{Status: cur, ItemKey: itemKey, Error: res.Reason}, nil
	}

	o.recordAttempt(ctx, rec, models.ProcessingAttempt{
		Timestamp:  time.Now().UTC(),
		Stage:      stage,
		Method:     outcome.method,
		Success:    true,
		DurationMs: duration.Milliseconds(),
		Metadata:   map[string]string{"item_key": itemKey, "validation": valStatus},
	}, target)

	if o.events != nil {
		ev := models.LinkEvent{
			RecordID: rec.ID,
			URL:      rec.URL,
			ItemKey:  itemKey,
			Status:   target,
			Method:   outcome.method,
			At:       time.Now().UTC(),
		}
		if err := o.events.WriteLink(ctx, ev); err != nil {
			log.Printf("link event failed record=%s err=%v", rec.ID, err)
		}
	}

	log.Printf("record stored record=%s status=%s method=%s item=%s", rec.ID, target, outcome.method, itemKey)
	return ProcessResult{
		Success: true,
		Status:  target,
		ItemKey: itemKey,
		Method:  outcome.method,
	}, nil
}

// park moves a record into an awaiting status for human input. Parking is
// not a failure; the attempt records why the cascade stopped.
func (o *Orchestrator) park(ctx context.Context, rec models.ProcessingRecord, stage models.Stage, cur models.Status, outcome stageOutcome, duration time.Duration) (ProcessResult, error) {
	res, err := o.machine.Transition(ctx, rec.ID, cur, outcome.park, map[string]string{"reason": outcome.parkNote})
	if err != nil {
		return ProcessResult{}, err
	}
	if !res.Allowed {
		return ProcessResult{Status: cur, Error: res.Reason}, nil
	}

	o.recordAttempt(ctx, rec, models.ProcessingAttempt{
		Timestamp:  time.Now().UTC(),
		Stage:      stage,
		Method:     outcome.method,
		Success:    false,
		Error:      outcome.parkNote,
		DurationMs: duration.Milliseconds(),
		Metadata:   map[string]string{"parked": string(outcome.park)},
	}, outcome.park)

	log.Printf("record parked record=%s status=%s reason=%q", rec.ID, outcome.park, outcome.parkNote)
	return ProcessResult{Status: outcome.park, Method: outcome.method}, nil
}

// recordAttempt appends the history entry and publishes the attempt event.
// Both are best effort relative to the status transition that already
// happened; failures are logged, not propagated.
func (o *Orchestrator) recordAttempt(ctx context.Context, rec models.ProcessingRecord, attempt models.ProcessingAttempt, resulting models.Status) {
	if err := o.store.AppendAttempt(ctx, rec.ID, attempt); err != nil {
		log.Printf("append attempt failed record=%s err=%v", rec.ID, err)
	}
	if o.events == nil {
		return
	}
	ev := models.AttemptEvent{
		RecordID:   rec.ID,
		URL:        rec.URL,
		Stage:      attempt.Stage,
		Method:     attempt.Method,
		Success:    attempt.Success,
		Error:      attempt.Error,
		DurationMs: attempt.DurationMs,
		Status:     resulting,
		At:         attempt.Timestamp,
	}
	if code, ok := attempt.Metadata["error_code"]; ok {
		ev.ErrorCode = models.ErrorCode(code)
	}
	if err := o.events.WriteAttempt(ctx, ev); err != nil {
		log.Printf("attempt event failed record=%s err=%v", rec.ID, err)
	}
}
