package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"citation-linker/common"
	"citation-linker/internal/batch"
	"citation-linker/internal/content"
	"citation-linker/internal/events"
	"citation-linker/internal/guard"
	"citation-linker/internal/llm"
	"citation-linker/internal/models"
	"citation-linker/internal/pipeline"
	"citation-linker/internal/ratelimit"
	"citation-linker/internal/s2"
	"citation-linker/internal/state"
	"citation-linker/internal/store"
	"citation-linker/internal/zot"
)

type server struct {
	store     store.RecordStore
	machine   *state.Machine
	processor batch.Processor
	scheduler *batch.Scheduler
	registry  *batch.Registry
}

func main() {
	if issues := state.ValidateGraph(); len(issues) > 0 {
		log.Fatalf("transition graph is invalid: %s", strings.Join(issues, "; "))
	}

	redisAddr := common.GetEnv("REDIS_ADDR", "")
	recordTTL := common.ParseDuration(common.GetEnv("RECORD_TTL", ""), 0)
	broker := common.GetEnv("KAFKA_BROKER", "")
	attemptsTopic := common.GetEnv("KAFKA_ATTEMPTS_TOPIC", "citationlinker.attempts")
	linksTopic := common.GetEnv("KAFKA_LINKS_TOPIC", "citationlinker.links")

	s2BaseURL := common.GetEnv("S2_BASE_URL", s2.DefaultBaseURL)
	s2APIKey := common.GetEnv("S2_API_KEY", "")
	zotTranslateURL := common.GetEnv("ZOT_TRANSLATE_URL", "http://localhost:1969")
	zotAPIBase := common.GetEnv("ZOT_API_BASE", "https://api.zotero.org")
	zotAPIKey := common.GetEnv("ZOT_API_KEY", "")
	zotUserID := common.GetEnv("ZOT_USER_ID", "")
	llmEndpoint := common.GetEnv("LLM_ENDPOINT", "")
	llmModel := common.GetEnv("LLM_MODEL", "")
	llmAPIKey := common.GetEnv("LLM_API_KEY", "")
	llmProvider := common.GetEnv("LLM_PROVIDER", "openai")
	llmMinConfidence := common.ParseFloat(common.GetEnv("LLM_MIN_CONFIDENCE", ""), 0.6)

	defaultRate := common.ParseFloat(common.GetEnv("RATE_DEFAULT_PER_SEC", ""), 1)
	defaultBurst := common.ParseFloat(common.GetEnv("RATE_DEFAULT_BURST", ""), 3)
	s2Rate := common.ParseFloat(common.GetEnv("RATE_S2_PER_SEC", ""), 1)
	s2Burst := common.ParseFloat(common.GetEnv("RATE_S2_BURST", ""), 1)
	respectRobots := common.ParseBool(common.GetEnv("CONTENT_RESPECT_ROBOTS", ""), true)
	httpTimeout := common.ParseDuration(common.GetEnv("HTTP_TIMEOUT", ""), 20*time.Second)
	sweepInterval := common.ParseDuration(common.GetEnv("SESSION_SWEEP_INTERVAL", ""), 10*time.Minute)
	sessionMaxAge := common.ParseDuration(common.GetEnv("SESSION_MAX_AGE", ""), time.Hour)
	addr := common.GetEnv("API_ADDR", ":8080")

	var recordStore store.RecordStore
	if redisAddr != "" {
		recordStore = store.NewRedisRecordStore(redisAddr, "citation:record:", recordTTL)
	} else {
		recordStore = store.NewMemoryRecordStore()
	}
	defer func() {
		if err := recordStore.Close(); err != nil {
			log.Printf("failed to close record store: %v", err)
		}
	}()

	var publisher pipeline.EventPublisher
	if broker != "" {
		prod := events.NewProducer(broker, attemptsTopic, linksTopic)
		defer func() {
			if err := prod.Close(); err != nil {
				log.Printf("failed to close producer: %v", err)
			}
		}()
		publisher = prod
	}

	httpClient := &http.Client{Timeout: httpTimeout}
	limiter := ratelimit.New(defaultRate, defaultBurst)
	paperDomain := ratelimit.DomainOf(s2BaseURL)
	limiter.Configure(paperDomain, s2Rate, s2Burst)

	var metadataExtractor pipeline.MetadataExtractor
	if llmEndpoint != "" && llmModel != "" {
		metadataExtractor = llm.NewClient(llmEndpoint, llmModel, llmAPIKey, llmProvider, httpClient)
	}

	machine := state.New(recordStore)
	orch := pipeline.New(pipeline.Config{
		Store:            recordStore,
		Machine:          machine,
		Limiter:          newInstrumentedLimiter(limiter),
		Paper:            s2.NewClient(s2BaseURL, s2APIKey, httpClient),
		Resolver:         zot.NewClient(zotTranslateURL, zotAPIBase, zotAPIKey, zotUserID, httpClient),
		Content:          content.NewExtractor(httpClient, respectRobots),
		LLM:              metadataExtractor,
		Events:           publisher,
		PaperDomain:      paperDomain,
		ResolverDomain:   ratelimit.DomainOf(zotTranslateURL),
		LLMDomain:        ratelimit.DomainOf(llmEndpoint),
		MinLLMConfidence: llmMinConfidence,
	})
	processor := newInstrumentedProcessor(orch)

	registry := batch.NewRegistry()
	sessionRegistry = registry
	go sweepSessions(context.Background(), registry, sweepInterval, sessionMaxAge)
	scheduler := batch.NewScheduler(registry, processor, recordStore)

	srv := &server{
		store:     recordStore,
		machine:   machine,
		processor: processor,
		scheduler: scheduler,
		registry:  registry,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/records", srv.handleRecords)
	mux.HandleFunc("/records/", srv.handleRecordPath)
	mux.HandleFunc("/batches", srv.handleBatches)
	mux.HandleFunc("/batches/", srv.handleBatchPath)
	mux.HandleFunc("/metrics", handleMetrics)

	log.Printf("api listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

// sweepSessions periodically drops finished batch sessions from the registry
// once they are older than maxAge.
func sweepSessions(ctx context.Context, registry *batch.Registry, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := registry.Sweep(maxAge); removed > 0 {
				log.Printf("session sweep removed=%d", removed)
			}
		}
	}
}

type createRecordRequest struct {
	URL        string `json:"url"`
	DOI        string `json:"doi,omitempty"`
	ArxivID    string `json:"arxiv_id,omitempty"`
	ISBN       string `json:"isbn,omitempty"`
	UserIntent string `json:"user_intent,omitempty"`
}

type recordResponse struct {
	models.ProcessingRecord
	AvailableActions []string `json:"available_actions"`
}

// handleRecords registers a new record for enrichment.
//
// Method: POST
// Path:   /records
// Example:
//
//	curl -X POST http://localhost:8080/records -d '{"url":"https://arxiv.org/abs/1706.03762"}'
func (s *server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}

	intent := models.IntentAuto
	if req.UserIntent != "" {
		intent = models.UserIntent(req.UserIntent)
	}

	now := time.Now().UTC()
	rec := models.ProcessingRecord{
		ID:         uuid.NewString(),
		URL:        req.URL,
		Status:     models.StatusNotStarted,
		UserIntent: intent,
		DOI:        strings.TrimSpace(req.DOI),
		ArxivID:    strings.TrimSpace(req.ArxivID),
		ISBN:       strings.TrimSpace(req.ISBN),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(r.Context(), rec); err != nil {
		http.Error(w, "failed to create record", http.StatusBadGateway)
		return
	}
	writeJSON(w, recordResponse{ProcessingRecord: rec, AvailableActions: guard.AvailableActions(rec)}, http.StatusCreated)
}

// handleRecordPath routes /records/{id} and /records/{id}/{action}.
func (s *server) handleRecordPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/records/"), "/")
	if rest == "" {
		http.Error(w, "missing record id", http.StatusBadRequest)
		return
	}
	id, action, _ := strings.Cut(rest, "/")

	if action == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rec, found, err := s.store.Get(r.Context(), id)
		if err != nil {
			http.Error(w, "failed to load record", http.StatusBadGateway)
			return
		}
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, recordResponse{ProcessingRecord: rec, AvailableActions: guard.AvailableActions(rec)}, http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "process":
		res, err := s.processor.ProcessRecord(r.Context(), id)
		if err != nil {
			http.Error(w, "processing failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, res, http.StatusOK)
	case "reset", "ignore", "archive", "unlink":
		s.handleManualAction(w, r, id, action)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}

// handleManualAction applies a user action: guard first, then the status
// transition, then any store mutation the action implies.
func (s *server) handleManualAction(w http.ResponseWriter, r *http.Request, id, action string) {
	ctx := r.Context()
	rec, found, err := s.store.Get(ctx, id)
	if err != nil {
		http.Error(w, "failed to load record", http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var allowed bool
	var target models.Status
	switch action {
	case "reset":
		allowed, target = guard.CanReset(rec), models.StatusNotStarted
	case "ignore":
		allowed, target = guard.CanIgnore(rec), models.StatusIgnored
	case "archive":
		allowed, target = guard.CanArchive(rec), models.StatusArchived
	case "unlink":
		allowed, target = guard.CanUnlink(rec), models.StatusNotStarted
	}
	if !allowed {
		http.Error(w, "action not available for this record", http.StatusConflict)
		return
	}

	res, err := s.machine.Transition(ctx, id, rec.Status, target, map[string]string{"action": action})
	if err != nil {
		http.Error(w, "transition failed", http.StatusBadGateway)
		return
	}
	if !res.Allowed {
		http.Error(w, res.Reason, http.StatusConflict)
		return
	}

	switch action {
	case "reset":
		err = s.store.Reset(ctx, id)
	case "unlink":
		err = s.store.ClearLink(ctx, id)
	case "ignore":
		err = s.store.SetUserIntent(ctx, id, models.IntentIgnore)
	case "archive":
		err = s.store.SetUserIntent(ctx, id, models.IntentArchive)
	}
	if err != nil {
		http.Error(w, "failed to persist action", http.StatusBadGateway)
		return
	}

	rec, _, err = s.store.Get(ctx, id)
	if err != nil {
		http.Error(w, "failed to reload record", http.StatusBadGateway)
		return
	}
	writeJSON(w, recordResponse{ProcessingRecord: rec, AvailableActions: guard.AvailableActions(rec)}, http.StatusOK)
}

type createBatchRequest struct {
	RecordIDs         []string `json:"record_ids"`
	Concurrency       int      `json:"concurrency,omitempty"`
	RespectUserIntent bool     `json:"respect_user_intent,omitempty"`
	StopOnError       bool     `json:"stop_on_error,omitempty"`
}

// handleBatches starts a batch session over the given record ids.
//
// Method: POST
// Path:   /batches
// Example:
//
//	curl -X POST http://localhost:8080/batches -d '{"record_ids":["a","b"],"concurrency":3}'
func (s *server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// The session must outlive this request.
	sess, err := s.scheduler.CreateAndStart(context.Background(), req.RecordIDs, batch.Options{
		Concurrency:       req.Concurrency,
		RespectUserIntent: req.RespectUserIntent,
		StopOnError:       req.StopOnError,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, sess.Snapshot(), http.StatusAccepted)
}

// handleBatchPath routes /batches/{id} and /batches/{id}/{action}.
func (s *server) handleBatchPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/batches/"), "/")
	if rest == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	id, action, _ := strings.Cut(rest, "/")

	sess, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, sess.Snapshot(), http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var changed bool
	switch action {
	case "pause":
		changed = sess.Pause()
	case "resume":
		changed = sess.Resume()
	case "cancel":
		changed = sess.Cancel()
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if !changed {
		http.Error(w, "session does not accept this action", http.StatusConflict)
		return
	}
	writeJSON(w, sess.Snapshot(), http.StatusOK)
}

func writeJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
