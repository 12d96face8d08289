package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"citation-linker/internal/batch"
	"citation-linker/internal/models"
	"citation-linker/internal/pipeline"
	"citation-linker/internal/state"
	"citation-linker/internal/store"
)

type stubProcessor struct {
	res   pipeline.ProcessResult
	err   error
	calls int
}

func (p *stubProcessor) ProcessRecord(ctx context.Context, id string) (pipeline.ProcessResult, error) {
	p.calls++
	return p.res, p.err
}

func newTestServer(proc batch.Processor) (*server, *store.MemoryRecordStore) {
	recordStore := store.NewMemoryRecordStore()
	registry := batch.NewRegistry()
	return &server{
		store:     recordStore,
		machine:   state.New(recordStore),
		processor: proc,
		scheduler: batch.NewScheduler(registry, proc, recordStore),
		registry:  registry,
	}, recordStore
}

func seedRecord(t *testing.T, recordStore *store.MemoryRecordStore, rec models.ProcessingRecord) {
	t.Helper()
	if rec.UserIntent == "" {
		rec.UserIntent = models.IntentAuto
	}
	if err := recordStore.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestCreateRecord(t *testing.T) {
	srv, _ := newTestServer(&stubProcessor{})

	body := `{"url":"https://arxiv.org/abs/1706.03762","doi":"10.48550/arXiv.1706.03762"}`
	req := httptest.NewRequest(http.MethodPost, "/records", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleRecords(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp recordResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("missing record id")
	}
	if resp.Status != models.StatusNotStarted {
		t.Fatalf("status = %s", resp.Status)
	}
	if resp.DOI != "10.48550/arXiv.1706.03762" {
		t.Fatalf("doi = %q", resp.DOI)
	}
	found := false
	for _, a := range resp.AvailableActions {
		if a == "process" {
			found = true
		}
	}
	if !found {
		t.Fatalf("actions = %v, want process available", resp.AvailableActions)
	}
}

func TestCreateRecordRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(&stubProcessor{})

	for name, tc := range map[string]struct {
		method string
		body   string
		want   int
	}{
		"missing url":  {http.MethodPost, `{"doi":"10.1000/xyz"}`, http.StatusBadRequest},
		"invalid json": {http.MethodPost, `{"url":`, http.StatusBadRequest},
		"wrong method": {http.MethodGet, ``, http.StatusMethodNotAllowed},
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/records", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			srv.handleRecords(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestGetRecord(t *testing.T) {
	srv, recordStore := newTestServer(&stubProcessor{})
	seedRecord(t, recordStore, models.ProcessingRecord{
		ID:     "rec-1",
		URL:    "https://example.org/paper",
		Status: models.StatusStored,
	})

	req := httptest.NewRequest(http.MethodGet, "/records/rec-1", nil)
	w := httptest.NewRecorder()
	srv.handleRecordPath(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp recordResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "rec-1" || resp.Status != models.StatusStored {
		t.Fatalf("record = %+v", resp.ProcessingRecord)
	}

	req = httptest.NewRequest(http.MethodGet, "/records/nope", nil)
	w = httptest.NewRecorder()
	srv.handleRecordPath(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestProcessEndpoint(t *testing.T) {
	proc := &stubProcessor{res: pipeline.ProcessResult{
		Success: true,
		Status:  models.StatusStored,
		ItemKey: "ITEM1234",
		Method:  pipeline.MethodPaperAPI,
	}}
	srv, recordStore := newTestServer(proc)
	seedRecord(t, recordStore, models.ProcessingRecord{ID: "rec-1", Status: models.StatusNotStarted})

	req := httptest.NewRequest(http.MethodPost, "/records/rec-1/process", nil)
	w := httptest.NewRecorder()
	srv.handleRecordPath(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res pipeline.ProcessResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.ItemKey != "ITEM1234" {
		t.Fatalf("result = %+v", res)
	}
	if proc.calls != 1 {
		t.Fatalf("processor calls = %d", proc.calls)
	}
}

func TestManualActions(t *testing.T) {
	t.Run("reset exhausted record", func(t *testing.T) {
		srv, recordStore := newTestServer(&stubProcessor{})
		seedRecord(t, recordStore, models.ProcessingRecord{
			ID:           "rec-1",
			Status:       models.StatusExhausted,
			AttemptCount: 3,
			History:      []models.ProcessingAttempt{{Stage: models.StagePaperLookup}},
		})

		req := httptest.NewRequest(http.MethodPost, "/records/rec-1/reset", nil)
		w := httptest.NewRecorder()
		srv.handleRecordPath(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var resp recordResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != models.StatusNotStarted || resp.AttemptCount != 0 || len(resp.History) != 0 {
			t.Fatalf("record after reset = %+v", resp.ProcessingRecord)
		}
	})

	t.Run("reset refused mid-processing", func(t *testing.T) {
		srv, recordStore := newTestServer(&stubProcessor{})
		seedRecord(t, recordStore, models.ProcessingRecord{ID: "rec-1", Status: models.StatusProcessingPaperLookup})

		req := httptest.NewRequest(http.MethodPost, "/records/rec-1/reset", nil)
		w := httptest.NewRecorder()
		srv.handleRecordPath(w, req)
		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", w.Code)
		}
	})

	t.Run("ignore fresh record", func(t *testing.T) {
		srv, recordStore := newTestServer(&stubProcessor{})
		seedRecord(t, recordStore, models.ProcessingRecord{ID: "rec-1", Status: models.StatusNotStarted})

		req := httptest.NewRequest(http.MethodPost, "/records/rec-1/ignore", nil)
		w := httptest.NewRecorder()
		srv.handleRecordPath(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var resp recordResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != models.StatusIgnored || resp.UserIntent != models.IntentIgnore {
			t.Fatalf("record = %+v", resp.ProcessingRecord)
		}
	})

	t.Run("archive refused while linked", func(t *testing.T) {
		srv, recordStore := newTestServer(&stubProcessor{})
		seedRecord(t, recordStore, models.ProcessingRecord{
			ID:            "rec-1",
			Status:        models.StatusStored,
			LinkedItemKey: "ITEM1234",
		})

		req := httptest.NewRequest(http.MethodPost, "/records/rec-1/archive", nil)
		w := httptest.NewRecorder()
		srv.handleRecordPath(w, req)
		if w.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", w.Code)
		}
	})

	t.Run("unlink stored record", func(t *testing.T) {
		srv, recordStore := newTestServer(&stubProcessor{})
		seedRecord(t, recordStore, models.ProcessingRecord{
			ID:                  "rec-1",
			Status:              models.StatusStored,
			LinkedItemKey:       "ITEM1234",
			CreatedByThisSystem: true,
			LinkedRecordCount:   1,
		})

		req := httptest.NewRequest(http.MethodPost, "/records/rec-1/unlink", nil)
		w := httptest.NewRecorder()
		srv.handleRecordPath(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var resp recordResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != models.StatusNotStarted || resp.LinkedItemKey != "" {
			t.Fatalf("record = %+v", resp.ProcessingRecord)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		srv, recordStore := newTestServer(&stubProcessor{})
		seedRecord(t, recordStore, models.ProcessingRecord{ID: "rec-1", Status: models.StatusNotStarted})

		req := httptest.NewRequest(http.MethodPost, "/records/rec-1/detonate", nil)
		w := httptest.NewRecorder()
		srv.handleRecordPath(w, req)
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
	})
}

func TestBatchEndpoints(t *testing.T) {
	proc := &stubProcessor{res: pipeline.ProcessResult{Success: true, Status: models.StatusStored}}
	srv, recordStore := newTestServer(proc)
	seedRecord(t, recordStore, models.ProcessingRecord{ID: "rec-1", Status: models.StatusNotStarted})
	seedRecord(t, recordStore, models.ProcessingRecord{ID: "rec-2", Status: models.StatusNotStarted})

	body := `{"record_ids":["rec-1","rec-2"],"concurrency":2}`
	req := httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleBatches(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var snap models.BatchSession
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ID == "" || snap.Concurrency != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Poll the read endpoint until the background session completes.
	deadline := time.Now().Add(5 * time.Second)
	for {
		req = httptest.NewRequest(http.MethodGet, "/batches/"+snap.ID, nil)
		w = httptest.NewRecorder()
		srv.handleBatchPath(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if snap.Status.Done() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in %s", snap.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if snap.Status != models.SessionCompleted || len(snap.Completed) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// A finished session accepts no further control actions.
	req = httptest.NewRequest(http.MethodPost, "/batches/"+snap.ID+"/pause", nil)
	w = httptest.NewRecorder()
	srv.handleBatchPath(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("pause on finished session = %d, want 409", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/batches/unknown", nil)
	w = httptest.NewRecorder()
	srv.handleBatchPath(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown session = %d, want 404", w.Code)
	}
}

func TestBatchRejectsNegativeConcurrency(t *testing.T) {
	srv, _ := newTestServer(&stubProcessor{})

	req := httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader(`{"record_ids":["rec-1"],"concurrency":-2}`))
	w := httptest.NewRecorder()
	srv.handleBatches(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSweepSessionsRemovesFinishedSessions(t *testing.T) {
	srv, _ := newTestServer(&stubProcessor{})

	sess, err := srv.scheduler.CreateAndStart(context.Background(), nil, batch.Options{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !sess.Snapshot().Status.Done() {
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in %s", sess.Snapshot().Status)
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Negative max age makes every finished session immediately eligible.
	go sweepSessions(ctx, srv.registry, time.Millisecond, -time.Second)

	for {
		if _, ok := srv.registry.Get(sess.ID()); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("finished session was never swept")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	sessionRegistry = batch.NewRegistry()
	proc := newInstrumentedProcessor(&stubProcessor{res: pipeline.ProcessResult{
		Success: true,
		Status:  models.StatusStored,
		Method:  pipeline.MethodPaperAPI,
	}})
	if _, err := proc.ProcessRecord(context.Background(), "rec-1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handleMetrics(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	for _, metric := range []string{
		"citationlinker_api_up 1",
		"citationlinker_records_received_total",
		"citationlinker_records_stored_total",
		"citationlinker_records_in_flight 0",
		"citationlinker_batch_sessions_active 0",
		"citationlinker_records_stored_by_method_total{method=\"semantic_scholar_api\"}",
		"citationlinker_process_latency_seconds_bucket{le=\"+Inf\"}",
		"citationlinker_process_latency_seconds_count",
		"citationlinker_rate_limit_wait_seconds_count",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("metrics output missing %q:\n%s", metric, body)
		}
	}
}
