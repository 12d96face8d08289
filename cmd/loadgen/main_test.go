package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, cfg Config) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "urls.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, Config{URLs: []string{"https://example.org/a"}, Concurrency: 2})

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.URLs) != 1 || cfg.Concurrency != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfigEmptyURLs(t *testing.T) {
	path := writeConfig(t, Config{})
	if _, err := loadConfig(path); err != errNoURLs {
		t.Fatalf("expected errNoURLs, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestRunRegistersBatchesAndPolls(t *testing.T) {
	var registered atomic.Int64
	var polls atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/records":
			var req struct {
				URL string `json:"url"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
				t.Errorf("bad record payload: %v", err)
			}
			n := registered.Add(1)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"id": "rec-" + string(rune('0'+n))})
		case r.Method == http.MethodPost && r.URL.Path == "/batches":
			var req struct {
				RecordIDs []string `json:"record_ids"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.RecordIDs) != 2 {
				t.Errorf("bad batch payload: %v %v", err, req.RecordIDs)
			}
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/batches/"):
			status := "running"
			if polls.Add(1) > 1 {
				status = "completed"
			}
			json.NewEncoder(w).Encode(map[string]any{
				"status":    status,
				"completed": []string{"rec-1", "rec-2"},
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	path := writeConfig(t, Config{URLs: []string{"https://example.org/a", "https://example.org/b"}})
	if err := run(path, srv.URL, time.Millisecond, srv.Client()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if registered.Load() != 2 {
		t.Fatalf("registered = %d, want 2", registered.Load())
	}
	if polls.Load() < 2 {
		t.Fatalf("polls = %d, want at least 2", polls.Load())
	}
}

func TestRunFailsWhenNothingRegisters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	path := writeConfig(t, Config{URLs: []string{"https://example.org/a"}})
	err := run(path, srv.URL, time.Millisecond, srv.Client())
	if err == nil || !strings.Contains(err.Error(), "no records registered") {
		t.Fatalf("expected registration failure, got %v", err)
	}
}
