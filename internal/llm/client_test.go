package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"citation-linker/internal/models"
)

func completionReply(content string) string {
	reply := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	}
	out, _ := json.Marshal(reply)
	return string(out)
}

func TestExtractParsesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("authorization = %q", got)
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}

		_, _ = w.Write([]byte(completionReply(`{
			"title": "A Recovered Paper",
			"creators": [{"name": "Grace Hopper"}],
			"date": "1952",
			"confidence": {"title": 0.95, "creators": 0.9, "date": 0.8}
		}`)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "gpt-4o-mini", "key-1", "openai", srv.Client())
	ext, err := c.Extract(context.Background(), "<html>page content</html>")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if ext.Citation.Title != "A Recovered Paper" {
		t.Fatalf("title = %q", ext.Citation.Title)
	}
	if len(ext.Citation.Creators) != 1 || ext.Citation.Creators[0].Name != "Grace Hopper" {
		t.Fatalf("creators = %+v", ext.Citation.Creators)
	}
	if ext.Provider != "openai" {
		t.Fatalf("provider = %q", ext.Provider)
	}
	if got := ext.MinConfidence(); got != 0.8 {
		t.Fatalf("min confidence = %f, want 0.8", got)
	}
}

func TestExtractStripsCodeFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content := "```json\n{\"title\": \"Fenced\", \"creators\": [], \"date\": \"\", \"confidence\": {}}\n```"
		_, _ = w.Write([]byte(completionReply(content)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "m", "", "ollama", srv.Client())
	ext, err := c.Extract(context.Background(), "content")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if ext.Citation.Title != "Fenced" {
		t.Fatalf("title = %q", ext.Citation.Title)
	}
}

func TestExtractNonJSONReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completionReply("Sorry, I cannot extract metadata from this page.")))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "m", "", "openai", srv.Client())
	_, err := c.Extract(context.Background(), "content")

	var se *models.StageError
	if !errors.As(err, &se) || se.Code != models.ErrCodeValidation {
		t.Fatalf("expected validation StageError, got %v", err)
	}
}

func TestExtractStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		wantCode models.ErrorCode
	}{
		{http.StatusTooManyRequests, models.ErrCodeRateLimited},
		{http.StatusBadGateway, models.ErrCodeHTTPServer},
		{http.StatusUnauthorized, models.ErrCodeHTTPClient},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		c := NewClient(srv.URL, "m", "", "openai", srv.Client())
		_, err := c.Extract(context.Background(), "content")
		srv.Close()

		var se *models.StageError
		if !errors.As(err, &se) || se.Code != tt.wantCode {
			t.Fatalf("status %d: got %v, want code %s", tt.status, err, tt.wantCode)
		}
	}
}

func TestExtractMisconfigured(t *testing.T) {
	c := NewClient("", "", "", "openai", nil)
	_, err := c.Extract(context.Background(), "content")
	var se *models.StageError
	if !errors.As(err, &se) || se.Code != models.ErrCodeValidation {
		t.Fatalf("expected validation StageError, got %v", err)
	}
}

func TestMinConfidenceMissingFields(t *testing.T) {
	// Absent confidence entries do not drag the minimum down; the caller
	// decides what an empty map means.
	ext := Extraction{Confidence: map[string]float64{"title": 0.9}}
	if got := ext.MinConfidence(); got != 0.9 {
		t.Fatalf("min confidence = %f, want 0.9", got)
	}
	empty := Extraction{Confidence: map[string]float64{}}
	if got := empty.MinConfidence(); got != 1.0 {
		t.Fatalf("empty confidence = %f, want 1.0", got)
	}
}
