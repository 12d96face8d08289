// Package llm is the LLM fallback stage: it asks an OpenAI-compatible chat
// completions endpoint to extract citation metadata from cached raw content.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"citation-linker/internal/models"
)

const systemPrompt = "You extract bibliographic metadata from web page content. " +
	"Respond with a single JSON object: {\"title\": string, \"creators\": [{\"name\": string}], " +
	"\"date\": string, \"container_title\": string, \"doi\": string, " +
	"\"confidence\": {\"title\": number, \"creators\": number, \"date\": number}}. " +
	"Use empty strings for unknown fields and confidence values between 0 and 1. " +
	"Respond with JSON only, no prose."

// maxContentBytes caps how much page content is sent per request.
const maxContentBytes = 48 * 1024

// Extraction is the LLM stage's output: a citation plus per-field
// confidence and the provider that produced it.
type Extraction struct {
	Citation   models.Citation
	Confidence map[string]float64
	Provider   string
}

// MinConfidence returns the lowest confidence across the critical fields.
func (e Extraction) MinConfidence() float64 {
	min := 1.0
	for _, field := range []string{"title", "creators", "date"} {
		if c, ok := e.Confidence[field]; ok && c < min {
			min = c
		}
	}
	return min
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	provider   string
	httpClient *http.Client
}

// NewClient builds a client. provider is a label recorded on extractions
// (e.g. "openai", "ollama"); a nil httpClient uses http.DefaultClient.
func NewClient(endpoint, model, apiKey, provider string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoint:   endpoint,
		model:      model,
		apiKey:     apiKey,
		provider:   provider,
		httpClient: httpClient,
	}
}

// Extract sends the cached content and parses the model's JSON reply.
func (c *Client) Extract(ctx context.Context, content string) (Extraction, error) {
	if c.endpoint == "" || c.model == "" {
		return Extraction{}, models.NewStageError(models.ErrCodeValidation, "llm client misconfigured")
	}
	if len(content) > maxContentBytes {
		content = content[:maxContentBytes]
	}

	payload, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": content},
		},
	})
	if err != nil {
		return Extraction{}, models.NewStageError(models.ErrCodeValidation, "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Extraction{}, models.NewStageError(models.ErrCodeValidation, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Extraction{}, models.NewStageError(models.ErrCodeTimeout, "llm request: %v", err)
		}
		return Extraction{}, models.NewStageError(models.ErrCodeNetwork, "llm request: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests:
		return Extraction{}, models.NewStageError(models.ErrCodeRateLimited, "llm rate limited")
	case resp.StatusCode >= 500:
		return Extraction{}, models.NewStageError(models.ErrCodeHTTPServer, "llm server error %d", resp.StatusCode)
	default:
		return Extraction{}, models.NewStageError(models.ErrCodeHTTPClient, "llm status %d", resp.StatusCode)
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return Extraction{}, models.NewStageError(models.ErrCodeValidation, "parse completion: %v", err)
	}
	if len(completion.Choices) == 0 {
		return Extraction{}, models.NewStageError(models.ErrCodeValidation, "completion had no choices")
	}

	return c.parseReply(completion.Choices[0].Message.Content)
}

// parseReply decodes the model's JSON answer, tolerating markdown fences.
func (c *Client) parseReply(reply string) (Extraction, error) {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	reply = strings.TrimSpace(reply)

	var parsed struct {
		Title    string `json:"title"`
		Creators []struct {
			Name string `json:"name"`
		} `json:"creators"`
		Date           string             `json:"date"`
		ContainerTitle string             `json:"container_title"`
		DOI            string             `json:"doi"`
		Confidence     map[string]float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		return Extraction{}, models.NewStageError(models.ErrCodeValidation, "model reply was not valid JSON: %v", err)
	}

	ext := Extraction{
		Citation: models.Citation{
			Title:          parsed.Title,
			Date:           parsed.Date,
			ContainerTitle: parsed.ContainerTitle,
			DOI:            parsed.DOI,
		},
		Confidence: parsed.Confidence,
		Provider:   c.provider,
	}
	for _, cr := range parsed.Creators {
		if cr.Name != "" {
			ext.Citation.Creators = append(ext.Citation.Creators, models.Creator{Name: cr.Name})
		}
	}
	if ext.Confidence == nil {
		ext.Confidence = map[string]float64{}
	}
	return ext, nil
}
