// Package s2 is the Semantic Scholar Graph API client backing the
// scholarly-paper lookup stage.
package s2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"citation-linker/internal/models"
)

// DefaultBaseURL is the Semantic Scholar Graph API root.
const DefaultBaseURL = "https://api.semanticscholar.org/graph/v1"

// DefaultUserAgent is sent with all requests so the API can identify the
// client and apply its rate limits.
const DefaultUserAgent = "CitationLinker/1.0 (+https://github.com/citation-linker)"

// paperFields is the field list requested for every paper lookup.
const paperFields = "title,authors,year,publicationDate,venue,externalIds,abstract"

// Client calls the Semantic Scholar paper endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client. An empty baseURL uses DefaultBaseURL; a nil
// httpClient uses http.DefaultClient.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// PaperID builds the paper identifier the API expects for a record: DOI and
// arXiv identifiers are preferred; anything else is looked up by URL.
func PaperID(rec models.ProcessingRecord) string {
	switch {
	case rec.DOI != "":
		return "DOI:" + rec.DOI
	case rec.ArxivID != "":
		return "arXiv:" + rec.ArxivID
	default:
		return "URL:" + rec.URL
	}
}

// Lookup fetches paper metadata for the given paper id (DOI:..., arXiv:...,
// URL:..., or a raw Semantic Scholar paper id). Failures come back as
// classified StageErrors: 404 and invalid ids are permanent, 429 and 5xx
// and transport errors are retryable.
func (c *Client) Lookup(ctx context.Context, paperID string) (models.Citation, error) {
	endpoint := fmt.Sprintf("%s/paper/%s?fields=%s", c.baseURL, url.PathEscape(paperID), paperFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Citation{}, models.NewStageError(models.ErrCodeValidation, "build request: %v", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.Citation{}, models.NewStageError(models.ErrCodeTimeout, "paper lookup: %v", err)
		}
		return models.Citation{}, models.NewStageError(models.ErrCodeNetwork, "paper lookup: %v", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, paperID); err != nil {
		return models.Citation{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Citation{}, models.NewStageError(models.ErrCodeNetwork, "read response: %v", err)
	}
	return parsePaper(body)
}

// classifyStatus maps an HTTP status to the stage-failure taxonomy.
func classifyStatus(status int, paperID string) *models.StageError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return models.NewStageError(models.ErrCodePermanent, "paper not found for %s", paperID)
	case status == http.StatusTooManyRequests:
		return models.NewStageError(models.ErrCodeRateLimited, "rate limited on %s", paperID)
	case status == http.StatusBadRequest:
		return models.NewStageError(models.ErrCodeValidation, "invalid paper id %s", paperID)
	case status >= 500:
		return models.NewStageError(models.ErrCodeHTTPServer, "server error %d for %s", status, paperID)
	default:
		return models.NewStageError(models.ErrCodeHTTPClient, "unexpected status %d for %s", status, paperID)
	}
}

// parsePaper converts the Graph API paper payload into a Citation.
func parsePaper(body []byte) (models.Citation, error) {
	var payload struct {
		Title           string `json:"title"`
		Year            int    `json:"year"`
		PublicationDate string `json:"publicationDate"`
		Venue           string `json:"venue"`
		Abstract        string `json:"abstract"`
		Authors         []struct {
			Name string `json:"name"`
		} `json:"authors"`
		ExternalIDs map[string]any `json:"externalIds"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.Citation{}, models.NewStageError(models.ErrCodeValidation, "parse paper payload: %v", err)
	}

	cit := models.Citation{
		Title:          payload.Title,
		ContainerTitle: payload.Venue,
		Abstract:       payload.Abstract,
		ItemType:       "journalArticle",
	}
	for _, a := range payload.Authors {
		if a.Name != "" {
			cit.Creators = append(cit.Creators, models.Creator{Name: a.Name})
		}
	}
	switch {
	case payload.PublicationDate != "":
		cit.Date = payload.PublicationDate
	case payload.Year > 0:
		cit.Date = fmt.Sprintf("%d", payload.Year)
	}
	if doi, ok := payload.ExternalIDs["DOI"].(string); ok {
		cit.DOI = doi
	}
	if arxiv, ok := payload.ExternalIDs["ArXiv"].(string); ok {
		cit.ArxivID = arxiv
	}
	return cit, nil
}
