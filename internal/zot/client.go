// Package zot is the reference-manager client backing the identifier and
// translator lookup stage and the item creation every storing path ends in.
// Translation goes through a Zotero translation-server; item writes go
// through the Zotero Web API.
package zot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"citation-linker/internal/models"
)

// DefaultAPIBase is the Zotero Web API root.
const DefaultAPIBase = "https://api.zotero.org"

// Client resolves identifiers/URLs to citations and creates items.
type Client struct {
	translateURL string
	apiBase      string
	apiKey       string
	userID       string
	httpClient   *http.Client
}

// NewClient builds a client. translateURL points at a translation-server
// (e.g. http://localhost:1969); an empty apiBase uses DefaultAPIBase.
func NewClient(translateURL, apiBase, apiKey, userID string, httpClient *http.Client) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		translateURL: strings.TrimRight(translateURL, "/"),
		apiBase:      strings.TrimRight(apiBase, "/"),
		apiKey:       apiKey,
		userID:       userID,
		httpClient:   httpClient,
	}
}

// ResolveIdentifier translates a bare identifier (DOI, ISBN, arXiv id) into
// citation metadata via the translation-server /search endpoint.
func (c *Client) ResolveIdentifier(ctx context.Context, identifier string) (models.Citation, error) {
	body, err := c.post(ctx, c.translateURL+"/search", "text/plain", []byte(identifier))
	if err != nil {
		return models.Citation{}, err
	}
	cits, err := parseTranslated(body)
	if err != nil {
		return models.Citation{}, err
	}
	if len(cits) == 0 {
		return models.Citation{}, models.NewStageError(models.ErrCodePermanent, "no translator result for identifier %s", identifier)
	}
	return cits[0], nil
}

// TranslateWeb translates a web page URL via the translation-server /web
// endpoint. More than one returned citation means the translator offered
// multiple candidates and a human has to pick.
func (c *Client) TranslateWeb(ctx context.Context, rawURL string) ([]models.Citation, error) {
	body, err := c.post(ctx, c.translateURL+"/web", "text/plain", []byte(rawURL))
	if err != nil {
		return nil, err
	}
	cits, err := parseTranslated(body)
	if err != nil {
		return nil, err
	}
	if len(cits) == 0 {
		return nil, models.NewStageError(models.ErrCodePermanent, "no translator matched %s", rawURL)
	}
	return cits, nil
}

// CreateItem writes a citation as a new item and returns its key. The API's
// per-item verdict is honored: a failed entry surfaces as a validation error.
func (c *Client) CreateItem(ctx context.Context, cit models.Citation) (string, error) {
	payload, err := json.Marshal([]map[string]any{itemPayload(cit)})
	if err != nil {
		return "", models.NewStageError(models.ErrCodeValidation, "marshal item: %v", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s/items", c.apiBase, c.userID)
	body, err := c.post(ctx, endpoint, "application/json", payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		Successful map[string]struct {
			Key string `json:"key"`
		} `json:"successful"`
		Failed map[string]struct {
			Message string `json:"message"`
		} `json:"failed"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", models.NewStageError(models.ErrCodeValidation, "parse item response: %v", err)
	}
	for _, item := range resp.Successful {
		if item.Key != "" {
			return item.Key, nil
		}
	}
	for _, failure := range resp.Failed {
		return "", models.NewStageError(models.ErrCodeValidation, "item rejected: %s", failure.Message)
	}
	return "", models.NewStageError(models.ErrCodeValidation, "item response contained no key")
}

// post sends a request and classifies transport/status failures into the
// stage taxonomy.
func (c *Client) post(ctx context.Context, endpoint, contentType string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, models.NewStageError(models.ErrCodeValidation, "build request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Zotero-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewStageError(models.ErrCodeTimeout, "post %s: %v", endpoint, err)
		}
		return nil, models.NewStageError(models.ErrCodeNetwork, "post %s: %v", endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusMultipleChoices:
		// Translation-server reports ambiguous pages with 300; the body
		// still carries the candidate list.
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.NewStageError(models.ErrCodeRateLimited, "rate limited by %s", endpoint)
	case resp.StatusCode == http.StatusNotFound:
		return nil, models.NewStageError(models.ErrCodePermanent, "not found: %s", endpoint)
	case resp.StatusCode >= 500:
		return nil, models.NewStageError(models.ErrCodeHTTPServer, "server error %d from %s", resp.StatusCode, endpoint)
	default:
		return nil, models.NewStageError(models.ErrCodeHTTPClient, "unexpected status %d from %s", resp.StatusCode, endpoint)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewStageError(models.ErrCodeNetwork, "read response: %v", err)
	}
	return body, nil
}

// parseTranslated converts translation-server output (an array of Zotero
// item JSON) into citations.
func parseTranslated(body []byte) ([]models.Citation, error) {
	var items []struct {
		ItemType string `json:"itemType"`
		Title    string `json:"title"`
		Date     string `json:"date"`
		DOI      string `json:"DOI"`
		ISBN     string `json:"ISBN"`
		URL      string `json:"url"`
		Series   string `json:"publicationTitle"`
		Creators []struct {
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
			Name      string `json:"name"`
		} `json:"creators"`
	}
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, models.NewStageError(models.ErrCodeValidation, "parse translator payload: %v", err)
	}

	var cits []models.Citation
	for _, item := range items {
		cit := models.Citation{
			Title:          item.Title,
			Date:           item.Date,
			DOI:            item.DOI,
			ISBN:           item.ISBN,
			URL:            item.URL,
			ContainerTitle: item.Series,
			ItemType:       item.ItemType,
		}
		for _, cr := range item.Creators {
			name := cr.Name
			if name == "" {
				name = strings.TrimSpace(cr.FirstName + " " + cr.LastName)
			}
			if name != "" {
				cit.Creators = append(cit.Creators, models.Creator{Name: name})
			}
		}
		cits = append(cits, cit)
	}
	return cits, nil
}

// itemPayload shapes a citation as a Zotero item.
func itemPayload(cit models.Citation) map[string]any {
	itemType := cit.ItemType
	if itemType == "" {
		itemType = "webpage"
	}
	item := map[string]any{
		"itemType": itemType,
		"title":    cit.Title,
		"date":     cit.Date,
		"url":      cit.URL,
	}
	if cit.DOI != "" {
		item["DOI"] = cit.DOI
	}
	if cit.ISBN != "" {
		item["ISBN"] = cit.ISBN
	}
	if cit.ContainerTitle != "" {
		item["publicationTitle"] = cit.ContainerTitle
	}
	if cit.Abstract != "" {
		item["abstractNote"] = cit.Abstract
	}
	var creators []map[string]string
	for _, cr := range cit.Creators {
		creators = append(creators, map[string]string{
			"creatorType": "author",
			"name":        cr.Name,
		})
	}
	if creators != nil {
		item["creators"] = creators
	}
	return item
}
