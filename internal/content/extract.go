// Package content implements the raw content fetch + extraction stage:
// fetch a record's URL (honoring robots.txt), then mine the HTML for
// citation metadata and identifiers.
package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"citation-linker/internal/models"
)

// DefaultUserAgent is sent with all content fetches.
const DefaultUserAgent = "CitationLinker/1.0 (+https://github.com/citation-linker)"

// maxBodyBytes bounds how much HTML we read from one page.
const maxBodyBytes = 2 * 1024 * 1024

var (
	doiPattern   = regexp.MustCompile(`10\.\d{4,9}/[-._;()/:a-zA-Z0-9]+`)
	arxivPattern = regexp.MustCompile(`(?i)arxiv[:/](\d{4}\.\d{4,5})(v\d+)?`)
)

// Result is the output of one fetch + extraction pass.
type Result struct {
	Citation models.Citation
	DOI      string
	ArxivID  string
	RawHTML  string
	// Quality is the weighted fraction of critical fields the extractor
	// found: title .4, creators .25, date .2, identifier .15.
	Quality float64
}

// Extractor fetches pages and extracts citation metadata from them.
type Extractor struct {
	httpClient    *http.Client
	userAgent     string
	robots        *robotsCache
	respectRobots bool
}

// NewExtractor builds an extractor. A nil httpClient uses a default client;
// respectRobots enables per-host robots.txt checks before each fetch.
func NewExtractor(httpClient *http.Client, respectRobots bool) *Extractor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Extractor{
		httpClient:    httpClient,
		userAgent:     DefaultUserAgent,
		robots:        newRobotsCache(httpClient, DefaultUserAgent),
		respectRobots: respectRobots,
	}
}

// Extract fetches rawURL and mines the page for citation metadata. Failures
// come back classified; a robots.txt denial is permanent for this URL.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (Result, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return Result{}, models.NewStageError(models.ErrCodeValidation, "unsupported URL %q", rawURL)
	}
	if e.respectRobots && !e.robots.allowed(ctx, rawURL) {
		return Result{}, models.NewStageError(models.ErrCodePermanent, "robots.txt disallows %s", rawURL)
	}

	html, err := e.fetch(ctx, rawURL)
	if err != nil {
		return Result{}, err
	}

	res := extractFromHTML(html)
	res.RawHTML = html
	if res.Citation.URL == "" {
		res.Citation.URL = rawURL
	}
	return res, nil
}

func (e *Extractor) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", models.NewStageError(models.ErrCodeValidation, "build request: %v", err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", models.NewStageError(models.ErrCodeTimeout, "fetch %s: %v", rawURL, err)
		}
		return "", models.NewStageError(models.ErrCodeNetwork, "fetch %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", models.NewStageError(models.ErrCodeRateLimited, "rate limited fetching %s", rawURL)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", models.NewStageError(models.ErrCodePermanent, "page not found: %s", rawURL)
	case resp.StatusCode >= 500:
		return "", models.NewStageError(models.ErrCodeHTTPServer, "server error %d fetching %s", resp.StatusCode, rawURL)
	default:
		return "", models.NewStageError(models.ErrCodeHTTPClient, "unexpected status %d fetching %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", models.NewStageError(models.ErrCodeNetwork, "read %s: %v", rawURL, err)
	}
	return string(body), nil
}

// extractFromHTML mines citation metadata out of an HTML document: Highwire
// citation_* meta tags first, then Dublin Core, OpenGraph, and the <title>
// element, plus DOI/arXiv identifiers anywhere in the markup.
func extractFromHTML(html string) Result {
	var res Result

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// Identifier regexes still work on unparseable markup.
		res.DOI = firstDOI(html)
		res.ArxivID = firstArxivID(html)
		res.Quality = scoreQuality(res)
		return res
	}

	res.Citation.Title = firstOf(
		metaContent(doc, "citation_title"),
		metaContent(doc, "DC.title"),
		metaProperty(doc, "og:title"),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	res.Citation.Date = firstOf(
		metaContent(doc, "citation_publication_date"),
		metaContent(doc, "citation_date"),
		metaContent(doc, "DC.date"),
		metaProperty(doc, "article:published_time"),
	)
	res.Citation.ContainerTitle = firstOf(
		metaContent(doc, "citation_journal_title"),
		metaProperty(doc, "og:site_name"),
	)

	doc.Find(`meta[name="citation_author"], meta[name="DC.creator"]`).Each(func(_ int, sel *goquery.Selection) {
		if name, ok := sel.Attr("content"); ok && strings.TrimSpace(name) != "" {
			res.Citation.Creators = append(res.Citation.Creators, models.Creator{Name: strings.TrimSpace(name)})
		}
	})

	res.DOI = firstOf(metaContent(doc, "citation_doi"), firstDOI(html))
	res.ArxivID = firstOf(metaContent(doc, "citation_arxiv_id"), firstArxivID(html))
	res.Citation.DOI = res.DOI
	res.Citation.ArxivID = res.ArxivID
	res.Quality = scoreQuality(res)
	return res
}

func metaContent(doc *goquery.Document, name string) string {
	val, _ := doc.Find(fmt.Sprintf(`meta[name=%q]`, name)).First().Attr("content")
	return strings.TrimSpace(val)
}

func metaProperty(doc *goquery.Document, property string) string {
	val, _ := doc.Find(fmt.Sprintf(`meta[property=%q]`, property)).First().Attr("content")
	return strings.TrimSpace(val)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstDOI(html string) string {
	match := doiPattern.FindString(html)
	// Markup artifacts commonly trail a DOI match.
	return strings.TrimRight(match, `".,;<>)`)
}

func firstArxivID(html string) string {
	match := arxivPattern.FindStringSubmatch(html)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}

func scoreQuality(res Result) float64 {
	var score float64
	if res.Citation.Title != "" {
		score += 0.4
	}
	if len(res.Citation.Creators) > 0 {
		score += 0.25
	}
	if res.Citation.Date != "" {
		score += 0.2
	}
	if res.DOI != "" || res.ArxivID != "" {
		score += 0.15
	}
	return score
}
