package content

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// robotsRules holds disallow rules for a given user-agent. Matching is
// prefix-based: Disallow: /search forbids /search, /search.json, and
// /search/anything.
type robotsRules struct {
	disallowPrefixes []string
}

// allowed returns false if the URL path is disallowed. Nil rules or an
// empty rule set allow everything.
func (r *robotsRules) allowed(path string) bool {
	if r == nil || len(r.disallowPrefixes) == 0 {
		return true
	}
	path = normalizePath(path)
	for _, prefix := range r.disallowPrefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

// parseRobots parses robots.txt and returns rules for the given userAgent,
// using the first User-agent block that matches (exact or "*").
func parseRobots(body []byte, userAgent string) *robotsRules {
	r := &robotsRules{}
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	var inMatchingBlock bool
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), "user-agent:") {
			agent := strings.TrimSpace(line[len("user-agent:"):])
			match := agent == "*" || strings.EqualFold(agent, userAgent)
			if match && !inMatchingBlock {
				inMatchingBlock = true
			} else {
				inMatchingBlock = false
			}
			continue
		}
		if inMatchingBlock && strings.HasPrefix(strings.ToLower(line), "disallow:") {
			path := strings.TrimSpace(line[len("disallow:"):])
			if path != "" {
				r.disallowPrefixes = append(r.disallowPrefixes, normalizePath(path))
			}
		}
	}
	return r
}

// robotsCache fetches and caches per-host robots.txt rules. A fetch failure
// caches an allow-all rule set so one unreachable robots.txt doesn't block
// every fetch to the host.
type robotsCache struct {
	mu        sync.Mutex
	byHost    map[string]*robotsRules
	client    *http.Client
	userAgent string
}

func newRobotsCache(client *http.Client, userAgent string) *robotsCache {
	return &robotsCache{
		byHost:    make(map[string]*robotsRules),
		client:    client,
		userAgent: userAgent,
	}
}

// allowed checks rawURL against its host's robots.txt, fetching the rules
// on first contact with the host.
func (c *robotsCache) allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}

	c.mu.Lock()
	rules, ok := c.byHost[u.Host]
	c.mu.Unlock()
	if !ok {
		rules = c.fetch(ctx, u)
		c.mu.Lock()
		c.byHost[u.Host] = rules
		c.mu.Unlock()
	}
	return rules.allowed(u.Path)
}

// fetch retrieves and parses robots.txt for the URL's host. By convention,
// fetching /robots.txt itself is always allowed.
func (c *robotsCache) fetch(ctx context.Context, u *url.URL) *robotsRules {
	robotsURL := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return &robotsRules{}
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return &robotsRules{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &robotsRules{}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return &robotsRules{}
	}
	return parseRobots(body, c.userAgent)
}
