// Package ratelimit implements a per-domain token bucket shared by every
// stage that calls the same external rate-limited API.
package ratelimit

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"citation-linker/internal/models"
)

type bucket struct {
	tokens       float64
	maxTokens    float64
	refillPerSec float64
	lastRefill   time.Time
}

// refill adds tokens for the time elapsed since the last refill, capped at
// maxTokens. Refill is lazy: computed at each check, never via a timer.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

// Limiter holds one token bucket per external domain. Unconfigured domains
// fall back to the process-wide default rate.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	defaultRate  float64
	defaultBurst float64
	now          func() time.Time
}

// New builds a limiter with the given default refill rate (tokens/second)
// and burst capacity for unconfigured domains.
func New(defaultRate, defaultBurst float64) *Limiter {
	if defaultRate <= 0 {
		defaultRate = 1
	}
	if defaultBurst < 1 {
		defaultBurst = 1
	}
	return &Limiter{
		buckets:      make(map[string]*bucket),
		defaultRate:  defaultRate,
		defaultBurst: defaultBurst,
		now:          time.Now,
	}
}

// Configure sets an explicit rate and burst for a domain, replacing any
// existing bucket.
func (l *Limiter) Configure(domain string, ratePerSec, burst float64) {
	if ratePerSec <= 0 || burst < 1 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[domain] = &bucket{
		tokens:       burst,
		maxTokens:    burst,
		refillPerSec: ratePerSec,
		lastRefill:   l.now(),
	}
}

// bucketFor returns the domain's bucket, creating one with the default rate
// on first use. Caller must hold l.mu.
func (l *Limiter) bucketFor(domain string) *bucket {
	b, ok := l.buckets[domain]
	if !ok {
		b = &bucket{
			tokens:       l.defaultBurst,
			maxTokens:    l.defaultBurst,
			refillPerSec: l.defaultRate,
			lastRefill:   l.now(),
		}
		l.buckets[domain] = b
	}
	return b
}

// WaitForToken consumes one token for the domain, suspending the caller for
// exactly the time until the next token becomes available when the bucket is
// empty. It retries once after the wait; if the refilled token was consumed
// by another caller in the meantime, a rate_limited error is returned rather
// than looping.
func (l *Limiter) WaitForToken(ctx context.Context, domain string) error {
	wait, ok := l.takeOrWait(domain)
	if ok {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if _, ok := l.takeOrWait(domain); ok {
		return nil
	}
	return models.NewStageError(models.ErrCodeRateLimited, "no token for domain %s after %s wait", domain, wait)
}

// takeOrWait consumes a token if one is available. Otherwise it returns the
// time until the next token accrues. The read-modify-write of the token
// count is a critical section shared by every record hitting the domain.
func (l *Limiter) takeOrWait(domain string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(domain)
	b.refill(l.now())
	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	missing := 1 - b.tokens
	wait := time.Duration(missing / b.refillPerSec * float64(time.Second))
	return wait, false
}

// HasTokenAvailable is a non-blocking diagnostics helper; never use it for
// control flow.
func (l *Limiter) HasTokenAvailable(domain string) bool {
	return l.TokenCount(domain) >= 1
}

// TokenCount returns the domain's current token balance after a lazy refill.
func (l *Limiter) TokenCount(domain string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketFor(domain)
	b.refill(l.now())
	return b.tokens
}

// DomainOf extracts the bucket key (host without port) for a URL. An
// unparseable URL yields "", which shares the default bucket.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	return strings.ToLower(host)
}
