package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"citation-linker/internal/batch"
	"citation-linker/internal/pipeline"
)

var (
	// Counters for record processing outcomes exposed on /metrics.
	// received: ProcessRecord calls; stored/parked/exhausted/skipped: outcome; errors: infrastructure failures.
	recordsReceived  uint64
	recordsStored    uint64
	recordsParked    uint64
	recordsExhausted uint64
	recordsSkipped   uint64
	recordsErrors    uint64

	// In-flight gauge: records currently inside ProcessRecord.
	recordsInFlight int64

	// Histogram buckets for full-cascade processing latency (seconds).
	// Buckets define upper bounds; the +Inf bucket is implicit.
	processLatencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	processLatencyCounts  = make([]uint64, len(processLatencyBuckets)+1)
	processLatencySumNs   uint64
	processLatencyCount   uint64

	// Histogram for time spent waiting on per-domain rate-limit tokens.
	rateLimitWaitBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	rateLimitWaitCounts  = make([]uint64, len(rateLimitWaitBuckets)+1)
	rateLimitWaitSumNs   uint64
	rateLimitWaitCount   uint64

	// Stored-record counts per winning stage method, keyed by method name.
	storedByMethodMu sync.Mutex
	storedByMethod   = make(map[string]uint64)

	// sessionRegistry, when set, feeds the active-sessions gauge.
	sessionRegistry *batch.Registry
)

// instrumentedProcessor decorates the pipeline orchestrator with outcome
// counters and a processing-latency histogram.
type instrumentedProcessor struct {
	inner batch.Processor
}

func newInstrumentedProcessor(inner batch.Processor) *instrumentedProcessor {
	return &instrumentedProcessor{inner: inner}
}

func (p *instrumentedProcessor) ProcessRecord(ctx context.Context, id string) (pipeline.ProcessResult, error) {
	atomic.AddUint64(&recordsReceived, 1)
	atomic.AddInt64(&recordsInFlight, 1)
	start := time.Now()

	res, err := p.inner.ProcessRecord(ctx, id)

	observeProcessLatency(time.Since(start))
	atomic.AddInt64(&recordsInFlight, -1)
	switch {
	case err != nil:
		atomic.AddUint64(&recordsErrors, 1)
	case res.Skipped:
		atomic.AddUint64(&recordsSkipped, 1)
	case res.Success:
		atomic.AddUint64(&recordsStored, 1)
		countStoredByMethod(res.Method)
	case res.Status.IsAwaiting():
		atomic.AddUint64(&recordsParked, 1)
	default:
		atomic.AddUint64(&recordsExhausted, 1)
	}
	return res, err
}

// observeProcessLatency updates a manual Prometheus histogram.
func observeProcessLatency(duration time.Duration) {
	observeHistogram(duration, processLatencyBuckets, processLatencyCounts, &processLatencySumNs, &processLatencyCount)
}

func observeHistogram(duration time.Duration, buckets []float64, counts []uint64, sumNs, count *uint64) {
	if duration <= 0 {
		return
	}
	seconds := duration.Seconds()
	bucketIndex := len(buckets)
	for i, bound := range buckets {
		if seconds <= bound {
			bucketIndex = i
			break
		}
	}
	atomic.AddUint64(&counts[bucketIndex], 1)
	atomic.AddUint64(sumNs, uint64(duration.Nanoseconds()))
	atomic.AddUint64(count, 1)
}

func countStoredByMethod(method string) {
	if method == "" {
		return
	}
	storedByMethodMu.Lock()
	storedByMethod[method]++
	storedByMethodMu.Unlock()
}

// instrumentedLimiter decorates the token bucket with a wait-time histogram.
type instrumentedLimiter struct {
	inner pipeline.TokenWaiter
}

func newInstrumentedLimiter(inner pipeline.TokenWaiter) *instrumentedLimiter {
	return &instrumentedLimiter{inner: inner}
}

func (l *instrumentedLimiter) WaitForToken(ctx context.Context, domain string) error {
	start := time.Now()
	err := l.inner.WaitForToken(ctx, domain)
	observeHistogram(time.Since(start), rateLimitWaitBuckets, rateLimitWaitCounts, &rateLimitWaitSumNs, &rateLimitWaitCount)
	return err
}

// handleMetrics exposes a minimal Prometheus-compatible endpoint.
//
// Method: GET
// Path:   /metrics
func handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	body := fmt.Sprintf(
		"citationlinker_api_up 1\n"+
			"citationlinker_records_received_total %d\n"+
			"citationlinker_records_stored_total %d\n"+
			"citationlinker_records_parked_total %d\n"+
			"citationlinker_records_exhausted_total %d\n"+
			"citationlinker_records_skipped_total %d\n"+
			"citationlinker_records_errors_total %d\n"+
			"citationlinker_records_in_flight %d\n",
		atomic.LoadUint64(&recordsReceived),
		atomic.LoadUint64(&recordsStored),
		atomic.LoadUint64(&recordsParked),
		atomic.LoadUint64(&recordsExhausted),
		atomic.LoadUint64(&recordsSkipped),
		atomic.LoadUint64(&recordsErrors),
		atomic.LoadInt64(&recordsInFlight),
	)

	var extra strings.Builder
	if sessionRegistry != nil {
		extra.WriteString(fmt.Sprintf("citationlinker_batch_sessions_active %d\n", sessionRegistry.Active()))
	}

	storedByMethodMu.Lock()
	methods := make([]string, 0, len(storedByMethod))
	for method := range storedByMethod {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	for _, method := range methods {
		extra.WriteString(fmt.Sprintf("citationlinker_records_stored_by_method_total{method=%q} %d\n", method, storedByMethod[method]))
	}
	storedByMethodMu.Unlock()

	extra.WriteString("# HELP citationlinker_process_latency_seconds Full-cascade processing latency.\n")
	extra.WriteString("# TYPE citationlinker_process_latency_seconds histogram\n")
	appendHistogram(&extra, "citationlinker_process_latency_seconds", processLatencyBuckets,
		processLatencyCounts, &processLatencySumNs, &processLatencyCount, "%.2f")

	extra.WriteString("# HELP citationlinker_rate_limit_wait_seconds Time spent waiting for rate-limit tokens.\n")
	extra.WriteString("# TYPE citationlinker_rate_limit_wait_seconds histogram\n")
	appendHistogram(&extra, "citationlinker_rate_limit_wait_seconds", rateLimitWaitBuckets,
		rateLimitWaitCounts, &rateLimitWaitSumNs, &rateLimitWaitCount, "%.2f")

	_, _ = w.Write([]byte(body + extra.String()))
}

// appendHistogram writes a Prometheus histogram (buckets, +Inf, sum, count) to sb.
// counts must have len(buckets)+1 elements; leFmt formats bucket bounds (e.g. "%.2f").
func appendHistogram(sb *strings.Builder, name string, buckets []float64, counts []uint64, sumNs, count *uint64, leFmt string) {
	var cumulative uint64
	for i, bound := range buckets {
		cumulative += atomic.LoadUint64(&counts[i])
		sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%s\"} %d\n", name, fmt.Sprintf(leFmt, bound), cumulative))
	}
	cumulative += atomic.LoadUint64(&counts[len(buckets)])
	sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", name, cumulative))
	sumSeconds := float64(atomic.LoadUint64(sumNs)) / float64(time.Second)
	sb.WriteString(fmt.Sprintf("%s_sum %.6f\n", name, sumSeconds))
	sb.WriteString(fmt.Sprintf("%s_count %d\n", name, atomic.LoadUint64(count)))
}
