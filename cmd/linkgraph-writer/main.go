package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/segmentio/kafka-go"

	"citation-linker/common"
	"citation-linker/internal/events"
	"citation-linker/internal/graph"
	"citation-linker/internal/models"
	"citation-linker/internal/ratelimit"
)

// linkGraphWriter projects attempt and link events into Neo4j so the
// enrichment history can be explored as a graph.
type linkGraphWriter struct {
	driver graph.DriverSessioner
}

var (
	// Counters for link-graph throughput and failures exposed on /metrics.
	// received: messages fetched from Kafka; failed: Neo4j write errors.
	attemptsReceived uint64
	attemptsFailed   uint64
	attemptsWritten  uint64
	linksReceived    uint64
	linksFailed      uint64
	linksWritten     uint64
)

type neo4jDriver struct {
	driver neo4j.DriverWithContext
}

func (d *neo4jDriver) NewSession(ctx context.Context, config neo4j.SessionConfig) graph.SessionRunner {
	return d.driver.NewSession(ctx, config)
}

func (d *neo4jDriver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

func main() {
	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	attemptsTopic := common.GetEnv("KAFKA_ATTEMPTS_TOPIC", "citationlinker.attempts")
	linksTopic := common.GetEnv("KAFKA_LINKS_TOPIC", "citationlinker.links")
	attemptsGroup := common.GetEnv("KAFKA_ATTEMPTS_GROUP", "citationlinker-graph-attempts")
	linksGroup := common.GetEnv("KAFKA_LINKS_GROUP", "citationlinker-graph-links")
	metricsAddr := common.GetEnv("METRICS_ADDR", ":9091")

	neo4jURI := common.GetEnv("NEO4J_URI", "neo4j://localhost:7687")
	neo4jUser := common.GetEnv("NEO4J_USER", "neo4j")
	neo4jPassword := common.GetEnv("NEO4J_PASSWORD", "neo4j")

	driver, err := neo4j.NewDriverWithContext(neo4jURI, neo4j.BasicAuth(neo4jUser, neo4jPassword, ""))
	if err != nil {
		log.Fatalf("neo4j driver error: %v", err)
	}
	defer func() {
		if err := driver.Close(context.Background()); err != nil {
			log.Printf("neo4j close error: %v", err)
		}
	}()

	writer := &linkGraphWriter{driver: &neo4jDriver{driver: driver}}

	attemptsReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   attemptsTopic,
		GroupID: attemptsGroup,
	})
	defer func() {
		if err := attemptsReader.Close(); err != nil {
			log.Printf("attempts reader close error: %v", err)
		}
	}()

	linksReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   linksTopic,
		GroupID: linksGroup,
	})
	defer func() {
		if err := linksReader.Close(); err != nil {
			log.Printf("links reader close error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		startMetricsServer(ctx, metricsAddr)
	}

	go consumeAttempts(ctx, attemptsReader, writer)
	go consumeLinks(ctx, linksReader, writer)

	<-ctx.Done()
}

func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handleMetrics)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics shutdown error: %v", err)
		}
	}()

	go func() {
		log.Printf("metrics listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	body := fmt.Sprintf(
		"citationlinker_graph_writer_up 1\n"+
			"citationlinker_graph_attempts_received_total %d\n"+
			"citationlinker_graph_attempts_failed_total %d\n"+
			"citationlinker_graph_attempts_written_total %d\n"+
			"citationlinker_graph_links_received_total %d\n"+
			"citationlinker_graph_links_failed_total %d\n"+
			"citationlinker_graph_links_written_total %d\n",
		atomic.LoadUint64(&attemptsReceived),
		atomic.LoadUint64(&attemptsFailed),
		atomic.LoadUint64(&attemptsWritten),
		atomic.LoadUint64(&linksReceived),
		atomic.LoadUint64(&linksFailed),
		atomic.LoadUint64(&linksWritten),
	)
	_, _ = w.Write([]byte(body))
}

func consumeAttempts(ctx context.Context, reader events.MessageReader, writer *linkGraphWriter) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("attempts fetch error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		atomic.AddUint64(&attemptsReceived, 1)
		if err := writer.writeAttempt(ctx, msg.Value); err != nil {
			atomic.AddUint64(&attemptsFailed, 1)
			log.Printf("attempts write error: %v", err)
			continue
		}
		atomic.AddUint64(&attemptsWritten, 1)

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("attempts commit error: %v", err)
		}
	}
}

func consumeLinks(ctx context.Context, reader events.MessageReader, writer *linkGraphWriter) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("links fetch error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		atomic.AddUint64(&linksReceived, 1)
		if err := writer.writeLink(ctx, msg.Value); err != nil {
			atomic.AddUint64(&linksFailed, 1)
			log.Printf("links write error: %v", err)
			continue
		}
		atomic.AddUint64(&linksWritten, 1)

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("links commit error: %v", err)
		}
	}
}

func (w *linkGraphWriter) writeAttempt(ctx context.Context, payload []byte) error {
	var ev models.AttemptEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	if ev.RecordID == "" || ev.Stage == "" {
		return nil
	}

	query, params := buildAttemptQuery(ev)
	if err := w.runWrite(ctx, query, params); err != nil {
		return err
	}
	return w.writeDomain(ctx, ev.RecordID, ev.URL)
}

func (w *linkGraphWriter) writeLink(ctx context.Context, payload []byte) error {
	var ev models.LinkEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	if ev.RecordID == "" || ev.ItemKey == "" {
		return nil
	}

	query, params := buildLinkQuery(ev)
	if err := w.runWrite(ctx, query, params); err != nil {
		return err
	}
	return w.writeDomain(ctx, ev.RecordID, ev.URL)
}

func (w *linkGraphWriter) writeDomain(ctx context.Context, recordID, rawURL string) error {
	domain := ratelimit.DomainOf(rawURL)
	if domain == "" {
		return nil
	}
	query := "MERGE (r:Record {id: $record_id}) " +
		"MERGE (d:Domain {name: $domain}) " +
		"MERGE (r)-[:FROM_DOMAIN]->(d)"
	return w.runWrite(ctx, query, map[string]any{
		"record_id": recordID,
		"domain":    domain,
	})
}

func (w *linkGraphWriter) runWrite(ctx context.Context, query string, params map[string]any) error {
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() {
		if err := session.Close(ctx); err != nil {
			log.Printf("neo4j session close error: %v", err)
		}
	}()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
	return err
}

func buildAttemptQuery(ev models.AttemptEvent) (string, map[string]any) {
	query := "MERGE (r:Record {id: $record_id}) " +
		"SET r.url = coalesce($url, r.url), r.status = $status " +
		"MERGE (s:Stage {name: $stage}) " +
		"CREATE (r)-[:ATTEMPTED {method: $method, success: $success, error_code: $error_code, duration_ms: $duration_ms, at: $at}]->(s)"
	var urlParam any
	if ev.URL != "" {
		urlParam = ev.URL
	}
	params := map[string]any{
		"record_id":   ev.RecordID,
		"url":         urlParam,
		"status":      string(ev.Status),
		"stage":       string(ev.Stage),
		"method":      ev.Method,
		"success":     ev.Success,
		"error_code":  string(ev.ErrorCode),
		"duration_ms": ev.DurationMs,
		"at":          ev.At.UTC().Format(time.RFC3339Nano),
	}
	return query, params
}

func buildLinkQuery(ev models.LinkEvent) (string, map[string]any) {
	query := "MERGE (r:Record {id: $record_id}) " +
		"SET r.url = coalesce($url, r.url), r.status = $status " +
		"MERGE (i:Item {key: $item_key}) " +
		"MERGE (r)-[l:LINKED_TO]->(i) " +
		"SET l.method = $method, l.at = $at"
	var urlParam any
	if ev.URL != "" {
		urlParam = ev.URL
	}
	params := map[string]any{
		"record_id": ev.RecordID,
		"url":       urlParam,
		"status":    string(ev.Status),
		"item_key":  ev.ItemKey,
		"method":    ev.Method,
		"at":        ev.At.UTC().Format(time.RFC3339Nano),
	}
	return query, params
}
