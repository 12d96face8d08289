package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Config holds the source URLs to register and batch against the API.
type Config struct {
	URLs        []string `json:"urls"`
	Concurrency int      `json:"concurrency,omitempty"`
}

func main() {
	configPath := flag.String("config", "urls.json", "Path to JSON config file with source URLs")
	apiBase := flag.String("api", "http://localhost:8080", "API base URL")
	pollInterval := flag.Duration("poll", 2*time.Second, "Batch status poll interval")
	flag.Parse()

	if err := run(*configPath, *apiBase, *pollInterval, nil); err != nil {
		log.Fatal(err)
	}
}

// run registers every URL from the config, starts one batch over all of
// them, and polls until the batch finishes. If client is nil, a default
// HTTP client (30s timeout) is used.
func run(configPath, apiBase string, pollInterval time.Duration, client *http.Client) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	baseURL, err := url.Parse(apiBase)
	if err != nil {
		return err
	}

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	recordIDs := make([]string, 0, len(cfg.URLs))
	for i, sourceURL := range cfg.URLs {
		id, err := registerRecord(client, baseURL, sourceURL)
		if err != nil {
			log.Printf("[%d] url=%q err=%v", i, sourceURL, err)
			continue
		}
		log.Printf("[%d] url=%q record=%s", i, sourceURL, id)
		recordIDs = append(recordIDs, id)
	}
	if len(recordIDs) == 0 {
		return fmt.Errorf("no records registered")
	}

	sessionID, err := startBatch(client, baseURL, recordIDs, cfg.Concurrency)
	if err != nil {
		return err
	}
	log.Printf("batch started session=%s records=%d", sessionID, len(recordIDs))

	return pollBatch(client, baseURL, sessionID, pollInterval)
}

// loadConfig reads and parses the JSON config file.
func loadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.URLs) == 0 {
		return cfg, errNoURLs
	}
	return cfg, nil
}

var errNoURLs = fmt.Errorf("config has no urls")

func registerRecord(client *http.Client, base *url.URL, sourceURL string) (string, error) {
	u := *base
	u.Path = "/records"

	payload, err := json.Marshal(map[string]string{"url": sourceURL})
	if err != nil {
		return "", err
	}

	resp, err := client.Post(u.String(), "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func startBatch(client *http.Client, base *url.URL, recordIDs []string, concurrency int) (string, error) {
	u := *base
	u.Path = "/batches"

	payload, err := json.Marshal(map[string]any{
		"record_ids":  recordIDs,
		"concurrency": concurrency,
	})
	if err != nil {
		return "", err
	}

	resp, err := client.Post(u.String(), "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var sess struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return "", err
	}
	return sess.ID, nil
}

func pollBatch(client *http.Client, base *url.URL, sessionID string, interval time.Duration) error {
	u := *base
	u.Path = "/batches/" + sessionID

	for {
		resp, err := client.Get(u.String())
		if err != nil {
			return err
		}
		var snap struct {
			Status    string   `json:"status"`
			Completed []string `json:"completed"`
			Failed    []string `json:"failed"`
			Skipped   []string `json:"skipped"`
			Parked    []string `json:"parked"`
		}
		err = json.NewDecoder(resp.Body).Decode(&snap)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		log.Printf("session=%s status=%s completed=%d failed=%d skipped=%d parked=%d",
			sessionID, snap.Status, len(snap.Completed), len(snap.Failed), len(snap.Skipped), len(snap.Parked))
		if snap.Status == "completed" || snap.Status == "cancelled" {
			return nil
		}
		time.Sleep(interval)
	}
}
