package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/ingest"
	"Go2NetSession/internal/query"
)

func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via HTTP API, 'direct' to query ClickHouse directly.")
	apiURL := flag.String("api", "http://localhost:8080", "Base URL of ns-api")
	configPath := flag.String("config", "configs/config.yaml", "Config file for direct mode")
	peer := flag.String("peer", "", "Only sessions involving this address")
	runID := flag.String("run", "", "Only sessions of this run ID")
	since := flag.String("since", "", "Only sessions ending at or after this time")
	until := flag.String("until", "", "Only sessions starting at or before this time")
	limit := flag.Int("limit", query.DefaultLimit, "Maximum number of sessions")
	summary := flag.Bool("summary", false, "Print the per-counterpart summary of --peer instead")
	flag.Parse()

	log := logrus.New()
	log.Infof("Running in '%s' mode.", *mode)

	var (
		out any
		err error
	)
	switch *mode {
	case "api":
		out, err = queryViaAPI(*apiURL, *peer, *runID, *since, *until, *limit, *summary)
	case "direct":
		out, err = queryDirect(*configPath, *peer, *runID, *since, *until, *limit, *summary)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}

func queryViaAPI(base, peer, runID, since, until string, limit int, summary bool) (any, error) {
	var target string
	if summary {
		if peer == "" {
			return nil, fmt.Errorf("--summary needs --peer")
		}
		target = fmt.Sprintf("%s/api/v1/peers/%s/summary", base, url.PathEscape(peer))
	} else {
		q := url.Values{}
		for k, v := range map[string]string{"peer": peer, "run_id": runID, "since": since, "until": until} {
			if v != "" {
				q.Set(k, v)
			}
		}
		q.Set("limit", strconv.Itoa(limit))
		target = base + "/api/v1/sessions?" + q.Encode()
	}

	resp, err := http.Get(target)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return out, nil
}

func queryDirect(configPath, peer, runID, since, until string, limit int, summary bool) (any, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	q, err := query.NewClickHouseQuerier(cfg.API.ClickHouse)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if summary {
		return q.PeerSummary(ctx, peer)
	}

	f := query.Filter{Peer: peer, RunID: runID, Limit: limit}
	if since != "" {
		if f.Since, err = ingest.ParseTimestamp(since); err != nil {
			return nil, err
		}
	}
	if until != "" {
		if f.Until, err = ingest.ParseTimestamp(until); err != nil {
			return nil, err
		}
	}
	return q.ListSessions(ctx, f)
}
