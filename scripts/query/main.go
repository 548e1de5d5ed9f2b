package main

import (
	"PcapReduce/internal/config"
	"PcapReduce/internal/query"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// query prints stored results, either through the ns-api HTTP endpoints or
// straight from ClickHouse.
func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via HTTP API, 'direct' to query ClickHouse directly.")
	view := flag.String("view", "hosts", "What to show: 'runs', 'hosts' or 'slowest'.")
	runID := flag.String("run", "", "Run ID to query (latest run when empty).")
	limit := flag.Int("limit", query.DefaultLimit, "Maximum number of rows.")
	apiAddr := flag.String("api", "http://localhost:8080", "Base URL of ns-api.")
	configPath := flag.String("config", "configs/config.yaml", "Config file holding the ClickHouse connection, for direct mode.")
	flag.Parse()

	log.Printf("Running in '%s' mode.", *mode)

	var (
		out any
		err error
	)
	switch *mode {
	case "api":
		out, err = queryViaAPI(*apiAddr, *view, *runID, *limit)
	case "direct":
		out, err = queryDirect(*configPath, *view, *runID, *limit)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatalf("Error formatting result: %v", err)
	}
	fmt.Println(string(pretty))
}

func apiPath(view string) (string, error) {
	switch view {
	case "runs":
		return "/api/v1/runs", nil
	case "hosts":
		return "/api/v1/hosts/top", nil
	case "slowest":
		return "/api/v1/conversations/slowest", nil
	default:
		return "", fmt.Errorf("unknown view '%s'", view)
	}
}

func queryViaAPI(base, view, runID string, limit int) (any, error) {
	path, err := apiPath(view)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if runID != "" {
		params.Set("run", runID)
	}
	target := base + path + "?" + params.Encode()
	log.Printf("Sending request to %s", target)

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
	return json.RawMessage(body), nil
}

func queryDirect(configPath, view, runID string, limit int) (any, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	q, err := query.NewClickHouseQuerier(cfg.API.ClickHouse)
	if err != nil {
		return nil, err
	}
	log.Println("Successfully connected to ClickHouse.")

	ctx := context.Background()
	switch view {
	case "runs":
		return q.Runs(ctx, limit)
	case "hosts":
		return q.TopHosts(ctx, runID, limit)
	case "slowest":
		return q.SlowestHandshakes(ctx, runID, limit)
	default:
		return nil, fmt.Errorf("unknown view '%s'", view)
	}
}
