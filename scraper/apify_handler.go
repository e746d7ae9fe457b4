package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"homescout_ingest/models"
)

const (
	apifyAPIBase     = "https://api.apify.com/v2"
	apifyConsoleRuns = "https://console.apify.com/actors/runs/"
	apifyPollTimeout = 90 * time.Minute
	apifyPollDelay   = 30 * time.Second
)

// APIError is a non-success HTTP answer from the provider API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apify %s failed %d: %s", e.Op, e.StatusCode, e.Body)
}

// Retryable is true for throttling and server-side failures.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ApifyProvider runs a source's actor, waits for it, and parses its dataset.
type ApifyProvider struct {
	client      *http.Client
	token       string
	baseURL     string
	pollDelay   time.Duration
	pollTimeout time.Duration
	actorsBySrc map[string]string
}

func NewApifyProvider(client *http.Client, token string) *ApifyProvider {
	return &ApifyProvider{
		client:      client,
		token:       token,
		baseURL:     apifyAPIBase,
		pollDelay:   apifyPollDelay,
		pollTimeout: apifyPollTimeout,
		actorsBySrc: make(map[string]string),
	}
}

// SetActor overrides the actor used for a source (data_sources.actor_id).
func (p *ApifyProvider) SetActor(sourceID, actorID string) {
	if actorID != "" {
		p.actorsBySrc[sourceID] = actorID
	}
}

func (p *ApifyProvider) actorFor(adapter Adapter) string {
	if id, ok := p.actorsBySrc[adapter.SourceID()]; ok {
		return id
	}
	return adapter.DefaultActorID()
}

func (p *ApifyProvider) Fetch(ctx context.Context, req models.FetchRequest) (*models.FetchResult, error) {
	if p.token == "" {
		return nil, ErrNoAPIKey
	}
	adapter, err := AdapterFor(req.SourceID)
	if err != nil {
		return nil, err
	}
	actorID := p.actorFor(adapter)

	runID, err := p.startRun(ctx, actorID, adapter.BuildInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to start apify run: %w", err)
	}
	log.Printf("Apify run started: %s (actor: %s, %s, %s)", runID, actorID, req.City, req.State)

	datasetID, err := p.waitForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("apify run failed: %w", err)
	}
	log.Printf("Apify run complete, dataset: %s", datasetID)

	raw, err := p.fetchDataset(ctx, datasetID, req.MaxListings)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dataset: %w", err)
	}

	result, err := ParseDataset(adapter, raw)
	if err != nil {
		return nil, err
	}
	result.ExternalJobID = runID
	result.ExternalJobURL = apifyConsoleRuns + runID
	result.APICalls = 1
	result.CostCents = EstimateCostCents(len(result.Listings))
	log.Printf("Fetched %d items from Apify, %d parsed, %d rejected", len(result.Listings)+result.ParseErrors, len(result.Listings), result.ParseErrors)
	return result, nil
}

// ParseDataset maps every dataset item through the adapter. Items the adapter
// rejects are counted, not fatal.
func ParseDataset(adapter Adapter, raw []byte) (*models.FetchResult, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}

	result := &models.FetchResult{Raw: raw}
	for _, item := range items {
		listing, err := adapter.ParseListing(item)
		if err != nil {
			log.Printf("Warning: failed to parse %s listing: %v", adapter.SourceID(), err)
			result.ParseErrors++
			continue
		}
		result.Listings = append(result.Listings, listing)
	}
	return result, nil
}

// EstimateCostCents is roughly a tenth of a cent per result, at least 1.
func EstimateCostCents(listings int) int {
	return max(1, listings/10)
}

func (p *ApifyProvider) startRun(ctx context.Context, actorID string, input map[string]interface{}) (string, error) {
	body, _ := json.Marshal(input)
	log.Printf("Apify input: %s", string(body))

	endpoint := fmt.Sprintf("%s/acts/%s/runs?token=%s", p.baseURL, actorID, url.QueryEscape(p.token))

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &APIError{Op: "start run", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Data.ID == "" {
		return "", fmt.Errorf("%w: no run id returned", ErrRunFailed)
	}

	return result.Data.ID, nil
}

// waitForRun polls until the run finishes or the ceiling passes. Poll errors
// are logged and polling continues.
func (p *ApifyProvider) waitForRun(ctx context.Context, runID string) (string, error) {
	endpoint := fmt.Sprintf("%s/actor-runs/%s?token=%s", p.baseURL, runID, url.QueryEscape(p.token))
	deadline := time.Now().Add(p.pollTimeout)

	for {
		status, datasetID, items, err := p.pollRun(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Printf("Apify: error checking run %s (will retry): %v", runID, err)
		} else {
			switch status {
			case "SUCCEEDED":
				return datasetID, nil
			case "FAILED", "ABORTED", "TIMED-OUT":
				return "", fmt.Errorf("%w: run %s: %s", ErrRunFailed, runID, status)
			}
			log.Printf("Apify run %s: status=%s | %d items collected", runID, status, items)
		}

		if !time.Now().Add(p.pollDelay).Before(deadline) {
			return "", fmt.Errorf("%w: run %s after %s", ErrRunTimeout, runID, p.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.pollDelay):
		}
	}
}

func (p *ApifyProvider) pollRun(ctx context.Context, endpoint string) (string, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", "", 0, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", "", 0, &APIError{Op: "get run", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		Data struct {
			Status           string `json:"status"`
			DefaultDatasetID string `json:"defaultDatasetId"`
			Stats            struct {
				DatasetItems int `json:"datasetItems"`
			} `json:"stats"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", 0, err
	}
	return result.Data.Status, result.Data.DefaultDatasetID, result.Data.Stats.DatasetItems, nil
}

func (p *ApifyProvider) fetchDataset(ctx context.Context, datasetID string, limit int) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/datasets/%s/items?token=%s&format=json", p.baseURL, datasetID, url.QueryEscape(p.token))
	if limit > 0 {
		endpoint += "&limit=" + strconv.Itoa(limit)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{Op: "dataset fetch", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return io.ReadAll(resp.Body)
}
