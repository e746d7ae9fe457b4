package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"homescout_ingest/models"
)

// fakeApify serves the three endpoints a run touches. runStatuses are returned
// in order by successive polls; the last one repeats.
type fakeApify struct {
	t           *testing.T
	startStatus int
	runStatuses []string
	dataset     []byte
	polls       atomic.Int32
	input       string
}

func (f *fakeApify) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != "test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch {
	case r.Method == "POST" && r.URL.Path == "/acts/maxcopell~zillow-scraper/runs":
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		f.input = string(buf[:n])
		if f.startStatus != 0 {
			w.WriteHeader(f.startStatus)
			fmt.Fprint(w, `{"error":"nope"}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"run-1"}}`)
	case r.URL.Path == "/actor-runs/run-1":
		i := int(f.polls.Add(1)) - 1
		if i >= len(f.runStatuses) {
			i = len(f.runStatuses) - 1
		}
		fmt.Fprintf(w, `{"data":{"status":%q,"defaultDatasetId":"ds-1","stats":{"datasetItems":3}}}`, f.runStatuses[i])
	case r.URL.Path == "/datasets/ds-1/items":
		if r.URL.Query().Get("limit") != "50" {
			f.t.Errorf("dataset limit = %q", r.URL.Query().Get("limit"))
		}
		w.Write(f.dataset)
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestProvider(srv *httptest.Server) *ApifyProvider {
	p := NewApifyProvider(srv.Client(), "test-token")
	p.baseURL = srv.URL
	p.pollDelay = time.Millisecond
	return p
}

var philly = models.FetchRequest{SourceID: "zillow", City: "Philadelphia", State: "PA", MaxListings: 50}

func TestApifyFetch(t *testing.T) {
	api := &fakeApify{t: t, runStatuses: []string{"READY", "RUNNING", "SUCCEEDED"}, dataset: loadFixture(t, "zillow_dataset.json")}
	srv := httptest.NewServer(api)
	defer srv.Close()

	result, err := newTestProvider(srv).Fetch(context.Background(), philly)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if api.polls.Load() != 3 {
		t.Errorf("polls = %d, want 3", api.polls.Load())
	}
	if len(result.Listings) != 2 || result.ParseErrors != 1 {
		t.Errorf("listings = %d, parse errors = %d", len(result.Listings), result.ParseErrors)
	}
	if result.ExternalJobID != "run-1" || result.ExternalJobURL != "https://console.apify.com/actors/runs/run-1" {
		t.Errorf("external job = %q %q", result.ExternalJobID, result.ExternalJobURL)
	}
	if result.APICalls != 1 || result.CostCents != 1 {
		t.Errorf("calls/cost = %d/%d", result.APICalls, result.CostCents)
	}
	if api.input == "" {
		t.Error("actor input not sent")
	}
}

func TestApifyActorOverride(t *testing.T) {
	var hit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = r.URL.Path
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	p.SetActor("zillow", "someone~other-zillow")
	p.Fetch(context.Background(), philly)
	if hit != "/acts/someone~other-zillow/runs" {
		t.Errorf("started %q", hit)
	}
}

func TestApifyRunFailed(t *testing.T) {
	api := &fakeApify{t: t, runStatuses: []string{"RUNNING", "FAILED"}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	_, err := newTestProvider(srv).Fetch(context.Background(), philly)
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("err = %v, want ErrRunFailed", err)
	}
	if !IsRetryable(err) {
		t.Error("failed run should be retryable")
	}
}

func TestApifyRunTimeout(t *testing.T) {
	api := &fakeApify{t: t, runStatuses: []string{"RUNNING"}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	p := newTestProvider(srv)
	p.pollTimeout = 5 * time.Millisecond
	_, err := p.Fetch(context.Background(), philly)
	if !errors.Is(err, ErrRunTimeout) {
		t.Fatalf("err = %v, want ErrRunTimeout", err)
	}
}

func TestApifyStartErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		api := &fakeApify{t: t, startStatus: tt.status}
		srv := httptest.NewServer(api)

		_, err := newTestProvider(srv).Fetch(context.Background(), philly)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
			t.Errorf("status %d: err = %v", tt.status, err)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tt.status, IsRetryable(err), tt.retryable)
		}
		srv.Close()
	}
}

func TestApifyConfigErrors(t *testing.T) {
	_, err := NewApifyProvider(http.DefaultClient, "").Fetch(context.Background(), philly)
	if !errors.Is(err, ErrNoAPIKey) || IsRetryable(err) {
		t.Errorf("no token: %v", err)
	}

	req := philly
	req.SourceID = "craigslist"
	_, err = NewApifyProvider(http.DefaultClient, "t").Fetch(context.Background(), req)
	if !errors.Is(err, ErrUnknownSource) || IsRetryable(err) {
		t.Errorf("unknown source: %v", err)
	}
}

func TestApifyCancelledWhilePolling(t *testing.T) {
	api := &fakeApify{t: t, runStatuses: []string{"RUNNING"}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	p := newTestProvider(srv)
	p.pollDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Fetch(ctx, philly)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if IsRetryable(err) {
		t.Error("cancellation should not be retryable")
	}
}

func TestEstimateCostCents(t *testing.T) {
	for n, want := range map[int]int{0: 1, 9: 1, 10: 1, 25: 2, 1000: 100} {
		if got := EstimateCostCents(n); got != want {
			t.Errorf("EstimateCostCents(%d) = %d, want %d", n, got, want)
		}
	}
}
