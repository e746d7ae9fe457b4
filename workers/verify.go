package workers

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"homescout_ingest/models"
)

const (
	verifyBodyLimit = 500 * 1024
	verifyUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// removedPhrases mark a listing page that still answers 200 but shows the unit
// is gone.
var removedPhrases = []string{
	"no longer available",
	"this listing has been removed",
	"listing not found",
	"page not found",
	"property is no longer listed",
	"this property is off the market",
}

type VerifyStore interface {
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	RecordVerification(ctx context.Context, id uuid.UUID, status models.VerificationStatus, now time.Time) error
}

// CheckResult is the outcome of probing a listing URL. Status is
// VerificationPending when the check was inconclusive.
type CheckResult struct {
	Status     models.VerificationStatus
	StatusCode int
	Error      error
}

// Verifier confirms whether a decayed listing is still live on its source.
type Verifier struct {
	store          VerifyStore
	httpClient     *http.Client
	limiter        *rate.Limiter
	browser        PageFetcher
	browserSources map[string]bool
	logFunc        LogFunc
	now            func() time.Time
}

// NewVerifier throttles outbound checks to perSecond requests (burst 1).
func NewVerifier(store VerifyStore, client *http.Client, perSecond float64) *Verifier {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Verifier{
		store:          store,
		httpClient:     client,
		limiter:        rate.NewLimiter(limit, 1),
		browserSources: make(map[string]bool),
		logFunc:        NoOpLogger,
		now:            time.Now,
	}
}

func (v *Verifier) SetLogger(fn LogFunc) {
	v.logFunc = fn
}

// UseBrowser routes listings from the given sources through a rendering
// fetcher instead of a plain GET.
func (v *Verifier) UseBrowser(fetcher PageFetcher, sources []string) {
	v.browser = fetcher
	for _, s := range sources {
		if s = strings.TrimSpace(s); s != "" {
			v.browserSources[s] = true
		}
	}
}

// HandleTask is the pool entry point for verify_listing tasks.
func (v *Verifier) HandleTask(ctx context.Context, task Task) error {
	_, err := v.Verify(ctx, task.ListingID)
	return err
}

// Verify checks one listing and records a terminal outcome. Inconclusive checks
// leave the listing pending and return no error so the decay pass can
// re-dispatch it later.
func (v *Verifier) Verify(ctx context.Context, id uuid.UUID) (models.VerificationStatus, error) {
	listing, err := v.store.GetListing(ctx, id)
	if err != nil {
		return models.VerificationNone, fmt.Errorf("load listing %s: %w", id, err)
	}
	if listing == nil {
		log.Printf("Verify: listing %s not found", id)
		return models.VerificationNone, nil
	}
	if !listing.IsActive || listing.VerificationStatus != models.VerificationPending {
		return listing.VerificationStatus, nil
	}
	if listing.SourceURL == "" {
		log.Printf("Verify: listing %s has no source URL, leaving pending", id)
		return models.VerificationPending, nil
	}

	result := v.Check(ctx, listing.Source, listing.SourceURL)
	if result.Status == models.VerificationPending {
		if result.Error != nil {
			log.Printf("Verify: check failed for %s: %v", listing.SourceURL, result.Error)
		} else {
			log.Printf("Verify: inconclusive status %d for %s", result.StatusCode, listing.SourceURL)
		}
		return models.VerificationPending, nil
	}

	if err := v.store.RecordVerification(ctx, id, result.Status, v.now()); err != nil {
		return result.Status, fmt.Errorf("record verification: %w", err)
	}

	if result.Status == models.VerificationGone {
		log.Printf("Verify: listing gone (status %d): %s", result.StatusCode, listing.SourceURL)
		v.logFunc(models.LogLevelInfo, "", fmt.Sprintf("Listing %s gone: %s", id, listing.Address), listing.MarketID)
	}
	return result.Status, nil
}

// Check fetches a listing URL without touching the store.
func (v *Verifier) Check(ctx context.Context, source, listingURL string) CheckResult {
	if err := v.limiter.Wait(ctx); err != nil {
		return CheckResult{Status: models.VerificationPending, Error: err}
	}

	if v.browser != nil && v.browserSources[source] {
		code, html, err := v.browser.FetchPage(ctx, listingURL)
		if err != nil {
			return CheckResult{Status: models.VerificationPending, Error: err}
		}
		return classify(code, strings.NewReader(html))
	}

	return v.checkWithGET(ctx, listingURL)
}

func (v *Verifier) checkWithGET(ctx context.Context, listingURL string) CheckResult {
	req, err := http.NewRequestWithContext(ctx, "GET", listingURL, nil)
	if err != nil {
		return CheckResult{Status: models.VerificationPending, Error: err}
	}
	req.Header.Set("User-Agent", verifyUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return CheckResult{Status: models.VerificationPending, Error: err}
	}
	defer resp.Body.Close()

	return classify(resp.StatusCode, io.LimitReader(resp.Body, verifyBodyLimit))
}

// classify maps a response to an outcome: 404/410 or a removed-listing phrase
// is gone. 429 and 5xx are inconclusive. Any other answer, including a
// bot wall's 401/403, means the page still exists.
func classify(code int, body io.Reader) CheckResult {
	result := CheckResult{StatusCode: code}
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		result.Status = models.VerificationGone
	case code == http.StatusTooManyRequests || code >= 500:
		result.Status = models.VerificationPending
	case code >= 200 && code < 400:
		if isRemovedPage(body) {
			result.Status = models.VerificationGone
		} else {
			result.Status = models.VerificationVerified
		}
	default:
		result.Status = models.VerificationVerified
	}
	return result
}

func isRemovedPage(body io.Reader) bool {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return false
	}
	doc.Find("script, style, noscript").Remove()
	text := strings.ToLower(doc.Find("title").Text() + " " + doc.Find("body").Text())
	for _, phrase := range removedPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}
