package scraper

import (
	"context"
	"errors"

	"homescout_ingest/models"
)

// Provider is the external scrape capability: fetch raw records for a city.
type Provider interface {
	Fetch(ctx context.Context, req models.FetchRequest) (*models.FetchResult, error)
}

var (
	ErrNoAPIKey      = errors.New("scraper: api token not configured")
	ErrUnknownSource = errors.New("scraper: unknown source")
	ErrRunTimeout    = errors.New("scraper: provider run timed out")
	ErrRunFailed     = errors.New("scraper: provider run failed")
)

// IsRetryable reports whether a fetch error is transient. Configuration
// problems and cancellation are not; network errors, provider timeouts and
// failed runs are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNoAPIKey), errors.Is(err, ErrUnknownSource):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
