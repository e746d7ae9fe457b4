package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"homescout_ingest/models"
)

// Store is the relational state the pipeline reads and writes. Every mutating
// method touches only the columns its caller owns, so the scrape worker, the
// freshness engine and maintenance can write the same rows concurrently.
// Lookups of a missing row return (nil, nil).
type Store interface {
	// Listings
	InsertListings(ctx context.Context, listings []*models.Listing) error
	ApplyReseen(ctx context.Context, u models.ReseenUpdate, now time.Time) error
	DedupCorpus(ctx context.Context, city string, limit int) (map[string]uuid.UUID, []models.Listing, error)
	ListActiveListings(ctx context.Context) ([]models.Listing, error)
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	UpdateConfidence(ctx context.Context, id uuid.UUID, seenAt time.Time, confidence int, now time.Time) (bool, error)
	MarkVerificationPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ClaimVerificationRetry(ctx context.Context, id uuid.UUID, requestedBefore, now time.Time) (bool, error)
	RecordVerification(ctx context.Context, id uuid.UUID, status models.VerificationStatus, now time.Time) error
	DeactivateListing(ctx context.Context, id uuid.UUID, seenAt, now time.Time) (bool, error)
	DeactivateZeroConfidence(ctx context.Context, now time.Time) (int64, error)
	DeactivateNotSeenSince(ctx context.Context, cutoff, now time.Time) (int64, error)
	ListAvailabilityCandidates(ctx context.Context, seenBefore time.Time) ([]models.Listing, error)
	CollectMetrics(ctx context.Context, now time.Time) (*models.MetricsSnapshot, error)

	// Markets
	ListMarkets(ctx context.Context) ([]models.Market, error)
	GetMarket(ctx context.Context, id string) (*models.Market, error)
	UpsertMarketConfig(ctx context.Context, m *models.Market) error
	RecordMarketScrape(ctx context.Context, id string, status models.ScrapeStatus, now time.Time) error
	ResetCircuitBreakers(ctx context.Context) (int64, error)

	// Scrape jobs
	CreateJob(ctx context.Context, job *models.ScrapeJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.ScrapeJob, error)
	StartJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	FinishJob(ctx context.Context, job *models.ScrapeJob) (bool, error)
	UnfinishedJobCities(ctx context.Context) (map[string]bool, error)
	FailStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error)

	// Data sources
	GetDataSource(ctx context.Context, id string) (*models.DataSource, error)
	UpsertDataSourceConfig(ctx context.Context, d *models.DataSource) error
	RecordSourceUsage(ctx context.Context, id string, usage models.SourceUsage) error
	ResetRateLimits(ctx context.Context, period models.RateLimitPeriod, now time.Time) (int64, error)
}

const listingColumns = `id, external_id, source, address, address_normalized, city, state, zip_code,
	neighborhood, latitude, longitude, rent, bedrooms, bathrooms, sqft, property_type,
	available_date, description, amenities, images, source_url, content_hash, data_quality_score,
	freshness_confidence, confidence_updated_at, verification_status, verified_at,
	verification_requested_at, times_seen, first_seen_at, last_seen_at, is_active, market_id,
	created_at, updated_at`

const marketColumns = `id, display_name, city, state, tier, source_id, is_enabled, max_listings_per_scrape,
	scrape_frequency_hours, last_scrape_at, last_scrape_status, consecutive_failures, created_at`

const jobColumns = `id, source_id, job_type, market_id, target_city, target_state, status, attempts,
	created_at, started_at, completed_at, listings_found, listings_new, listings_updated,
	listings_duplicates, listings_errors, error_message, external_job_id, external_job_url,
	api_calls_made, cost_cents, raw_archive_key`

const dataSourceColumns = `id, name, provider, actor_id, is_enabled, rate_limit_per_hour, rate_limit_per_day,
	monthly_budget_cents, current_hour_calls, current_day_calls, hour_reset_at, day_reset_at,
	current_month_cost_cents, total_listings_scraped, total_scrapes, successful_scrapes,
	last_scrape_at, last_scrape_status`

// staleJobMessage is recorded on jobs force-failed by maintenance.
const staleJobMessage = "abandoned: no completion within stale window"

type rowScanner interface {
	Scan(dest ...any) error
}

// resetWindow is how far ahead the next counter reset is stamped.
func resetWindow(period models.RateLimitPeriod) time.Duration {
	switch period {
	case models.PeriodHour:
		return time.Hour
	case models.PeriodDay:
		return 24 * time.Hour
	default:
		return 0
	}
}
