package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"homescout_ingest/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS listings (
	id UUID PRIMARY KEY,
	external_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL,
	address_normalized TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	zip_code TEXT NOT NULL DEFAULT '',
	neighborhood TEXT NOT NULL DEFAULT '',
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	rent INTEGER NOT NULL,
	bedrooms INTEGER NOT NULL,
	bathrooms DOUBLE PRECISION NOT NULL,
	sqft INTEGER,
	property_type TEXT NOT NULL DEFAULT 'Apartment',
	available_date TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	amenities TEXT[] NOT NULL DEFAULT '{}',
	images TEXT[] NOT NULL DEFAULT '{}',
	source_url TEXT NOT NULL DEFAULT '',
	content_hash VARCHAR(64) NOT NULL UNIQUE,
	data_quality_score INTEGER NOT NULL DEFAULT 50,
	freshness_confidence INTEGER NOT NULL DEFAULT 100 CHECK (freshness_confidence BETWEEN 0 AND 100),
	confidence_updated_at TIMESTAMPTZ,
	verification_status VARCHAR(20),
	verified_at TIMESTAMPTZ,
	verification_requested_at TIMESTAMPTZ,
	times_seen INTEGER NOT NULL DEFAULT 1,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	market_id VARCHAR(50) NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
	id VARCHAR(50) PRIMARY KEY,
	display_name VARCHAR(200) NOT NULL,
	city VARCHAR(100) NOT NULL,
	state VARCHAR(10) NOT NULL,
	tier VARCHAR(20) NOT NULL DEFAULT 'cool',
	source_id VARCHAR(50) NOT NULL DEFAULT 'apartments_com',
	is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	max_listings_per_scrape INTEGER NOT NULL DEFAULT 100,
	scrape_frequency_hours INTEGER NOT NULL DEFAULT 24,
	last_scrape_at TIMESTAMPTZ,
	last_scrape_status VARCHAR(20) NOT NULL DEFAULT '',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS scrape_jobs (
	id UUID PRIMARY KEY,
	source_id VARCHAR(50) NOT NULL DEFAULT '',
	job_type VARCHAR(20) NOT NULL DEFAULT 'scheduled',
	market_id VARCHAR(50) NOT NULL DEFAULT '',
	target_city VARCHAR(100) NOT NULL DEFAULT '',
	target_state VARCHAR(10) NOT NULL DEFAULT '',
	status VARCHAR(20) NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	listings_found INTEGER NOT NULL DEFAULT 0,
	listings_new INTEGER NOT NULL DEFAULT 0,
	listings_updated INTEGER NOT NULL DEFAULT 0,
	listings_duplicates INTEGER NOT NULL DEFAULT 0,
	listings_errors INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	external_job_id TEXT NOT NULL DEFAULT '',
	external_job_url TEXT NOT NULL DEFAULT '',
	api_calls_made INTEGER NOT NULL DEFAULT 0,
	cost_cents INTEGER NOT NULL DEFAULT 0,
	raw_archive_key TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS data_sources (
	id VARCHAR(50) PRIMARY KEY,
	name VARCHAR(100) NOT NULL,
	provider VARCHAR(50) NOT NULL DEFAULT 'apify',
	actor_id TEXT NOT NULL DEFAULT '',
	is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	rate_limit_per_hour INTEGER NOT NULL DEFAULT 10,
	rate_limit_per_day INTEGER NOT NULL DEFAULT 100,
	monthly_budget_cents INTEGER NOT NULL DEFAULT 0,
	current_hour_calls INTEGER NOT NULL DEFAULT 0,
	current_day_calls INTEGER NOT NULL DEFAULT 0,
	hour_reset_at TIMESTAMPTZ,
	day_reset_at TIMESTAMPTZ,
	current_month_cost_cents INTEGER NOT NULL DEFAULT 0,
	total_listings_scraped INTEGER NOT NULL DEFAULT 0,
	total_scrapes INTEGER NOT NULL DEFAULT 0,
	successful_scrapes INTEGER NOT NULL DEFAULT 0,
	last_scrape_at TIMESTAMPTZ,
	last_scrape_status VARCHAR(20) NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_listings_city_active ON listings (city, is_active);
CREATE INDEX IF NOT EXISTS idx_listings_freshness ON listings (freshness_confidence);
CREATE INDEX IF NOT EXISTS idx_listings_verification ON listings (verification_status);
CREATE INDEX IF NOT EXISTS idx_listings_market ON listings (market_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON scrape_jobs (status, started_at);
`

// =============================================================================
// Listings
// =============================================================================

func (s *PostgresStore) InsertListings(ctx context.Context, listings []*models.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	// A unit that went inactive and reappears in a scrape is revived in place.
	query := `
		INSERT INTO listings (` + listingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35)
		ON CONFLICT (content_hash) DO UPDATE SET
			is_active = TRUE,
			freshness_confidence = 100,
			confidence_updated_at = EXCLUDED.updated_at,
			verification_status = NULL,
			verification_requested_at = NULL,
			times_seen = listings.times_seen + 1,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, l := range listings {
		batch.Queue(query,
			l.ID, l.ExternalID, l.Source, l.Address, l.AddressNormalized, l.City, l.State, l.ZipCode,
			l.Neighborhood, l.Latitude, l.Longitude, l.Rent, l.Bedrooms, l.Bathrooms, l.Sqft, l.PropertyType,
			l.AvailableDate, l.Description, nonNil(l.Amenities), nonNil(l.Images), l.SourceURL, l.ContentHash, l.DataQualityScore,
			l.FreshnessConfidence, l.ConfidenceUpdatedAt, nullStatus(l.VerificationStatus), l.VerifiedAt,
			l.VerificationRequestedAt, l.TimesSeen, l.FirstSeenAt, l.LastSeenAt, l.IsActive, l.MarketID,
			l.CreatedAt, l.UpdatedAt,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	for _, l := range listings {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert listing %s: %w", l.ContentHash, err)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ApplyReseen(ctx context.Context, u models.ReseenUpdate, now time.Time) error {
	var images []string
	if len(u.Images) > 0 {
		images = u.Images
	}
	var description *string
	if len(u.Description) > models.ReseenDescriptionFloor {
		description = &u.Description
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE listings SET
			last_seen_at = $1,
			freshness_confidence = 100,
			confidence_updated_at = $1,
			times_seen = times_seen + 1,
			images = COALESCE($2, images),
			description = COALESCE($3, description),
			updated_at = $1
		WHERE id = $4`,
		now, images, description, u.ExistingID)
	return err
}

func (s *PostgresStore) DedupCorpus(ctx context.Context, city string, limit int) (map[string]uuid.UUID, []models.Listing, error) {
	hashes := make(map[string]uuid.UUID)
	pattern := "%" + city + "%"

	rows, err := s.pool.Query(ctx, `
		SELECT content_hash, id FROM listings WHERE city ILIKE $1 AND is_active`, pattern)
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		var hash string
		var id uuid.UUID
		if err := rows.Scan(&hash, &id); err != nil {
			rows.Close()
			return nil, nil, err
		}
		hashes[hash] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	listings, err := s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE city ILIKE $1 AND is_active
		ORDER BY last_seen_at DESC LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, nil, err
	}
	return hashes, listings, nil
}

func (s *PostgresStore) ListActiveListings(ctx context.Context) ([]models.Listing, error) {
	return s.queryListings(ctx, `SELECT `+listingColumns+` FROM listings WHERE is_active`)
}

func (s *PostgresStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	l, err := scanPostgresListing(s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// UpdateConfidence writes a decayed score unless the listing was re-seen
// after seenAt. It reports whether the row was updated.
func (s *PostgresStore) UpdateConfidence(ctx context.Context, id uuid.UUID, seenAt time.Time, confidence int, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET freshness_confidence = $1, confidence_updated_at = $2
		WHERE id = $3 AND last_seen_at <= $4`,
		confidence, now, id, seenAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkVerificationPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET verification_status = 'pending', verification_requested_at = $1
		WHERE id = $2 AND verification_status IS NULL`,
		now, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ClaimVerificationRetry(ctx context.Context, id uuid.UUID, requestedBefore, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET verification_requested_at = $1
		WHERE id = $2 AND verification_status = 'pending'
			AND (verification_requested_at IS NULL OR verification_requested_at < $3)`,
		now, id, requestedBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RecordVerification(ctx context.Context, id uuid.UUID, status models.VerificationStatus, now time.Time) error {
	var err error
	switch status {
	case models.VerificationVerified:
		_, err = s.pool.Exec(ctx, `
			UPDATE listings SET verification_status = 'verified', verified_at = $1,
				freshness_confidence = $2, confidence_updated_at = $1, updated_at = $1
			WHERE id = $3`,
			now, models.VerifiedConfidence, id)
	case models.VerificationGone:
		_, err = s.pool.Exec(ctx, `
			UPDATE listings SET verification_status = 'gone', verified_at = $1, is_active = FALSE, updated_at = $1
			WHERE id = $2`,
			now, id)
	default:
		return fmt.Errorf("unsupported verification outcome %q", status)
	}
	return err
}

func (s *PostgresStore) DeactivateListing(ctx context.Context, id uuid.UUID, seenAt, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET is_active = FALSE, updated_at = $1
		WHERE id = $2 AND last_seen_at <= $3`,
		now, id, seenAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) DeactivateZeroConfidence(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET is_active = FALSE, updated_at = $1
		WHERE freshness_confidence = 0 AND is_active
			AND verification_status IS DISTINCT FROM 'verified'`,
		now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeactivateNotSeenSince(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET is_active = FALSE, updated_at = $1
		WHERE is_active AND last_seen_at < $2`,
		now, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListAvailabilityCandidates(ctx context.Context, seenBefore time.Time) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE is_active AND available_date <> '' AND last_seen_at < $1`,
		seenBefore)
}

func (s *PostgresStore) CollectMetrics(ctx context.Context, now time.Time) (*models.MetricsSnapshot, error) {
	since := now.Add(-24 * time.Hour)
	snap := &models.MetricsSnapshot{TakenAt: now, Jobs24h: make(map[models.JobStatus]int)}

	var avg *float64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE created_at >= $1),
			COUNT(*) FILTER (WHERE is_active AND verification_status = 'pending'),
			AVG(freshness_confidence) FILTER (WHERE is_active)
		FROM listings`, since).Scan(&snap.ActiveListings, &snap.NewListings24h, &snap.PendingVerification, &avg)
	if err != nil {
		return nil, err
	}
	if avg != nil {
		snap.AvgConfidence = *avg
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM scrape_jobs WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		snap.Jobs24h[models.JobStatus(status)] = n
	}
	return snap, rows.Err()
}

func (s *PostgresStore) queryListings(ctx context.Context, query string, args ...any) ([]models.Listing, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanPostgresListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func scanPostgresListing(r rowScanner) (*models.Listing, error) {
	var l models.Listing
	var status *string
	err := r.Scan(
		&l.ID, &l.ExternalID, &l.Source, &l.Address, &l.AddressNormalized, &l.City, &l.State, &l.ZipCode,
		&l.Neighborhood, &l.Latitude, &l.Longitude, &l.Rent, &l.Bedrooms, &l.Bathrooms, &l.Sqft, &l.PropertyType,
		&l.AvailableDate, &l.Description, &l.Amenities, &l.Images, &l.SourceURL, &l.ContentHash, &l.DataQualityScore,
		&l.FreshnessConfidence, &l.ConfidenceUpdatedAt, &status, &l.VerifiedAt,
		&l.VerificationRequestedAt, &l.TimesSeen, &l.FirstSeenAt, &l.LastSeenAt, &l.IsActive, &l.MarketID,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if status != nil {
		l.VerificationStatus = models.VerificationStatus(*status)
	}
	return &l, nil
}

// =============================================================================
// Markets
// =============================================================================

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]models.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []models.Market
	for rows.Next() {
		m, err := scanPostgresMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*models.Market, error) {
	m, err := scanPostgresMarket(s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *PostgresStore) UpsertMarketConfig(ctx context.Context, m *models.Market) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO markets (id, display_name, city, state, tier, source_id, is_enabled,
			max_listings_per_scrape, scrape_frequency_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			tier = EXCLUDED.tier,
			source_id = EXCLUDED.source_id,
			is_enabled = EXCLUDED.is_enabled,
			max_listings_per_scrape = EXCLUDED.max_listings_per_scrape,
			scrape_frequency_hours = EXCLUDED.scrape_frequency_hours`,
		m.ID, m.DisplayName, m.City, m.State, string(m.Tier), m.SourceID, m.IsEnabled,
		m.MaxListingsPerScrape, m.ScrapeFrequencyHours)
	return err
}

func (s *PostgresStore) RecordMarketScrape(ctx context.Context, id string, status models.ScrapeStatus, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE markets SET
			last_scrape_at = $1,
			last_scrape_status = $2,
			consecutive_failures = CASE WHEN $2 = 'failed' THEN consecutive_failures + 1 ELSE 0 END
		WHERE id = $3`,
		now, string(status), id)
	return err
}

func (s *PostgresStore) ResetCircuitBreakers(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE markets SET consecutive_failures = 0 WHERE consecutive_failures > 0`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPostgresMarket(r rowScanner) (*models.Market, error) {
	var m models.Market
	var tier, status string
	err := r.Scan(&m.ID, &m.DisplayName, &m.City, &m.State, &tier, &m.SourceID, &m.IsEnabled,
		&m.MaxListingsPerScrape, &m.ScrapeFrequencyHours, &m.LastScrapeAt, &status,
		&m.ConsecutiveFailures, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Tier = models.Tier(tier)
	m.LastScrapeStatus = models.ScrapeStatus(status)
	return &m, nil
}

// =============================================================================
// Scrape Jobs
// =============================================================================

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.ScrapeJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_jobs (id, source_id, job_type, market_id, target_city, target_state,
			status, attempts, created_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.SourceID, string(job.JobType), job.MarketID, job.TargetCity, job.TargetState,
		string(job.Status), job.Attempts, job.CreatedAt, job.StartedAt)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.ScrapeJob, error) {
	var job models.ScrapeJob
	var jobType, status string
	err := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id).Scan(
		&job.ID, &job.SourceID, &jobType, &job.MarketID, &job.TargetCity, &job.TargetState,
		&status, &job.Attempts, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.ListingsFound,
		&job.ListingsNew, &job.ListingsUpdated, &job.ListingsDuplicates, &job.ListingsErrors,
		&job.ErrorMessage, &job.ExternalJobID, &job.ExternalJobURL, &job.APICallsMade,
		&job.CostCents, &job.RawArchiveKey,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.JobType = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	return &job, nil
}

func (s *PostgresStore) StartJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs SET status = 'running', attempts = attempts + 1,
			started_at = COALESCE(started_at, $1)
		WHERE id = $2 AND status IN ('pending', 'running')`,
		now, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, job *models.ScrapeJob) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs SET status = $1, completed_at = $2, listings_found = $3, listings_new = $4,
			listings_updated = $5, listings_duplicates = $6, listings_errors = $7, error_message = $8,
			external_job_id = $9, external_job_url = $10, api_calls_made = $11, cost_cents = $12,
			raw_archive_key = $13
		WHERE id = $14 AND status IN ('pending', 'running')`,
		string(job.Status), job.CompletedAt, job.ListingsFound, job.ListingsNew,
		job.ListingsUpdated, job.ListingsDuplicates, job.ListingsErrors, job.ErrorMessage,
		job.ExternalJobID, job.ExternalJobURL, job.APICallsMade, job.CostCents,
		job.RawArchiveKey, job.ID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UnfinishedJobCities(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT target_city FROM scrape_jobs WHERE status IN ('pending', 'running')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cities := make(map[string]bool)
	for rows.Next() {
		var city string
		if err := rows.Scan(&city); err != nil {
			return nil, err
		}
		cities[strings.ToLower(city)] = true
	}
	return cities, rows.Err()
}

func (s *PostgresStore) FailStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs SET status = 'failed', completed_at = $1, error_message = $2
		WHERE (status = 'running' AND started_at < $3)
			OR (status = 'pending' AND created_at < $3)`,
		now, staleJobMessage, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// Data Sources
// =============================================================================

func (s *PostgresStore) GetDataSource(ctx context.Context, id string) (*models.DataSource, error) {
	var d models.DataSource
	var status string
	err := s.pool.QueryRow(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id = $1`, id).Scan(
		&d.ID, &d.Name, &d.Provider, &d.ActorID, &d.IsEnabled, &d.RateLimitPerHour, &d.RateLimitPerDay,
		&d.MonthlyBudgetCents, &d.CurrentHourCalls, &d.CurrentDayCalls, &d.HourResetAt, &d.DayResetAt,
		&d.CurrentMonthCostCents, &d.TotalListingsScraped, &d.TotalScrapes, &d.SuccessfulScrapes,
		&d.LastScrapeAt, &status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.LastScrapeStatus = models.ScrapeStatus(status)
	return &d, nil
}

func (s *PostgresStore) UpsertDataSourceConfig(ctx context.Context, d *models.DataSource) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO data_sources (id, name, provider, actor_id, is_enabled, rate_limit_per_hour,
			rate_limit_per_day, monthly_budget_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			provider = EXCLUDED.provider,
			actor_id = EXCLUDED.actor_id,
			is_enabled = EXCLUDED.is_enabled,
			rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
			rate_limit_per_day = EXCLUDED.rate_limit_per_day,
			monthly_budget_cents = EXCLUDED.monthly_budget_cents`,
		d.ID, d.Name, d.Provider, d.ActorID, d.IsEnabled, d.RateLimitPerHour,
		d.RateLimitPerDay, d.MonthlyBudgetCents)
	return err
}

func (s *PostgresStore) RecordSourceUsage(ctx context.Context, id string, usage models.SourceUsage) error {
	status := models.ScrapeFailed
	success := 0
	if usage.Success {
		status = models.ScrapeCompleted
		success = 1
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE data_sources SET
			current_hour_calls = current_hour_calls + $1,
			current_day_calls = current_day_calls + $1,
			current_month_cost_cents = current_month_cost_cents + $2,
			total_listings_scraped = total_listings_scraped + $3,
			total_scrapes = total_scrapes + 1,
			successful_scrapes = successful_scrapes + $4,
			last_scrape_at = $5,
			last_scrape_status = $6
		WHERE id = $7`,
		usage.Calls, usage.CostCents, usage.Listings, success, usage.At, string(status), id)
	return err
}

func (s *PostgresStore) ResetRateLimits(ctx context.Context, period models.RateLimitPeriod, now time.Time) (int64, error) {
	next := now.Add(resetWindow(period))
	var query string
	args := []any{next}
	switch period {
	case models.PeriodHour:
		query = `UPDATE data_sources SET current_hour_calls = 0, hour_reset_at = $1`
	case models.PeriodDay:
		query = `UPDATE data_sources SET current_day_calls = 0, day_reset_at = $1`
	case models.PeriodMonth:
		query = `UPDATE data_sources SET current_month_cost_cents = 0`
		args = nil
	default:
		return 0, fmt.Errorf("unknown rate limit period %q", period)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
