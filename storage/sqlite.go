package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"homescout_ingest/models"
)

// SQLiteStore holds the daemon's operational tables (commands, scrape logs)
// and, for local runs, the full listing/market/job schema.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL,
		address_normalized TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		zip_code TEXT NOT NULL DEFAULT '',
		neighborhood TEXT NOT NULL DEFAULT '',
		latitude REAL,
		longitude REAL,
		rent INTEGER NOT NULL,
		bedrooms INTEGER NOT NULL,
		bathrooms REAL NOT NULL,
		sqft INTEGER,
		property_type TEXT NOT NULL DEFAULT 'Apartment',
		available_date TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		amenities TEXT NOT NULL DEFAULT '[]',
		images TEXT NOT NULL DEFAULT '[]',
		source_url TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL UNIQUE,
		data_quality_score INTEGER NOT NULL DEFAULT 50,
		freshness_confidence INTEGER NOT NULL DEFAULT 100,
		confidence_updated_at DATETIME,
		verification_status TEXT,
		verified_at DATETIME,
		verification_requested_at DATETIME,
		times_seen INTEGER NOT NULL DEFAULT 1,
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		market_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS markets (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		city TEXT NOT NULL,
		state TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT 'cool',
		source_id TEXT NOT NULL DEFAULT 'apartments_com',
		is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		max_listings_per_scrape INTEGER NOT NULL DEFAULT 100,
		scrape_frequency_hours INTEGER NOT NULL DEFAULT 24,
		last_scrape_at DATETIME,
		last_scrape_status TEXT NOT NULL DEFAULT '',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scrape_jobs (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL DEFAULT '',
		job_type TEXT NOT NULL DEFAULT 'scheduled',
		market_id TEXT NOT NULL DEFAULT '',
		target_city TEXT NOT NULL DEFAULT '',
		target_state TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
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
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'apify',
		actor_id TEXT NOT NULL DEFAULT '',
		is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		rate_limit_per_hour INTEGER NOT NULL DEFAULT 10,
		rate_limit_per_day INTEGER NOT NULL DEFAULT 100,
		monthly_budget_cents INTEGER NOT NULL DEFAULT 0,
		current_hour_calls INTEGER NOT NULL DEFAULT 0,
		current_day_calls INTEGER NOT NULL DEFAULT 0,
		hour_reset_at DATETIME,
		day_reset_at DATETIME,
		current_month_cost_cents INTEGER NOT NULL DEFAULT 0,
		total_listings_scraped INTEGER NOT NULL DEFAULT 0,
		total_scrapes INTEGER NOT NULL DEFAULT 0,
		successful_scrapes INTEGER NOT NULL DEFAULT 0,
		last_scrape_at DATETIME,
		last_scrape_status TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id INTEGER PRIMARY KEY,
		job_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		market_id TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_listings_city_active ON listings(city, is_active);
	CREATE INDEX IF NOT EXISTS idx_listings_freshness ON listings(freshness_confidence);
	CREATE INDEX IF NOT EXISTS idx_listings_verification ON listings(verification_status);
	CREATE INDEX IF NOT EXISTS idx_listings_market ON listings(market_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON scrape_jobs(status, started_at);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_logs_job ON scrape_logs(job_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Listings
// =============================================================================

func (s *SQLiteStore) InsertListings(ctx context.Context, listings []*models.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// A unit that went inactive and reappears in a scrape is revived in place.
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			is_active = TRUE,
			freshness_confidence = 100,
			confidence_updated_at = excluded.updated_at,
			verification_status = NULL,
			verification_requested_at = NULL,
			times_seen = listings.times_seen + 1,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range listings {
		amenities, _ := json.Marshal(nonNil(l.Amenities))
		images, _ := json.Marshal(nonNil(l.Images))
		_, err := stmt.ExecContext(ctx,
			l.ID, l.ExternalID, l.Source, l.Address, l.AddressNormalized, l.City, l.State, l.ZipCode,
			l.Neighborhood, l.Latitude, l.Longitude, l.Rent, l.Bedrooms, l.Bathrooms, l.Sqft, l.PropertyType,
			l.AvailableDate, l.Description, string(amenities), string(images), l.SourceURL, l.ContentHash, l.DataQualityScore,
			l.FreshnessConfidence, utcPtr(l.ConfidenceUpdatedAt), nullStatus(l.VerificationStatus), utcPtr(l.VerifiedAt),
			utcPtr(l.VerificationRequestedAt), l.TimesSeen, l.FirstSeenAt.UTC(), l.LastSeenAt.UTC(), l.IsActive, l.MarketID,
			l.CreatedAt.UTC(), l.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert listing %s: %w", l.ContentHash, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ApplyReseen(ctx context.Context, u models.ReseenUpdate, now time.Time) error {
	now = now.UTC()
	var images any
	if len(u.Images) > 0 {
		data, _ := json.Marshal(u.Images)
		images = string(data)
	}
	var description any
	if len(u.Description) > models.ReseenDescriptionFloor {
		description = u.Description
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE listings SET
			last_seen_at = ?,
			freshness_confidence = 100,
			confidence_updated_at = ?,
			times_seen = times_seen + 1,
			images = COALESCE(?, images),
			description = COALESCE(?, description),
			updated_at = ?
		WHERE id = ?`,
		now, now, images, description, now, u.ExistingID)
	return err
}

func (s *SQLiteStore) DedupCorpus(ctx context.Context, city string, limit int) (map[string]uuid.UUID, []models.Listing, error) {
	hashes := make(map[string]uuid.UUID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT content_hash, id FROM listings
		WHERE city LIKE '%' || ? || '%' AND is_active = TRUE`, city)
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
		WHERE city LIKE '%' || ? || '%' AND is_active = TRUE
		ORDER BY last_seen_at DESC LIMIT ?`, city, limit)
	if err != nil {
		return nil, nil, err
	}
	return hashes, listings, nil
}

func (s *SQLiteStore) ListActiveListings(ctx context.Context) ([]models.Listing, error) {
	return s.queryListings(ctx, `SELECT `+listingColumns+` FROM listings WHERE is_active = TRUE`)
}

func (s *SQLiteStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanSQLiteListing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

func (s *SQLiteStore) UpdateConfidence(ctx context.Context, id uuid.UUID, seenAt time.Time, confidence int, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings SET freshness_confidence = ?, confidence_updated_at = ?
		WHERE id = ? AND last_seen_at <= ?`,
		confidence, now.UTC(), id, seenAt.UTC())
	return affectedOne(result, err)
}

func (s *SQLiteStore) MarkVerificationPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings SET verification_status = 'pending', verification_requested_at = ?
		WHERE id = ? AND verification_status IS NULL`,
		now.UTC(), id)
	return affectedOne(result, err)
}

func (s *SQLiteStore) ClaimVerificationRetry(ctx context.Context, id uuid.UUID, requestedBefore, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings SET verification_requested_at = ?
		WHERE id = ? AND verification_status = 'pending'
			AND (verification_requested_at IS NULL OR verification_requested_at < ?)`,
		now.UTC(), id, requestedBefore.UTC())
	return affectedOne(result, err)
}

func (s *SQLiteStore) RecordVerification(ctx context.Context, id uuid.UUID, status models.VerificationStatus, now time.Time) error {
	now = now.UTC()
	var err error
	switch status {
	case models.VerificationVerified:
		_, err = s.db.ExecContext(ctx, `
			UPDATE listings SET verification_status = 'verified', verified_at = ?,
				freshness_confidence = ?, confidence_updated_at = ?, updated_at = ?
			WHERE id = ?`,
			now, models.VerifiedConfidence, now, now, id)
	case models.VerificationGone:
		_, err = s.db.ExecContext(ctx, `
			UPDATE listings SET verification_status = 'gone', verified_at = ?, is_active = FALSE, updated_at = ?
			WHERE id = ?`,
			now, now, id)
	default:
		return fmt.Errorf("unsupported verification outcome %q", status)
	}
	return err
}

func (s *SQLiteStore) DeactivateListing(ctx context.Context, id uuid.UUID, seenAt, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings SET is_active = FALSE, updated_at = ?
		WHERE id = ? AND last_seen_at <= ?`,
		now.UTC(), id, seenAt.UTC())
	return affectedOne(result, err)
}

func (s *SQLiteStore) DeactivateZeroConfidence(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings SET is_active = FALSE, updated_at = ?
		WHERE freshness_confidence = 0 AND is_active = TRUE
			AND (verification_status IS NULL OR verification_status != 'verified')`,
		now.UTC())
	return rowsAffected(result, err)
}

func (s *SQLiteStore) DeactivateNotSeenSince(ctx context.Context, cutoff, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings SET is_active = FALSE, updated_at = ?
		WHERE is_active = TRUE AND last_seen_at < ?`,
		now.UTC(), cutoff.UTC())
	return rowsAffected(result, err)
}

func (s *SQLiteStore) ListAvailabilityCandidates(ctx context.Context, seenBefore time.Time) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE is_active = TRUE AND available_date != '' AND last_seen_at < ?`,
		seenBefore.UTC())
}

func (s *SQLiteStore) CollectMetrics(ctx context.Context, now time.Time) (*models.MetricsSnapshot, error) {
	since := now.Add(-24 * time.Hour).UTC()
	snap := &models.MetricsSnapshot{TakenAt: now, Jobs24h: make(map[models.JobStatus]int)}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_active AND verification_status = 'pending' THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN is_active THEN freshness_confidence END)
		FROM listings`, since).Scan(&snap.ActiveListings, &snap.NewListings24h, &snap.PendingVerification, &avg)
	if err != nil {
		return nil, err
	}
	snap.AvgConfidence = avg.Float64

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM scrape_jobs WHERE created_at >= ? GROUP BY status`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		snap.Jobs24h[status] = n
	}
	return snap, rows.Err()
}

func (s *SQLiteStore) queryListings(ctx context.Context, query string, args ...any) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanSQLiteListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func scanSQLiteListing(r rowScanner) (*models.Listing, error) {
	var l models.Listing
	var lat, lng sql.NullFloat64
	var sqft sql.NullInt64
	var amenities, images string
	var confidenceAt, verifiedAt, requestedAt sql.NullTime
	var status sql.NullString

	err := r.Scan(
		&l.ID, &l.ExternalID, &l.Source, &l.Address, &l.AddressNormalized, &l.City, &l.State, &l.ZipCode,
		&l.Neighborhood, &lat, &lng, &l.Rent, &l.Bedrooms, &l.Bathrooms, &sqft, &l.PropertyType,
		&l.AvailableDate, &l.Description, &amenities, &images, &l.SourceURL, &l.ContentHash, &l.DataQualityScore,
		&l.FreshnessConfidence, &confidenceAt, &status, &verifiedAt,
		&requestedAt, &l.TimesSeen, &l.FirstSeenAt, &l.LastSeenAt, &l.IsActive, &l.MarketID,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lat.Valid {
		l.Latitude = &lat.Float64
	}
	if lng.Valid {
		l.Longitude = &lng.Float64
	}
	if sqft.Valid {
		v := int(sqft.Int64)
		l.Sqft = &v
	}
	l.ConfidenceUpdatedAt = timePtr(confidenceAt)
	l.VerifiedAt = timePtr(verifiedAt)
	l.VerificationRequestedAt = timePtr(requestedAt)
	l.VerificationStatus = models.VerificationStatus(status.String)
	json.Unmarshal([]byte(amenities), &l.Amenities)
	json.Unmarshal([]byte(images), &l.Images)

	return &l, nil
}

// =============================================================================
// Markets
// =============================================================================

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]models.Market, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []models.Market
	for rows.Next() {
		m, err := scanSQLiteMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*models.Market, error) {
	m, err := scanSQLiteMarket(s.db.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UpsertMarketConfig writes the administered fields only; scrape bookkeeping
// on an existing row is left alone.
func (s *SQLiteStore) UpsertMarketConfig(ctx context.Context, m *models.Market) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets (id, display_name, city, state, tier, source_id, is_enabled,
			max_listings_per_scrape, scrape_frequency_hours, consecutive_failures, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			city = excluded.city,
			state = excluded.state,
			tier = excluded.tier,
			source_id = excluded.source_id,
			is_enabled = excluded.is_enabled,
			max_listings_per_scrape = excluded.max_listings_per_scrape,
			scrape_frequency_hours = excluded.scrape_frequency_hours`,
		m.ID, m.DisplayName, m.City, m.State, m.Tier, m.SourceID, m.IsEnabled,
		m.MaxListingsPerScrape, m.ScrapeFrequencyHours, time.Now().UTC())
	return err
}

func (s *SQLiteStore) RecordMarketScrape(ctx context.Context, id string, status models.ScrapeStatus, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE markets SET
			last_scrape_at = ?,
			last_scrape_status = ?,
			consecutive_failures = CASE WHEN ? = 'failed' THEN consecutive_failures + 1 ELSE 0 END
		WHERE id = ?`,
		now.UTC(), status, status, id)
	return err
}

func (s *SQLiteStore) ResetCircuitBreakers(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE markets SET consecutive_failures = 0 WHERE consecutive_failures > 0`)
	return rowsAffected(result, err)
}

func scanSQLiteMarket(r rowScanner) (*models.Market, error) {
	var m models.Market
	var lastScrape sql.NullTime
	err := r.Scan(&m.ID, &m.DisplayName, &m.City, &m.State, &m.Tier, &m.SourceID, &m.IsEnabled,
		&m.MaxListingsPerScrape, &m.ScrapeFrequencyHours, &lastScrape, &m.LastScrapeStatus,
		&m.ConsecutiveFailures, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.LastScrapeAt = timePtr(lastScrape)
	return &m, nil
}

// =============================================================================
// Scrape Jobs
// =============================================================================

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.ScrapeJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_jobs (id, source_id, job_type, market_id, target_city, target_state,
			status, attempts, created_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceID, job.JobType, job.MarketID, job.TargetCity, job.TargetState,
		job.Status, job.Attempts, job.CreatedAt.UTC(), utcPtr(job.StartedAt))
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*models.ScrapeJob, error) {
	var job models.ScrapeJob
	var started, completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = ?`, id).Scan(
		&job.ID, &job.SourceID, &job.JobType, &job.MarketID, &job.TargetCity, &job.TargetState,
		&job.Status, &job.Attempts, &job.CreatedAt, &started, &completed, &job.ListingsFound,
		&job.ListingsNew, &job.ListingsUpdated, &job.ListingsDuplicates, &job.ListingsErrors,
		&job.ErrorMessage, &job.ExternalJobID, &job.ExternalJobURL, &job.APICallsMade,
		&job.CostCents, &job.RawArchiveKey,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	return &job, nil
}

// StartJob moves a job to running and counts the attempt. It reports false
// when the job already reached a terminal status.
func (s *SQLiteStore) StartJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs SET status = 'running', attempts = attempts + 1,
			started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN ('pending', 'running')`,
		now.UTC(), id)
	return affectedOne(result, err)
}

// FinishJob writes the terminal status and metrics. A job that maintenance
// already force-failed is not overwritten.
func (s *SQLiteStore) FinishJob(ctx context.Context, job *models.ScrapeJob) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs SET status = ?, completed_at = ?, listings_found = ?, listings_new = ?,
			listings_updated = ?, listings_duplicates = ?, listings_errors = ?, error_message = ?,
			external_job_id = ?, external_job_url = ?, api_calls_made = ?, cost_cents = ?,
			raw_archive_key = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		job.Status, utcPtr(job.CompletedAt), job.ListingsFound, job.ListingsNew,
		job.ListingsUpdated, job.ListingsDuplicates, job.ListingsErrors, job.ErrorMessage,
		job.ExternalJobID, job.ExternalJobURL, job.APICallsMade, job.CostCents,
		job.RawArchiveKey, job.ID)
	return affectedOne(result, err)
}

func (s *SQLiteStore) UnfinishedJobCities(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
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

func (s *SQLiteStore) FailStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs SET status = 'failed', completed_at = ?, error_message = ?
		WHERE (status = 'running' AND started_at < ?)
			OR (status = 'pending' AND created_at < ?)`,
		now.UTC(), staleJobMessage, cutoff.UTC(), cutoff.UTC())
	return rowsAffected(result, err)
}

// =============================================================================
// Data Sources
// =============================================================================

func (s *SQLiteStore) GetDataSource(ctx context.Context, id string) (*models.DataSource, error) {
	var d models.DataSource
	var hourReset, dayReset, lastScrape sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id = ?`, id).Scan(
		&d.ID, &d.Name, &d.Provider, &d.ActorID, &d.IsEnabled, &d.RateLimitPerHour, &d.RateLimitPerDay,
		&d.MonthlyBudgetCents, &d.CurrentHourCalls, &d.CurrentDayCalls, &hourReset, &dayReset,
		&d.CurrentMonthCostCents, &d.TotalListingsScraped, &d.TotalScrapes, &d.SuccessfulScrapes,
		&lastScrape, &d.LastScrapeStatus,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.HourResetAt = timePtr(hourReset)
	d.DayResetAt = timePtr(dayReset)
	d.LastScrapeAt = timePtr(lastScrape)
	return &d, nil
}

func (s *SQLiteStore) UpsertDataSourceConfig(ctx context.Context, d *models.DataSource) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_sources (id, name, provider, actor_id, is_enabled, rate_limit_per_hour,
			rate_limit_per_day, monthly_budget_cents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			provider = excluded.provider,
			actor_id = excluded.actor_id,
			is_enabled = excluded.is_enabled,
			rate_limit_per_hour = excluded.rate_limit_per_hour,
			rate_limit_per_day = excluded.rate_limit_per_day,
			monthly_budget_cents = excluded.monthly_budget_cents`,
		d.ID, d.Name, d.Provider, d.ActorID, d.IsEnabled, d.RateLimitPerHour,
		d.RateLimitPerDay, d.MonthlyBudgetCents)
	return err
}

func (s *SQLiteStore) RecordSourceUsage(ctx context.Context, id string, usage models.SourceUsage) error {
	status := models.ScrapeFailed
	success := 0
	if usage.Success {
		status = models.ScrapeCompleted
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE data_sources SET
			current_hour_calls = current_hour_calls + ?,
			current_day_calls = current_day_calls + ?,
			current_month_cost_cents = current_month_cost_cents + ?,
			total_listings_scraped = total_listings_scraped + ?,
			total_scrapes = total_scrapes + 1,
			successful_scrapes = successful_scrapes + ?,
			last_scrape_at = ?,
			last_scrape_status = ?
		WHERE id = ?`,
		usage.Calls, usage.Calls, usage.CostCents, usage.Listings, success,
		usage.At.UTC(), status, id)
	return err
}

func (s *SQLiteStore) ResetRateLimits(ctx context.Context, period models.RateLimitPeriod, now time.Time) (int64, error) {
	next := now.Add(resetWindow(period)).UTC()
	var result sql.Result
	var err error
	switch period {
	case models.PeriodHour:
		result, err = s.db.ExecContext(ctx, `UPDATE data_sources SET current_hour_calls = 0, hour_reset_at = ?`, next)
	case models.PeriodDay:
		result, err = s.db.ExecContext(ctx, `UPDATE data_sources SET current_day_calls = 0, day_reset_at = ?`, next)
	case models.PeriodMonth:
		result, err = s.db.ExecContext(ctx, `UPDATE data_sources SET current_month_cost_cents = 0`)
	default:
		return 0, fmt.Errorf("unknown rate limit period %q", period)
	}
	return rowsAffected(result, err)
}

// =============================================================================
// Commands & Logs
// =============================================================================

func (s *SQLiteStore) Log(jobID string, level models.LogLevel, message, marketID string) error {
	_, err := s.db.Exec(`
		INSERT INTO scrape_logs (job_id, timestamp, level, message, market_id)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, time.Now().UTC(), level, message, marketID)
	return err
}

func (s *SQLiteStore) GetJobLogs(jobID string) ([]models.ScrapeLog, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, timestamp, level, message, market_id
		FROM scrape_logs WHERE job_id = ? ORDER BY timestamp, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ScrapeLog
	for rows.Next() {
		var l models.ScrapeLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.Timestamp, &l.Level, &l.Message, &l.MarketID); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) EnqueueCommand(cmd models.CommandType, params *models.CommandParams) error {
	var data []byte
	if params != nil {
		data, _ = json.Marshal(params)
	}
	_, err := s.db.Exec(`INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		cmd, string(data), time.Now().UTC())
	return err
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		var processed sql.NullTime
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &processed); err != nil {
			return nil, err
		}
		if params.Valid && params.String != "" {
			cmd.Params = json.RawMessage(params.String)
		}
		cmd.ProcessedAt = timePtr(processed)
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	if cmd.Params == nil || string(cmd.Params) == "null" {
		return &models.CommandParams{}, nil
	}
	var params models.CommandParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// =============================================================================
// Helpers
// =============================================================================

func rowsAffected(result sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func affectedOne(result sql.Result, err error) (bool, error) {
	n, err := rowsAffected(result, err)
	return n == 1, err
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStatus(s models.VerificationStatus) any {
	if s == models.VerificationNone {
		return nil
	}
	return string(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
