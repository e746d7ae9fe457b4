package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"homescout_ingest/models"
	"homescout_ingest/services"
	"homescout_ingest/workers"
)

const (
	defaultMaxRetries  = 3
	defaultRetryDelay  = 60 * time.Second
	defaultCorpusLimit = 1000

	rateLimitMessage = "rate_limit"
)

// WorkerStore is the slice of storage the scrape worker needs.
type WorkerStore interface {
	GetMarket(ctx context.Context, id string) (*models.Market, error)
	GetDataSource(ctx context.Context, id string) (*models.DataSource, error)
	CreateJob(ctx context.Context, job *models.ScrapeJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.ScrapeJob, error)
	StartJob(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	FinishJob(ctx context.Context, job *models.ScrapeJob) (bool, error)
	DedupCorpus(ctx context.Context, city string, limit int) (map[string]uuid.UUID, []models.Listing, error)
	InsertListings(ctx context.Context, listings []*models.Listing) error
	ApplyReseen(ctx context.Context, u models.ReseenUpdate, now time.Time) error
	RecordMarketScrape(ctx context.Context, id string, status models.ScrapeStatus, now time.Time) error
	RecordSourceUsage(ctx context.Context, id string, usage models.SourceUsage) error
}

// Archiver keeps the raw provider dataset of a job.
type Archiver interface {
	Archive(ctx context.Context, marketID, jobID string, at time.Time, raw []byte) (string, error)
}

// Worker runs scrape_market tasks end to end: fetch, normalize, dedup,
// persist, and book-keep the job, market and data source.
type Worker struct {
	store       WorkerStore
	provider    Provider
	queue       workers.Queue
	archive     Archiver
	normalizer  *services.Normalizer
	dedup       *services.Deduplicator
	logFunc     workers.LogFunc
	now         func() time.Time
	maxRetries  int
	retryDelay  time.Duration
	corpusLimit int
}

// NewWorker builds a worker. queue receives retries; with a nil queue every
// failure is final.
func NewWorker(store WorkerStore, provider Provider, queue workers.Queue) *Worker {
	return &Worker{
		store:       store,
		provider:    provider,
		queue:       queue,
		normalizer:  services.NewNormalizer(),
		dedup:       services.NewDeduplicator(),
		logFunc:     workers.NoOpLogger,
		now:         time.Now,
		maxRetries:  defaultMaxRetries,
		retryDelay:  defaultRetryDelay,
		corpusLimit: defaultCorpusLimit,
	}
}

func (w *Worker) SetLogger(fn workers.LogFunc) {
	w.logFunc = fn
}

// SetArchive enables raw dataset archiving.
func (w *Worker) SetArchive(a Archiver) {
	w.archive = a
}

func (w *Worker) Handle(ctx context.Context, task workers.Task) error {
	market, err := w.store.GetMarket(ctx, task.MarketID)
	if err != nil {
		return fmt.Errorf("load market %s: %w", task.MarketID, err)
	}
	if market == nil {
		log.Printf("Worker: market %s not found, dropping task %s", task.MarketID, task.ID)
		return nil
	}

	job, err := w.loadJob(ctx, task, market)
	if err != nil {
		return err
	}

	source, err := w.store.GetDataSource(ctx, market.SourceID)
	if err != nil {
		return fmt.Errorf("load data source %s: %w", market.SourceID, err)
	}
	if source == nil {
		cause := fmt.Errorf("%w: %s not configured", ErrUnknownSource, market.SourceID)
		w.log(job.ID, models.LogLevelError, fmt.Sprintf("Cannot scrape %s: %v", market.ID, cause), market.ID)
		job.Status = models.JobFailed
		job.ErrorMessage = cause.Error()
		w.finish(ctx, job)
		if err := w.store.RecordMarketScrape(ctx, market.ID, models.ScrapeFailed, w.now()); err != nil {
			log.Printf("Warning: failed to record scrape for market %s: %v", market.ID, err)
		}
		return fmt.Errorf("scrape %s: %w", market.ID, cause)
	}
	if !source.CanMakeRequest() {
		// no retry and no failure count: the market is healthy, the budget is not
		w.log(job.ID, models.LogLevelWarn, fmt.Sprintf("Skipping %s: data source %s over its limits", market.ID, market.SourceID), market.ID)
		job.Status = models.JobFailed
		job.ErrorMessage = rateLimitMessage
		w.finish(ctx, job)
		return nil
	}

	started, err := w.store.StartJob(ctx, job.ID, w.now())
	if err != nil {
		return fmt.Errorf("start job %s: %w", job.ID, err)
	}
	if !started {
		log.Printf("Worker: job %s already finished, skipping", job.ID)
		return nil
	}
	w.log(job.ID, models.LogLevelInfo, fmt.Sprintf("Scraping %s (attempt %d)", market.DisplayName, task.Attempt+1), market.ID)

	if err := w.scrape(ctx, market, job); err != nil {
		return w.handleFailure(ctx, task, market, job, err)
	}
	return nil
}

// loadJob returns the job the dispatcher created, or a manual one when the
// task carries none.
func (w *Worker) loadJob(ctx context.Context, task workers.Task, market *models.Market) (*models.ScrapeJob, error) {
	if task.JobID != uuid.Nil {
		job, err := w.store.GetJob(ctx, task.JobID)
		if err != nil {
			return nil, fmt.Errorf("load job %s: %w", task.JobID, err)
		}
		if job != nil {
			return job, nil
		}
	}

	job := models.NewScrapeJob(market, models.JobManual, w.now())
	if task.JobID != uuid.Nil {
		job.ID = task.JobID
	}
	if err := w.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (w *Worker) scrape(ctx context.Context, market *models.Market, job *models.ScrapeJob) error {
	result, err := w.provider.Fetch(ctx, models.FetchRequest{
		SourceID:    market.SourceID,
		City:        market.City,
		State:       market.State,
		MaxListings: market.MaxListingsPerScrape,
	})
	if err != nil {
		return err
	}
	now := w.now()

	job.ExternalJobID = result.ExternalJobID
	job.ExternalJobURL = result.ExternalJobURL
	job.ListingsFound = len(result.Listings) + result.ParseErrors
	job.ListingsErrors = result.ParseErrors
	job.APICallsMade = max(1, result.APICalls)
	job.CostCents = result.CostCents
	if job.CostCents == 0 {
		job.CostCents = EstimateCostCents(job.ListingsFound)
	}

	if w.archive != nil && len(result.Raw) > 0 {
		key, err := w.archive.Archive(ctx, market.ID, job.ID.String(), now, result.Raw)
		if err != nil {
			log.Printf("Warning: archive for job %s failed: %v", job.ID, err)
		} else {
			job.RawArchiveKey = key
		}
	}

	var batch []*models.Listing
	for _, raw := range result.Listings {
		res := w.normalizer.Normalize(raw)
		if !res.Success {
			job.ListingsErrors++
			log.Printf("Warning: rejected %s listing %q: %v", raw.Source, raw.ExternalID, res.Errors)
			continue
		}
		res.Listing.MarkFirstSeen(now, market.ID)
		batch = append(batch, res.Listing)
	}

	hashes, corpus, err := w.store.DedupCorpus(ctx, market.City, w.corpusLimit)
	if err != nil {
		return fmt.Errorf("load dedup corpus: %w", err)
	}
	deduped := w.dedup.DeduplicateBatchWithUpdates(batch, hashes, corpus)

	if err := w.store.InsertListings(ctx, deduped.New); err != nil {
		return fmt.Errorf("insert listings: %w", err)
	}
	job.ListingsNew = len(deduped.New)
	job.ListingsDuplicates = len(deduped.Skipped)

	for _, u := range deduped.Updates {
		if err := w.store.ApplyReseen(ctx, u, now); err != nil {
			job.ListingsErrors++
			log.Printf("Warning: re-seen update for %s failed: %v", u.ExistingID, err)
			continue
		}
		job.ListingsUpdated++
	}

	job.Status = models.JobCompleted
	w.finish(ctx, job)

	if err := w.store.RecordMarketScrape(ctx, market.ID, models.ScrapeCompleted, now); err != nil {
		log.Printf("Warning: failed to record scrape for market %s: %v", market.ID, err)
	}
	w.recordUsage(ctx, market.SourceID, models.SourceUsage{
		Calls:     job.APICallsMade,
		CostCents: job.CostCents,
		Listings:  job.ListingsFound,
		Success:   true,
		At:        now,
	})

	w.log(job.ID, models.LogLevelInfo,
		fmt.Sprintf("Completed %s: %d found, %d new, %d updated, %d duplicates, %d errors",
			market.ID, job.ListingsFound, job.ListingsNew, job.ListingsUpdated, job.ListingsDuplicates, job.ListingsErrors),
		market.ID)
	return nil
}

// handleFailure re-enqueues transient failures with a linear backoff and fails
// the job once retries are spent. Cancellation leaves the job running for the
// stale-job sweep.
func (w *Worker) handleFailure(ctx context.Context, task workers.Task, market *models.Market, job *models.ScrapeJob, cause error) error {
	if ctx.Err() != nil {
		return cause
	}

	if IsRetryable(cause) && task.Attempt < w.maxRetries && w.queue != nil {
		retry := task
		retry.Attempt++
		retry.JobID = job.ID
		delay := time.Duration(task.Attempt+1) * w.retryDelay
		err := w.queue.Enqueue(ctx, retry, delay)
		if err == nil {
			w.log(job.ID, models.LogLevelWarn,
				fmt.Sprintf("Scrape of %s failed, retry %d/%d in %s: %v", market.ID, retry.Attempt, w.maxRetries, delay, cause),
				market.ID)
			return nil
		}
		log.Printf("Warning: could not re-enqueue job %s: %v", job.ID, err)
	}

	now := w.now()
	job.Status = models.JobFailed
	job.ErrorMessage = cause.Error()
	w.finish(ctx, job)

	if err := w.store.RecordMarketScrape(ctx, market.ID, models.ScrapeFailed, now); err != nil {
		log.Printf("Warning: failed to record scrape for market %s: %v", market.ID, err)
	}
	calls := 1
	if errors.Is(cause, ErrNoAPIKey) || errors.Is(cause, ErrUnknownSource) {
		calls = 0
	}
	w.recordUsage(ctx, market.SourceID, models.SourceUsage{Calls: calls, Success: false, At: now})

	w.log(job.ID, models.LogLevelError, fmt.Sprintf("Scrape of %s failed: %v", market.ID, cause), market.ID)
	return fmt.Errorf("scrape %s: %w", market.ID, cause)
}

func (w *Worker) finish(ctx context.Context, job *models.ScrapeJob) {
	now := w.now()
	job.CompletedAt = &now
	ok, err := w.store.FinishJob(ctx, job)
	if err != nil {
		log.Printf("Warning: failed to finish job %s: %v", job.ID, err)
		return
	}
	if !ok {
		log.Printf("Worker: job %s was already closed, result not written", job.ID)
	}
}

func (w *Worker) recordUsage(ctx context.Context, sourceID string, usage models.SourceUsage) {
	if err := w.store.RecordSourceUsage(ctx, sourceID, usage); err != nil {
		log.Printf("Warning: failed to record usage for %s: %v", sourceID, err)
	}
}

func (w *Worker) log(jobID uuid.UUID, level models.LogLevel, message, marketID string) {
	log.Printf("[%s] %s: %s", level, marketID, message)
	w.logFunc(level, jobID.String(), message, marketID)
}
