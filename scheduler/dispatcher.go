package scheduler

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"homescout_ingest/models"
	"homescout_ingest/workers"
)

// maxStagger spreads the tasks of one tick so due markets do not all hit the
// provider at once.
const maxStagger = 60 * time.Second

// DispatchStore is the slice of storage.Store the dispatcher needs.
type DispatchStore interface {
	ListMarkets(ctx context.Context) ([]models.Market, error)
	GetMarket(ctx context.Context, id string) (*models.Market, error)
	CreateJob(ctx context.Context, job *models.ScrapeJob) error
	UnfinishedJobCities(ctx context.Context) (map[string]bool, error)
}

type Dispatcher struct {
	store   DispatchStore
	queue   workers.Queue
	logFunc workers.LogFunc
	now     func() time.Time
	jitter  func() time.Duration
}

func NewDispatcher(store DispatchStore, queue workers.Queue) *Dispatcher {
	return &Dispatcher{
		store:   store,
		queue:   queue,
		logFunc: workers.NoOpLogger,
		now:     time.Now,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxStagger) + 1))
		},
	}
}

func (d *Dispatcher) SetLogger(fn workers.LogFunc) {
	d.logFunc = fn
}

// Tick creates a pending job and a staggered scrape task for every market that
// is enabled, below the breaker threshold, due, and has no unfinished job.
func (d *Dispatcher) Tick(ctx context.Context) (*models.DispatchReport, error) {
	markets, err := d.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	running, err := d.store.UnfinishedJobCities(ctx)
	if err != nil {
		return nil, fmt.Errorf("unfinished jobs: %w", err)
	}

	now := d.now()
	report := &models.DispatchReport{}
	for i := range markets {
		m := &markets[i]
		if reason, skip := skipReason(m, running, now); skip {
			report.Skipped = append(report.Skipped, models.SkippedMarket{MarketID: m.ID, Reason: reason})
			continue
		}

		dispatched, err := d.dispatch(ctx, m, models.JobScheduled, now)
		if err != nil {
			log.Printf("Warning: Dispatcher: %s: %v", m.ID, err)
			continue
		}
		running[strings.ToLower(m.City)] = true
		report.Dispatched = append(report.Dispatched, *dispatched)
	}

	log.Printf("Dispatcher: %d dispatched, %d skipped", len(report.Dispatched), len(report.Skipped))
	return report, nil
}

// DispatchMarket schedules one market on operator request. Frequency and the
// circuit breaker are not consulted; a disabled market or one with an
// unfinished job is still refused.
func (d *Dispatcher) DispatchMarket(ctx context.Context, id string) (*models.DispatchReport, error) {
	m, err := d.store.GetMarket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	if m == nil {
		return nil, fmt.Errorf("unknown market %q", id)
	}

	report := &models.DispatchReport{}
	if !m.IsEnabled {
		report.Skipped = append(report.Skipped, models.SkippedMarket{MarketID: m.ID, Reason: models.SkipDisabled})
		return report, nil
	}
	running, err := d.store.UnfinishedJobCities(ctx)
	if err != nil {
		return nil, fmt.Errorf("unfinished jobs: %w", err)
	}
	if running[strings.ToLower(m.City)] {
		report.Skipped = append(report.Skipped, models.SkippedMarket{MarketID: m.ID, Reason: models.SkipAlreadyRunning})
		return report, nil
	}

	dispatched, err := d.dispatch(ctx, m, models.JobManual, d.now())
	if err != nil {
		return nil, err
	}
	report.Dispatched = append(report.Dispatched, *dispatched)
	return report, nil
}

func skipReason(m *models.Market, running map[string]bool, now time.Time) (models.SkipReason, bool) {
	switch {
	case !m.IsEnabled:
		return models.SkipDisabled, true
	case m.CircuitOpen():
		return models.SkipCircuitBreaker, true
	case !m.IsDue(now):
		return models.SkipNotDue, true
	case running[strings.ToLower(m.City)]:
		return models.SkipAlreadyRunning, true
	}
	return "", false
}

func (d *Dispatcher) dispatch(ctx context.Context, m *models.Market, jobType models.JobType, now time.Time) (*models.DispatchedMarket, error) {
	job := models.NewScrapeJob(m, jobType, now)
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	delay := d.jitter()
	if err := d.queue.Enqueue(ctx, workers.NewScrapeTask(m.ID, job.ID), delay); err != nil {
		return nil, fmt.Errorf("enqueue scrape: %w", err)
	}

	d.logFunc(models.LogLevelInfo, job.ID.String(), fmt.Sprintf("dispatched %s job, starts in %ds", jobType, int(delay.Seconds())), m.ID)
	return &models.DispatchedMarket{
		MarketID:     m.ID,
		DelaySeconds: int(delay.Seconds()),
		JobID:        job.ID,
	}, nil
}
