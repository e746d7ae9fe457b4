package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"homescout_ingest/models"
)

type MaintenanceStore interface {
	RateLimitStore
	DeactivateZeroConfidence(ctx context.Context, now time.Time) (int64, error)
	ResetCircuitBreakers(ctx context.Context) (int64, error)
	FailStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// Sweeper is the daily housekeeping pass. Its four steps share no state and
// run concurrently; one failing does not stop the others.
type Sweeper struct {
	store      MaintenanceStore
	rateLimits *RateLimits
	staleAfter time.Duration
}

func NewSweeper(store MaintenanceStore) *Sweeper {
	return &Sweeper{
		store:      store,
		rateLimits: NewRateLimits(store),
		staleAfter: models.StaleJobWindow,
	}
}

// Run executes every step and reports what each changed. Step failures are
// joined into report.Err.
func (s *Sweeper) Run(ctx context.Context, now time.Time) *models.MaintenanceReport {
	report := &models.MaintenanceReport{}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	step := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}

	step("deactivate zero-confidence listings", func() (err error) {
		report.ListingsDeactivated, err = s.store.DeactivateZeroConfidence(ctx, now)
		return err
	})
	step("reset circuit breakers", func() (err error) {
		report.BreakersReset, err = s.store.ResetCircuitBreakers(ctx)
		return err
	})
	step("fail stale jobs", func() (err error) {
		report.JobsFailed, err = s.store.FailStaleJobs(ctx, now.Add(-s.staleAfter), now)
		return err
	})
	step("reset daily rate limits", func() (err error) {
		report.SourcesReset, err = s.rateLimits.ResetDaily(ctx, now)
		return err
	})

	g.Wait()
	report.Err = errors.Join(errs...)

	log.Printf("Maintenance: %s", report.ToJSON())
	if report.Err != nil {
		log.Printf("Maintenance errors: %v", report.Err)
	}
	return report
}
