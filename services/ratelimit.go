package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"homescout_ingest/models"
)

type RateLimitStore interface {
	ResetRateLimits(ctx context.Context, period models.RateLimitPeriod, now time.Time) (int64, error)
}

// RateLimits resets the per-source call and cost counters that
// DataSource.CanMakeRequest checks.
type RateLimits struct {
	store RateLimitStore
}

func NewRateLimits(store RateLimitStore) *RateLimits {
	return &RateLimits{store: store}
}

func (r *RateLimits) ResetHourly(ctx context.Context, now time.Time) (int64, error) {
	return r.reset(ctx, models.PeriodHour, now)
}

func (r *RateLimits) ResetDaily(ctx context.Context, now time.Time) (int64, error) {
	return r.reset(ctx, models.PeriodDay, now)
}

func (r *RateLimits) ResetMonthly(ctx context.Context, now time.Time) (int64, error) {
	return r.reset(ctx, models.PeriodMonth, now)
}

func (r *RateLimits) reset(ctx context.Context, period models.RateLimitPeriod, now time.Time) (int64, error) {
	n, err := r.store.ResetRateLimits(ctx, period, now)
	if err != nil {
		return 0, fmt.Errorf("reset %s rate limits: %w", period, err)
	}
	log.Printf("RateLimits: reset %s counters on %d sources", period, n)
	return n, nil
}
