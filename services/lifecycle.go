package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"homescout_ingest/models"
)

const (
	DefaultStaleListingAge = 30 * 24 * time.Hour
	availableDateLayout    = "2006-01-02"

	// unavailableGrace is how long a listing past its available date must go
	// unseen before it is expired.
	unavailableGrace = 7 * 24 * time.Hour
)

type LifecycleStore interface {
	DeactivateNotSeenSince(ctx context.Context, cutoff, now time.Time) (int64, error)
	ListAvailabilityCandidates(ctx context.Context, seenBefore time.Time) ([]models.Listing, error)
	DeactivateListing(ctx context.Context, id uuid.UUID, seenAt, now time.Time) (bool, error)
	CollectMetrics(ctx context.Context, now time.Time) (*models.MetricsSnapshot, error)
}

// Lifecycle retires listings by age rather than by confidence, and snapshots
// pipeline metrics.
type Lifecycle struct {
	store LifecycleStore
}

func NewLifecycle(store LifecycleStore) *Lifecycle {
	return &Lifecycle{store: store}
}

// CleanupStale deactivates active listings not seen within maxAge.
func (l *Lifecycle) CleanupStale(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultStaleListingAge
	}
	n, err := l.store.DeactivateNotSeenSince(ctx, now.Add(-maxAge), now)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale listings: %w", err)
	}
	log.Printf("Lifecycle: deactivated %d listings not seen for %s", n, maxAge)
	return n, nil
}

// ExpireUnavailable deactivates listings whose available date has passed and
// which no scrape has confirmed for a week. Unparseable dates are left alone.
func (l *Lifecycle) ExpireUnavailable(ctx context.Context, now time.Time) (int, error) {
	candidates, err := l.store.ListAvailabilityCandidates(ctx, now.Add(-unavailableGrace))
	if err != nil {
		return 0, fmt.Errorf("load availability candidates: %w", err)
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	expired := 0
	for _, c := range candidates {
		available, err := time.ParseInLocation(availableDateLayout, c.AvailableDate, now.Location())
		if err != nil || !available.Before(today) {
			continue
		}
		ok, err := l.store.DeactivateListing(ctx, c.ID, c.LastSeenAt, now)
		if err != nil {
			log.Printf("Warning: failed to expire listing %s: %v", c.ID, err)
			continue
		}
		if ok {
			expired++
		}
	}
	log.Printf("Lifecycle: expired %d of %d listings past their available date", expired, len(candidates))
	return expired, nil
}

func (l *Lifecycle) Snapshot(ctx context.Context, now time.Time) (*models.MetricsSnapshot, error) {
	snap, err := l.store.CollectMetrics(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	log.Printf("Metrics: %s", snap.ToJSON())
	return snap, nil
}
