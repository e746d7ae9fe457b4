package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"homescout_ingest/models"
	"homescout_ingest/workers"
)

// DefaultVerifyRetryAfter is how long a pending verification may sit before
// the decay pass dispatches it again.
const DefaultVerifyRetryAfter = 6 * time.Hour

type FreshnessStore interface {
	ListActiveListings(ctx context.Context) ([]models.Listing, error)
	ListMarkets(ctx context.Context) ([]models.Market, error)
	UpdateConfidence(ctx context.Context, id uuid.UUID, seenAt time.Time, confidence int, now time.Time) (bool, error)
	MarkVerificationPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ClaimVerificationRetry(ctx context.Context, id uuid.UUID, requestedBefore, now time.Time) (bool, error)
	DeactivateListing(ctx context.Context, id uuid.UUID, seenAt, now time.Time) (bool, error)
}

// FreshnessEngine decays listing confidence by market tier, hands low-confidence
// listings to verification and retires listings that reach zero.
type FreshnessEngine struct {
	store      FreshnessStore
	queue      workers.Queue
	retryAfter time.Duration
}

func NewFreshnessEngine(store FreshnessStore, queue workers.Queue, retryAfter time.Duration) *FreshnessEngine {
	return &FreshnessEngine{store: store, queue: queue, retryAfter: retryAfter}
}

// ComputeConfidence is 100 minus the tier's hourly decay for every hour since
// the listing was last seen, clamped to [0, 100].
func ComputeConfidence(lastSeen, now time.Time, tier models.Tier) int {
	hours := now.Sub(lastSeen).Hours()
	if hours < 0 {
		hours = 0
	}
	confidence := int(float64(models.MaxConfidence) - hours*float64(tier.DecayRate()))
	return max(0, min(models.MaxConfidence, confidence))
}

// Run makes one pass over all active listings. Per-listing write failures are
// counted and logged; only failing to load the working set is an error.
func (e *FreshnessEngine) Run(ctx context.Context, now time.Time) (*models.DecayReport, error) {
	listings, err := e.store.ListActiveListings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active listings: %w", err)
	}
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	tiers := make(map[string]models.Tier, len(markets))
	for _, m := range markets {
		tiers[m.ID] = m.Tier
	}

	report := &models.DecayReport{}
	for i := range listings {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Scanned++
		if err := e.decay(ctx, &listings[i], tiers, now, report); err != nil {
			report.Errors++
			log.Printf("Warning: decay failed for listing %s: %v", listings[i].ID, err)
		}
	}

	log.Printf("Freshness: scanned %d, updated %d, verifications %d queued / %d retried, deactivated %d, errors %d",
		report.Scanned, report.Updated, report.VerificationsQueued, report.VerificationsRetried,
		report.Deactivated, report.Errors)
	return report, nil
}

func (e *FreshnessEngine) decay(ctx context.Context, l *models.Listing, tiers map[string]models.Tier, now time.Time, report *models.DecayReport) error {
	tier, ok := tiers[l.MarketID]
	if !ok {
		tier = models.TierCool
	}

	// Writes are conditional on the loaded last_seen_at; a scrape that re-saw
	// the listing mid-pass wins and the rest of this listing is skipped.
	confidence := ComputeConfidence(l.LastSeenAt, now, tier)
	if confidence != l.FreshnessConfidence {
		updated, err := e.store.UpdateConfidence(ctx, l.ID, l.LastSeenAt, confidence, now)
		if err != nil {
			return fmt.Errorf("update confidence: %w", err)
		}
		if !updated {
			return nil
		}
		report.Updated++
	}

	if confidence == 0 && l.VerificationStatus != models.VerificationVerified {
		deactivated, err := e.store.DeactivateListing(ctx, l.ID, l.LastSeenAt, now)
		if err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
		if deactivated {
			report.Deactivated++
		}
		return nil
	}

	switch {
	case confidence < models.VerificationThreshold && l.VerificationStatus == models.VerificationNone:
		claimed, err := e.store.MarkVerificationPending(ctx, l.ID, now)
		if err != nil {
			return fmt.Errorf("mark pending: %w", err)
		}
		if claimed {
			if err := e.enqueueVerify(ctx, l.ID); err != nil {
				return err
			}
			report.VerificationsQueued++
		}
	case l.VerificationStatus == models.VerificationPending && e.retryAfter > 0:
		claimed, err := e.store.ClaimVerificationRetry(ctx, l.ID, now.Add(-e.retryAfter), now)
		if err != nil {
			return fmt.Errorf("claim verification retry: %w", err)
		}
		if claimed {
			if err := e.enqueueVerify(ctx, l.ID); err != nil {
				return err
			}
			report.VerificationsRetried++
		}
	}
	return nil
}

// enqueueVerify failing leaves the listing pending, so the retry window picks
// it up on a later pass.
func (e *FreshnessEngine) enqueueVerify(ctx context.Context, id uuid.UUID) error {
	if e.queue == nil {
		return nil
	}
	if err := e.queue.Enqueue(ctx, workers.NewVerifyTask(id), 0); err != nil {
		return fmt.Errorf("enqueue verification: %w", err)
	}
	return nil
}
