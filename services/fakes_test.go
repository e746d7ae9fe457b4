package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"homescout_ingest/models"
)

// memStore is an in-memory stand-in for the listing, market and job tables
// with the same conditional-update semantics as the SQL stores.
type memStore struct {
	mu       sync.Mutex
	listings map[uuid.UUID]*models.Listing
	markets  []models.Market
	writes   int

	failStep  error
	calls     map[string]int
	cutoffs   map[string]time.Time
	afterList func()
}

func newMemStore(markets ...models.Market) *memStore {
	return &memStore{
		listings: make(map[uuid.UUID]*models.Listing),
		markets:  markets,
		calls:    make(map[string]int),
		cutoffs:  make(map[string]time.Time),
	}
}

func (s *memStore) add(l models.Listing) uuid.UUID {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.IsActive = true
	s.listings[l.ID] = &l
	return l.ID
}

// reseen applies what a scrape does to a listing it finds again.
func (s *memStore) reseen(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.listings[id]
	l.LastSeenAt = at
	l.FreshnessConfidence = models.MaxConfidence
	l.TimesSeen++
}

func (s *memStore) get(id uuid.UUID) models.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.listings[id]
}

func (s *memStore) ListActiveListings(ctx context.Context) ([]models.Listing, error) {
	s.mu.Lock()
	var out []models.Listing
	for _, l := range s.listings {
		if l.IsActive {
			out = append(out, *l)
		}
	}
	s.mu.Unlock()
	if s.afterList != nil {
		s.afterList()
	}
	return out, nil
}

func (s *memStore) ListMarkets(ctx context.Context) ([]models.Market, error) {
	return s.markets, nil
}

func (s *memStore) UpdateConfidence(ctx context.Context, id uuid.UUID, seenAt time.Time, confidence int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.listings[id]
	if l.LastSeenAt.After(seenAt) {
		return false, nil
	}
	s.writes++
	l.FreshnessConfidence = confidence
	return true, nil
}

func (s *memStore) MarkVerificationPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.listings[id]
	if l.VerificationStatus != models.VerificationNone {
		return false, nil
	}
	l.VerificationStatus = models.VerificationPending
	l.VerificationRequestedAt = &now
	return true, nil
}

func (s *memStore) ClaimVerificationRetry(ctx context.Context, id uuid.UUID, requestedBefore, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.listings[id]
	if l.VerificationStatus != models.VerificationPending {
		return false, nil
	}
	if l.VerificationRequestedAt != nil && !l.VerificationRequestedAt.Before(requestedBefore) {
		return false, nil
	}
	l.VerificationRequestedAt = &now
	return true, nil
}

func (s *memStore) DeactivateListing(ctx context.Context, id uuid.UUID, seenAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.listings[id]
	if l.LastSeenAt.After(seenAt) {
		return false, nil
	}
	l.IsActive = false
	return true, nil
}

func (s *memStore) ListAvailabilityCandidates(ctx context.Context, seenBefore time.Time) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Listing
	for _, l := range s.listings {
		if l.IsActive && l.AvailableDate != "" && l.LastSeenAt.Before(seenBefore) {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *memStore) DeactivateNotSeenSince(ctx context.Context, cutoff, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs["stale"] = cutoff
	var n int64
	for _, l := range s.listings {
		if l.IsActive && l.LastSeenAt.Before(cutoff) {
			l.IsActive = false
			n++
		}
	}
	return n, nil
}

func (s *memStore) CollectMetrics(ctx context.Context, now time.Time) (*models.MetricsSnapshot, error) {
	active, _ := s.ListActiveListings(ctx)
	return &models.MetricsSnapshot{TakenAt: now, ActiveListings: len(active), Jobs24h: map[models.JobStatus]int{}}, nil
}

// Maintenance steps record their calls; the one named by failStep's message
// returns failStep.

func (s *memStore) step(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	if s.failStep != nil && s.failStep.Error() == name {
		return s.failStep
	}
	return nil
}

func (s *memStore) DeactivateZeroConfidence(ctx context.Context, now time.Time) (int64, error) {
	if err := s.step("zero"); err != nil {
		return 0, err
	}
	return 2, nil
}

func (s *memStore) ResetCircuitBreakers(ctx context.Context) (int64, error) {
	if err := s.step("breakers"); err != nil {
		return 0, err
	}
	return 3, nil
}

func (s *memStore) FailStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if err := s.step("jobs"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.cutoffs["jobs"] = cutoff
	s.mu.Unlock()
	return 1, nil
}

func (s *memStore) ResetRateLimits(ctx context.Context, period models.RateLimitPeriod, now time.Time) (int64, error) {
	if err := s.step("rate_" + string(period)); err != nil {
		return 0, err
	}
	return 4, nil
}
