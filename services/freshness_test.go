package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"homescout_ingest/models"
	"homescout_ingest/workers"
)

var decayNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func hoursAgo(h float64) time.Time {
	return decayNow.Add(-time.Duration(h * float64(time.Hour)))
}

func TestComputeConfidence(t *testing.T) {
	tests := []struct {
		name  string
		hours float64
		tier  models.Tier
		want  int
	}{
		{"hot 10h", 10, models.TierHot, 70},
		{"standard 10h", 10, models.TierStandard, 80},
		{"cool 10h", 10, models.TierCool, 90},
		{"cool fractional", 30.5, models.TierCool, 69},
		{"hot past zero", 40, models.TierHot, 0},
		{"just seen", 0, models.TierHot, 100},
		{"clock skew", -2, models.TierHot, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeConfidence(hoursAgo(tt.hours), decayNow, tt.tier); got != tt.want {
				t.Errorf("ComputeConfidence = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFreshnessRun(t *testing.T) {
	store := newMemStore(
		models.Market{ID: "nyc", Tier: models.TierHot},
		models.Market{ID: "pittsburgh", Tier: models.TierStandard},
	)
	recent := hoursAgo(1)
	stale := hoursAgo(7)

	fresh := store.add(models.Listing{MarketID: "nyc", LastSeenAt: hoursAgo(10), FreshnessConfidence: 100})
	low := store.add(models.Listing{MarketID: "nyc", LastSeenAt: hoursAgo(21), FreshnessConfidence: 40})
	pendingRecent := store.add(models.Listing{MarketID: "nyc", LastSeenAt: hoursAgo(21), FreshnessConfidence: 37,
		VerificationStatus: models.VerificationPending, VerificationRequestedAt: &recent})
	pendingStale := store.add(models.Listing{MarketID: "nyc", LastSeenAt: hoursAgo(25), FreshnessConfidence: 30,
		VerificationStatus: models.VerificationPending, VerificationRequestedAt: &stale})
	unmapped := store.add(models.Listing{MarketID: "atlantis", LastSeenAt: hoursAgo(10), FreshnessConfidence: 100})
	dead := store.add(models.Listing{MarketID: "nyc", LastSeenAt: hoursAgo(40), FreshnessConfidence: 10})
	verified := store.add(models.Listing{MarketID: "nyc", LastSeenAt: hoursAgo(40), FreshnessConfidence: 0,
		VerificationStatus: models.VerificationVerified})
	unchanged := store.add(models.Listing{MarketID: "pittsburgh", LastSeenAt: hoursAgo(10), FreshnessConfidence: 80})

	queue := workers.NewMemoryQueue()
	engine := NewFreshnessEngine(store, queue, DefaultVerifyRetryAfter)

	report, err := engine.Run(context.Background(), decayNow)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Scanned != 8 || report.Errors != 0 {
		t.Errorf("scanned=%d errors=%d", report.Scanned, report.Errors)
	}
	// fresh, low, pendingStale, unmapped, dead changed; pendingRecent, verified, unchanged did not
	if report.Updated != 5 || store.writes != 5 {
		t.Errorf("updated=%d writes=%d, want 5", report.Updated, store.writes)
	}
	if report.VerificationsQueued != 1 || report.VerificationsRetried != 1 || report.Deactivated != 1 {
		t.Errorf("queued=%d retried=%d deactivated=%d", report.VerificationsQueued, report.VerificationsRetried, report.Deactivated)
	}

	if got := store.get(fresh).FreshnessConfidence; got != 70 {
		t.Errorf("fresh confidence = %d", got)
	}
	if got := store.get(unmapped).FreshnessConfidence; got != 90 {
		t.Errorf("unmapped market should decay as cool, got %d", got)
	}
	if l := store.get(low); l.VerificationStatus != models.VerificationPending || l.FreshnessConfidence != 37 {
		t.Errorf("low listing = %q %d", l.VerificationStatus, l.FreshnessConfidence)
	}
	if store.get(dead).IsActive {
		t.Error("zero-confidence listing still active")
	}
	if !store.get(verified).IsActive {
		t.Error("verified listing was deactivated")
	}
	if got := store.get(pendingRecent).VerificationRequestedAt; !got.Equal(recent) {
		t.Errorf("recent pending listing re-claimed at %v", got)
	}
	if got := store.get(unchanged).FreshnessConfidence; got != 80 {
		t.Errorf("unchanged confidence = %d", got)
	}

	queued := map[string]bool{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		task, err := queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task.Kind != workers.TaskVerify {
			t.Errorf("task kind = %s", task.Kind)
		}
		queued[task.ListingID.String()] = true
	}
	if !queued[low.String()] || !queued[pendingStale.String()] {
		t.Errorf("queued = %v", queued)
	}
}

func TestFreshnessVerificationIsOneShot(t *testing.T) {
	store := newMemStore(models.Market{ID: "boston", Tier: models.TierHot})
	store.add(models.Listing{MarketID: "boston", LastSeenAt: hoursAgo(25), FreshnessConfidence: 100})
	queue := workers.NewMemoryQueue()
	engine := NewFreshnessEngine(store, queue, DefaultVerifyRetryAfter)

	for hour := 0; hour < 3; hour++ {
		if _, err := engine.Run(context.Background(), decayNow.Add(time.Duration(hour)*time.Hour)); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if n, _ := queue.Len(context.Background()); n != 1 {
		t.Errorf("verification tasks = %d, want 1", n)
	}

	// past the retry window the pending listing is dispatched once more
	if _, err := engine.Run(context.Background(), decayNow.Add(7*time.Hour)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n, _ := queue.Len(context.Background()); n != 2 {
		t.Errorf("verification tasks after retry window = %d, want 2", n)
	}
}

func TestFreshnessSecondRunIsNoOp(t *testing.T) {
	store := newMemStore(models.Market{ID: "hoboken", Tier: models.TierCool})
	store.add(models.Listing{MarketID: "hoboken", LastSeenAt: hoursAgo(5), FreshnessConfidence: 100})
	engine := NewFreshnessEngine(store, nil, 0)

	engine.Run(context.Background(), decayNow)
	report, err := engine.Run(context.Background(), decayNow)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Updated != 0 || store.writes != 1 {
		t.Errorf("second run updated=%d, total writes=%d", report.Updated, store.writes)
	}
}

func TestFreshnessKeepsListingReseenDuringPass(t *testing.T) {
	store := newMemStore(models.Market{ID: "nyc", Tier: models.TierHot})
	decaying := store.add(models.Listing{MarketID: "nyc", LastSeenAt: hoursAgo(20), FreshnessConfidence: 70})
	expiring := store.add(models.Listing{MarketID: "nyc", LastSeenAt: hoursAgo(40), FreshnessConfidence: 10})
	store.afterList = func() {
		store.reseen(decaying, decayNow.Add(-time.Minute))
		store.reseen(expiring, decayNow.Add(-time.Minute))
	}

	report, err := NewFreshnessEngine(store, nil, 0).Run(context.Background(), decayNow)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Updated != 0 || report.Deactivated != 0 || report.Errors != 0 {
		t.Errorf("report = %+v, want no writes over a fresh scrape", *report)
	}
	for _, id := range []uuid.UUID{decaying, expiring} {
		l := store.get(id)
		if !l.IsActive || l.FreshnessConfidence != models.MaxConfidence || l.VerificationStatus != models.VerificationNone {
			t.Errorf("listing %s active=%v confidence=%d verification=%q", id, l.IsActive, l.FreshnessConfidence, l.VerificationStatus)
		}
	}
}
