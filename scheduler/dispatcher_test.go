package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"homescout_ingest/models"
	"homescout_ingest/services"
	"homescout_ingest/workers"
)

var tickNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeDispatchStore struct {
	markets   []models.Market
	jobs      []*models.ScrapeJob
	createErr error
}

func (s *fakeDispatchStore) ListMarkets(ctx context.Context) ([]models.Market, error) {
	out := make([]models.Market, len(s.markets))
	copy(out, s.markets)
	return out, nil
}

func (s *fakeDispatchStore) GetMarket(ctx context.Context, id string) (*models.Market, error) {
	for i := range s.markets {
		if s.markets[i].ID == id {
			m := s.markets[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (s *fakeDispatchStore) CreateJob(ctx context.Context, job *models.ScrapeJob) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *fakeDispatchStore) UnfinishedJobCities(ctx context.Context) (map[string]bool, error) {
	cities := make(map[string]bool)
	for _, j := range s.jobs {
		if !j.Status.Finished() {
			cities[strings.ToLower(j.TargetCity)] = true
		}
	}
	return cities, nil
}

// The maintenance half of the store, so the real Sweeper can run against the
// same markets the dispatcher reads.
func (s *fakeDispatchStore) ResetCircuitBreakers(ctx context.Context) (int64, error) {
	var n int64
	for i := range s.markets {
		if s.markets[i].ConsecutiveFailures > 0 {
			s.markets[i].ConsecutiveFailures = 0
			n++
		}
	}
	return n, nil
}

func (s *fakeDispatchStore) ResetRateLimits(ctx context.Context, period models.RateLimitPeriod, now time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeDispatchStore) DeactivateZeroConfidence(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeDispatchStore) FailStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error) {
	return 0, nil
}

func market(id, city string, tier models.Tier, lastScrape *time.Time) models.Market {
	return models.Market{
		ID:                   id,
		City:                 city,
		State:                "PA",
		Tier:                 tier,
		SourceID:             "zillow",
		IsEnabled:            true,
		MaxListingsPerScrape: 500,
		ScrapeFrequencyHours: tier.DefaultFrequencyHours(),
		LastScrapeAt:         lastScrape,
	}
}

func ago(d time.Duration) *time.Time {
	t := tickNow.Add(-d)
	return &t
}

func newTestDispatcher(store *fakeDispatchStore, queue workers.Queue) *Dispatcher {
	d := NewDispatcher(store, queue)
	d.now = func() time.Time { return tickNow }
	d.jitter = func() time.Duration { return 0 }
	return d
}

func skipped(report *models.DispatchReport) map[string]models.SkipReason {
	out := make(map[string]models.SkipReason)
	for _, s := range report.Skipped {
		out[s.MarketID] = s.Reason
	}
	return out
}

func TestTickSkipReasons(t *testing.T) {
	disabled := market("hartford", "Hartford", models.TierCool, nil)
	disabled.IsEnabled = false
	broken := market("newark", "Newark", models.TierStandard, nil)
	broken.ConsecutiveFailures = models.CircuitBreakerThreshold

	store := &fakeDispatchStore{markets: []models.Market{
		market("philadelphia", "Philadelphia", models.TierHot, ago(7*time.Hour)),
		market("pittsburgh", "Pittsburgh", models.TierStandard, ago(11*time.Hour)),
		market("bryn-mawr", "Bryn Mawr", models.TierCool, nil),
		disabled,
		broken,
	}}
	queue := workers.NewMemoryQueue()

	report, err := newTestDispatcher(store, queue).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(report.Dispatched) != 2 {
		t.Fatalf("dispatched %+v", report.Dispatched)
	}
	want := map[string]models.SkipReason{
		"pittsburgh": models.SkipNotDue,
		"hartford":   models.SkipDisabled,
		"newark":     models.SkipCircuitBreaker,
	}
	got := skipped(report)
	for id, reason := range want {
		if got[id] != reason {
			t.Errorf("%s skipped with %q, want %q", id, got[id], reason)
		}
	}
	if n, _ := queue.Len(context.Background()); n != 2 {
		t.Errorf("queued %d tasks", n)
	}
	for _, job := range store.jobs {
		if job.Status != models.JobPending || job.JobType != models.JobScheduled {
			t.Errorf("job %s: status=%s type=%s", job.MarketID, job.Status, job.JobType)
		}
	}
}

func TestTickIsIdempotentWithinStagger(t *testing.T) {
	store := &fakeDispatchStore{markets: []models.Market{
		market("philadelphia", "Philadelphia", models.TierHot, nil),
		market("boston", "Boston", models.TierHot, ago(24*time.Hour)),
	}}
	queue := workers.NewMemoryQueue()
	d := newTestDispatcher(store, queue)

	if _, err := d.Tick(context.Background()); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	report, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(report.Dispatched) != 0 {
		t.Errorf("second tick dispatched %+v", report.Dispatched)
	}
	for id, reason := range skipped(report) {
		if reason != models.SkipAlreadyRunning {
			t.Errorf("%s skipped with %q", id, reason)
		}
	}
	if len(store.jobs) != 2 {
		t.Errorf("created %d jobs, want 2", len(store.jobs))
	}
}

func TestTickSharedCityDispatchedOnce(t *testing.T) {
	store := &fakeDispatchStore{markets: []models.Market{
		market("arlington-va", "Arlington", models.TierStandard, nil),
		market("arlington-tx", "ARLINGTON", models.TierStandard, nil),
	}}
	report, err := newTestDispatcher(store, workers.NewMemoryQueue()).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(report.Dispatched) != 1 || skipped(report)["arlington-tx"] != models.SkipAlreadyRunning {
		t.Errorf("report = %+v", report)
	}
}

func TestTickStaggerWithinWindow(t *testing.T) {
	var markets []models.Market
	for _, city := range []string{"Philadelphia", "Boston", "Baltimore", "Newark", "Hoboken", "Stamford"} {
		markets = append(markets, market(strings.ToLower(city), city, models.TierHot, nil))
	}
	store := &fakeDispatchStore{markets: markets}
	d := NewDispatcher(store, workers.NewMemoryQueue())

	report, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	for _, m := range report.Dispatched {
		if m.DelaySeconds < 0 || m.DelaySeconds > 60 {
			t.Errorf("%s delay %ds outside [0, 60]", m.MarketID, m.DelaySeconds)
		}
	}
}

func TestTickContinuesPastCreateFailure(t *testing.T) {
	store := &fakeDispatchStore{
		markets:   []models.Market{market("philadelphia", "Philadelphia", models.TierHot, nil)},
		createErr: errors.New("db down"),
	}
	queue := workers.NewMemoryQueue()
	report, err := newTestDispatcher(store, queue).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(report.Dispatched) != 0 {
		t.Errorf("dispatched %+v", report.Dispatched)
	}
	if n, _ := queue.Len(context.Background()); n != 0 {
		t.Errorf("queued %d tasks without a job", n)
	}
}

func TestDispatchMarket(t *testing.T) {
	broken := market("newark", "Newark", models.TierStandard, ago(time.Hour))
	broken.ConsecutiveFailures = 5
	disabled := market("hartford", "Hartford", models.TierCool, nil)
	disabled.IsEnabled = false
	store := &fakeDispatchStore{markets: []models.Market{broken, disabled}}
	queue := workers.NewMemoryQueue()
	d := newTestDispatcher(store, queue)
	ctx := context.Background()

	report, err := d.DispatchMarket(ctx, "newark")
	if err != nil {
		t.Fatalf("DispatchMarket: %v", err)
	}
	if len(report.Dispatched) != 1 || store.jobs[0].JobType != models.JobManual {
		t.Fatalf("report = %+v", report)
	}

	task, err := queue.Dequeue(withTimeout(t))
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task.Kind != workers.TaskScrapeMarket || task.MarketID != "newark" || task.JobID != store.jobs[0].ID {
		t.Errorf("task = %+v", task)
	}

	report, err = d.DispatchMarket(ctx, "newark")
	if err != nil || skipped(report)["newark"] != models.SkipAlreadyRunning {
		t.Errorf("repeat dispatch = %+v, %v", report, err)
	}
	report, err = d.DispatchMarket(ctx, "hartford")
	if err != nil || skipped(report)["hartford"] != models.SkipDisabled {
		t.Errorf("disabled dispatch = %+v, %v", report, err)
	}
	if _, err := d.DispatchMarket(ctx, "atlantis"); err == nil {
		t.Error("expected error for unknown market")
	}
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTickDispatchesAfterBreakerReset(t *testing.T) {
	broken := market("newark", "Newark", models.TierStandard, ago(72*time.Hour))
	broken.ConsecutiveFailures = models.CircuitBreakerThreshold
	store := &fakeDispatchStore{markets: []models.Market{broken}}
	d := newTestDispatcher(store, workers.NewMemoryQueue())

	report, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(report.Dispatched) != 0 || skipped(report)["newark"] != models.SkipCircuitBreaker {
		t.Fatalf("open breaker: dispatched=%v skipped=%v", report.Dispatched, skipped(report))
	}

	sweep := services.NewSweeper(store).Run(context.Background(), tickNow)
	if sweep.Err != nil || sweep.BreakersReset != 1 {
		t.Fatalf("sweep = %+v", sweep)
	}

	report, err = d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(report.Dispatched) != 1 || len(store.jobs) != 1 {
		t.Errorf("after reset dispatched=%v jobs=%d", report.Dispatched, len(store.jobs))
	}
}
