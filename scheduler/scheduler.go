package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"homescout_ingest/config"
	"homescout_ingest/models"
	"homescout_ingest/services"
	"homescout_ingest/storage"
)

// monthlyResetCron zeroes monthly spend at midnight on the first.
const monthlyResetCron = "0 0 1 * *"

// CommandStore is the ops-database queue of operator commands.
type CommandStore interface {
	GetPendingCommands() ([]models.Command, error)
	MarkCommandProcessed(id int64) error
}

// Jobs are the periodic units the scheduler drives. Nil members are skipped.
type Jobs struct {
	Dispatcher *Dispatcher
	Freshness  *services.FreshnessEngine
	Sweeper    *services.Sweeper
	RateLimits *services.RateLimits
	Lifecycle  *services.Lifecycle
}

type Scheduler struct {
	cfg        config.SchedulerConfig
	staleAfter time.Duration
	jobs       Jobs
	commands   CommandStore
	cron       *cron.Cron
	paused     atomic.Bool
	stopCh     chan struct{}
	stopOnce   sync.Once
	now        func() time.Time
}

func New(cfg *config.Config, jobs Jobs, commands CommandStore) *Scheduler {
	return &Scheduler{
		cfg:        cfg.Scheduler,
		staleAfter: cfg.Lifecycle.StaleAfter(),
		jobs:       jobs,
		commands:   commands,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start registers the cron entries and begins polling operator commands.
func (s *Scheduler) Start(ctx context.Context) error {
	entries := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"dispatch", s.cfg.DispatchCron, s.runDispatch},
		{"decay", s.cfg.DecayCron, s.runDecay},
		{"maintenance", s.cfg.MaintenanceCron, s.runMaintenance},
		{"hourly rate reset", s.cfg.RateResetCron, s.runHourlyReset},
		{"monthly rate reset", monthlyResetCron, s.runMonthlyReset},
		{"lifecycle", s.cfg.LifecycleCron, s.runLifecycle},
	}
	for _, e := range entries {
		if e.spec == "" {
			log.Printf("Scheduler: %s disabled (no schedule)", e.name)
			continue
		}
		run := e.run
		if _, err := s.cron.AddFunc(e.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("invalid cron expression for %s %q: %w", e.name, e.spec, err)
		}
		log.Printf("Scheduler: %s on %q", e.name, e.spec)
	}
	s.cron.Start()

	if s.commands != nil {
		go s.pollCommands(ctx)
	}
	return nil
}

// Stop halts the cron and waits for running entries to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopCh)
	})
}

func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// =============================================================================
// Cron entries
// =============================================================================

func (s *Scheduler) runDispatch(ctx context.Context) {
	if s.jobs.Dispatcher == nil {
		return
	}
	if s.Paused() {
		log.Println("Dispatcher: paused, skipping tick")
		return
	}
	if _, err := s.jobs.Dispatcher.Tick(ctx); err != nil {
		log.Printf("Dispatcher: tick failed: %v", err)
	}
}

func (s *Scheduler) runDecay(ctx context.Context) {
	if s.jobs.Freshness == nil {
		return
	}
	if _, err := s.jobs.Freshness.Run(ctx, s.now()); err != nil {
		log.Printf("Freshness: decay failed: %v", err)
	}
}

func (s *Scheduler) runMaintenance(ctx context.Context) {
	if s.jobs.Sweeper == nil {
		return
	}
	// the sweeper logs its own report
	s.jobs.Sweeper.Run(ctx, s.now())
}

func (s *Scheduler) runHourlyReset(ctx context.Context) {
	if s.jobs.RateLimits == nil {
		return
	}
	if _, err := s.jobs.RateLimits.ResetHourly(ctx, s.now()); err != nil {
		log.Printf("RateLimits: hourly reset failed: %v", err)
	}
}

func (s *Scheduler) runMonthlyReset(ctx context.Context) {
	if s.jobs.RateLimits == nil {
		return
	}
	if _, err := s.jobs.RateLimits.ResetMonthly(ctx, s.now()); err != nil {
		log.Printf("RateLimits: monthly reset failed: %v", err)
	}
}

func (s *Scheduler) runLifecycle(ctx context.Context) {
	if s.jobs.Lifecycle == nil {
		return
	}
	now := s.now()
	if _, err := s.jobs.Lifecycle.CleanupStale(ctx, now, s.staleAfter); err != nil {
		log.Printf("Lifecycle: stale cleanup failed: %v", err)
	}
	if _, err := s.jobs.Lifecycle.ExpireUnavailable(ctx, now); err != nil {
		log.Printf("Lifecycle: availability sweep failed: %v", err)
	}
	if _, err := s.jobs.Lifecycle.Snapshot(ctx, now); err != nil {
		log.Printf("Lifecycle: metrics snapshot failed: %v", err)
	}
}

// =============================================================================
// Operator commands
// =============================================================================

func (s *Scheduler) pollCommands(ctx context.Context) {
	interval := s.cfg.CommandPoll
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processCommands(ctx context.Context) {
	cmds, err := s.commands.GetPendingCommands()
	if err != nil {
		log.Printf("Error getting commands: %v", err)
		return
	}
	for i := range cmds {
		log.Printf("Processing command: %s", cmds[i].Command)
		if err := s.handleCommand(ctx, &cmds[i]); err != nil {
			log.Printf("Command error: %v", err)
		}
		if err := s.commands.MarkCommandProcessed(cmds[i].ID); err != nil {
			log.Printf("Error marking command processed: %v", err)
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdScrapeNow:
		if s.jobs.Dispatcher == nil {
			return nil
		}
		report, err := s.jobs.Dispatcher.Tick(ctx)
		if err != nil {
			return err
		}
		log.Printf("Scrape triggered via command: %d markets dispatched", len(report.Dispatched))
		return nil
	case models.CmdScrapeMarket:
		params, err := storage.ParseCommandParams(cmd)
		if err != nil {
			return fmt.Errorf("parse params: %w", err)
		}
		if params.Market == "" {
			return fmt.Errorf("%s requires a market", cmd.Command)
		}
		if s.jobs.Dispatcher == nil {
			return nil
		}
		report, err := s.jobs.Dispatcher.DispatchMarket(ctx, params.Market)
		if err != nil {
			return err
		}
		for _, skipped := range report.Skipped {
			log.Printf("Market %s not dispatched: %s", skipped.MarketID, skipped.Reason)
		}
		return nil
	case models.CmdRunDecay:
		s.runDecay(ctx)
		return nil
	case models.CmdRunMaintenance:
		s.runMaintenance(ctx)
		return nil
	case models.CmdPause:
		s.paused.Store(true)
		log.Println("Scheduled dispatch paused via command")
		return nil
	case models.CmdResume:
		s.paused.Store(false)
		log.Println("Scheduled dispatch resumed via command")
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}
