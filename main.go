package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"homescout_ingest/config"
	"homescout_ingest/httputil"
	"homescout_ingest/logging"
	"homescout_ingest/models"
	"homescout_ingest/scheduler"
	"homescout_ingest/scraper"
	"homescout_ingest/services"
	"homescout_ingest/storage"
	"homescout_ingest/workers"
)

var (
	scrapeMarket = flag.String("scrape", "", "Scrape one market synchronously and exit")
	runDecay     = flag.Bool("decay", false, "Run one freshness decay pass and exit")
	runSweep     = flag.Bool("maintenance", false, "Run the maintenance sweep and exit")
	sendCommand  = flag.String("send", "", "Queue an operator command for the running daemon (scrape_now, scrape_market, run_decay, run_maintenance, pause, resume)")
	commandArg   = flag.String("market", "", "Market id for -send scrape_market")
)

var (
	_ storage.Store = (*storage.SQLiteStore)(nil)
	_ storage.Store = (*storage.PostgresStore)(nil)
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.LogPath)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting homescout_ingest...")
	log.Printf("Loaded %d markets and %d data sources from %s", len(cfg.Markets), len(cfg.Sources), cfg.ConfigDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ops database: operator commands and job logs.
	opsStore, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer opsStore.Close()
	log.Printf("SQLite database: %s", cfg.Database.Path)

	if *sendCommand != "" {
		cmd := models.CommandType(*sendCommand)
		if !validCommand(cmd) {
			log.Fatalf("Unknown command %q", *sendCommand)
		}
		if err := opsStore.EnqueueCommand(cmd, &models.CommandParams{Market: *commandArg}); err != nil {
			log.Fatalf("Failed to queue command: %v", err)
		}
		log.Printf("Queued %s", cmd)
		return
	}

	var store storage.Store = opsStore
	if cfg.Database.Driver == "postgres" {
		pgStore, err := storage.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pgStore.Close()
		if err := pgStore.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate Postgres: %v", err)
		}
		log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.Database.URL))
		store = pgStore
	}

	if cfg.SeedConfig {
		seedConfig(ctx, store, cfg)
	}

	var queue workers.Queue
	if cfg.RedisURL != "" {
		rq, err := workers.NewRedisQueue(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		queue = rq
		log.Printf("Task queue: redis %s", maskConnectionString(cfg.RedisURL))
	} else {
		queue = workers.NewMemoryQueue()
		log.Println("Task queue: in-process")
	}
	defer queue.Close()

	jobLog := logging.JobLogger(opsStore)
	clients := httputil.NewClients(cfg.Verify)

	provider := scraper.NewApifyProvider(clients.API, cfg.Apify.Token)
	for _, src := range cfg.Sources {
		if src.ActorID != "" {
			provider.SetActor(src.ID, src.ActorID)
		}
	}

	var archive scraper.Archiver
	if archiveCfg := archiveConfig(cfg.Archive); archiveCfg.Enabled() {
		s3Archive, err := storage.NewS3Archive(ctx, archiveCfg)
		if err != nil {
			log.Fatalf("Failed to set up S3 archive: %v", err)
		}
		archive = s3Archive
		log.Printf("Raw datasets archived to s3://%s", archiveCfg.Bucket)
	}
	newWorker := func(retries workers.Queue) *scraper.Worker {
		w := scraper.NewWorker(store, provider, retries)
		w.SetLogger(jobLog)
		if archive != nil {
			w.SetArchive(archive)
		}
		return w
	}

	verifier := workers.NewVerifier(store, clients.Verify, cfg.Verify.RatePerSecond)
	verifier.SetLogger(jobLog)
	if len(cfg.Verify.BrowserSources) > 0 {
		browser := workers.NewBrowserFetcher()
		defer browser.Close()
		verifier.UseBrowser(browser, cfg.Verify.BrowserSources)
		log.Printf("Browser verification for: %s", strings.Join(cfg.Verify.BrowserSources, ", "))
	}

	freshness := services.NewFreshnessEngine(store, queue, cfg.Verify.RetryAfter)
	sweeper := services.NewSweeper(store)

	// One-shot modes
	switch {
	case *scrapeMarket != "":
		log.Printf("Scraping %s...", *scrapeMarket)
		// No pool drains the queue in this mode, so failures are final.
		oneShot := newWorker(nil)
		if err := oneShot.Handle(ctx, workers.Task{Kind: workers.TaskScrapeMarket, MarketID: *scrapeMarket}); err != nil {
			log.Fatalf("Scrape failed: %v", err)
		}
		log.Println("Scrape complete!")
		return
	case *runDecay:
		if _, err := freshness.Run(ctx, time.Now()); err != nil {
			log.Fatalf("Decay failed: %v", err)
		}
		log.Println("Decay complete!")
		return
	case *runSweep:
		if report := sweeper.Run(ctx, time.Now()); report.Err != nil {
			log.Fatalf("Maintenance failed: %v", report.Err)
		}
		log.Println("Maintenance complete!")
		return
	}

	// Daemon mode
	pool := workers.NewPool(queue, cfg.Workers.Count)
	pool.SetLogger(jobLog)
	pool.Handle(workers.TaskScrapeMarket, newWorker(queue).Handle)
	pool.Handle(workers.TaskVerify, verifier.HandleTask)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()
	log.Printf("Worker pool started (%d workers)", cfg.Workers.Count)

	dispatcher := scheduler.NewDispatcher(store, queue)
	dispatcher.SetLogger(jobLog)
	sched := scheduler.New(cfg, scheduler.Jobs{
		Dispatcher: dispatcher,
		Freshness:  freshness,
		Sweeper:    sweeper,
		RateLimits: services.NewRateLimits(store),
		Lifecycle:  services.NewLifecycle(store),
	}, opsStore)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	sched.Stop()
	cancel()
	<-poolDone
	log.Println("Goodbye!")
}

// seedConfig upserts file-defined markets and data sources. Counters and
// scrape state already in the store are left alone.
func seedConfig(ctx context.Context, store storage.Store, cfg *config.Config) {
	for i := range cfg.Sources {
		if err := store.UpsertDataSourceConfig(ctx, &cfg.Sources[i]); err != nil {
			log.Printf("Warning: seed data source %s: %v", cfg.Sources[i].ID, err)
		}
	}
	for i := range cfg.Markets {
		if err := store.UpsertMarketConfig(ctx, &cfg.Markets[i]); err != nil {
			log.Printf("Warning: seed market %s: %v", cfg.Markets[i].ID, err)
		}
	}
	log.Printf("Seeded %d data sources and %d markets", len(cfg.Sources), len(cfg.Markets))
}

func validCommand(cmd models.CommandType) bool {
	switch cmd {
	case models.CmdScrapeNow, models.CmdScrapeMarket, models.CmdRunDecay,
		models.CmdRunMaintenance, models.CmdPause, models.CmdResume:
		return true
	}
	return false
}

func archiveConfig(c config.ArchiveConfig) storage.S3Config {
	return storage.S3Config{
		Bucket:          c.Bucket,
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	}
}

// maskConnectionString hides the password in a URL-style connection string.
func maskConnectionString(connStr string) string {
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3

	at := strings.LastIndex(connStr, "@")
	if at < start {
		return connStr
	}
	colon := strings.Index(connStr[start:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:start+colon+1] + "****" + connStr[at:]
}
