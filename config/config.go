package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"homescout_ingest/models"
)

type Config struct {
	Database  DatabaseConfig
	RedisURL  string
	Apify     ApifyConfig
	Scheduler SchedulerConfig
	Workers   WorkerConfig
	Verify    VerifyConfig
	Archive   ArchiveConfig
	Lifecycle LifecycleConfig
	LogPath   string
	ConfigDir string
	// SeedConfig upserts Markets and Sources into the store at startup.
	SeedConfig bool
	Markets    []models.Market
	Sources    []models.DataSource
}

type DatabaseConfig struct {
	Driver string // postgres or sqlite
	URL    string
	Path   string // ops database, and the domain database under sqlite
}

type ApifyConfig struct {
	Token string
}

type SchedulerConfig struct {
	DispatchCron    string
	DecayCron       string
	MaintenanceCron string
	RateResetCron   string
	LifecycleCron   string
	CommandPoll     time.Duration
}

type WorkerConfig struct {
	Count int
}

type VerifyConfig struct {
	RatePerSecond  float64
	RetryAfter     time.Duration
	Timeout        time.Duration
	BrowserSources []string
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type LifecycleConfig struct {
	StaleListingDays int
}

func (l LifecycleConfig) StaleAfter() time.Duration {
	return time.Duration(l.StaleListingDays) * 24 * time.Hour
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "postgres"),
			URL:    os.Getenv("DATABASE_URL"),
			Path:   getEnv("DB_PATH", "ingest.db"),
		},
		RedisURL: os.Getenv("REDIS_URL"),
		Apify: ApifyConfig{
			Token: os.Getenv("APIFY_API_TOKEN"),
		},
		Scheduler: SchedulerConfig{
			DispatchCron:    getEnv("DISPATCH_CRON", "@hourly"),
			DecayCron:       getEnv("DECAY_CRON", "@hourly"),
			MaintenanceCron: getEnv("MAINTENANCE_CRON", "0 3 * * *"),
			RateResetCron:   getEnv("RATE_RESET_CRON", "@hourly"),
			LifecycleCron:   getEnv("LIFECYCLE_CRON", "30 3 * * *"),
			CommandPoll:     getEnvDuration("COMMAND_POLL_INTERVAL", 2*time.Second),
		},
		Workers: WorkerConfig{
			Count: getEnvInt("WORKER_COUNT", 4),
		},
		Verify: VerifyConfig{
			RatePerSecond:  getEnvFloat("VERIFY_RATE_PER_SEC", 1),
			RetryAfter:     getEnvDuration("VERIFY_RETRY_AFTER", 6*time.Hour),
			Timeout:        getEnvDuration("VERIFY_TIMEOUT", 15*time.Second),
			BrowserSources: getEnvList("VERIFY_BROWSER_SOURCES"),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Lifecycle: LifecycleConfig{
			StaleListingDays: getEnvInt("STALE_LISTING_DAYS", 30),
		},
		LogPath:    getEnv("LOG_PATH", "ingest.log"),
		ConfigDir:  getEnv("CONFIG_DIR", "config"),
		SeedConfig: getEnvBool("SEED_CONFIG", true),
	}

	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "sqlite" {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
	}
	if cfg.Workers.Count < 1 {
		cfg.Workers.Count = 1
	}

	var err error
	if cfg.Markets, err = LoadMarkets(filepath.Join(cfg.ConfigDir, "markets")); err != nil {
		return nil, err
	}
	if cfg.Sources, err = LoadSources(filepath.Join(cfg.ConfigDir, "sources")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// marketFile groups markets that share a tier. File-level fields are
// defaults for every entry.
type marketFile struct {
	Tier           models.Tier   `yaml:"tier"`
	FrequencyHours int           `yaml:"frequency_hours"`
	Source         string        `yaml:"source"`
	MaxListings    int           `yaml:"max_listings"`
	Markets        []marketEntry `yaml:"markets"`
}

type marketEntry struct {
	ID             string      `yaml:"id"`
	DisplayName    string      `yaml:"display_name"`
	City           string      `yaml:"city"`
	State          string      `yaml:"state"`
	Tier           models.Tier `yaml:"tier"`
	Source         string      `yaml:"source"`
	Enabled        *bool       `yaml:"enabled"`
	MaxListings    int         `yaml:"max_listings"`
	FrequencyHours int         `yaml:"frequency_hours"`
}

// LoadMarkets reads every *.yaml file in dir. A missing directory yields no
// markets.
func LoadMarkets(dir string) ([]models.Market, error) {
	paths, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}

	var markets []models.Market
	seen := make(map[string]string)
	for _, path := range paths {
		var file marketFile
		if err := readYAML(path, &file); err != nil {
			return nil, err
		}
		for _, e := range file.Markets {
			m := e.market(file)
			if err := validateMarket(&m); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if prev, dup := seen[m.ID]; dup {
				return nil, fmt.Errorf("%s: market %q already defined in %s", path, m.ID, prev)
			}
			seen[m.ID] = path
			markets = append(markets, m)
		}
	}
	return markets, nil
}

func (e marketEntry) market(file marketFile) models.Market {
	m := models.Market{
		ID:                   e.ID,
		DisplayName:          e.DisplayName,
		City:                 e.City,
		State:                strings.ToUpper(e.State),
		Tier:                 firstNonEmpty(e.Tier, file.Tier),
		SourceID:             firstNonEmpty(e.Source, file.Source),
		IsEnabled:            e.Enabled == nil || *e.Enabled,
		MaxListingsPerScrape: firstPositive(e.MaxListings, file.MaxListings, 500),
		ScrapeFrequencyHours: firstPositive(e.FrequencyHours, file.FrequencyHours),
	}
	if m.DisplayName == "" {
		m.DisplayName = m.City
	}
	if m.ScrapeFrequencyHours == 0 {
		m.ScrapeFrequencyHours = m.Tier.DefaultFrequencyHours()
	}
	return m
}

func validateMarket(m *models.Market) error {
	switch {
	case m.ID == "":
		return fmt.Errorf("market without id")
	case m.City == "" || m.State == "":
		return fmt.Errorf("market %q: city and state are required", m.ID)
	case !m.Tier.Valid():
		return fmt.Errorf("market %q: invalid tier %q", m.ID, m.Tier)
	case m.SourceID == "":
		return fmt.Errorf("market %q: no source", m.ID)
	}
	return nil
}

// LoadSources reads one data source per *.yaml file in dir.
func LoadSources(dir string) ([]models.DataSource, error) {
	paths, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}

	var sources []models.DataSource
	for _, path := range paths {
		var src models.DataSource
		if err := readYAML(path, &src); err != nil {
			return nil, err
		}
		if src.ID == "" {
			return nil, fmt.Errorf("%s: data source without id", path)
		}
		if src.Name == "" {
			src.Name = src.ID
		}
		if src.Provider == "" {
			src.Provider = "apify"
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func firstNonEmpty[T ~string](vals ...T) T {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
