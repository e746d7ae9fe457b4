package models

import "time"

type DataSource struct {
	ID                    string       `json:"id" db:"id" yaml:"id"`
	Name                  string       `json:"name" db:"name" yaml:"name"`
	Provider              string       `json:"provider" db:"provider" yaml:"provider"`
	ActorID               string       `json:"actor_id" db:"actor_id" yaml:"actor_id"`
	IsEnabled             bool         `json:"is_enabled" db:"is_enabled" yaml:"enabled"`
	RateLimitPerHour      int          `json:"rate_limit_per_hour" db:"rate_limit_per_hour" yaml:"rate_limit_per_hour"`
	RateLimitPerDay       int          `json:"rate_limit_per_day" db:"rate_limit_per_day" yaml:"rate_limit_per_day"`
	MonthlyBudgetCents    int          `json:"monthly_budget_cents" db:"monthly_budget_cents" yaml:"monthly_budget_cents"`
	CurrentHourCalls      int          `json:"current_hour_calls" db:"current_hour_calls" yaml:"-"`
	CurrentDayCalls       int          `json:"current_day_calls" db:"current_day_calls" yaml:"-"`
	HourResetAt           *time.Time   `json:"hour_reset_at" db:"hour_reset_at" yaml:"-"`
	DayResetAt            *time.Time   `json:"day_reset_at" db:"day_reset_at" yaml:"-"`
	CurrentMonthCostCents int          `json:"current_month_cost_cents" db:"current_month_cost_cents" yaml:"-"`
	TotalListingsScraped  int          `json:"total_listings_scraped" db:"total_listings_scraped" yaml:"-"`
	TotalScrapes          int          `json:"total_scrapes" db:"total_scrapes" yaml:"-"`
	SuccessfulScrapes     int          `json:"successful_scrapes" db:"successful_scrapes" yaml:"-"`
	LastScrapeAt          *time.Time   `json:"last_scrape_at" db:"last_scrape_at" yaml:"-"`
	LastScrapeStatus      ScrapeStatus `json:"last_scrape_status" db:"last_scrape_status" yaml:"-"`
}

// CanMakeRequest is the pre-flight gate checked before every scrape.
func (d *DataSource) CanMakeRequest() bool {
	if !d.IsEnabled {
		return false
	}
	if d.MonthlyBudgetCents > 0 && d.CurrentMonthCostCents >= d.MonthlyBudgetCents {
		return false
	}
	if d.CurrentHourCalls >= d.RateLimitPerHour {
		return false
	}
	return d.CurrentDayCalls < d.RateLimitPerDay
}

func (d *DataSource) SuccessRate() float64 {
	if d.TotalScrapes == 0 {
		return 0
	}
	return float64(d.SuccessfulScrapes) / float64(d.TotalScrapes) * 100
}

type RateLimitPeriod string

const (
	PeriodHour  RateLimitPeriod = "hour"
	PeriodDay   RateLimitPeriod = "day"
	PeriodMonth RateLimitPeriod = "month"
)

// SourceUsage is added to a data source's counters after a scrape attempt.
type SourceUsage struct {
	Calls     int
	CostCents int
	Listings  int
	Success   bool
	At        time.Time
}
