package models

import "time"

type Tier string

const (
	TierHot      Tier = "hot"
	TierStandard Tier = "standard"
	TierCool     Tier = "cool"
)

// CircuitBreakerThreshold is the consecutive failure count at which a market
// stops being dispatched until the daily reset.
const CircuitBreakerThreshold = 3

// DecayRate is confidence points lost per hour since a listing was last seen.
func (t Tier) DecayRate() int {
	switch t {
	case TierHot:
		return 3
	case TierStandard:
		return 2
	default:
		return 1
	}
}

func (t Tier) DefaultFrequencyHours() int {
	switch t {
	case TierHot:
		return 6
	case TierStandard:
		return 12
	default:
		return 24
	}
}

func (t Tier) Valid() bool {
	return t == TierHot || t == TierStandard || t == TierCool
}

type ScrapeStatus string

const (
	ScrapeCompleted ScrapeStatus = "completed"
	ScrapeFailed    ScrapeStatus = "failed"
	ScrapePartial   ScrapeStatus = "partial"
)

type Market struct {
	ID                   string       `json:"id" db:"id" yaml:"id"`
	DisplayName          string       `json:"display_name" db:"display_name" yaml:"display_name"`
	City                 string       `json:"city" db:"city" yaml:"city"`
	State                string       `json:"state" db:"state" yaml:"state"`
	Tier                 Tier         `json:"tier" db:"tier" yaml:"tier"`
	SourceID             string       `json:"source_id" db:"source_id" yaml:"source"`
	IsEnabled            bool         `json:"is_enabled" db:"is_enabled" yaml:"enabled"`
	MaxListingsPerScrape int          `json:"max_listings_per_scrape" db:"max_listings_per_scrape" yaml:"max_listings"`
	ScrapeFrequencyHours int          `json:"scrape_frequency_hours" db:"scrape_frequency_hours" yaml:"frequency_hours"`
	LastScrapeAt         *time.Time   `json:"last_scrape_at" db:"last_scrape_at" yaml:"-"`
	LastScrapeStatus     ScrapeStatus `json:"last_scrape_status" db:"last_scrape_status" yaml:"-"`
	ConsecutiveFailures  int          `json:"consecutive_failures" db:"consecutive_failures" yaml:"-"`
	CreatedAt            time.Time    `json:"created_at" db:"created_at" yaml:"-"`
}

func (m *Market) CircuitOpen() bool {
	return m.ConsecutiveFailures >= CircuitBreakerThreshold
}

// NextDueAt returns when the market becomes due again. A market that was
// never scraped is due immediately (zero time).
func (m *Market) NextDueAt() time.Time {
	if m.LastScrapeAt == nil {
		return time.Time{}
	}
	hours := m.ScrapeFrequencyHours
	if hours <= 0 {
		hours = m.Tier.DefaultFrequencyHours()
	}
	return m.LastScrapeAt.Add(time.Duration(hours) * time.Hour)
}

func (m *Market) IsDue(now time.Time) bool {
	return !now.Before(m.NextDueAt())
}
