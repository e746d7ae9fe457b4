package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

type JobType string

const (
	JobScheduled JobType = "scheduled"
	JobManual    JobType = "manual"
)

// StaleJobWindow is how long a job may stay unfinished before maintenance
// force-fails it.
const StaleJobWindow = 30 * time.Minute

func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type ScrapeJob struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	SourceID           string     `json:"source_id" db:"source_id"`
	JobType            JobType    `json:"job_type" db:"job_type"`
	MarketID           string     `json:"market_id" db:"market_id"`
	TargetCity         string     `json:"target_city" db:"target_city"`
	TargetState        string     `json:"target_state" db:"target_state"`
	Status             JobStatus  `json:"status" db:"status"`
	Attempts           int        `json:"attempts" db:"attempts"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	StartedAt          *time.Time `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at" db:"completed_at"`
	ListingsFound      int        `json:"listings_found" db:"listings_found"`
	ListingsNew        int        `json:"listings_new" db:"listings_new"`
	ListingsUpdated    int        `json:"listings_updated" db:"listings_updated"`
	ListingsDuplicates int        `json:"listings_duplicates" db:"listings_duplicates"`
	ListingsErrors     int        `json:"listings_errors" db:"listings_errors"`
	ErrorMessage       string     `json:"error_message" db:"error_message"`
	ExternalJobID      string     `json:"external_job_id" db:"external_job_id"`
	ExternalJobURL     string     `json:"external_job_url" db:"external_job_url"`
	APICallsMade       int        `json:"api_calls_made" db:"api_calls_made"`
	CostCents          int        `json:"cost_cents" db:"cost_cents"`
	RawArchiveKey      string     `json:"raw_archive_key" db:"raw_archive_key"`
}

// NewScrapeJob creates a pending job for a market.
func NewScrapeJob(m *Market, jobType JobType, now time.Time) *ScrapeJob {
	return &ScrapeJob{
		ID:          uuid.New(),
		SourceID:    m.SourceID,
		JobType:     jobType,
		MarketID:    m.ID,
		TargetCity:  m.City,
		TargetState: m.State,
		Status:      JobPending,
		CreatedAt:   now,
	}
}

// FetchRequest is what the scrape worker asks a provider for.
type FetchRequest struct {
	SourceID    string            `json:"source_id"`
	City        string            `json:"city"`
	State       string            `json:"state"`
	MaxListings int               `json:"max_listings"`
	Filters     map[string]string `json:"filters,omitempty"`
}

// FetchResult is a completed provider run. Raw holds the dataset items as
// returned so they can be archived.
type FetchResult struct {
	Listings       []ScrapedListing `json:"listings"`
	ParseErrors    int              `json:"parse_errors"`
	ExternalJobID  string           `json:"external_job_id"`
	ExternalJobURL string           `json:"external_job_url"`
	APICalls       int              `json:"api_calls"`
	CostCents      int              `json:"cost_cents"`
	Raw            []byte           `json:"-"`
}
