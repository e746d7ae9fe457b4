package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SkipReason string

const (
	SkipDisabled       SkipReason = "disabled"
	SkipCircuitBreaker SkipReason = "circuit_breaker"
	SkipNotDue         SkipReason = "not_due"
	SkipAlreadyRunning SkipReason = "already_running"
	SkipRateLimit      SkipReason = "rate_limit"
)

type DispatchedMarket struct {
	MarketID     string    `json:"market"`
	DelaySeconds int       `json:"delay_seconds"`
	JobID        uuid.UUID `json:"job_id"`
}

type SkippedMarket struct {
	MarketID string     `json:"market"`
	Reason   SkipReason `json:"reason"`
}

type DispatchReport struct {
	Dispatched []DispatchedMarket `json:"dispatched"`
	Skipped    []SkippedMarket    `json:"skipped"`
}

type DecayReport struct {
	Scanned              int `json:"scanned"`
	Updated              int `json:"updated"`
	VerificationsQueued  int `json:"verifications_queued"`
	VerificationsRetried int `json:"verifications_retried"`
	Deactivated          int `json:"deactivated"`
	Errors               int `json:"errors"`
}

type MaintenanceReport struct {
	ListingsDeactivated int64 `json:"listings_deactivated"`
	BreakersReset       int64 `json:"breakers_reset"`
	JobsFailed          int64 `json:"jobs_failed"`
	SourcesReset        int64 `json:"sources_reset"`
	Err                 error `json:"-"`
}

func (r *MaintenanceReport) ToJSON() string {
	data, _ := json.Marshal(r)
	return string(data)
}

type MetricsSnapshot struct {
	TakenAt             time.Time         `json:"taken_at"`
	ActiveListings      int               `json:"active_listings"`
	NewListings24h      int               `json:"new_listings_24h"`
	PendingVerification int               `json:"pending_verification"`
	AvgConfidence       float64           `json:"avg_confidence"`
	Jobs24h             map[JobStatus]int `json:"jobs_24h"`
}

func (s *MetricsSnapshot) ToJSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}
