package models

import (
	"time"

	"github.com/google/uuid"
)

type VerificationStatus string

const (
	VerificationNone     VerificationStatus = ""
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationGone     VerificationStatus = "gone"
)

const (
	MaxConfidence          = 100
	VerifiedConfidence     = 80
	VerificationThreshold  = 40
	ReseenDescriptionFloor = 100
)

var PropertyTypes = []string{"Apartment", "Condo", "House", "Townhouse"}

// Listing is one rental unit as persisted. ContentHash identifies the physical
// unit; two rows with the same hash are the same apartment.
type Listing struct {
	ID                      uuid.UUID          `json:"id" db:"id"`
	ExternalID              string             `json:"external_id" db:"external_id"`
	Source                  string             `json:"source" db:"source"`
	Address                 string             `json:"address" db:"address"`
	AddressNormalized       string             `json:"address_normalized" db:"address_normalized"`
	City                    string             `json:"city" db:"city"`
	State                   string             `json:"state" db:"state"`
	ZipCode                 string             `json:"zip_code" db:"zip_code"`
	Neighborhood            string             `json:"neighborhood" db:"neighborhood"`
	Latitude                *float64           `json:"latitude" db:"latitude"`
	Longitude               *float64           `json:"longitude" db:"longitude"`
	Rent                    int                `json:"rent" db:"rent"`
	Bedrooms                int                `json:"bedrooms" db:"bedrooms"`
	Bathrooms               float64            `json:"bathrooms" db:"bathrooms"`
	Sqft                    *int               `json:"sqft" db:"sqft"`
	PropertyType            string             `json:"property_type" db:"property_type"`
	AvailableDate           string             `json:"available_date" db:"available_date"`
	Description             string             `json:"description" db:"description"`
	Amenities               []string           `json:"amenities" db:"amenities"`
	Images                  []string           `json:"images" db:"images"`
	SourceURL               string             `json:"source_url" db:"source_url"`
	ContentHash             string             `json:"content_hash" db:"content_hash"`
	DataQualityScore        int                `json:"data_quality_score" db:"data_quality_score"`
	FreshnessConfidence     int                `json:"freshness_confidence" db:"freshness_confidence"`
	ConfidenceUpdatedAt     *time.Time         `json:"confidence_updated_at" db:"confidence_updated_at"`
	VerificationStatus      VerificationStatus `json:"verification_status" db:"verification_status"`
	VerifiedAt              *time.Time         `json:"verified_at" db:"verified_at"`
	VerificationRequestedAt *time.Time         `json:"verification_requested_at" db:"verification_requested_at"`
	TimesSeen               int                `json:"times_seen" db:"times_seen"`
	FirstSeenAt             time.Time          `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt              time.Time          `json:"last_seen_at" db:"last_seen_at"`
	IsActive                bool               `json:"is_active" db:"is_active"`
	MarketID                string             `json:"market_id" db:"market_id"`
	CreatedAt               time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at" db:"updated_at"`
}

// MarkFirstSeen stamps a freshly normalized listing for its first sighting.
func (l *Listing) MarkFirstSeen(now time.Time, marketID string) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.MarketID = marketID
	l.TimesSeen = 1
	l.FreshnessConfidence = MaxConfidence
	l.VerificationStatus = VerificationNone
	l.IsActive = true
	l.FirstSeenAt = now
	l.LastSeenAt = now
	l.CreatedAt = now
	l.UpdatedAt = now
}

// ScrapedListing is what a source adapter produces: field names unified, content
// not yet validated. Bedrooms and Bathrooms are pointers so "missing" and "zero"
// stay distinguishable.
type ScrapedListing struct {
	ExternalID    string   `json:"external_id"`
	Source        string   `json:"source"`
	Address       string   `json:"address"`
	City          string   `json:"city"`
	State         string   `json:"state"`
	ZipCode       string   `json:"zip_code"`
	Neighborhood  string   `json:"neighborhood"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	Rent          int      `json:"rent"`
	Bedrooms      *int     `json:"bedrooms"`
	Bathrooms     *float64 `json:"bathrooms"`
	Sqft          *int     `json:"sqft"`
	PropertyType  string   `json:"property_type"`
	AvailableDate string   `json:"available_date"`
	Description   string   `json:"description"`
	Amenities     []string `json:"amenities"`
	Images        []string `json:"images"`
	SourceURL     string   `json:"source_url"`
}

type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchFuzzy MatchKind = "fuzzy"
)

// ReseenUpdate is an incoming observation of a listing that already exists.
type ReseenUpdate struct {
	ExistingID  uuid.UUID `json:"existing_id"`
	Hash        string    `json:"hash"`
	Match       MatchKind `json:"match"`
	Images      []string  `json:"images,omitempty"`
	Description string    `json:"description,omitempty"`
}
