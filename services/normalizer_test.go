package services

import (
	"strings"
	"testing"

	"homescout_ingest/models"
)

func intPtr(i int) *int { return &i }
func floatPtr(f float64) *float64 { return &f }

func minimalRaw() models.ScrapedListing {
	return models.ScrapedListing{
		Source:    "zillow",
		Address:   "123 Main St",
		Rent:      1500,
		Bedrooms:  intPtr(1),
		Bathrooms: floatPtr(1),
	}
}

func TestNormalizeMinimalListing(t *testing.T) {
	res := NewNormalizer().Normalize(minimalRaw())
	if !res.Success {
		t.Fatalf("expected success, got errors %v", res.Errors)
	}
	if res.QualityScore < 40 || res.QualityScore > 60 {
		t.Fatalf("minimal listing score %d outside low band", res.QualityScore)
	}
	if res.Listing.AddressNormalized != "123 main st" {
		t.Errorf("address_normalized = %q", res.Listing.AddressNormalized)
	}
	if res.Listing.ContentHash == "" {
		t.Error("content hash not set")
	}
	if res.Listing.PropertyType != "Apartment" {
		t.Errorf("property type = %q", res.Listing.PropertyType)
	}
}

func TestNormalizeRicherListingScoresHigher(t *testing.T) {
	n := NewNormalizer()
	base := n.Normalize(minimalRaw()).QualityScore

	raw := minimalRaw()
	raw.Description = strings.Repeat("Sunny one bedroom near the park. ", 10)[:300]
	raw.Images = []string{"https://img/1.jpg", "https://img/2.jpg", "https://img/3.jpg"}

	rich := n.Normalize(raw).QualityScore
	if rich <= base {
		t.Fatalf("rich score %d should exceed minimal score %d", rich, base)
	}
}

func TestQualityScoreMonotonic(t *testing.T) {
	sqft := 700
	lat, lng := 40.0, -75.3
	steps := []func(l *models.Listing){
		func(l *models.Listing) { l.Description = "short" },
		func(l *models.Listing) { l.Description = strings.Repeat("x", 150) },
		func(l *models.Listing) { l.Images = []string{"a"} },
		func(l *models.Listing) { l.Images = []string{"a", "b", "c"} },
		func(l *models.Listing) { l.Sqft = &sqft },
		func(l *models.Listing) { l.Neighborhood = "Rittenhouse" },
		func(l *models.Listing) { l.Amenities = []string{"Dishwasher"} },
		func(l *models.Listing) { l.Latitude, l.Longitude = &lat, &lng },
		func(l *models.Listing) { l.AvailableDate = "2026-11-01" },
	}

	l := &models.Listing{Address: "1 A St", Rent: 1000, Bedrooms: 1, Bathrooms: 1}
	prev := QualityScore(l)
	for i, step := range steps {
		step(l)
		score := QualityScore(l)
		if score < prev {
			t.Fatalf("step %d lowered score %d -> %d", i, prev, score)
		}
		if score > 100 {
			t.Fatalf("step %d exceeded 100: %d", i, score)
		}
		prev = score
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.ScrapedListing)
	}{
		{"empty address", func(r *models.ScrapedListing) { r.Address = "   " }},
		{"zero rent", func(r *models.ScrapedListing) { r.Rent = 0 }},
		{"negative rent", func(r *models.ScrapedListing) { r.Rent = -5 }},
		{"missing bedrooms", func(r *models.ScrapedListing) { r.Bedrooms = nil }},
		{"negative bedrooms", func(r *models.ScrapedListing) { r.Bedrooms = intPtr(-1) }},
		{"missing bathrooms", func(r *models.ScrapedListing) { r.Bathrooms = nil }},
		{"negative bathrooms", func(r *models.ScrapedListing) { r.Bathrooms = floatPtr(-0.5) }},
	}

	n := NewNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := minimalRaw()
			tt.mutate(&raw)
			res := n.Normalize(raw)
			if res.Success {
				t.Fatal("expected rejection")
			}
			if len(res.Errors) == 0 {
				t.Fatal("rejection without errors")
			}
			if res.Listing != nil {
				t.Fatal("rejected record should not carry a listing")
			}
		})
	}
}

func TestNormalizeStudioIsValid(t *testing.T) {
	raw := minimalRaw()
	raw.Bedrooms = intPtr(0)
	if res := NewNormalizer().Normalize(raw); !res.Success {
		t.Fatalf("studio rejected: %v", res.Errors)
	}
}

func TestNormalizeFieldCleanup(t *testing.T) {
	raw := minimalRaw()
	raw.Address = "  500 Walnut Street,  Philadelphia, pa 19106 "
	raw.PropertyType = "single-family"
	raw.Amenities = []string{"in-unit laundry", "Dishwasher", "DISHWASHER", " "}
	raw.Images = []string{"", "https://img/a.jpg", "https://img/a.jpg"}
	raw.Sqft = intPtr(0)

	l := NewNormalizer().Normalize(raw).Listing
	if l.City != "Philadelphia" || l.State != "PA" || l.ZipCode != "19106" {
		t.Errorf("city/state/zip = %q/%q/%q", l.City, l.State, l.ZipCode)
	}
	if l.PropertyType != "House" {
		t.Errorf("property type = %q", l.PropertyType)
	}
	if len(l.Amenities) != 2 || l.Amenities[0] != "Dishwasher" || l.Amenities[1] != "In-unit Laundry" {
		t.Errorf("amenities = %v", l.Amenities)
	}
	if len(l.Images) != 1 {
		t.Errorf("images = %v", l.Images)
	}
	if l.Sqft != nil {
		t.Errorf("zero sqft should be dropped")
	}
}
