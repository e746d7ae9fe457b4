package services

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"homescout_ingest/identity"
	"homescout_ingest/models"
)

// Quality score weights. A listing with only the required fields lands on
// baseQualityScore; every optional field only ever adds.
const (
	baseQualityScore      = 50
	richDescriptionLength = 100
)

var (
	cityStateZipRegex = regexp.MustCompile(`,\s*([^,]+?),\s*([A-Za-z]{2})(?:\s+(\d{5})(?:-\d{4})?)?\s*$`)
	propertyTypeAlias = map[string]string{
		"apartment":     "Apartment",
		"apartments":    "Apartment",
		"apt":           "Apartment",
		"multi_family":  "Apartment",
		"multifamily":   "Apartment",
		"condo":         "Condo",
		"condominium":   "Condo",
		"condos":        "Condo",
		"house":         "House",
		"single_family": "House",
		"singlefamily":  "House",
		"home":          "House",
		"townhouse":     "Townhouse",
		"townhome":      "Townhouse",
		"town_house":    "Townhouse",
	}
)

// NormalizeResult is the outcome for one scraped record. Errors is non-empty
// exactly when Success is false.
type NormalizeResult struct {
	Success      bool
	Listing      *models.Listing
	QualityScore int
	Errors       []string
}

// Normalizer turns adapter output into canonical listings.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

func (n *Normalizer) Normalize(raw models.ScrapedListing) NormalizeResult {
	var errs []string

	address := strings.Join(strings.Fields(raw.Address), " ")
	if address == "" {
		errs = append(errs, "address is required")
	}
	if raw.Rent <= 0 {
		errs = append(errs, fmt.Sprintf("rent must be positive, got %d", raw.Rent))
	}
	if raw.Bedrooms == nil {
		errs = append(errs, "bedrooms is required")
	} else if *raw.Bedrooms < 0 {
		errs = append(errs, fmt.Sprintf("bedrooms must be >= 0, got %d", *raw.Bedrooms))
	}
	if raw.Bathrooms == nil {
		errs = append(errs, "bathrooms is required")
	} else if *raw.Bathrooms < 0 {
		errs = append(errs, fmt.Sprintf("bathrooms must be >= 0, got %v", *raw.Bathrooms))
	}
	if len(errs) > 0 {
		return NormalizeResult{Errors: errs}
	}

	listing := &models.Listing{
		ExternalID:    strings.TrimSpace(raw.ExternalID),
		Source:        raw.Source,
		Address:       address,
		City:          strings.TrimSpace(raw.City),
		State:         strings.ToUpper(strings.TrimSpace(raw.State)),
		ZipCode:       strings.TrimSpace(raw.ZipCode),
		Neighborhood:  strings.TrimSpace(raw.Neighborhood),
		Latitude:      raw.Latitude,
		Longitude:     raw.Longitude,
		Rent:          raw.Rent,
		Bedrooms:      *raw.Bedrooms,
		Bathrooms:     *raw.Bathrooms,
		PropertyType:  NormalizePropertyType(raw.PropertyType),
		AvailableDate: strings.TrimSpace(raw.AvailableDate),
		Description:   strings.TrimSpace(raw.Description),
		Amenities:     NormalizeAmenities(raw.Amenities),
		Images:        cleanImages(raw.Images),
		SourceURL:     strings.TrimSpace(raw.SourceURL),
	}
	if raw.Sqft != nil && *raw.Sqft > 0 {
		sqft := *raw.Sqft
		listing.Sqft = &sqft
	}
	if listing.City == "" || listing.State == "" {
		city, state, zip := splitCityState(address)
		if listing.City == "" {
			listing.City = city
		}
		if listing.State == "" {
			listing.State = state
		}
		if listing.ZipCode == "" {
			listing.ZipCode = zip
		}
	}

	listing.AddressNormalized = identity.AddressKey(address)
	listing.ContentHash = identity.ContentHash(listing.AddressNormalized, listing.Rent, listing.Bedrooms, listing.Bathrooms)
	listing.DataQualityScore = QualityScore(listing)

	return NormalizeResult{
		Success:      true,
		Listing:      listing,
		QualityScore: listing.DataQualityScore,
	}
}

// QualityScore rewards optional fields. Adding any field never lowers it.
func QualityScore(l *models.Listing) int {
	score := baseQualityScore

	switch {
	case len(l.Description) >= richDescriptionLength:
		score += 10
	case l.Description != "":
		score += 5
	}
	if len(l.Images) > 0 {
		score += 10
	}
	if len(l.Images) >= 3 {
		score += 5
	}
	if l.Sqft != nil && *l.Sqft > 0 {
		score += 5
	}
	if l.Neighborhood != "" {
		score += 5
	}
	if len(l.Amenities) > 0 {
		score += 5
	}
	if l.Latitude != nil && l.Longitude != nil {
		score += 5
	}
	if l.AvailableDate != "" {
		score += 5
	}

	if score > 100 {
		score = 100
	}
	return score
}

func NormalizePropertyType(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if t, ok := propertyTypeAlias[key]; ok {
		return t
	}
	return "Apartment"
}

// NormalizeAmenities case-folds, Title-cases, de-dupes and sorts.
func NormalizeAmenities(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		key := strings.ToLower(strings.Join(strings.Fields(a), " "))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, titleCase(key))
	}
	sort.Strings(out)
	return out
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func cleanImages(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, img := range raw {
		img = strings.TrimSpace(img)
		if img == "" || seen[img] {
			continue
		}
		seen[img] = true
		out = append(out, img)
	}
	return out
}

// splitCityState reads "street, City, ST 12345" tails.
func splitCityState(address string) (city, state, zip string) {
	m := cityStateZipRegex.FindStringSubmatch(address)
	if m == nil {
		return "", "", ""
	}
	return strings.TrimSpace(m[1]), strings.ToUpper(m[2]), m[3]
}
