package services

import (
	"log"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"homescout_ingest/identity"
	"homescout_ingest/models"
)

// fuzzyRentTolerance is the fraction of the incoming rent an existing listing
// may differ by and still be a fuzzy candidate.
const fuzzyRentTolerance = 0.10

// DedupResult partitions one batch. New keeps input order; the first listing
// with a given hash is the canonical one.
type DedupResult struct {
	New     []*models.Listing
	Updates []models.ReseenUpdate
	Skipped []*models.Listing
}

type Deduplicator struct {
	// MergeSkipped folds richer fields of intra-batch duplicates into the
	// canonical new listing instead of dropping them.
	MergeSkipped bool
	Threshold    float64
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{MergeSkipped: true, Threshold: identity.DefaultMatchThreshold}
}

// DeduplicateBatchWithUpdates classifies each listing, strictly in input order,
// as new, a re-seen update of an existing listing, or a batch duplicate.
// existingHashes maps content hash to listing id; existing is the pool for
// fuzzy matching and may be nil.
func (d *Deduplicator) DeduplicateBatchWithUpdates(batch []*models.Listing, existingHashes map[string]uuid.UUID, existing []models.Listing) DedupResult {
	var result DedupResult
	batchHashes := make(map[string]int)

	for _, l := range batch {
		hash := d.hash(l)
		l.ContentHash = hash

		if id, ok := existingHashes[hash]; ok {
			result.Updates = append(result.Updates, reseen(id, hash, models.MatchExact, l))
			continue
		}

		if len(existing) > 0 {
			if match := d.findFuzzyMatch(l, existing); match != nil {
				result.Updates = append(result.Updates, reseen(match.ID, hash, models.MatchFuzzy, l))
				continue
			}
		}

		if idx, ok := batchHashes[hash]; ok {
			if d.MergeSkipped {
				result.New[idx] = MergeListings(result.New[idx], l)
			}
			result.Skipped = append(result.Skipped, l)
			continue
		}

		batchHashes[hash] = len(result.New)
		result.New = append(result.New, l)
	}

	log.Printf("Dedup: %d input -> %d new, %d re-seen, %d skipped",
		len(batch), len(result.New), len(result.Updates), len(result.Skipped))
	return result
}

func (d *Deduplicator) hash(l *models.Listing) string {
	addr := l.AddressNormalized
	if addr == "" {
		addr = l.Address
	}
	return identity.ListingHash(addr, l.Rent, l.Bedrooms, l.Bathrooms)
}

// findFuzzyMatch returns the first existing listing within rent tolerance, with
// the same bedroom count and a matching address. No best-match search.
func (d *Deduplicator) findFuzzyMatch(l *models.Listing, existing []models.Listing) *models.Listing {
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = identity.DefaultMatchThreshold
	}
	addr := addressOf(l)

	for i := range existing {
		candidate := &existing[i]
		if math.Abs(float64(l.Rent-candidate.Rent)) > float64(l.Rent)*fuzzyRentTolerance {
			continue
		}
		if l.Bedrooms != candidate.Bedrooms {
			continue
		}
		if identity.AddressesMatch(addr, addressOf(candidate), threshold) {
			return candidate
		}
	}
	return nil
}

func addressOf(l *models.Listing) string {
	if l.AddressNormalized != "" {
		return l.AddressNormalized
	}
	return l.Address
}

func reseen(id uuid.UUID, hash string, kind models.MatchKind, l *models.Listing) models.ReseenUpdate {
	return models.ReseenUpdate{
		ExistingID:  id,
		Hash:        hash,
		Match:       kind,
		Images:      l.Images,
		Description: l.Description,
	}
}

// MergeListings combines two listings of the same unit into a copy of primary:
// images and amenities are unioned, the longer description wins, empty
// optional fields are backfilled from secondary, and the quality score is the
// higher of the two.
func MergeListings(primary, secondary *models.Listing) *models.Listing {
	merged := *primary

	merged.Images = unionImages(primary.Images, secondary.Images)
	merged.Amenities = mergeAmenities(primary.Amenities, secondary.Amenities)

	if len(secondary.Description) > len(primary.Description) {
		merged.Description = secondary.Description
	}

	if merged.Sqft == nil && secondary.Sqft != nil {
		sqft := *secondary.Sqft
		merged.Sqft = &sqft
	}
	if merged.Latitude == nil && secondary.Latitude != nil {
		lat := *secondary.Latitude
		merged.Latitude = &lat
	}
	if merged.Longitude == nil && secondary.Longitude != nil {
		lng := *secondary.Longitude
		merged.Longitude = &lng
	}
	if merged.Neighborhood == "" {
		merged.Neighborhood = secondary.Neighborhood
	}
	if merged.AvailableDate == "" {
		merged.AvailableDate = secondary.AvailableDate
	}

	if secondary.DataQualityScore > merged.DataQualityScore {
		merged.DataQualityScore = secondary.DataQualityScore
	}
	return &merged
}

func unionImages(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, img := range list {
			if img == "" || seen[img] {
				continue
			}
			seen[img] = true
			out = append(out, img)
		}
	}
	return out
}

func mergeAmenities(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for _, list := range [][]string{a, b} {
		for _, am := range list {
			key := strings.ToLower(strings.TrimSpace(am))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = titleCase(k)
	}
	return out
}
