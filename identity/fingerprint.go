package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

// RentBucket is the granularity rent is rounded to before hashing, so small
// price edits do not create a new unit.
const RentBucket = 50

// ContentHash fingerprints a physical unit. Missing rent or bedrooms hash as 0,
// which means two incomplete listings at one address can collide.
func ContentHash(addressKey string, rent, bedrooms int, bathrooms float64) string {
	input := fmt.Sprintf("%s|%d|%d|%s",
		addressKey,
		RoundRent(rent),
		bedrooms,
		strconv.FormatFloat(bathrooms, 'f', -1, 64),
	)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// RoundRent rounds to the nearest RentBucket, halves rounding up.
func RoundRent(rent int) int {
	return int(math.Round(float64(rent)/RentBucket)) * RentBucket
}

// ListingHash is ContentHash over the fields of a normalized listing. The
// address key is recomputed so callers can pass raw or normalized addresses.
func ListingHash(address string, rent, bedrooms int, bathrooms float64) string {
	return ContentHash(AddressKey(address), rent, bedrooms, bathrooms)
}
