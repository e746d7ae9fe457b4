package scraper

import (
	"encoding/json"
	"fmt"

	"homescout_ingest/models"
)

// RentComAdapter handles the jupri rent-com-scraper actor, which takes
// browse URLs rather than a search string.
type RentComAdapter struct{}

func (a *RentComAdapter) SourceID() string {
	return "rent_com"
}

func (a *RentComAdapter) DefaultActorID() string {
	return "jupri~rent-com-scraper"
}

func (a *RentComAdapter) BuildInput(req models.FetchRequest) map[string]interface{} {
	startURL := fmt.Sprintf("https://www.rent.com/%s/%s/apartments",
		stateSlug(req.State), citySlug(req.City))
	return map[string]interface{}{
		"startUrls":  []string{startURL},
		"maxResults": req.MaxListings,
	}
}

func (a *RentComAdapter) ParseListing(data json.RawMessage) (models.ScrapedListing, error) {
	item, err := decodeItem(data)
	if err != nil {
		return models.ScrapedListing{}, err
	}

	listing := models.ScrapedListing{
		ExternalID:   str(item, "id", "listingId"),
		Source:       a.SourceID(),
		Address:      str(item, "address", "streetAddress", "name"),
		City:         str(item, "city"),
		State:        str(item, "state"),
		ZipCode:      str(item, "zipCode", "zip"),
		Latitude:     floatPtr(item["latitude"]),
		Longitude:    floatPtr(item["longitude"]),
		Rent:         parseRent(first(item, "rent", "price", "rentPrice")),
		Bedrooms:     parseBedrooms(first(item, "beds", "bedrooms")),
		Bathrooms:    parseBathrooms(first(item, "baths", "bathrooms")),
		Sqft:         parseSqft(first(item, "sqft", "squareFeet")),
		PropertyType: str(item, "propertyType"),
		Description:  str(item, "description"),
		Amenities:    amenityList(item["amenities"]),
		Images:       stringList(first(item, "photos", "images"), "url", "src"),
		SourceURL:    str(item, "url"),
	}
	return requireCore(listing)
}
