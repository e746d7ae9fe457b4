package scraper

import (
	"encoding/json"
	"fmt"

	"homescout_ingest/models"
)

// ApartmentsAdapter handles the epctex apartments-scraper-api actor. Its items
// are whole properties; rent, beds and sqft come as ranges.
type ApartmentsAdapter struct{}

func (a *ApartmentsAdapter) SourceID() string {
	return "apartments_com"
}

func (a *ApartmentsAdapter) DefaultActorID() string {
	return "epctex~apartments-scraper-api"
}

func (a *ApartmentsAdapter) BuildInput(req models.FetchRequest) map[string]interface{} {
	return map[string]interface{}{
		"search":                   fmt.Sprintf("%s, %s", req.City, req.State),
		"maxItems":                 req.MaxListings,
		"includeInteriorAmenities": true,
		"includeReviews":           true,
		"includeVisuals":           true,
		"includeWalkScore":         true,
	}
}

func (a *ApartmentsAdapter) ParseListing(data json.RawMessage) (models.ScrapedListing, error) {
	item, err := decodeItem(data)
	if err != nil {
		return models.ScrapedListing{}, err
	}
	loc := object(item["location"])
	coords := object(item["coordinates"])

	description := str(item, "description")
	if description == "" {
		description = str(item, "propertyName")
	}

	listing := models.ScrapedListing{
		ExternalID:   str(item, "id"),
		Source:       a.SourceID(),
		Address:      str(loc, "fullAddress", "streetAddress"),
		City:         str(loc, "city"),
		State:        str(loc, "state"),
		ZipCode:      str(loc, "postalCode"),
		Neighborhood: str(loc, "neighborhood"),
		Latitude:     floatPtr(coords["latitude"]),
		Longitude:    floatPtr(coords["longitude"]),
		Rent:         parseRent(item["rent"]),
		Bedrooms:     parseBedrooms(item["beds"]),
		Bathrooms:    parseBathrooms(item["baths"]),
		Sqft:         parseSqft(item["sqft"]),
		PropertyType: "Apartment",
		Description:  description,
		Amenities:    amenityList(item["amenities"]),
		Images:       stringList(item["photos"], "url", "src"),
		SourceURL:    str(item, "url"),
	}
	return requireCore(listing)
}
