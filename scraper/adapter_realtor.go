package scraper

import (
	"encoding/json"
	"fmt"

	"homescout_ingest/models"
)

// RealtorAdapter handles the epctex realtor-scraper actor in RENT mode.
type RealtorAdapter struct{}

func (a *RealtorAdapter) SourceID() string {
	return "realtor"
}

func (a *RealtorAdapter) DefaultActorID() string {
	return "epctex~realtor-scraper"
}

func (a *RealtorAdapter) BuildInput(req models.FetchRequest) map[string]interface{} {
	return map[string]interface{}{
		"search":   fmt.Sprintf("%s, %s", req.City, req.State),
		"mode":     "RENT",
		"maxItems": req.MaxListings,
		"proxy":    map[string]interface{}{"useApifyProxy": true},
	}
}

func (a *RealtorAdapter) ParseListing(data json.RawMessage) (models.ScrapedListing, error) {
	item, err := decodeItem(data)
	if err != nil {
		return models.ScrapedListing{}, err
	}
	loc := object(item["location"])

	address := str(item, "address", "streetAddress")
	if address == "" {
		address = str(loc, "address")
	}
	lat := floatPtr(item["latitude"])
	if lat == nil {
		lat = floatPtr(loc["lat"])
	}
	lng := floatPtr(item["longitude"])
	if lng == nil {
		lng = floatPtr(loc["lon"])
	}

	city := str(item, "city")
	if city == "" {
		city = str(loc, "city")
	}
	state := str(item, "state")
	if state == "" {
		state = str(loc, "state", "stateCode")
	}
	zip := str(item, "zipCode", "zip")
	if zip == "" {
		zip = str(loc, "zipCode", "zip", "postalCode")
	}

	listing := models.ScrapedListing{
		ExternalID:    str(item, "propertyId", "id"),
		Source:        a.SourceID(),
		Address:       address,
		City:          city,
		State:         state,
		ZipCode:       zip,
		Latitude:      lat,
		Longitude:     lng,
		Rent:          parseRent(first(item, "price", "rent", "listPrice")),
		Bedrooms:      parseBedrooms(first(item, "beds", "bedrooms")),
		Bathrooms:     parseBathrooms(first(item, "baths", "bathrooms")),
		Sqft:          parseSqft(first(item, "sqft", "livingArea")),
		PropertyType:  str(item, "propertyType"),
		AvailableDate: str(item, "availableDate"),
		Description:   str(item, "description"),
		Images:        stringList(first(item, "photos", "images"), "href", "url"),
		SourceURL:     str(item, "url"),
	}
	return requireCore(listing)
}
