package scraper

import (
	"encoding/json"
	"fmt"
	"strings"

	"homescout_ingest/models"
)

// ZillowAdapter handles the maxcopell zillow-scraper actor.
type ZillowAdapter struct{}

func (a *ZillowAdapter) SourceID() string {
	return "zillow"
}

func (a *ZillowAdapter) DefaultActorID() string {
	return "maxcopell~zillow-scraper"
}

func (a *ZillowAdapter) BuildInput(req models.FetchRequest) map[string]interface{} {
	searchURL := fmt.Sprintf("https://www.zillow.com/%s-%s/rentals/",
		citySlug(req.City), strings.ToLower(req.State))
	return map[string]interface{}{
		"searchUrls": []map[string]string{{"url": searchURL}},
		"maxItems":   req.MaxListings,
	}
}

func (a *ZillowAdapter) ParseListing(data json.RawMessage) (models.ScrapedListing, error) {
	item, err := decodeItem(data)
	if err != nil {
		return models.ScrapedListing{}, err
	}

	city := str(item, "city")
	state := str(item, "state")
	zip := str(item, "zipcode", "zipCode")
	address := str(item, "address", "streetAddress")
	// streetAddress comes without the city tail the address key needs
	if address != "" && city != "" && !strings.Contains(strings.ToLower(address), strings.ToLower(city)) {
		address = strings.TrimSpace(fmt.Sprintf("%s, %s, %s %s", address, city, state, zip))
	}

	lat := floatPtr(item["latitude"])
	lng := floatPtr(item["longitude"])
	if lat == nil {
		lat = floatPtr(nested(item, "latLong", "latitude"))
		lng = floatPtr(nested(item, "latLong", "longitude"))
	}

	listing := models.ScrapedListing{
		ExternalID:    str(item, "zpid", "id"),
		Source:        a.SourceID(),
		Address:       address,
		City:          city,
		State:         state,
		ZipCode:       zip,
		Neighborhood:  str(item, "neighborhood"),
		Latitude:      lat,
		Longitude:     lng,
		Rent:          parseRent(first(item, "price", "unformattedPrice", "rentZestimate")),
		Bedrooms:      parseBedrooms(first(item, "bedrooms", "beds")),
		Bathrooms:     parseBathrooms(first(item, "bathrooms", "baths")),
		Sqft:          parseSqft(first(item, "livingArea", "sqft", "area")),
		PropertyType:  str(item, "homeType", "propertyType"),
		AvailableDate: str(item, "dateAvailable"),
		Description:   str(item, "description"),
		Amenities:     amenityList(item["amenities"]),
		Images:        stringList(first(item, "photos", "images"), "url", "src"),
		SourceURL:     zillowURL(str(item, "url", "detailUrl")),
	}
	return requireCore(listing)
}

func zillowURL(u string) string {
	if strings.HasPrefix(u, "/") {
		return "https://www.zillow.com" + u
	}
	return u
}
