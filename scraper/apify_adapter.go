package scraper

import (
	"encoding/json"
	"errors"
	"fmt"

	"homescout_ingest/models"
)

// Adapter holds the source-specific parts of an actor run: how to ask for a
// city and how to read one dataset item.
type Adapter interface {
	SourceID() string
	DefaultActorID() string
	BuildInput(req models.FetchRequest) map[string]interface{}
	ParseListing(data json.RawMessage) (models.ScrapedListing, error)
}

var (
	errNoAddress = errors.New("missing address")
	errNoRent    = errors.New("missing rent")
)

// AdapterFor returns the adapter registered for a data source id.
func AdapterFor(sourceID string) (Adapter, error) {
	switch sourceID {
	case "zillow":
		return &ZillowAdapter{}, nil
	case "apartments_com":
		return &ApartmentsAdapter{}, nil
	case "realtor":
		return &RealtorAdapter{}, nil
	case "rent_com":
		return &RentComAdapter{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, sourceID)
	}
}

// requireCore rejects items the normalizer could never accept, so they are
// counted at parse time instead of travelling further.
func requireCore(l models.ScrapedListing) (models.ScrapedListing, error) {
	if l.Address == "" {
		return l, errNoAddress
	}
	if l.Rent <= 0 {
		return l, errNoRent
	}
	return l, nil
}

func decodeItem(data json.RawMessage) (map[string]interface{}, error) {
	var item map[string]interface{}
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	if item == nil {
		return nil, errors.New("empty item")
	}
	return item, nil
}
