package scraper

import (
	"regexp"
	"strconv"
	"strings"
)

// Shared helpers for reading loosely typed actor output.

var (
	numberRegex  = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	slugStripper = regexp.MustCompile(`[^a-z0-9]+`)
)

// str returns the first non-empty value among keys, rendering numbers without
// a trailing ".0" so numeric ids survive.
func str(item map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := item[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// first returns the first present, non-null value among keys.
func first(item map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := item[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// nested walks a path of object keys and returns nil when any hop is missing.
func nested(item map[string]interface{}, path ...string) interface{} {
	var cur interface{} = item
	for _, k := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}

func object(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// firstNumber pulls the leading number out of text like "$1,850/mo".
func firstNumber(s string) (float64, bool) {
	m := numberRegex.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		return firstNumber(n)
	}
	return 0, false
}

func floatPtr(v interface{}) *float64 {
	switch x := v.(type) {
	case float64:
		return &x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}

// parseRent handles plain numbers, "$1,850/mo", "$1,850 - $2,100" and
// {"min": 1850, "max": 2100}. Ranges resolve to their low end.
func parseRent(v interface{}) int {
	if m, ok := v.(map[string]interface{}); ok {
		if n, ok := number(m["min"]); ok && n > 0 {
			return int(n)
		}
		n, _ := number(m["max"])
		return int(n)
	}
	n, _ := number(v)
	return int(n)
}

// parseBedrooms reads "Studio", "Studio - 2 bd", "2 bd" or a number. Studios
// are 0 bedrooms.
func parseBedrooms(v interface{}) *int {
	if s, ok := v.(string); ok && strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "studio") {
		zero := 0
		return &zero
	}
	n, ok := number(v)
	if !ok {
		return nil
	}
	beds := int(n)
	return &beds
}

func parseBathrooms(v interface{}) *float64 {
	n, ok := number(v)
	if !ok {
		return nil
	}
	return &n
}

// parseSqft takes the low end of "433 - 533 sq ft". Zero means unknown.
func parseSqft(v interface{}) *int {
	n, ok := number(v)
	if !ok || n <= 0 {
		return nil
	}
	sqft := int(n)
	return &sqft
}

// stringList accepts ["a", "b"] or [{"url": "a"}, {"src": "b"}].
func stringList(v interface{}, keys ...string) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, it := range items {
		switch x := it.(type) {
		case string:
			if x != "" {
				out = append(out, x)
			}
		case map[string]interface{}:
			if s := str(x, keys...); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// amenityList flattens grouped amenities ([{"title": "Kitchen", "value":
// ["Dishwasher"]}]) and plain string lists.
func amenityList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, it := range items {
		switch x := it.(type) {
		case string:
			out = append(out, x)
		case map[string]interface{}:
			values := stringList(x["value"])
			if len(values) == 0 {
				if title := str(x, "title", "name"); title != "" {
					out = append(out, title)
				}
				continue
			}
			out = append(out, values...)
		}
	}
	return out
}

func citySlug(city string) string {
	return strings.Trim(slugStripper.ReplaceAllString(strings.ToLower(city), "-"), "-")
}

// stateSlug turns a state code into the lowercase full-name slug rent.com uses
// in its paths.
func stateSlug(code string) string {
	if name, ok := usStateNames[strings.ToUpper(code)]; ok {
		return citySlug(name)
	}
	return strings.ToLower(code)
}

var usStateNames = map[string]string{
	"AL": "Alabama", "AK": "Alaska", "AZ": "Arizona", "AR": "Arkansas",
	"CA": "California", "CO": "Colorado", "CT": "Connecticut", "DE": "Delaware",
	"DC": "District of Columbia", "FL": "Florida", "GA": "Georgia", "HI": "Hawaii",
	"ID": "Idaho", "IL": "Illinois", "IN": "Indiana", "IA": "Iowa",
	"KS": "Kansas", "KY": "Kentucky", "LA": "Louisiana", "ME": "Maine",
	"MD": "Maryland", "MA": "Massachusetts", "MI": "Michigan", "MN": "Minnesota",
	"MS": "Mississippi", "MO": "Missouri", "MT": "Montana", "NE": "Nebraska",
	"NV": "Nevada", "NH": "New Hampshire", "NJ": "New Jersey", "NM": "New Mexico",
	"NY": "New York", "NC": "North Carolina", "ND": "North Dakota", "OH": "Ohio",
	"OK": "Oklahoma", "OR": "Oregon", "PA": "Pennsylvania", "RI": "Rhode Island",
	"SC": "South Carolina", "SD": "South Dakota", "TN": "Tennessee", "TX": "Texas",
	"UT": "Utah", "VT": "Vermont", "VA": "Virginia", "WA": "Washington",
	"WV": "West Virginia", "WI": "Wisconsin", "WY": "Wyoming",
}
