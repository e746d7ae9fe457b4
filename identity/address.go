package identity

import (
	"regexp"
	"strings"
)

// DefaultMatchThreshold is the similarity above which two addresses are the
// same unit for fuzzy dedup.
const DefaultMatchThreshold = 0.9

var (
	streetReplacements = map[string]string{
		"street":     "st",
		"avenue":     "ave",
		"av":         "ave",
		"drive":      "dr",
		"road":       "rd",
		"boulevard":  "blvd",
		"lane":       "ln",
		"court":      "ct",
		"place":      "pl",
		"circle":     "cir",
		"terrace":    "ter",
		"highway":    "hwy",
		"parkway":    "pkwy",
		"square":     "sq",
		"pike":       "pk",
		"turnpike":   "tpke",
		"expressway": "expy",
		"north":      "n",
		"south":      "s",
		"east":       "e",
		"west":       "w",
		"northeast":  "ne",
		"northwest":  "nw",
		"southeast":  "se",
		"southwest":  "sw",
		"floor":      "fl",
		"building":   "bldg",
	}
	unitMarkers = map[string]bool{
		"apartment": true,
		"apt":       true,
		"unit":      true,
		"suite":     true,
		"ste":       true,
	}
	innerHyphenRegex = regexp.MustCompile(`([a-z0-9])-([a-z0-9])`)
	nonAlnumRegex    = regexp.MustCompile(`[^a-z0-9\s]`)
)

// AddressKey canonicalizes an address so cosmetic differences in suffixes,
// unit markers, punctuation and case collapse to the same key.
func AddressKey(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return ""
	}
	addr = strings.ReplaceAll(addr, "#", " apt ")
	for {
		joined := innerHyphenRegex.ReplaceAllString(addr, "$1$2")
		if joined == addr {
			break
		}
		addr = joined
	}
	addr = nonAlnumRegex.ReplaceAllString(addr, " ")

	tokens := strings.Fields(addr)
	out := tokens[:0]
	for _, tok := range tokens {
		if unitMarkers[tok] {
			// "apt apt 4b" from "#" following "Apt"
			if len(out) > 0 && out[len(out)-1] == "apt" {
				continue
			}
			out = append(out, "apt")
			continue
		}
		if short, ok := streetReplacements[tok]; ok {
			tok = short
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

// Similarity is the normalized Levenshtein ratio of the two address keys, in [0,1].
func Similarity(a, b string) float64 {
	ka, kb := AddressKey(a), AddressKey(b)
	if ka == kb {
		return 1
	}
	ra, rb := []rune(ka), []rune(kb)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func AddressesMatch(a, b string, threshold float64) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return false
	}
	return Similarity(a, b) >= threshold
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
