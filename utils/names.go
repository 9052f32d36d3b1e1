package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are dropped from facility names before comparison.
// Entries are already lower-cased and punctuation-free.
var legalSuffixes = map[string]bool{
	"llc": true, "inc": true, "incorporated": true, "corp": true, "corporation": true,
	"co": true, "company": true, "lp": true, "llp": true, "ltd": true, "pllc": true,
	"pc": true, "the": true,
}

// NormalizeFacilityName folds a facility name into its comparison key:
// lower case, diacritics stripped, punctuation removed, "&" spelled out,
// legal suffixes and a leading "the" dropped, whitespace collapsed.
func NormalizeFacilityName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return ""
	}
	s = stripDiacritics(s)
	s = strings.ReplaceAll(s, "&", " and ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '.':
			// "St. Mary's" -> "st marys"
		default:
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	for len(words) > 1 && legalSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	if len(words) > 1 && words[0] == "the" {
		words = words[1:]
	}
	return strings.Join(words, " ")
}

// NormalizeLocality is the comparison key for city names: trimmed, case folded,
// inner whitespace collapsed. Abbreviations are not expanded.
func NormalizeLocality(city string) string {
	return strings.Join(strings.Fields(strings.ToLower(city)), " ")
}

func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var result strings.Builder
	result.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}
