package geo

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FoldName reduces a location name to a search key: diacritics stripped,
// case folded, runs of whitespace collapsed. "São Paulo" and "SAO  PAULO"
// fold to the same key.
func FoldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(cases.Fold().String(stripped)), " ")
}

// MatchName reports whether query occurs in name after folding both. An
// empty query matches nothing.
func MatchName(name, query string) bool {
	q := FoldName(query)
	if q == "" {
		return false
	}
	return strings.Contains(FoldName(name), q)
}
