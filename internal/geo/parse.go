package geo

import "strings"

// nameSeparator splits "City, ST" and "City, Country" names.
const nameSeparator = ", "

// Parser turns raw location names into ParsedLocation values.
type Parser struct {
	subs *Subdivisions
}

// NewParser creates a Parser resolving state codes against subs.
func NewParser(subs *Subdivisions) *Parser {
	return &Parser{subs: subs}
}

// Parse splits name on ", ". A bare name is a country. "City, ST" with a
// two-letter uppercase code is a US city; any other second part is the
// country. Parts after the second are ignored, so "Williamsburg, Brooklyn, NY"
// parses as a city named Williamsburg in a country named Brooklyn. Only
// uppercase codes are state codes: the directory writes states as "NY", so
// "Brooklyn, ny" is read as a city in a country named "ny" rather than a
// guessed state.
func (p *Parser) Parse(name string) (ParsedLocation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ParsedLocation{}, &ParseError{Name: name, Reason: "empty name"}
	}

	parts := strings.Split(name, nameSeparator)
	if len(parts) == 1 {
		return ParsedLocation{
			FullName:    name,
			BaseName:    name,
			Type:        TypeCountry,
			CountryName: name,
		}, nil
	}

	base, second := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if base == "" {
		return ParsedLocation{}, &ParseError{Name: name, Reason: "empty city name"}
	}
	if second == "" {
		return ParsedLocation{}, &ParseError{Name: name, Reason: "empty region"}
	}

	parsed := ParsedLocation{
		FullName: name,
		BaseName: base,
		Type:     TypeCity,
	}
	if isStateCode(second) {
		state, err := p.subs.Resolve(second)
		if err != nil {
			return ParsedLocation{}, err
		}
		parsed.StateName = state
		parsed.CountryName = USCountryName
		return parsed, nil
	}
	parsed.CountryName = second
	return parsed, nil
}

// ParseLocation parses loc.Name and carries the location id through.
func (p *Parser) ParseLocation(loc Location) (ParsedLocation, error) {
	parsed, err := p.Parse(loc.Name)
	if err != nil {
		return ParsedLocation{}, err
	}
	parsed.LocationID = loc.ID
	return parsed, nil
}

func isStateCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
