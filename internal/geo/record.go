package geo

// NoSubdivisionCode is the geocoder's placeholder for "no first-level
// administrative division".
const NoSubdivisionCode = "00"

// GeocodeFields are the geocoder result fields a GeoLocation is built from.
type GeocodeFields struct {
	AdminCode1  string
	CountryCode string
	Lat         float64
	Lng         float64
}

// Build merges a parsed location with its geocode result. Coordinates are
// taken verbatim. The subdivision code is only kept for cities.
func Build(parsed ParsedLocation, res GeocodeFields) GeoLocation {
	g := GeoLocation{
		LocationID:         parsed.LocationID,
		Name:               parsed.FullName,
		Type:               parsed.Type,
		SubdivisionDerived: parsed.StateName,
		CountryName:        parsed.CountryName,
		CountryCode:        res.CountryCode,
		Lat:                res.Lat,
		Lng:                res.Lng,
	}
	if parsed.Type == TypeCity && res.AdminCode1 != NoSubdivisionCode {
		g.SubdivisionCode = res.AdminCode1
	}
	return g
}
