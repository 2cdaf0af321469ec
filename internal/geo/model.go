// Package geo provides location name parsing, subdivision lookup and the
// canonical geolocation record built from a geocoder result.
package geo

// Location types.
const (
	TypeCity    = "city"
	TypeCountry = "country"
)

// USCountryName is the country assigned to "City, ST" names.
const USCountryName = "United States"

// Location is a place as observed in the member directory.
type Location struct {
	ID        int64  `json:"location_id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name,omitempty"`
}

// ParsedLocation is the structured form of a Location name.
type ParsedLocation struct {
	LocationID  int64
	FullName    string
	BaseName    string
	Type        string
	StateName   string
	CountryName string
}

// GeoLocation is the canonical geocoded record for a location.
type GeoLocation struct {
	LocationID         int64   `json:"location_id"`
	Name               string  `json:"name"`
	Type               string  `json:"type"`
	SubdivisionDerived string  `json:"subdivision_derived"`
	SubdivisionCode    string  `json:"subdivision_code"`
	CountryName        string  `json:"country_name"`
	CountryCode        string  `json:"country_code"`
	Lat                float64 `json:"lat"`
	Lng                float64 `json:"lng"`
}

// LocationAlias states that LocationID should be read as PreferredLocationID.
type LocationAlias struct {
	LocationID          int64 `json:"location_id"`
	PreferredLocationID int64 `json:"preferred_location_id"`
}

// Affiliation links a person to a location.
type Affiliation struct {
	PersonID   int64 `json:"person_id"`
	LocationID int64 `json:"location_id"`
}

// Person is a member of the directory.
type Person struct {
	ID         int64  `json:"person_id"`
	FirstName  string `json:"first_name"`
	MiddleName string `json:"middle_name,omitempty"`
	LastName   string `json:"last_name"`
	ImageURL   string `json:"image_url,omitempty"`
}

// GroupMember is a geolocation in a duplicate group with its affiliated
// person count.
type GroupMember struct {
	LocationID int64
	Name       string
	Population int
}

// DuplicateGroup is a set of geolocations sharing identical coordinates.
// Members are ordered by location id.
type DuplicateGroup struct {
	Lat     float64
	Lng     float64
	Members []GroupMember
}

// PlacedLocation is a canonical geolocation with its population, as served
// to the map.
type PlacedLocation struct {
	GeoLocation
	Population int `json:"population"`
}
