package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_USCity(t *testing.T) {
	parsed, err := newTestParser().ParseLocation(Location{ID: 21726, Name: "Brooklyn, NY"})
	require.NoError(t, err)

	got := Build(parsed, GeocodeFields{AdminCode1: "NY", CountryCode: "US", Lat: 40.65, Lng: -73.95})

	assert.Equal(t, GeoLocation{
		LocationID:         21726,
		Name:               "Brooklyn, NY",
		Type:               TypeCity,
		SubdivisionDerived: "New York",
		SubdivisionCode:    "NY",
		CountryName:        "United States",
		CountryCode:        "US",
		Lat:                40.65,
		Lng:                -73.95,
	}, got)
}

func TestBuild_CountryDropsSubdivisionCode(t *testing.T) {
	parsed, err := newTestParser().ParseLocation(Location{ID: 84, Name: "United Kingdom"})
	require.NoError(t, err)

	got := Build(parsed, GeocodeFields{AdminCode1: "ENG", CountryCode: "GB", Lat: 54.75844, Lng: -2.69531})

	assert.Equal(t, TypeCountry, got.Type)
	assert.Empty(t, got.SubdivisionCode)
	assert.Empty(t, got.SubdivisionDerived)
	assert.Equal(t, "GB", got.CountryCode)
	assert.InDelta(t, 54.75844, got.Lat, 1e-9)
}

func TestBuild_SentinelAdminCode(t *testing.T) {
	parsed, err := newTestParser().Parse("Singapore, Singapore")
	require.NoError(t, err)

	got := Build(parsed, GeocodeFields{AdminCode1: "00", CountryCode: "SG", Lat: 1.28967, Lng: 103.85007})
	assert.Equal(t, "", got.SubdivisionCode)
}
