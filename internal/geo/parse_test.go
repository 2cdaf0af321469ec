package geo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser() *Parser {
	return NewParser(USSubdivisions())
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected ParsedLocation
	}{
		{
			name:  "bare country",
			input: "United Kingdom",
			expected: ParsedLocation{
				FullName:    "United Kingdom",
				BaseName:    "United Kingdom",
				Type:        TypeCountry,
				CountryName: "United Kingdom",
			},
		},
		{
			name:  "us city",
			input: "Brooklyn, NY",
			expected: ParsedLocation{
				FullName:    "Brooklyn, NY",
				BaseName:    "Brooklyn",
				Type:        TypeCity,
				StateName:   "New York",
				CountryName: USCountryName,
			},
		},
		{
			name:  "foreign city",
			input: "Berlin, Germany",
			expected: ParsedLocation{
				FullName:    "Berlin, Germany",
				BaseName:    "Berlin",
				Type:        TypeCity,
				CountryName: "Germany",
			},
		},
		{
			name:  "extra parts ignored",
			input: "Williamsburg, Brooklyn, NY",
			expected: ParsedLocation{
				FullName:    "Williamsburg, Brooklyn, NY",
				BaseName:    "Williamsburg",
				Type:        TypeCity,
				CountryName: "Brooklyn",
			},
		},
		{
			name:  "lowercase two letters is a country",
			input: "Springfield, ny",
			expected: ParsedLocation{
				FullName:    "Springfield, ny",
				BaseName:    "Springfield",
				Type:        TypeCity,
				CountryName: "ny",
			},
		},
		{
			name:  "surrounding whitespace trimmed",
			input: "  France ",
			expected: ParsedLocation{
				FullName:    "France",
				BaseName:    "France",
				Type:        TypeCountry,
				CountryName: "France",
			},
		},
		{
			name:  "comma without space is one part",
			input: "Paris,France",
			expected: ParsedLocation{
				FullName:    "Paris,France",
				BaseName:    "Paris,France",
				Type:        TypeCountry,
				CountryName: "Paris,France",
			},
		},
	}

	p := newTestParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParse_CountryNeverHasState(t *testing.T) {
	p := newTestParser()
	for _, name := range []string{"Canada", "NY", "Côte d'Ivoire", "Bosnia and Herzegovina"} {
		got, err := p.Parse(name)
		require.NoError(t, err, name)
		assert.Equal(t, TypeCountry, got.Type, name)
		assert.Empty(t, got.StateName, name)
		assert.Equal(t, name, got.CountryName, name)
	}
}

func TestParse_EveryKnownStateCode(t *testing.T) {
	p := newTestParser()
	for code, state := range USSubdivisions().names {
		got, err := p.Parse("Springfield, " + code)
		require.NoError(t, err, code)
		assert.Equal(t, TypeCity, got.Type)
		assert.Equal(t, USCountryName, got.CountryName)
		assert.Equal(t, state, got.StateName)
	}
}

func TestParse_Errors(t *testing.T) {
	p := newTestParser()

	_, err := p.Parse("")
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "empty name", pe.Reason)

	_, err = p.Parse("   ")
	require.True(t, errors.As(err, &pe))

	_, err = p.Parse(", NY")
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "empty city name", pe.Reason)

	_, err = p.Parse("Tokyo, JP")
	var ue *UnknownSubdivisionError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "JP", ue.Code)
}

func TestParseLocation_CarriesID(t *testing.T) {
	p := newTestParser()
	got, err := p.ParseLocation(Location{ID: 21726, Name: "Brooklyn, NY"})
	require.NoError(t, err)
	assert.Equal(t, int64(21726), got.LocationID)
	assert.Equal(t, "Brooklyn", got.BaseName)
}
