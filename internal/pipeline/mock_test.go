package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/rc-worldmap/worldmap/internal/geo"
	"github.com/rc-worldmap/worldmap/pkg/geocode"
	"github.com/rc-worldmap/worldmap/pkg/recurse"
)

// --- Geocoder Mock ---

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) Geocode(ctx context.Context, parsed geo.ParsedLocation) (*geocode.Result, error) {
	args := m.Called(ctx, parsed)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*geocode.Result), args.Error(1)
}

// expect registers a response for the location named fullName.
func (m *mockGeocoder) expect(fullName string, res *geocode.Result, err error) *mock.Call {
	return m.On("Geocode", mock.Anything, mock.MatchedBy(func(p geo.ParsedLocation) bool {
		return p.FullName == fullName
	})).Return(res, err)
}

// --- Directory Mock ---

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Page(ctx context.Context, limit, offset int) ([]recurse.Profile, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]recurse.Profile), args.Error(1)
}

func (m *mockDirectory) Profiles(ctx context.Context) ([]recurse.Profile, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]recurse.Profile), args.Error(1)
}
