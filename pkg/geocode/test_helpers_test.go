package geocode

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rc-worldmap/worldmap/internal/geo"
)

// newTestLimiter creates a rate limiter that effectively does not limit for tests.
func newTestLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

func brooklyn() geo.ParsedLocation {
	return geo.ParsedLocation{
		LocationID:  21726,
		FullName:    "Brooklyn, NY",
		BaseName:    "Brooklyn",
		Type:        geo.TypeCity,
		StateName:   "New York",
		CountryName: "United States",
	}
}

// memCache is an in-memory Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string]*Result
	gets int
	sets int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]*Result)}
}

func (m *memCache) Get(_ context.Context, key string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	return m.data[key], nil
}

func (m *memCache) Set(_ context.Context, key string, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.data[key] = r
	return nil
}

// countingClient is a Client stub returning a fixed result.
type countingClient struct {
	mu     sync.Mutex
	calls  int
	result *Result
	err    error
}

func (c *countingClient) Geocode(_ context.Context, _ geo.ParsedLocation) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result, c.err
}
