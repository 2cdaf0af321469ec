// Package geocode resolves parsed location names to coordinates through the
// GeoNames search API.
package geocode

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rc-worldmap/worldmap/internal/geo"
	"github.com/rc-worldmap/worldmap/internal/resilience"
)

const (
	// DefaultBaseURL is the GeoNames full-text search endpoint.
	DefaultBaseURL = "http://api.geonames.org/searchJSON"

	// DefaultMinInterval is the minimum spacing between GeoNames requests.
	DefaultMinInterval = 2500 * time.Millisecond

	// DefaultMaxRetries is the number of retries after a timed-out request.
	DefaultMaxRetries = 10
)

// DefaultFeatureClasses restricts results to administrative areas (A) and
// populated places (P).
var DefaultFeatureClasses = []string{"A", "P"}

// Client geocodes parsed locations.
type Client interface {
	Geocode(ctx context.Context, parsed geo.ParsedLocation) (*Result, error)
}

// Result holds the fields of the best GeoNames match.
type Result struct {
	GeonameID   int64   `json:"geoname_id"`
	Name        string  `json:"name"`
	AdminCode1  string  `json:"admin_code1"`
	CountryCode string  `json:"country_code"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Population  int64   `json:"population"`
}

// Fields returns the parts of r a GeoLocation is built from.
func (r *Result) Fields() geo.GeocodeFields {
	return geo.GeocodeFields{
		AdminCode1:  r.AdminCode1,
		CountryCode: r.CountryCode,
		Lat:         r.Lat,
		Lng:         r.Lng,
	}
}

// NewLimiter returns a limiter admitting one request per minInterval. A
// single limiter must be shared by every client in the process because the
// GeoNames quota is per account, not per caller.
func NewLimiter(minInterval time.Duration) *rate.Limiter {
	if minInterval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(minInterval), 1)
}

// Option configures the GeoNames client.
type Option func(*geonames)

// WithBaseURL overrides the search endpoint.
func WithBaseURL(u string) Option {
	return func(g *geonames) {
		g.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geonames) {
		g.httpClient = hc
	}
}

// WithLimiter injects the shared request limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(g *geonames) {
		g.limiter = l
	}
}

// WithMaxRetries sets how many times a timed-out query is retried.
func WithMaxRetries(n int) Option {
	return func(g *geonames) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithRetryDelay sets the wait before retrying a timed-out query.
func WithRetryDelay(d time.Duration) Option {
	return func(g *geonames) {
		if d >= 0 {
			g.retryDelay = d
		}
	}
}

// WithFeatureClasses restricts matches to the given GeoNames feature classes.
func WithFeatureClasses(classes ...string) Option {
	return func(g *geonames) {
		if len(classes) > 0 {
			g.featureClasses = classes
		}
	}
}

type geonames struct {
	baseURL        string
	username       string
	httpClient     *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	retryDelay     time.Duration
	featureClasses []string
}

// NewClient creates a GeoNames Client for the given account.
func NewClient(username string, opts ...Option) Client {
	g := &geonames{
		baseURL:        DefaultBaseURL,
		username:       username,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		maxRetries:     DefaultMaxRetries,
		retryDelay:     DefaultMinInterval,
		featureClasses: DefaultFeatureClasses,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.limiter == nil {
		g.limiter = NewLimiter(DefaultMinInterval)
	}
	return g
}

// Query builds the search text: the base name, then the state name when
// present, then the country for cities.
func Query(parsed geo.ParsedLocation) string {
	q := parsed.BaseName
	if parsed.StateName != "" {
		q += " " + parsed.StateName
	}
	if parsed.Type == geo.TypeCity {
		q += " " + parsed.CountryName
	}
	return q
}

// Geocode implements Client. Timed-out requests are retried up to maxRetries
// times; exhaustion yields *geo.GeocodeTimeoutError. A query without a match
// yields *geo.GeocodeNotFoundError.
func (g *geonames) Geocode(ctx context.Context, parsed geo.ParsedLocation) (*Result, error) {
	query := Query(parsed)

	cfg := resilience.FixedRetryConfig(g.maxRetries, g.retryDelay, resilience.IsTimeout)
	cfg.OnRetry = resilience.RetryLogger("geonames", query)

	attempts := 0
	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Result, error) {
		attempts++
		return g.search(ctx, query)
	})
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "geocode: cancelled")
	}
	if resilience.IsTimeout(err) {
		zap.L().Warn("geocode: retries exhausted",
			zap.String("query", query),
			zap.Int("attempts", attempts),
		)
		return nil, &geo.GeocodeTimeoutError{Query: query, Attempts: attempts, Err: err}
	}
	return nil, err
}
