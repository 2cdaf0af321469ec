// Package recurse provides a client for the Recurse Center directory API.
package recurse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rc-worldmap/worldmap/internal/geo"
	"github.com/rc-worldmap/worldmap/internal/resilience"
)

const (
	// DefaultBaseURL is the profiles endpoint of the directory API.
	DefaultBaseURL = "https://www.recurse.com/api/v1/profiles"

	// DefaultPageSize is the number of profiles requested per page.
	DefaultPageSize = 50
)

// Client defines the directory operations.
type Client interface {
	// Page fetches one page of profiles. An empty slice marks the end.
	Page(ctx context.Context, limit, offset int) ([]Profile, error)
	// Profiles fetches every profile, page by page, until an empty page.
	Profiles(ctx context.Context) ([]Profile, error)
}

// Profile is a directory member.
type Profile struct {
	ID              int64            `json:"id"`
	FirstName       string           `json:"first_name"`
	MiddleName      string           `json:"middle_name"`
	LastName        string           `json:"last_name"`
	ImagePath       string           `json:"image_path"`
	CurrentLocation *ProfileLocation `json:"current_location"`
}

// ProfileLocation is the current location attached to a profile.
type ProfileLocation struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
}

// Person converts the profile to a geo.Person.
func (p Profile) Person() geo.Person {
	return geo.Person{
		ID:         p.ID,
		FirstName:  p.FirstName,
		MiddleName: p.MiddleName,
		LastName:   p.LastName,
		ImageURL:   p.ImagePath,
	}
}

// Location returns the profile's current location, if any.
func (p Profile) Location() (geo.Location, bool) {
	if p.CurrentLocation == nil || p.CurrentLocation.ID == 0 {
		return geo.Location{}, false
	}
	return geo.Location{
		ID:        p.CurrentLocation.ID,
		Name:      p.CurrentLocation.Name,
		ShortName: p.CurrentLocation.ShortName,
	}, true
}

// Option configures the directory client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithPageSize sets the page size.
func WithPageSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLimiter sets the request limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	token    string
	baseURL  string
	pageSize int
	http     *http.Client
	limiter  *rate.Limiter
	retry    resilience.RetryConfig
}

// NewClient creates a directory client authenticating with a personal
// access token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:    token,
		baseURL:  DefaultBaseURL,
		pageSize: DefaultPageSize,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 1),
		retry:    resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Profiles(ctx context.Context) ([]Profile, error) {
	var all []Profile
	for offset := 0; ; offset += c.pageSize {
		page, err := c.Page(ctx, c.pageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		zap.L().Debug("recurse: fetched page",
			zap.Int("offset", offset),
			zap.Int("count", len(page)),
		)
	}
	return all, nil
}

func (c *httpClient) Page(ctx context.Context, limit, offset int) ([]Profile, error) {
	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("recurse", fmt.Sprintf("profiles offset=%d", offset))
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]Profile, error) {
		return c.fetchPage(ctx, limit, offset)
	})
}

func (c *httpClient) fetchPage(ctx context.Context, limit, offset int) ([]Profile, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "recurse: rate limit")
	}

	params := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "recurse: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if resilience.IsTimeout(err) {
			return nil, resilience.NewTimeoutError(eris.Wrap(err, "recurse: request"))
		}
		return nil, eris.Wrap(err, "recurse: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "recurse: read body")
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("recurse: status %d: %s", resp.StatusCode, truncate(string(body), 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	var page []Profile
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, eris.Wrap(err, "recurse: parse response")
	}
	return page, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
