package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/rc-worldmap/worldmap/internal/geo"
	"github.com/rc-worldmap/worldmap/internal/resilience"
)

// GeoNames web service status codes.
const (
	statusDatabaseTimeout  = 13
	statusNoResultFound    = 15
	statusServerOverloaded = 22
)

type searchResponse struct {
	TotalResultsCount int            `json:"totalResultsCount"`
	Geonames          []searchRecord `json:"geonames"`
	Status            *statusMessage `json:"status,omitempty"`
}

type searchRecord struct {
	GeonameID   int64  `json:"geonameId"`
	Name        string `json:"name"`
	AdminCode1  string `json:"adminCode1"`
	CountryCode string `json:"countryCode"`
	Lat         string `json:"lat"`
	Lng         string `json:"lng"`
	Population  int64  `json:"population"`
}

type statusMessage struct {
	Message string `json:"message"`
	Value   int    `json:"value"`
}

// search issues a single rate-limited request for query.
func (g *geonames) search(ctx context.Context, query string) (*Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: rate limit")
	}

	params := url.Values{
		"q":        {query},
		"maxRows":  {"1"},
		"username": {g.username},
	}
	for _, fc := range g.featureClasses {
		params.Add("featureClass", fc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if resilience.IsTimeout(err) {
			return nil, resilience.NewTimeoutError(eris.Wrap(err, "geocode: request"))
		}
		return nil, eris.Wrap(err, "geocode: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("geocode: geonames returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if resilience.IsTimeout(err) {
			return nil, resilience.NewTimeoutError(eris.Wrap(err, "geocode: read body"))
		}
		return nil, eris.Wrap(err, "geocode: read body")
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, eris.Wrap(err, "geocode: parse response")
	}

	if sr.Status != nil {
		switch sr.Status.Value {
		case statusDatabaseTimeout, statusServerOverloaded:
			return nil, resilience.NewTimeoutError(
				eris.Errorf("geocode: geonames status %d: %s", sr.Status.Value, sr.Status.Message))
		case statusNoResultFound:
			return nil, &geo.GeocodeNotFoundError{Query: query}
		default:
			return nil, eris.Errorf("geocode: geonames status %d: %s", sr.Status.Value, sr.Status.Message)
		}
	}

	if len(sr.Geonames) == 0 {
		return nil, &geo.GeocodeNotFoundError{Query: query}
	}
	return sr.Geonames[0].toResult()
}

func (r searchRecord) toResult() (*Result, error) {
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: parse lat %q", r.Lat)
	}
	lng, err := strconv.ParseFloat(r.Lng, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: parse lng %q", r.Lng)
	}
	return &Result{
		GeonameID:   r.GeonameID,
		Name:        r.Name,
		AdminCode1:  r.AdminCode1,
		CountryCode: r.CountryCode,
		Lat:         lat,
		Lng:         lng,
		Population:  r.Population,
	}, nil
}
