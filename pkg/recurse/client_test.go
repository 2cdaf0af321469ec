package recurse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/rc-worldmap/worldmap/internal/geo"
	"github.com/rc-worldmap/worldmap/internal/resilience"
)

func testOpts(srvURL string) []Option {
	return []Option{
		WithBaseURL(srvURL),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetry(resilience.FixedRetryConfig(2, 0, resilience.IsTransient)),
	}
}

// directoryServer serves total profiles in pages, checking the bearer token.
func directoryServer(t *testing.T, total int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		page := []Profile{}
		for i := offset; i < offset+limit && i < total; i++ {
			p := Profile{ID: int64(i + 1), FirstName: fmt.Sprintf("P%d", i+1)}
			if i%2 == 0 {
				p.CurrentLocation = &ProfileLocation{ID: 100, Name: "Brooklyn, NY", ShortName: "Brooklyn"}
			}
			page = append(page, p)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}))
}

func TestProfiles_PaginatesUntilEmptyPage(t *testing.T) {
	var hits atomic.Int32
	srv := directoryServer(t, 7, &hits)
	defer srv.Close()

	c := NewClient("secret", append(testOpts(srv.URL), WithPageSize(3))...)
	profiles, err := c.Profiles(context.Background())
	require.NoError(t, err)

	require.Len(t, profiles, 7)
	assert.Equal(t, int64(1), profiles[0].ID)
	assert.Equal(t, int64(7), profiles[6].ID)
	// pages at offsets 0, 3, 6 and the empty page at 9
	assert.Equal(t, int32(4), hits.Load())
}

func TestProfiles_Unauthorized(t *testing.T) {
	var hits atomic.Int32
	srv := directoryServer(t, 3, &hits)
	defer srv.Close()

	_, err := NewClient("wrong", testOpts(srv.URL)...).Profiles(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), hits.Load(), "401 is not retried")
}

func TestPage_RetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id": 42, "first_name": "Ada", "image_path": "https://img/42.png",
			"current_location": {"id": 9, "name": "Paris, France", "short_name": "Paris"}}]`))
	}))
	defer srv.Close()

	page, err := NewClient("secret", testOpts(srv.URL)...).Page(context.Background(), 50, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int32(3), hits.Load())

	assert.Equal(t, geo.Person{ID: 42, FirstName: "Ada", ImageURL: "https://img/42.png"}, page[0].Person())
	loc, ok := page[0].Location()
	require.True(t, ok)
	assert.Equal(t, geo.Location{ID: 9, Name: "Paris, France", ShortName: "Paris"}, loc)
}

func TestPage_RetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient("secret", testOpts(srv.URL)...).Page(context.Background(), 50, 0)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestPage_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error": "not a list"}`))
	}))
	defer srv.Close()

	_, err := NewClient("secret", testOpts(srv.URL)...).Page(context.Background(), 50, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse response")
}

func TestPage_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := NewClient("secret", testOpts(srv.URL)...).Page(ctx, 50, 0)
	require.Error(t, err)
}

func TestProfile_LocationAbsent(t *testing.T) {
	_, ok := Profile{ID: 1}.Location()
	assert.False(t, ok)

	_, ok = Profile{ID: 1, CurrentLocation: &ProfileLocation{}}.Location()
	assert.False(t, ok)
}
