// Package api serves the map's read surface and on-demand location
// resolution over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/rc-worldmap/worldmap/internal/geo"
)

// Reader is the read side of the store.
type Reader interface {
	ListGeoLocations(ctx context.Context) ([]geo.PlacedLocation, error)
	GetGeoLocation(ctx context.Context, locationID int64) (*geo.PlacedLocation, error)
	SearchLocations(ctx context.Context, query string, limit int) ([]geo.PlacedLocation, error)
	Ping(ctx context.Context) error
}

// Resolver resolves a single location on demand.
type Resolver interface {
	ResolveOne(ctx context.Context, locationID int64, name string) (*geo.GeoLocation, error)
}

// Options configures the router.
type Options struct {
	// CORSOrigins lists allowed origins. Empty allows any origin.
	CORSOrigins []string
	// ResolveTimeout bounds a single POST /api/locations/resolve call.
	ResolveTimeout time.Duration
}

type handlers struct {
	reader         Reader
	resolver       Resolver
	resolveTimeout time.Duration
}

// NewRouter builds the HTTP handler. resolver may be nil, in which case the
// resolve endpoint is not mounted.
func NewRouter(reader Reader, resolver Resolver, opts Options) http.Handler {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h := &handlers{reader: reader, resolver: resolver, resolveTimeout: opts.ResolveTimeout}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Route("/api/locations", func(r chi.Router) {
		r.Get("/all", h.listAll)
		r.Get("/search", h.search)
		r.Get("/geojson", h.geoJSON)
		r.Get("/{id}", h.getOne)
		if resolver != nil {
			r.Post("/resolve", h.resolve)
		}
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.reader.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listAll(w http.ResponseWriter, r *http.Request) {
	locs, err := h.reader.ListGeoLocations(r.Context())
	if err != nil {
		serverError(w, "list geolocations", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(locs))
}

func (h *handlers) getOne(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid location id")
		return
	}
	loc, err := h.reader.GetGeoLocation(r.Context(), id)
	if errors.Is(err, geo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "location not found")
		return
	}
	if err != nil {
		serverError(w, "get geolocation", err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	locs, err := h.reader.SearchLocations(r.Context(), query, limit)
	if err != nil {
		serverError(w, "search locations", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(locs))
}

type resolveRequest struct {
	LocationID int64  `json:"location_id"`
	Name       string `json:"name"`
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LocationID <= 0 || req.Name == "" {
		writeError(w, http.StatusBadRequest, "location_id and name are required")
		return
	}

	ctx := r.Context()
	if h.resolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.resolveTimeout)
		defer cancel()
	}

	loc, err := h.resolver.ResolveOne(ctx, req.LocationID, req.Name)
	var timeout *geo.GeocodeTimeoutError
	switch {
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		zap.L().Warn("api: resolve timed out", zap.Int64("location_id", req.LocationID), zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "geocoder timed out")
	case err != nil:
		serverError(w, "resolve location", err)
	case loc == nil:
		writeError(w, http.StatusNotFound, "location could not be resolved")
	default:
		writeJSON(w, http.StatusOK, loc)
	}
}

func nonNil(locs []geo.PlacedLocation) []geo.PlacedLocation {
	if locs == nil {
		return []geo.PlacedLocation{}
	}
	return locs
}

func serverError(w http.ResponseWriter, action string, err error) {
	zap.L().Error("api: "+action, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}
