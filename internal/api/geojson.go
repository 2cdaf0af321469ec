package api

import (
	"net/http"
	"strconv"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/rc-worldmap/worldmap/internal/geo"
)

const geoJSONContentType = "application/geo+json"

// FeatureCollection renders canonical geolocations as GeoJSON points in
// (lng, lat) order.
func FeatureCollection(locs []geo.PlacedLocation) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(locs))}
	for _, l := range locs {
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       strconv.FormatInt(l.LocationID, 10),
			Geometry: geom.NewPointFlat(geom.XY, []float64{l.Lng, l.Lat}),
			Properties: map[string]any{
				"location_id":  l.LocationID,
				"name":         l.Name,
				"type":         l.Type,
				"country_code": l.CountryCode,
				"population":   l.Population,
			},
		})
	}
	return fc
}

func (h *handlers) geoJSON(w http.ResponseWriter, r *http.Request) {
	locs, err := h.reader.ListGeoLocations(r.Context())
	if err != nil {
		serverError(w, "list geolocations", err)
		return
	}
	body, err := FeatureCollection(locs).MarshalJSON()
	if err != nil {
		serverError(w, "encode geojson", err)
		return
	}
	w.Header().Set("Content-Type", geoJSONContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		zap.L().Debug("api: write geojson", zap.Error(err))
	}
}
