package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rc-worldmap/worldmap/internal/geo"
	"github.com/rc-worldmap/worldmap/internal/store"
)

// ResolveOne geocodes a single location in its own transaction and returns
// its canonical geolocation. When another canonical geolocation already sits
// at the same coordinates, the location is aliased to it and that record is
// returned.
//
// A name that cannot be parsed, names an unknown subdivision, or has no
// geocoder match yields (nil, nil). Geocoder timeouts, upstream errors and
// store failures are returned.
func (p *Pipeline) ResolveOne(ctx context.Context, locationID int64, name string) (*geo.GeoLocation, error) {
	log := zap.L().With(zap.Int64("location_id", locationID), zap.String("name", name))

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: begin")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := tx.UpsertLocation(ctx, geo.Location{ID: locationID, Name: name}); err != nil {
		return nil, eris.Wrap(err, "resolve: upsert location")
	}

	existing, err := tx.Canonical(ctx, locationID)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: lookup")
	}
	if existing != nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, eris.Wrap(err, "resolve: commit")
		}
		committed = true
		return existing, nil
	}

	record, err := p.resolveInTx(ctx, tx, geo.Location{ID: locationID, Name: name})
	if err != nil && !Unresolvable(err) {
		return nil, err
	}
	if err != nil {
		log.Info("resolve: unresolvable location", zap.String("reason", SkipReason(err)), zap.Error(err))
		record = nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "resolve: commit")
	}
	committed = true
	return record, nil
}

func (p *Pipeline) resolveInTx(ctx context.Context, tx store.Tx, loc geo.Location) (*geo.GeoLocation, error) {
	parsed, err := p.parser.ParseLocation(loc)
	if err != nil {
		return nil, err
	}
	result, err := p.geocoder.Geocode(ctx, parsed)
	if err != nil {
		return nil, err
	}
	record := geo.Build(parsed, result.Fields())

	found, err := tx.FindByCoords(ctx, record.Lat, record.Lng)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: find by coords")
	}
	if found != nil && found.LocationID != loc.ID {
		if _, err := tx.InsertAlias(ctx, geo.LocationAlias{
			LocationID:          loc.ID,
			PreferredLocationID: found.LocationID,
		}); err != nil {
			return nil, eris.Wrap(err, "resolve: alias")
		}
		zap.L().Info("resolve: aliased to existing geolocation",
			zap.Int64("location_id", loc.ID),
			zap.Int64("preferred_location_id", found.LocationID),
		)
		return found, nil
	}

	if _, err := tx.UpsertGeoLocation(ctx, record); err != nil {
		return nil, eris.Wrap(err, "resolve: store geolocation")
	}
	return &record, nil
}
