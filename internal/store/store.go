// Package store persists locations, geolocations, aliases, affiliations and
// the pipeline run log. PostgresStore is the production backend; SQLiteStore
// serves local runs and integration tests.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rc-worldmap/worldmap/internal/geo"
)

// MaxAliasHops bounds alias chasing on reads.
const MaxAliasHops = 8

// DefaultSearchLimit caps SearchLocations when no limit is given.
const DefaultSearchLimit = 25

// Store is the entry point to the location database. Every write happens
// through a Tx obtained from Begin.
type Store interface {
	// Begin opens the transaction for one pipeline run or one on-demand lookup.
	Begin(ctx context.Context) (Tx, error)

	// ListGeoLocations returns every canonical (non-aliased) geolocation
	// with its population, ordered by location id.
	ListGeoLocations(ctx context.Context) ([]geo.PlacedLocation, error)
	// GetGeoLocation resolves locationID through its alias and returns the
	// canonical geolocation, or geo.ErrNotFound.
	GetGeoLocation(ctx context.Context, locationID int64) (*geo.PlacedLocation, error)
	// SearchLocations matches query against location names and returns the
	// distinct canonical geolocations they resolve to.
	SearchLocations(ctx context.Context, query string, limit int) ([]geo.PlacedLocation, error)

	// Run log, written outside run transactions.
	StartRun(ctx context.Context, kind RunKind) (*Run, error)
	FinishRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is a single store transaction. Operations are idempotent single
// statements unless noted.
type Tx interface {
	// UpsertLocation inserts loc or does nothing if the id exists.
	UpsertLocation(ctx context.Context, loc geo.Location) error
	// UpsertPerson inserts p or refreshes the stored name and image.
	UpsertPerson(ctx context.Context, p geo.Person) error
	// ReplaceAffiliations sets the complete location list for a person.
	ReplaceAffiliations(ctx context.Context, personID int64, locationIDs []int64) error
	// UpsertGeoLocation inserts g or does nothing if the location already
	// has a geolocation. It reports whether a row was inserted.
	UpsertGeoLocation(ctx context.Context, g geo.GeoLocation) (bool, error)
	// InsertAlias records that a.LocationID resolves to
	// a.PreferredLocationID. A location aliases at most one target; a
	// second insert for the same location is a no-op reported as false.
	InsertAlias(ctx context.Context, a geo.LocationAlias) (bool, error)
	// RepointAliases moves every alias targeting fromID onto toID.
	RepointAliases(ctx context.Context, fromID, toID int64) (int64, error)
	// ReassignAffiliations moves every affiliation of fromID onto toID.
	// A person already affiliated with toID keeps a single row.
	ReassignAffiliations(ctx context.Context, fromID, toID int64) (int64, error)
	// PurgeGeocodes deletes every geolocation and alias.
	PurgeGeocodes(ctx context.Context) error

	// FetchUngeocoded returns locations with neither a geolocation nor an
	// alias, ordered by location id.
	FetchUngeocoded(ctx context.Context) ([]geo.Location, error)
	// FetchDuplicateGroups returns canonical geolocations sharing identical
	// coordinates, grouped, with members ordered by location id.
	FetchDuplicateGroups(ctx context.Context) ([]geo.DuplicateGroup, error)
	// FindByCoords returns the canonical geolocation at exactly (lat, lng)
	// with the lowest location id, or nil.
	FindByCoords(ctx context.Context, lat, lng float64) (*geo.GeoLocation, error)
	// Canonical returns the geolocation locationID resolves to through its
	// alias, or nil when the location has not been geocoded.
	Canonical(ctx context.Context, locationID int64) (*geo.GeoLocation, error)

	// Savepoint runs fn inside a savepoint. If fn fails, only its
	// statements are rolled back and the transaction stays usable.
	Savepoint(ctx context.Context, fn func() error) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RunKind names the job a run log entry records.
type RunKind string

// Run kinds.
const (
	RunKindGeocode   RunKind = "geocode"
	RunKindSync      RunKind = "sync"
	RunKindReconcile RunKind = "reconcile"
)

// RunStatus is the terminal state of a run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCommitted RunStatus = "committed"
	RunStatusAborted   RunStatus = "aborted"
)

// Run is one entry of the pipeline run log.
type Run struct {
	ID         string     `json:"run_id"`
	Kind       RunKind    `json:"kind"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Processed  int        `json:"processed"`
	Geocoded   int        `json:"geocoded"`
	Skipped    int        `json:"skipped"`
	Aliased    int        `json:"aliased"`
	Error      string     `json:"error,omitempty"`
}

// Open returns the Store for driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "postgres", "":
		return NewPostgres(ctx, dsn, poolCfg)
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

// rowScanner is implemented by pgx.Rows and *sql.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// aliasLookup returns the alias target of id, if any.
type aliasLookup func(ctx context.Context, id int64) (target int64, ok bool, err error)

// chaseAlias follows aliases from id and returns the final location id. It
// stops after MaxAliasHops or when a location repeats.
func chaseAlias(ctx context.Context, id int64, lookup aliasLookup) (int64, error) {
	seen := map[int64]bool{id: true}
	cur := id
	for hop := 0; hop < MaxAliasHops; hop++ {
		next, ok, err := lookup(ctx, cur)
		if err != nil {
			return 0, err
		}
		if !ok || seen[next] {
			return cur, nil
		}
		seen[next] = true
		cur = next
	}
	return cur, nil
}

// duplicateRow is one row of the duplicate-group query.
type duplicateRow struct {
	lat, lng float64
	member   geo.GroupMember
}

// scanDuplicateGroups folds rows ordered by (lat, lng, location_id) into groups.
func scanDuplicateGroups(rows rowScanner) ([]geo.DuplicateGroup, error) {
	var groups []geo.DuplicateGroup
	for rows.Next() {
		var r duplicateRow
		if err := rows.Scan(&r.member.LocationID, &r.member.Name, &r.lat, &r.lng, &r.member.Population); err != nil {
			return nil, eris.Wrap(err, "store: scan duplicate row")
		}
		n := len(groups)
		if n == 0 || groups[n-1].Lat != r.lat || groups[n-1].Lng != r.lng {
			groups = append(groups, geo.DuplicateGroup{Lat: r.lat, Lng: r.lng})
			n++
		}
		groups[n-1].Members = append(groups[n-1].Members, r.member)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "store: iterate duplicate rows")
	}
	return groups, nil
}

// scanPlaced reads rows of placedColumns.
func scanPlaced(rows rowScanner) ([]geo.PlacedLocation, error) {
	var out []geo.PlacedLocation
	for rows.Next() {
		var p geo.PlacedLocation
		if err := rows.Scan(placedDest(&p)...); err != nil {
			return nil, eris.Wrap(err, "store: scan geolocation")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate geolocations")
}

func geoDest(g *geo.GeoLocation) []any {
	return []any{
		&g.LocationID, &g.Name, &g.Type, &g.SubdivisionDerived, &g.SubdivisionCode,
		&g.CountryName, &g.CountryCode, &g.Lat, &g.Lng,
	}
}

func placedDest(p *geo.PlacedLocation) []any {
	return append(geoDest(&p.GeoLocation), &p.Population)
}

const geoColumns = `g.location_id, g.name, g.type, g.subdivision_derived, g.subdivision_code,
	g.country_name, g.country_code, g.lat, g.lng`

// canonicalAffiliations maps every affiliation onto the location its
// alias points at. Aliases are one hop.
const canonicalAffiliations = `(
	SELECT af.person_id, COALESCE(a.preferred_location_id, af.location_id) AS location_id
	FROM location_affiliations af
	LEFT JOIN location_aliases a ON a.location_id = af.location_id
)`

const placedColumns = geoColumns + `,
	(SELECT COUNT(DISTINCT ca.person_id) FROM ` + canonicalAffiliations + ` ca
	 WHERE ca.location_id = g.location_id)`

// duplicateQuery lists canonical geolocations whose coordinates are shared
// with another canonical geolocation, with affiliation counts taken through
// aliases.
const duplicateQuery = `
SELECT g.location_id, g.name, g.lat, g.lng, COUNT(DISTINCT ca.person_id) AS population
FROM geolocations g
JOIN (
	SELECT c.lat, c.lng FROM geolocations c
	WHERE NOT EXISTS (SELECT 1 FROM location_aliases a WHERE a.location_id = c.location_id)
	GROUP BY c.lat, c.lng HAVING COUNT(*) > 1
) d ON d.lat = g.lat AND d.lng = g.lng
LEFT JOIN ` + canonicalAffiliations + ` ca ON ca.location_id = g.location_id
WHERE NOT EXISTS (SELECT 1 FROM location_aliases a WHERE a.location_id = g.location_id)
GROUP BY g.location_id, g.name, g.lat, g.lng
ORDER BY g.lat, g.lng, g.location_id`

// savepointer issues savepoint statements on an open transaction.
type savepointer struct {
	exec func(ctx context.Context, sql string) error
	seq  int
}

func (s *savepointer) run(ctx context.Context, fn func() error) error {
	s.seq++
	name := fmt.Sprintf("sp_%d", s.seq)

	if err := s.exec(ctx, "SAVEPOINT "+name); err != nil {
		return eris.Wrap(err, "store: savepoint")
	}
	if err := fn(); err != nil {
		if rbErr := s.exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return eris.Wrapf(rbErr, "store: rollback to savepoint after %v", err)
		}
		if relErr := s.exec(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return eris.Wrap(relErr, "store: release savepoint")
		}
		return err
	}
	return eris.Wrap(s.exec(ctx, "RELEASE SAVEPOINT "+name), "store: release savepoint")
}
