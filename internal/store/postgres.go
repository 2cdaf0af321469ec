package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/rc-worldmap/worldmap/internal/db"
	"github.com/rc-worldmap/worldmap/internal/geo"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(5)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS people (
	person_id   BIGINT PRIMARY KEY,
	first_name  TEXT NOT NULL DEFAULT '',
	middle_name TEXT NOT NULL DEFAULT '',
	last_name   TEXT NOT NULL DEFAULT '',
	image_url   TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS locations (
	location_id BIGINT PRIMARY KEY,
	name        TEXT NOT NULL,
	short_name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS geolocations (
	location_id         BIGINT PRIMARY KEY REFERENCES locations(location_id),
	name                TEXT NOT NULL,
	type                TEXT NOT NULL CHECK (type IN ('city', 'country')),
	subdivision_derived TEXT NOT NULL DEFAULT '',
	subdivision_code    TEXT NOT NULL DEFAULT '',
	country_name        TEXT NOT NULL DEFAULT '',
	country_code        TEXT NOT NULL DEFAULT '',
	lat                 DOUBLE PRECISION NOT NULL,
	lng                 DOUBLE PRECISION NOT NULL,
	CHECK (type = 'city' OR subdivision_code = '')
);

CREATE INDEX IF NOT EXISTS idx_geolocations_coords ON geolocations(lat, lng);

CREATE TABLE IF NOT EXISTS location_aliases (
	location_id           BIGINT PRIMARY KEY REFERENCES locations(location_id),
	preferred_location_id BIGINT NOT NULL REFERENCES locations(location_id),
	CHECK (location_id <> preferred_location_id)
);

CREATE INDEX IF NOT EXISTS idx_location_aliases_preferred ON location_aliases(preferred_location_id);

CREATE TABLE IF NOT EXISTS location_affiliations (
	person_id   BIGINT NOT NULL REFERENCES people(person_id) ON DELETE CASCADE,
	location_id BIGINT NOT NULL REFERENCES locations(location_id),
	PRIMARY KEY (person_id, location_id)
);

CREATE INDEX IF NOT EXISTS idx_location_affiliations_location ON location_affiliations(location_id);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id      TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ,
	processed   INTEGER NOT NULL DEFAULT 0,
	geocoded    INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	aliased     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin")
	}
	t := &pgTx{tx: tx}
	t.sp.exec = func(ctx context.Context, sql string) error {
		_, err := tx.Exec(ctx, sql)
		return err
	}
	return t, nil
}

func (s *PostgresStore) ListGeoLocations(ctx context.Context) ([]geo.PlacedLocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+placedColumns+` FROM geolocations g
		 WHERE NOT EXISTS (SELECT 1 FROM location_aliases a WHERE a.location_id = g.location_id)
		 ORDER BY g.location_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list geolocations")
	}
	defer rows.Close()
	return scanPlaced(rows)
}

func (s *PostgresStore) GetGeoLocation(ctx context.Context, locationID int64) (*geo.PlacedLocation, error) {
	id, err := chaseAlias(ctx, locationID, pgAliasLookup(s.pool))
	if err != nil {
		return nil, err
	}

	var p geo.PlacedLocation
	err = s.pool.QueryRow(ctx,
		`SELECT `+placedColumns+` FROM geolocations g WHERE g.location_id = $1`, id,
	).Scan(placedDest(&p)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, geo.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get geolocation %d", locationID)
	}
	return &p, nil
}

func (s *PostgresStore) SearchLocations(ctx context.Context, query string, limit int) ([]geo.PlacedLocation, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	rows, err := s.pool.Query(ctx, `SELECT location_id, name FROM locations ORDER BY location_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search locations")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan location")
		}
		if geo.MatchName(name, query) {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: search locations iterate")
	}

	return collectCanonical(ctx, ids, limit, s.GetGeoLocation)
}

// collectCanonical resolves ids to distinct canonical geolocations, skipping
// locations that have none.
func collectCanonical(ctx context.Context, ids []int64, limit int,
	get func(context.Context, int64) (*geo.PlacedLocation, error),
) ([]geo.PlacedLocation, error) {
	seen := make(map[int64]bool)
	var out []geo.PlacedLocation
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		p, err := get(ctx, id)
		if errors.Is(err, geo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if seen[p.LocationID] {
			continue
		}
		seen[p.LocationID] = true
		out = append(out, *p)
	}
	return out, nil
}

func (s *PostgresStore) StartRun(ctx context.Context, kind RunKind) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (run_id, kind, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, string(run.Kind), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	run.FinishedAt = &now

	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, finished_at = $2, processed = $3, geocoded = $4,
		 skipped = $5, aliased = $6, error = $7 WHERE run_id = $8`,
		string(run.Status), now, run.Processed, run.Geocoded, run.Skipped, run.Aliased, run.Error, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, kind, status, started_at, finished_at, processed, geocoded, skipped, aliased, error
		 FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.StartedAt, &r.FinishedAt,
			&r.Processed, &r.Geocoded, &r.Skipped, &r.Aliased, &r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func pgAliasLookup(q db.Querier) aliasLookup {
	return func(ctx context.Context, id int64) (int64, bool, error) {
		var target int64
		err := q.QueryRow(ctx,
			`SELECT preferred_location_id FROM location_aliases WHERE location_id = $1`, id,
		).Scan(&target)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, eris.Wrapf(err, "postgres: alias of %d", id)
		}
		return target, true, nil
	}
}

// pgWriteErr maps constraint violations to *geo.PersistenceConflictError.
func pgWriteErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if db.IsConstraintViolation(err) {
		return &geo.PersistenceConflictError{Op: op, Constraint: db.ViolationKind(err), Err: err}
	}
	return eris.Wrapf(err, "postgres: %s", op)
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
	sp savepointer
}

func (t *pgTx) UpsertLocation(ctx context.Context, loc geo.Location) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO locations (location_id, name, short_name) VALUES ($1, $2, $3)
		 ON CONFLICT (location_id) DO NOTHING`,
		loc.ID, loc.Name, loc.ShortName,
	)
	return pgWriteErr(err, "upsert location")
}

func (t *pgTx) UpsertPerson(ctx context.Context, p geo.Person) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO people (person_id, first_name, middle_name, last_name, image_url, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (person_id) DO UPDATE SET first_name = $2, middle_name = $3, last_name = $4,
		 image_url = $5, updated_at = now()`,
		p.ID, p.FirstName, p.MiddleName, p.LastName, p.ImageURL,
	)
	return pgWriteErr(err, "upsert person")
}

func (t *pgTx) ReplaceAffiliations(ctx context.Context, personID int64, locationIDs []int64) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM location_affiliations WHERE person_id = $1`, personID,
	); err != nil {
		return pgWriteErr(err, "delete affiliations")
	}

	rows := make([][]any, len(locationIDs))
	for i, id := range locationIDs {
		rows[i] = []any{personID, id}
	}
	_, err := db.InsertIgnore(ctx, t.tx, db.InsertConfig{
		Table:        "location_affiliations",
		Columns:      []string{"person_id", "location_id"},
		ConflictKeys: []string{"person_id", "location_id"},
	}, rows)
	return pgWriteErr(err, "insert affiliations")
}

func (t *pgTx) UpsertGeoLocation(ctx context.Context, g geo.GeoLocation) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO geolocations (location_id, name, type, subdivision_derived, subdivision_code,
		 country_name, country_code, lat, lng)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (location_id) DO NOTHING`,
		g.LocationID, g.Name, g.Type, g.SubdivisionDerived, g.SubdivisionCode,
		g.CountryName, g.CountryCode, g.Lat, g.Lng,
	)
	if err != nil {
		return false, pgWriteErr(err, "upsert geolocation")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertAlias(ctx context.Context, a geo.LocationAlias) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO location_aliases (location_id, preferred_location_id) VALUES ($1, $2)
		 ON CONFLICT (location_id) DO NOTHING`,
		a.LocationID, a.PreferredLocationID,
	)
	if err != nil {
		return false, pgWriteErr(err, "insert alias")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) RepointAliases(ctx context.Context, fromID, toID int64) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE location_aliases SET preferred_location_id = $2
		 WHERE preferred_location_id = $1 AND location_id <> $2`,
		fromID, toID,
	)
	if err != nil {
		return 0, pgWriteErr(err, "repoint aliases")
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) ReassignAffiliations(ctx context.Context, fromID, toID int64) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE location_affiliations SET location_id = $2
		 WHERE location_id = $1
		 AND person_id NOT IN (SELECT person_id FROM location_affiliations WHERE location_id = $2)`,
		fromID, toID,
	)
	if err != nil {
		return 0, pgWriteErr(err, "reassign affiliations")
	}
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM location_affiliations WHERE location_id = $1`, fromID,
	); err != nil {
		return 0, pgWriteErr(err, "drop reassigned affiliations")
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) PurgeGeocodes(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM location_aliases`); err != nil {
		return eris.Wrap(err, "postgres: purge aliases")
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM geolocations`)
	return eris.Wrap(err, "postgres: purge geolocations")
}

func (t *pgTx) FetchUngeocoded(ctx context.Context) ([]geo.Location, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT l.location_id, l.name, l.short_name FROM locations l
		 WHERE NOT EXISTS (SELECT 1 FROM geolocations g WHERE g.location_id = l.location_id)
		 AND NOT EXISTS (SELECT 1 FROM location_aliases a WHERE a.location_id = l.location_id)
		 ORDER BY l.location_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fetch ungeocoded")
	}
	defer rows.Close()

	var locs []geo.Location
	for rows.Next() {
		var l geo.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.ShortName); err != nil {
			return nil, eris.Wrap(err, "postgres: scan location")
		}
		locs = append(locs, l)
	}
	return locs, eris.Wrap(rows.Err(), "postgres: fetch ungeocoded iterate")
}

func (t *pgTx) FetchDuplicateGroups(ctx context.Context) ([]geo.DuplicateGroup, error) {
	rows, err := t.tx.Query(ctx, duplicateQuery)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fetch duplicate groups")
	}
	defer rows.Close()
	return scanDuplicateGroups(rows)
}

func (t *pgTx) FindByCoords(ctx context.Context, lat, lng float64) (*geo.GeoLocation, error) {
	var g geo.GeoLocation
	err := t.tx.QueryRow(ctx,
		`SELECT `+geoColumns+` FROM geolocations g
		 WHERE g.lat = $1 AND g.lng = $2
		 AND NOT EXISTS (SELECT 1 FROM location_aliases a WHERE a.location_id = g.location_id)
		 ORDER BY g.location_id LIMIT 1`,
		lat, lng,
	).Scan(geoDest(&g)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find by coords")
	}
	return &g, nil
}

func (t *pgTx) Canonical(ctx context.Context, locationID int64) (*geo.GeoLocation, error) {
	id, err := chaseAlias(ctx, locationID, pgAliasLookup(t.tx))
	if err != nil {
		return nil, err
	}
	var g geo.GeoLocation
	err = t.tx.QueryRow(ctx,
		`SELECT `+geoColumns+` FROM geolocations g WHERE g.location_id = $1`, id,
	).Scan(geoDest(&g)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: canonical %d", locationID)
	}
	return &g, nil
}

func (t *pgTx) Savepoint(ctx context.Context, fn func() error) error {
	return t.sp.run(ctx, fn)
}

func (t *pgTx) Commit(ctx context.Context) error {
	return eris.Wrap(t.tx.Commit(ctx), "postgres: commit")
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return eris.Wrap(err, "postgres: rollback")
}
