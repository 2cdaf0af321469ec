package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rc-worldmap/worldmap/internal/geo"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode. The pool holds a single connection, so connection pragmas apply to
// every statement and a run transaction serializes with other writers.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS people (
	person_id   INTEGER PRIMARY KEY,
	first_name  TEXT NOT NULL DEFAULT '',
	middle_name TEXT NOT NULL DEFAULT '',
	last_name   TEXT NOT NULL DEFAULT '',
	image_url   TEXT NOT NULL DEFAULT '',
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS locations (
	location_id INTEGER PRIMARY KEY,
	name        TEXT NOT NULL,
	short_name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS geolocations (
	location_id         INTEGER PRIMARY KEY REFERENCES locations(location_id),
	name                TEXT NOT NULL,
	type                TEXT NOT NULL CHECK (type IN ('city', 'country')),
	subdivision_derived TEXT NOT NULL DEFAULT '',
	subdivision_code    TEXT NOT NULL DEFAULT '',
	country_name        TEXT NOT NULL DEFAULT '',
	country_code        TEXT NOT NULL DEFAULT '',
	lat                 REAL NOT NULL,
	lng                 REAL NOT NULL,
	CHECK (type = 'city' OR subdivision_code = '')
);

CREATE INDEX IF NOT EXISTS idx_geolocations_coords ON geolocations(lat, lng);

CREATE TABLE IF NOT EXISTS location_aliases (
	location_id           INTEGER PRIMARY KEY REFERENCES locations(location_id),
	preferred_location_id INTEGER NOT NULL REFERENCES locations(location_id),
	CHECK (location_id <> preferred_location_id)
);

CREATE INDEX IF NOT EXISTS idx_location_aliases_preferred ON location_aliases(preferred_location_id);

CREATE TABLE IF NOT EXISTS location_affiliations (
	person_id   INTEGER NOT NULL REFERENCES people(person_id) ON DELETE CASCADE,
	location_id INTEGER NOT NULL REFERENCES locations(location_id),
	PRIMARY KEY (person_id, location_id)
);

CREATE INDEX IF NOT EXISTS idx_location_affiliations_location ON location_affiliations(location_id);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id      TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	processed   INTEGER NOT NULL DEFAULT 0,
	geocoded    INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	aliased     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin")
	}
	t := &sqliteTx{tx: tx}
	t.sp.exec = func(ctx context.Context, stmt string) error {
		_, err := tx.ExecContext(ctx, stmt)
		return err
	}
	return t, nil
}

func (s *SQLiteStore) ListGeoLocations(ctx context.Context) ([]geo.PlacedLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+placedColumns+` FROM geolocations g
		 WHERE NOT EXISTS (SELECT 1 FROM location_aliases a WHERE a.location_id = g.location_id)
		 ORDER BY g.location_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list geolocations")
	}
	defer rows.Close() //nolint:errcheck
	return scanPlaced(rows)
}

func (s *SQLiteStore) GetGeoLocation(ctx context.Context, locationID int64) (*geo.PlacedLocation, error) {
	id, err := chaseAlias(ctx, locationID, sqliteAliasLookup(s.db))
	if err != nil {
		return nil, err
	}

	var p geo.PlacedLocation
	err = s.db.QueryRowContext(ctx,
		`SELECT `+placedColumns+` FROM geolocations g WHERE g.location_id = ?`, id,
	).Scan(placedDest(&p)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, geo.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get geolocation %d", locationID)
	}
	return &p, nil
}

func (s *SQLiteStore) SearchLocations(ctx context.Context, query string, limit int) ([]geo.PlacedLocation, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT location_id, name FROM locations ORDER BY location_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search locations")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan location")
		}
		if geo.MatchName(name, query) {
			ids = append(ids, id)
		}
	}
	iterErr := rows.Err()
	rows.Close() //nolint:errcheck
	if iterErr != nil {
		return nil, eris.Wrap(iterErr, "sqlite: search locations iterate")
	}

	return collectCanonical(ctx, ids, limit, s.GetGeoLocation)
}

func (s *SQLiteStore) StartRun(ctx context.Context, kind RunKind) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (run_id, kind, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, string(run.Kind), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	run.FinishedAt = &now

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, finished_at = ?, processed = ?, geocoded = ?,
		 skipped = ?, aliased = ?, error = ? WHERE run_id = ?`,
		string(run.Status), now, run.Processed, run.Geocoded, run.Skipped, run.Aliased, run.Error, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, kind, status, started_at, finished_at, processed, geocoded, skipped, aliased, error
		 FROM pipeline_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.StartedAt, &finished,
			&r.Processed, &r.Geocoded, &r.Skipped, &r.Aliased, &r.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteAliasLookup(q sqlQuerier) aliasLookup {
	return func(ctx context.Context, id int64) (int64, bool, error) {
		var target int64
		err := q.QueryRowContext(ctx,
			`SELECT preferred_location_id FROM location_aliases WHERE location_id = ?`, id,
		).Scan(&target)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, eris.Wrapf(err, "sqlite: alias of %d", id)
		}
		return target, true, nil
	}
}

// isSQLiteConstraint reports whether err is a SQLITE_CONSTRAINT failure,
// including its extended codes.
func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func sqliteWriteErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if isSQLiteConstraint(err) {
		return &geo.PersistenceConflictError{Op: op, Err: err}
	}
	return eris.Wrapf(err, "sqlite: %s", op)
}

// sqliteTx implements Tx on a database/sql transaction.
type sqliteTx struct {
	tx *sql.Tx
	sp savepointer
}

func (t *sqliteTx) UpsertLocation(ctx context.Context, loc geo.Location) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO locations (location_id, name, short_name) VALUES (?, ?, ?)
		 ON CONFLICT (location_id) DO NOTHING`,
		loc.ID, loc.Name, loc.ShortName,
	)
	return sqliteWriteErr(err, "upsert location")
}

func (t *sqliteTx) UpsertPerson(ctx context.Context, p geo.Person) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO people (person_id, first_name, middle_name, last_name, image_url, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (person_id) DO UPDATE SET first_name = excluded.first_name,
		 middle_name = excluded.middle_name, last_name = excluded.last_name,
		 image_url = excluded.image_url, updated_at = excluded.updated_at`,
		p.ID, p.FirstName, p.MiddleName, p.LastName, p.ImageURL,
	)
	return sqliteWriteErr(err, "upsert person")
}

func (t *sqliteTx) ReplaceAffiliations(ctx context.Context, personID int64, locationIDs []int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM location_affiliations WHERE person_id = ?`, personID,
	); err != nil {
		return sqliteWriteErr(err, "delete affiliations")
	}
	for _, id := range locationIDs {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO location_affiliations (person_id, location_id) VALUES (?, ?)
			 ON CONFLICT (person_id, location_id) DO NOTHING`,
			personID, id,
		); err != nil {
			return sqliteWriteErr(err, "insert affiliation")
		}
	}
	return nil
}

func (t *sqliteTx) UpsertGeoLocation(ctx context.Context, g geo.GeoLocation) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO geolocations (location_id, name, type, subdivision_derived, subdivision_code,
		 country_name, country_code, lat, lng)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (location_id) DO NOTHING`,
		g.LocationID, g.Name, g.Type, g.SubdivisionDerived, g.SubdivisionCode,
		g.CountryName, g.CountryCode, g.Lat, g.Lng,
	)
	if err != nil {
		return false, sqliteWriteErr(err, "upsert geolocation")
	}
	return affected(res)
}

func (t *sqliteTx) InsertAlias(ctx context.Context, a geo.LocationAlias) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO location_aliases (location_id, preferred_location_id) VALUES (?, ?)
		 ON CONFLICT (location_id) DO NOTHING`,
		a.LocationID, a.PreferredLocationID,
	)
	if err != nil {
		return false, sqliteWriteErr(err, "insert alias")
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (t *sqliteTx) RepointAliases(ctx context.Context, fromID, toID int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE location_aliases SET preferred_location_id = ?
		 WHERE preferred_location_id = ? AND location_id <> ?`,
		toID, fromID, toID,
	)
	if err != nil {
		return 0, sqliteWriteErr(err, "repoint aliases")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (t *sqliteTx) ReassignAffiliations(ctx context.Context, fromID, toID int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE location_affiliations SET location_id = ?
		 WHERE location_id = ?
		 AND person_id NOT IN (SELECT person_id FROM location_affiliations WHERE location_id = ?)`,
		toID, fromID, toID,
	)
	if err != nil {
		return 0, sqliteWriteErr(err, "reassign affiliations")
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM location_affiliations WHERE location_id = ?`, fromID,
	); err != nil {
		return 0, sqliteWriteErr(err, "drop reassigned affiliations")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (t *sqliteTx) PurgeGeocodes(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM location_aliases`); err != nil {
		return eris.Wrap(err, "sqlite: purge aliases")
	}
	_, err := t.tx.ExecContext(ctx, `DELETE FROM geolocations`)
	return eris.Wrap(err, "sqlite: purge geolocations")
}

func (t *sqliteTx) FetchUngeocoded(ctx context.Context) ([]geo.Location, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT l.location_id, l.name, l.short_name FROM locations l
		 WHERE NOT EXISTS (SELECT 1 FROM geolocations g WHERE g.location_id = l.location_id)
		 AND NOT EXISTS (SELECT 1 FROM location_aliases a WHERE a.location_id = l.location_id)
		 ORDER BY l.location_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fetch ungeocoded")
	}
	defer rows.Close() //nolint:errcheck

	var locs []geo.Location
	for rows.Next() {
		var l geo.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.ShortName); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan location")
		}
		locs = append(locs, l)
	}
	return locs, eris.Wrap(rows.Err(), "sqlite: fetch ungeocoded iterate")
}

func (t *sqliteTx) FetchDuplicateGroups(ctx context.Context) ([]geo.DuplicateGroup, error) {
	rows, err := t.tx.QueryContext(ctx, duplicateQuery)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fetch duplicate groups")
	}
	defer rows.Close() //nolint:errcheck
	return scanDuplicateGroups(rows)
}

func (t *sqliteTx) FindByCoords(ctx context.Context, lat, lng float64) (*geo.GeoLocation, error) {
	var g geo.GeoLocation
	err := t.tx.QueryRowContext(ctx,
		`SELECT `+geoColumns+` FROM geolocations g
		 WHERE g.lat = ? AND g.lng = ?
		 AND NOT EXISTS (SELECT 1 FROM location_aliases a WHERE a.location_id = g.location_id)
		 ORDER BY g.location_id LIMIT 1`,
		lat, lng,
	).Scan(geoDest(&g)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find by coords")
	}
	return &g, nil
}

func (t *sqliteTx) Canonical(ctx context.Context, locationID int64) (*geo.GeoLocation, error) {
	id, err := chaseAlias(ctx, locationID, sqliteAliasLookup(t.tx))
	if err != nil {
		return nil, err
	}
	var g geo.GeoLocation
	err = t.tx.QueryRowContext(ctx,
		`SELECT `+geoColumns+` FROM geolocations g WHERE g.location_id = ?`, id,
	).Scan(geoDest(&g)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: canonical %d", locationID)
	}
	return &g, nil
}

func (t *sqliteTx) Savepoint(ctx context.Context, fn func() error) error {
	return t.sp.run(ctx, fn)
}

func (t *sqliteTx) Commit(_ context.Context) error {
	return eris.Wrap(t.tx.Commit(), "sqlite: commit")
}

func (t *sqliteTx) Rollback(_ context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return eris.Wrap(err, "sqlite: rollback")
}
