package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rc-worldmap/worldmap/internal/geo"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore_Suite(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

// withTx runs fn in a transaction and commits it.
func withTx(t *testing.T, s Store, fn func(tx Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit(ctx))
}

func cityAt(id int64, name string, lat, lng float64) geo.GeoLocation {
	return geo.GeoLocation{
		LocationID:  id,
		Name:        name,
		Type:        geo.TypeCity,
		CountryName: "United States",
		CountryCode: "US",
		Lat:         lat,
		Lng:         lng,
	}
}

// seedPopulation creates n people affiliated with locationID, numbering
// person ids from firstPerson.
func seedPopulation(t *testing.T, tx Tx, locationID int64, firstPerson int64, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		pid := firstPerson + int64(i)
		require.NoError(t, tx.UpsertPerson(ctx, geo.Person{ID: pid, FirstName: "P", LastName: "Q"}))
		require.NoError(t, tx.ReplaceAffiliations(ctx, pid, []int64{locationID}))
	}
}

// seedTriple stores three geolocations at identical coordinates with
// populations 5, 12 and 0, plus an unrelated geolocation.
func seedTriple(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	withTx(t, s, func(tx Tx) {
		for _, l := range []geo.Location{
			{ID: 1, Name: "Brooklyn, NY"},
			{ID: 2, Name: "Brooklyn, New York"},
			{ID: 3, Name: "Kings County, NY"},
			{ID: 4, Name: "Paris, France"},
		} {
			require.NoError(t, tx.UpsertLocation(ctx, l))
		}
		for _, g := range []geo.GeoLocation{
			cityAt(1, "Brooklyn, NY", 40.6501, -73.94958),
			cityAt(2, "Brooklyn, New York", 40.6501, -73.94958),
			cityAt(3, "Kings County, NY", 40.6501, -73.94958),
			cityAt(4, "Paris, France", 48.85341, 2.3488),
		} {
			ok, err := tx.UpsertGeoLocation(ctx, g)
			require.NoError(t, err)
			require.True(t, ok)
		}
		seedPopulation(t, tx, 1, 100, 5)
		seedPopulation(t, tx, 2, 200, 12)
	})
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Migrate(context.Background()))
		require.NoError(t, s.Ping(context.Background()))
	})

	t.Run("FetchUngeocodedOrderedAndUpsertIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		withTx(t, s, func(tx Tx) {
			for _, l := range []geo.Location{
				{ID: 30, Name: "Berlin, Germany"},
				{ID: 10, Name: "France"},
				{ID: 20, Name: "Brooklyn, NY", ShortName: "BK"},
				{ID: 10, Name: "renamed"},
			} {
				require.NoError(t, tx.UpsertLocation(ctx, l))
			}
		})

		withTx(t, s, func(tx Tx) {
			locs, err := tx.FetchUngeocoded(ctx)
			require.NoError(t, err)
			assert.Equal(t, []geo.Location{
				{ID: 10, Name: "France"},
				{ID: 20, Name: "Brooklyn, NY", ShortName: "BK"},
				{ID: 30, Name: "Berlin, Germany"},
			}, locs)
		})
	})

	t.Run("UpsertGeoLocationNeverOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		withTx(t, s, func(tx Tx) {
			require.NoError(t, tx.UpsertLocation(ctx, geo.Location{ID: 1, Name: "Brooklyn, NY"}))
			ok, err := tx.UpsertGeoLocation(ctx, cityAt(1, "Brooklyn, NY", 40.65, -73.95))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tx.UpsertGeoLocation(ctx, cityAt(1, "Brooklyn, NY", 0, 0))
			require.NoError(t, err)
			assert.False(t, ok)

			locs, err := tx.FetchUngeocoded(ctx)
			require.NoError(t, err)
			assert.Empty(t, locs)
		})

		got, err := s.GetGeoLocation(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 40.65, got.Lat)
		assert.Equal(t, -73.95, got.Lng)
	})

	t.Run("FetchDuplicateGroupsWithPopulation", func(t *testing.T) {
		s := newStore(t)
		seedTriple(t, s)

		withTx(t, s, func(tx Tx) {
			groups, err := tx.FetchDuplicateGroups(context.Background())
			require.NoError(t, err)
			require.Len(t, groups, 1)

			g := groups[0]
			assert.Equal(t, 40.6501, g.Lat)
			assert.Equal(t, -73.94958, g.Lng)
			assert.Equal(t, []geo.GroupMember{
				{LocationID: 1, Name: "Brooklyn, NY", Population: 5},
				{LocationID: 2, Name: "Brooklyn, New York", Population: 12},
				{LocationID: 3, Name: "Kings County, NY", Population: 0},
			}, g.Members)
		})
	})

	t.Run("AliasedRowsLeaveGroupsAndQueues", func(t *testing.T) {
		s := newStore(t)
		seedTriple(t, s)
		ctx := context.Background()

		withTx(t, s, func(tx Tx) {
			require.NoError(t, tx.UpsertLocation(ctx, geo.Location{ID: 5, Name: "BK"}))

			for _, a := range []geo.LocationAlias{
				{LocationID: 1, PreferredLocationID: 2},
				{LocationID: 3, PreferredLocationID: 2},
				{LocationID: 5, PreferredLocationID: 2},
			} {
				ok, err := tx.InsertAlias(ctx, a)
				require.NoError(t, err)
				assert.True(t, ok)
			}

			ok, err := tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 1, PreferredLocationID: 4})
			require.NoError(t, err)
			assert.False(t, ok, "a location aliases at most one target")

			groups, err := tx.FetchDuplicateGroups(ctx)
			require.NoError(t, err)
			assert.Empty(t, groups)

			locs, err := tx.FetchUngeocoded(ctx)
			require.NoError(t, err)
			assert.Empty(t, locs, "aliased location 5 is not re-geocoded")

			found, err := tx.FindByCoords(ctx, 40.6501, -73.94958)
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, int64(2), found.LocationID)

			canon, err := tx.Canonical(ctx, 1)
			require.NoError(t, err)
			require.NotNil(t, canon)
			assert.Equal(t, int64(2), canon.LocationID)
		})
	})

	t.Run("ReassignAffiliationsKeepsOneRowPerPerson", func(t *testing.T) {
		s := newStore(t)
		seedTriple(t, s)
		ctx := context.Background()

		withTx(t, s, func(tx Tx) {
			// person 100 lives at both 1 and 2
			require.NoError(t, tx.ReplaceAffiliations(ctx, 100, []int64{1, 2}))

			n, err := tx.ReassignAffiliations(ctx, 1, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)
		})

		got, err := s.GetGeoLocation(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 17, got.Population)

		loser, err := s.GetGeoLocation(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, loser.Population)
	})

	t.Run("RepointAliases", func(t *testing.T) {
		s := newStore(t)
		seedTriple(t, s)
		ctx := context.Background()

		withTx(t, s, func(tx Tx) {
			_, err := tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 1, PreferredLocationID: 3})
			require.NoError(t, err)
			_, err = tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 3, PreferredLocationID: 2})
			require.NoError(t, err)

			n, err := tx.RepointAliases(ctx, 3, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})

		withTx(t, s, func(tx Tx) {
			target, ok, err := lookupAliasForTest(ctx, tx, 1)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(2), target)
		})
	})

	t.Run("SavepointRollsBackOnlyItsStatements", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		withTx(t, s, func(tx Tx) {
			require.NoError(t, tx.UpsertLocation(ctx, geo.Location{ID: 1, Name: "France"}))

			boom := errors.New("boom")
			err := tx.Savepoint(ctx, func() error {
				require.NoError(t, tx.UpsertLocation(ctx, geo.Location{ID: 2, Name: "Spain"}))
				return boom
			})
			assert.ErrorIs(t, err, boom)

			err = tx.Savepoint(ctx, func() error {
				_, err := tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 1, PreferredLocationID: 999})
				return err
			})
			var conflict *geo.PersistenceConflictError
			assert.True(t, errors.As(err, &conflict), "dangling alias target is a constraint violation: %v", err)

			require.NoError(t, tx.UpsertLocation(ctx, geo.Location{ID: 3, Name: "Italy"}))
		})

		withTx(t, s, func(tx Tx) {
			locs, err := tx.FetchUngeocoded(ctx)
			require.NoError(t, err)
			assert.Equal(t, []geo.Location{{ID: 1, Name: "France"}, {ID: 3, Name: "Italy"}}, locs)
		})
	})

	t.Run("SelfAliasIsConflict", func(t *testing.T) {
		s := newStore(t)
		seedTriple(t, s)
		ctx := context.Background()

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx) //nolint:errcheck

		_, err = tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 4, PreferredLocationID: 4})
		var conflict *geo.PersistenceConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "insert alias", conflict.Op)
	})

	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.UpsertLocation(ctx, geo.Location{ID: 1, Name: "France"}))
		require.NoError(t, tx.Rollback(ctx))
		require.NoError(t, tx.Rollback(ctx), "second rollback is a no-op")

		withTx(t, s, func(tx Tx) {
			locs, err := tx.FetchUngeocoded(ctx)
			require.NoError(t, err)
			assert.Empty(t, locs)
		})
	})

	t.Run("PurgeGeocodes", func(t *testing.T) {
		s := newStore(t)
		seedTriple(t, s)
		ctx := context.Background()

		withTx(t, s, func(tx Tx) {
			_, err := tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 1, PreferredLocationID: 2})
			require.NoError(t, err)
			require.NoError(t, tx.PurgeGeocodes(ctx))

			locs, err := tx.FetchUngeocoded(ctx)
			require.NoError(t, err)
			assert.Len(t, locs, 4)
		})

		all, err := s.ListGeoLocations(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("ReadHelpersResolveAliases", func(t *testing.T) {
		s := newStore(t)
		seedTriple(t, s)
		ctx := context.Background()

		withTx(t, s, func(tx Tx) {
			_, err := tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 1, PreferredLocationID: 2})
			require.NoError(t, err)
			_, err = tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 3, PreferredLocationID: 2})
			require.NoError(t, err)
		})

		all, err := s.ListGeoLocations(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, int64(2), all[0].LocationID)
		assert.Equal(t, 17, all[0].Population, "affiliations on aliased rows count toward the target")
		assert.Equal(t, int64(4), all[1].LocationID)

		got, err := s.GetGeoLocation(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.LocationID)
		assert.Equal(t, "Brooklyn, New York", got.Name)

		_, err = s.GetGeoLocation(ctx, 404)
		assert.ErrorIs(t, err, geo.ErrNotFound)

		found, err := s.SearchLocations(ctx, "brooklyn", 0)
		require.NoError(t, err)
		require.Len(t, found, 1, "both Brooklyn spellings resolve to one survivor")
		assert.Equal(t, int64(2), found[0].LocationID)

		found, err = s.SearchLocations(ctx, "PARIS", 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, int64(4), found[0].LocationID)

		found, err = s.SearchLocations(ctx, "   ", 10)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("PopulationCountsThroughAliases", func(t *testing.T) {
		s := newStore(t)
		seedTriple(t, s)
		ctx := context.Background()

		withTx(t, s, func(tx Tx) {
			_, err := tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 1, PreferredLocationID: 2})
			require.NoError(t, err)
			_, err = tx.ReassignAffiliations(ctx, 1, 2)
			require.NoError(t, err)
			_, err = tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 3, PreferredLocationID: 2})
			require.NoError(t, err)

			// person 100 is re-affiliated with an aliased row, person 200 with
			// both an aliased row and the survivor
			require.NoError(t, tx.ReplaceAffiliations(ctx, 100, []int64{3}))
			require.NoError(t, tx.ReplaceAffiliations(ctx, 200, []int64{1, 2}))

			require.NoError(t, tx.UpsertLocation(ctx, geo.Location{ID: 5, Name: "Flatbush, NY"}))
			_, err = tx.UpsertGeoLocation(ctx, cityAt(5, "Flatbush, NY", 40.6501, -73.94958))
			require.NoError(t, err)

			groups, err := tx.FetchDuplicateGroups(ctx)
			require.NoError(t, err)
			require.Len(t, groups, 1)
			assert.Equal(t, []geo.GroupMember{
				{LocationID: 2, Name: "Brooklyn, New York", Population: 17},
				{LocationID: 5, Name: "Flatbush, NY", Population: 0},
			}, groups[0].Members)
		})

		got, err := s.GetGeoLocation(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.LocationID)
		assert.Equal(t, 17, got.Population)
	})

	t.Run("AliasCycleTerminates", func(t *testing.T) {
		s := newStore(t)
		seedTriple(t, s)
		ctx := context.Background()

		withTx(t, s, func(tx Tx) {
			_, err := tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 1, PreferredLocationID: 3})
			require.NoError(t, err)
			_, err = tx.InsertAlias(ctx, geo.LocationAlias{LocationID: 3, PreferredLocationID: 1})
			require.NoError(t, err)
		})

		got, err := s.GetGeoLocation(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.LocationID)
	})

	t.Run("RunLog", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.StartRun(ctx, RunKindGeocode)
		require.NoError(t, err)
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, RunStatusRunning, run.Status)

		run.Status = RunStatusCommitted
		run.Processed, run.Geocoded, run.Skipped, run.Aliased = 4, 3, 1, 2
		require.NoError(t, s.FinishRun(ctx, run))
		require.NotNil(t, run.FinishedAt)

		runs, err := s.ListRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, run.ID, runs[0].ID)
		assert.Equal(t, RunKindGeocode, runs[0].Kind)
		assert.Equal(t, RunStatusCommitted, runs[0].Status)
		assert.Equal(t, 3, runs[0].Geocoded)
		assert.Equal(t, 2, runs[0].Aliased)
		require.NotNil(t, runs[0].FinishedAt)

		err = s.FinishRun(ctx, &Run{ID: "missing", Status: RunStatusAborted})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run not found")
	})
}

// lookupAliasForTest reads the stored alias target of id without chasing.
func lookupAliasForTest(ctx context.Context, tx Tx, id int64) (int64, bool, error) {
	switch v := tx.(type) {
	case *sqliteTx:
		return sqliteAliasLookup(v.tx)(ctx, id)
	case *pgTx:
		return pgAliasLookup(v.tx)(ctx, id)
	default:
		return 0, false, errors.New("unsupported tx")
	}
}
