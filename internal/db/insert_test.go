package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertIgnore_EmptyRows(t *testing.T) {
	n, err := InsertIgnore(context.Background(), nil, InsertConfig{
		Table:   "location_affiliations",
		Columns: []string{"person_id", "location_id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestInsertIgnore_NoColumns(t *testing.T) {
	_, err := InsertIgnore(context.Background(), nil, InsertConfig{
		Table: "location_affiliations",
	}, [][]any{{1, 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBuildInsertIgnore(t *testing.T) {
	sql, args, err := buildInsertIgnore(InsertConfig{
		Table:        "location_affiliations",
		Columns:      []string{"person_id", "location_id"},
		ConflictKeys: []string{"person_id", "location_id"},
	}, [][]any{{int64(7), int64(1)}, {int64(7), int64(2)}})
	require.NoError(t, err)

	assert.Equal(t,
		`INSERT INTO "location_affiliations" ("person_id", "location_id") VALUES ($1, $2), ($3, $4) ON CONFLICT ("person_id", "location_id") DO NOTHING`,
		sql)
	assert.Equal(t, []any{int64(7), int64(1), int64(7), int64(2)}, args)
}

func TestBuildInsertIgnore_AnyConflict(t *testing.T) {
	sql, _, err := buildInsertIgnore(InsertConfig{
		Table:   "public.locations",
		Columns: []string{"location_id"},
	}, [][]any{{1}})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "public"."locations" ("location_id") VALUES ($1) ON CONFLICT DO NOTHING`, sql)
}

func TestBuildInsertIgnore_RaggedRow(t *testing.T) {
	_, _, err := buildInsertIgnore(InsertConfig{
		Table:   "locations",
		Columns: []string{"location_id", "name"},
	}, [][]any{{1, "Paris, France"}, {2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 1 has 1 values")
}

func TestInsertIgnore_Exec(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO "location_affiliations" .* ON CONFLICT DO NOTHING`).
		WithArgs(int64(7), int64(1), int64(7), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := InsertIgnore(context.Background(), mock, InsertConfig{
		Table:   "location_affiliations",
		Columns: []string{"person_id", "location_id"},
	}, [][]any{{int64(7), int64(1)}, {int64(7), int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIgnore_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO`).WillReturnError(fmt.Errorf("permission denied"))

	_, err = InsertIgnore(context.Background(), mock, InsertConfig{
		Table:   "locations",
		Columns: []string{"location_id"},
	}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: insert into locations")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.geolocations", `"public"."geolocations"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"location_id", "name", "short_name"`, quoteAndJoin([]string{"location_id", "name", "short_name"}))
}
