package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertConfig describes a multi-row INSERT ... ON CONFLICT DO NOTHING.
type InsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns supplied by every row
	ConflictKeys []string // conflict target; empty means any constraint
}

// InsertIgnore inserts rows in one statement and silently skips rows that
// collide with an existing key. It returns the number of rows inserted.
func InsertIgnore(ctx context.Context, q Execer, cfg InsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: insert: no columns specified")
	}

	sql, args, err := buildInsertIgnore(cfg, rows)
	if err != nil {
		return 0, err
	}

	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "db: insert into %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

func buildInsertIgnore(cfg InsertConfig, rows [][]any) (string, []any, error) {
	width := len(cfg.Columns)
	args := make([]any, 0, len(rows)*width)
	tuples := make([]string, len(rows))

	for i, row := range rows {
		if len(row) != width {
			return "", nil, eris.Errorf("db: insert: row %d has %d values, want %d", i, len(row), width)
		}
		ph := make([]string, width)
		for j := range row {
			ph[j] = fmt.Sprintf("$%d", i*width+j+1)
		}
		tuples[i] = "(" + strings.Join(ph, ", ") + ")"
		args = append(args, row...)
	}

	conflict := "ON CONFLICT DO NOTHING"
	if len(cfg.ConflictKeys) > 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", quoteAndJoin(cfg.ConflictKeys))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(tuples, ", "),
		conflict,
	)
	return sql, args, nil
}

// sanitizeTable handles schema-qualified table names like "public.locations".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
