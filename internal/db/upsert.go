package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "silver.crm_users")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	// CompareCols, when set, skips the update for rows whose compare columns
	// are not distinct from the incoming values. Bookkeeping columns such as
	// loaded_at belong in UpdateCols but not here, so an identical re-load
	// leaves the row untouched.
	CompareCols []string
}

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON CONFLICT.
// 1. Creates a temp table with the same columns
// 2. COPY rows into the temp table
// 3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE SET ...
// 4. Drops the temp table on commit
//
// The returned count is the number of rows inserted or changed.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := tempTableName(cfg.Table)

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		SanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, BuildUpsertSQL(cfg, tempTable))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}

	return tag.RowsAffected(), nil
}

// BuildUpsertSQL renders the INSERT ... SELECT ... ON CONFLICT statement that
// moves rows from the staging table into cfg.Table.
func BuildUpsertSQL(cfg UpsertConfig, stagingTable string) string {
	colList := quoteAndJoin(cfg.Columns)
	sql := fmt.Sprintf(
		"INSERT INTO %s AS t (%s) SELECT %s FROM %s",
		SanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{stagingTable}.Sanitize(),
	)
	return sql + conflictClause(cfg)
}

// BuildRowUpsertSQL renders a single-row INSERT ... VALUES ($1, ...) upsert.
// returning, when non-empty, is appended verbatim as the RETURNING list.
func BuildRowUpsertSQL(cfg UpsertConfig, returning string) string {
	params := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf(
		"INSERT INTO %s AS t (%s) VALUES (%s)",
		SanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(params, ", "),
	)
	sql += conflictClause(cfg)
	if returning != "" {
		sql += " RETURNING " + returning
	}
	return sql
}

func conflictClause(cfg UpsertConfig) string {
	updateCols := cfg.UpdateCols
	if updateCols == nil {
		updateCols = nonConflictColumns(cfg.Columns, cfg.ConflictKeys)
	}

	var setClauses []string
	for _, col := range updateCols {
		c := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	clause := fmt.Sprintf(" ON CONFLICT (%s)", quoteAndJoin(cfg.ConflictKeys))
	if len(setClauses) == 0 {
		return clause + " DO NOTHING"
	}
	clause += " DO UPDATE SET " + strings.Join(setClauses, ", ")

	if len(cfg.CompareCols) > 0 {
		target := make([]string, len(cfg.CompareCols))
		excluded := make([]string, len(cfg.CompareCols))
		for i, col := range cfg.CompareCols {
			c := pgx.Identifier{col}.Sanitize()
			target[i] = "t." + c
			excluded[i] = "EXCLUDED." + c
		}
		clause += fmt.Sprintf(" WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(target, ", "), strings.Join(excluded, ", "))
	}
	return clause
}

func nonConflictColumns(cols, conflictKeys []string) []string {
	conflictSet := make(map[string]bool, len(conflictKeys))
	for _, k := range conflictKeys {
		conflictSet[k] = true
	}
	var out []string
	for _, c := range cols {
		if !conflictSet[c] {
			out = append(out, c)
		}
	}
	return out
}

func tempTableName(table string) string {
	return fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(table, ".", "_"))
}

// SanitizeTable handles schema-qualified table names like "silver.crm_users".
func SanitizeTable(table string) string {
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
