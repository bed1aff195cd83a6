package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/WesGarrett/Medallion-Warehouse/internal/db"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// sqliteSchemas are attached as separate database files next to the main one.
var sqliteSchemas = []string{"bronze", "silver", "gold", "meta"}

// maxSQLiteParams caps the length of a generated IN list.
const maxSQLiteParams = 500

// SQLite implements Warehouse on modernc.org/sqlite. Each layer lives in its
// own attached database. The pool holds a single connection, so attachments
// persist and writes are serialized.
type SQLite struct {
	db *sql.DB
	tr tracer
}

// NewSQLite opens the warehouse rooted at base: base.db plus
// base.<schema>.db per layer. An empty base or ":memory:" keeps everything
// in memory.
func NewSQLite(base string, opts Options) (*SQLite, error) {
	memory := base == "" || base == ":memory:"
	mainDSN := ":memory:"
	if !memory {
		mainDSN = base + ".db"
	}

	conn, err := sql.Open("sqlite", mainDSN)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	stmts := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, schema := range sqliteSchemas {
		path := ":memory:"
		if !memory {
			path = fmt.Sprintf("%s.%s.db", base, schema)
		}
		stmts = append(stmts, fmt.Sprintf("ATTACH DATABASE %s AS %s", liteQuote(path), schema))
		if !memory {
			stmts = append(stmts,
				fmt.Sprintf("PRAGMA %s.journal_mode=WAL", schema),
				fmt.Sprintf("PRAGMA %s.synchronous=NORMAL", schema),
			)
		}
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", stmt)
		}
	}
	return &SQLite{db: conn, tr: tracer{backend: "sqlite", opts: opts}}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS bronze.product_catalog (
	raw_id       INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id     TEXT NOT NULL,
	ingested_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	product_id   TEXT,
	product_name TEXT,
	category     TEXT,
	list_price   TEXT
);

CREATE TABLE IF NOT EXISTS bronze.crm_users (
	raw_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id    TEXT NOT NULL,
	ingested_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	user_id     TEXT,
	first_name  TEXT,
	last_name   TEXT,
	email       TEXT,
	phone       TEXT,
	state       TEXT,
	city        TEXT,
	signup_date TEXT,
	plan_tier   TEXT
);

CREATE TABLE IF NOT EXISTS bronze.sales_transactions (
	raw_id           INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id         TEXT NOT NULL,
	ingested_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	transaction_id   TEXT,
	user_id          TEXT,
	product_id       TEXT,
	product_name     TEXT,
	category         TEXT,
	quantity         TEXT,
	unit_price       TEXT,
	total_amount     TEXT,
	is_refund        TEXT,
	region           TEXT,
	transaction_date TEXT
);

CREATE TABLE IF NOT EXISTS bronze.web_events (
	raw_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id    TEXT NOT NULL,
	ingested_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	session_id  TEXT,
	user_id     TEXT,
	event_type  TEXT,
	page_url    TEXT,
	referrer    TEXT,
	device_type TEXT,
	event_ts    TEXT,
	country     TEXT
);

CREATE INDEX IF NOT EXISTS bronze.idx_product_catalog_batch ON product_catalog (batch_id);
CREATE INDEX IF NOT EXISTS bronze.idx_crm_users_batch ON crm_users (batch_id);
CREATE INDEX IF NOT EXISTS bronze.idx_sales_transactions_batch ON sales_transactions (batch_id);
CREATE INDEX IF NOT EXISTS bronze.idx_web_events_batch ON web_events (batch_id);

CREATE TABLE IF NOT EXISTS silver.products (
	product_id   TEXT PRIMARY KEY,
	product_name TEXT,
	category     TEXT,
	list_price   TEXT,
	loaded_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS silver.crm_users (
	user_id     TEXT PRIMARY KEY,
	first_name  TEXT,
	last_name   TEXT,
	email       TEXT NOT NULL UNIQUE,
	phone       TEXT,
	state       TEXT CHECK (state IS NULL OR length(state) = 2),
	city        TEXT,
	signup_date TEXT,
	plan_tier   TEXT,
	loaded_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS silver.sales_transactions (
	transaction_id   TEXT PRIMARY KEY,
	user_id          TEXT,
	product_id       TEXT NOT NULL,
	product_name     TEXT,
	category         TEXT,
	quantity         TEXT NOT NULL,
	unit_price       TEXT NOT NULL,
	total_amount     TEXT NOT NULL,
	is_refund        INTEGER NOT NULL DEFAULT 0,
	region           TEXT,
	transaction_date TEXT NOT NULL,
	loaded_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS silver.web_events (
	session_id  TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	page_url    TEXT,
	referrer    TEXT,
	device_type TEXT,
	event_ts    TEXT,
	country     TEXT,
	loaded_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS silver.idx_sales_transactions_product ON sales_transactions (product_id);

CREATE TABLE IF NOT EXISTS gold.dim_date (
	date_key    INTEGER PRIMARY KEY,
	full_date   TEXT NOT NULL UNIQUE,
	day         INTEGER NOT NULL,
	month       INTEGER NOT NULL,
	quarter     INTEGER NOT NULL,
	year        INTEGER NOT NULL,
	day_of_week INTEGER NOT NULL,
	is_weekend  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS gold.dim_users (
	user_sk     INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL UNIQUE,
	full_name   TEXT,
	region      TEXT,
	plan_tier   TEXT,
	signup_date TEXT,
	loaded_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gold.dim_products (
	product_sk     INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id     TEXT NOT NULL UNIQUE,
	product_name   TEXT,
	category       TEXT,
	avg_unit_price TEXT,
	loaded_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gold.fact_sales (
	fact_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT NOT NULL UNIQUE,
	user_sk        INTEGER REFERENCES dim_users (user_sk),
	product_sk     INTEGER NOT NULL REFERENCES dim_products (product_sk),
	date_key       INTEGER NOT NULL REFERENCES dim_date (date_key),
	quantity       TEXT NOT NULL,
	unit_price     TEXT NOT NULL,
	total_amount   TEXT NOT NULL,
	region         TEXT,
	loaded_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS gold.idx_fact_sales_user_sk ON fact_sales (user_sk);
CREATE INDEX IF NOT EXISTS gold.idx_fact_sales_product_sk ON fact_sales (product_sk);
CREATE INDEX IF NOT EXISTS gold.idx_fact_sales_date_key ON fact_sales (date_key);
CREATE INDEX IF NOT EXISTS gold.idx_fact_sales_region ON fact_sales (region);

CREATE TABLE IF NOT EXISTS meta.schema_migrations (
	filename   TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS meta.batch_runs (
	run_id       TEXT PRIMARY KEY,
	batch_id     TEXT NOT NULL,
	state        TEXT NOT NULL DEFAULT 'pending',
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	summary      TEXT,
	error        TEXT
);

CREATE TABLE IF NOT EXISTS meta.rejections (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES batch_runs (run_id) ON DELETE CASCADE,
	batch_id    TEXT NOT NULL,
	source      TEXT NOT NULL,
	natural_key TEXT,
	raw_id      INTEGER,
	kind        TEXT NOT NULL,
	field       TEXT,
	reason      TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS meta.idx_batch_runs_batch ON batch_runs (batch_id, started_at);
CREATE INDEX IF NOT EXISTS meta.idx_rejections_run ON rejections (run_id);

INSERT OR IGNORE INTO meta.schema_migrations (filename) VALUES ('sqlite_schema');
`

// sqliteDropOrder lists tables children first so foreign keys never block a drop.
var sqliteDropOrder = []string{
	"gold.fact_sales", "gold.dim_users", "gold.dim_products", "gold.dim_date",
	"silver.web_events", "silver.sales_transactions", "silver.crm_users", "silver.products",
	"bronze.web_events", "bronze.sales_transactions", "bronze.crm_users", "bronze.product_catalog",
	"meta.rejections", "meta.batch_runs", "meta.schema_migrations",
}

// Backend implements Warehouse.
func (s *SQLite) Backend() string { return "sqlite" }

// Migrate implements Warehouse.
func (s *SQLite) Migrate(ctx context.Context) error {
	ctx, done := s.tr.begin(ctx, "migrate")
	defer done()
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Drop implements Warehouse.
func (s *SQLite) Drop(ctx context.Context) error {
	ctx, done := s.tr.begin(ctx, "drop")
	defer done()
	for _, table := range sqliteDropOrder {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return eris.Wrapf(err, "sqlite: drop %s", table)
		}
	}
	return nil
}

// Ping implements Warehouse.
func (s *SQLite) Ping(ctx context.Context) error {
	ctx, done := s.tr.begin(ctx, "ping")
	defer done()
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close implements Warehouse.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InsertRaw implements Bronze.
func (s *SQLite) InsertRaw(ctx context.Context, rec model.RawRecord) (model.RawRowID, error) {
	if rec.BatchID == "" {
		return 0, eris.New("sqlite: insert raw: batch id is required")
	}
	cols, err := checkColumns(rec.Source, rec.Fields)
	if err != nil {
		return 0, err
	}

	ctx, done := s.tr.begin(ctx, "bronze.insert")
	defer done()
	id, err := insertLiteRaw(ctx, s.db, rec.Source, rec.BatchID, cols, rec.Fields, rec.IngestedAt)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert raw %s", rec.Source)
	}
	return model.RawRowID(id), nil
}

// InsertRawBatch implements Bronze in one transaction.
func (s *SQLite) InsertRawBatch(ctx context.Context, src model.Source, batchID string, rows []map[string]*string) (int64, error) {
	if batchID == "" {
		return 0, eris.New("sqlite: insert raw batch: batch id is required")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, done := s.tr.begin(ctx, "bronze.copy")
	defer done()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert raw batch: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var n int64
	for _, r := range rows {
		cols, err := checkColumns(src, r)
		if err != nil {
			return 0, err
		}
		if _, err := insertLiteRaw(ctx, tx, src, batchID, cols, r, time.Time{}); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert raw batch %s", src)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert raw batch: commit tx")
	}
	return n, nil
}

type liteQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertLiteRaw(ctx context.Context, q liteQueryer, src model.Source, batchID string, cols []string, fields map[string]*string, ingestedAt time.Time) (int64, error) {
	names := append([]string{"batch_id"}, cols...)
	args := []any{batchID}
	for _, c := range cols {
		args = append(args, liteNullable(fields[c]))
	}
	if ingestedAt.IsZero() {
		ingestedAt = time.Now()
	}
	names = append(names, "ingested_at")
	args = append(args, liteTime(ingestedAt))
	stmt := fmt.Sprintf("INSERT INTO bronze.%s (%s) VALUES (%s) RETURNING raw_id",
		src, strings.Join(names, ", "), liteParams(len(names)))

	var id int64
	err := q.QueryRowContext(ctx, stmt, args...).Scan(&id)
	return id, err
}

// RawByBatch implements Bronze.
func (s *SQLite) RawByBatch(ctx context.Context, batchID string) ([]model.RawRecord, error) {
	ctx, done := s.tr.begin(ctx, "bronze.read_batch")
	defer done()

	var out []model.RawRecord
	for _, src := range model.Sources {
		cols := bronzeColumns[src]
		stmt := fmt.Sprintf("SELECT raw_id, batch_id, ingested_at, %s FROM bronze.%s WHERE batch_id = ? ORDER BY raw_id",
			strings.Join(cols, ", "), src)
		recs, err := s.queryRaw(ctx, src, cols, stmt, batchID)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: read batch %s from %s", batchID, src)
		}
		out = append(out, recs...)
	}
	return out, nil
}

// RawByKeys implements Bronze.
func (s *SQLite) RawByKeys(ctx context.Context, src model.Source, keys []string) ([]model.RawRecord, error) {
	cols, ok := bronzeColumns[src]
	if !ok {
		return nil, eris.Errorf("sqlite: unknown source %q", src)
	}
	ctx, done := s.tr.begin(ctx, "bronze.read_keys")
	defer done()

	var out []model.RawRecord
	for _, chunk := range chunkStrings(foldKeys(keys), maxSQLiteParams) {
		stmt := fmt.Sprintf("SELECT raw_id, batch_id, ingested_at, %s FROM bronze.%s WHERE lower(trim(%s)) IN (%s)",
			strings.Join(cols, ", "), src, keyColumns[src], liteParams(len(chunk)))
		recs, err := s.queryRaw(ctx, src, cols, stmt, anySlice(chunk)...)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: read keys from %s", src)
		}
		out = append(out, recs...)
	}
	sortRaw(out)
	return out, nil
}

func (s *SQLite) queryRaw(ctx context.Context, src model.Source, cols []string, stmt string, args ...any) ([]model.RawRecord, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		var (
			id         int64
			ingestedAt string
			rec        = model.RawRecord{Source: src}
		)
		vals := make([]sql.NullString, len(cols))
		dest := []any{&id, &rec.BatchID, &ingestedAt}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		rec.RawID = model.RawRowID(id)
		if rec.IngestedAt, err = parseLiteTime(ingestedAt); err != nil {
			return nil, err
		}
		rec.Fields = make(map[string]*string, len(cols))
		for i, c := range cols {
			rec.Fields[c] = liteString(vals[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UncommittedBatches implements Bronze.
func (s *SQLite) UncommittedBatches(ctx context.Context) ([]string, error) {
	parts := make([]string, 0, len(model.Sources))
	for _, src := range model.Sources {
		parts = append(parts, fmt.Sprintf(
			"SELECT batch_id, min(ingested_at) AS first_seen FROM bronze.%s GROUP BY batch_id", src))
	}
	stmt := `SELECT b.batch_id FROM (` + strings.Join(parts, " UNION ALL ") + `) b
		WHERE NOT EXISTS (
			SELECT 1 FROM meta.batch_runs r WHERE r.batch_id = b.batch_id AND r.state = 'committed'
		)
		GROUP BY b.batch_id ORDER BY min(b.first_seen), b.batch_id`

	ctx, done := s.tr.begin(ctx, "bronze.uncommitted")
	defer done()
	return s.queryStrings(ctx, stmt)
}

func (s *SQLite) queryStrings(ctx context.Context, stmt string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// liteUpsertSQL renders the SQLite form of a single-row upsert. Unqualified
// columns in the DO UPDATE clause refer to the existing row.
func liteUpsertSQL(cfg db.UpsertConfig, returning string) string {
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		cfg.Table, strings.Join(cfg.Columns, ", "), liteParams(len(cfg.Columns)), strings.Join(cfg.ConflictKeys, ", "))

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		for _, c := range cfg.Columns {
			if !slices.Contains(cfg.ConflictKeys, c) {
				updateCols = append(updateCols, c)
			}
		}
	}
	if len(updateCols) == 0 {
		stmt += " DO NOTHING"
	} else {
		set := make([]string, len(updateCols))
		for i, c := range updateCols {
			set[i] = c + " = excluded." + c
		}
		stmt += " DO UPDATE SET " + strings.Join(set, ", ")
		if len(cfg.CompareCols) > 0 {
			cmp := make([]string, len(cfg.CompareCols))
			for i, c := range cfg.CompareCols {
				cmp[i] = c + " IS NOT excluded." + c
			}
			stmt += " WHERE " + strings.Join(cmp, " OR ")
		}
	}
	if returning != "" {
		stmt += " RETURNING " + returning
	}
	return stmt
}

// --- value helpers ---

const (
	liteDateLayout = "2006-01-02"
	// liteTimeLayout is fixed width so stored timestamps sort lexically.
	liteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

func liteTime(t time.Time) string {
	return t.UTC().Format(liteTimeLayout)
}

func liteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return liteTime(*t)
}

func liteDate(t time.Time) string {
	return t.UTC().Format(liteDateLayout)
}

func liteDatePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return liteDate(*t)
}

func liteDecimal(d decimal.Decimal) string {
	return d.StringFixed(4)
}

func liteDecimalPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return liteDecimal(*d)
}

func liteNullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func liteString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func parseLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("sqlite: unparseable timestamp %q", s)
}

func parseLiteTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseLiteTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseLiteDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(liteDateLayout, ns.String)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: unparseable date %q", ns.String)
	}
	return &t, nil
}

func parseLiteDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: unparseable decimal %q", ns.String)
	}
	return &d, nil
}

func liteQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func liteParams(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func chunkStrings(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func anySlice(items []string) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
