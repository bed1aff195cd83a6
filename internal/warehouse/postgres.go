package warehouse

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/WesGarrett/Medallion-Warehouse/internal/db"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID keys the advisory lock held while migrating.
const migrationLockID = 5318008

// Postgres implements Warehouse on a pgx pool.
type Postgres struct {
	pool    db.Pool
	closeFn func()
	tr      tracer
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres connects to connString and pings the server.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, opts Options) (*Postgres, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
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
	w := NewPostgresWithPool(pool, opts)
	w.closeFn = pool.Close
	return w, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool db.Pool, opts Options) *Postgres {
	return &Postgres{pool: pool, tr: tracer{backend: "postgres", opts: opts}}
}

// Backend implements Warehouse.
func (p *Postgres) Backend() string { return "postgres" }

// Ping implements Warehouse.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, done := p.tr.begin(ctx, "ping")
	defer done()
	return eris.Wrap(p.pool.Ping(ctx), "postgres: ping")
}

// Close implements Warehouse.
func (p *Postgres) Close() error {
	if p.closeFn != nil {
		p.closeFn()
	}
	return nil
}

// Migrate applies the embedded migrations not yet recorded in
// meta.schema_migrations, in file name order.
func (p *Postgres) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "warehouse.migrate"))

	if _, err := p.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration advisory lock")
	}
	defer func() {
		if _, err := p.pool.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if err := p.ensureMigrationTable(ctx); err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := p.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := p.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := p.pool.Exec(ctx,
			"INSERT INTO meta.schema_migrations (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
	}
	return nil
}

func (p *Postgres) ensureMigrationTable(ctx context.Context) error {
	sql := `
		CREATE SCHEMA IF NOT EXISTS meta;
		CREATE TABLE IF NOT EXISTS meta.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := p.pool.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}
	return nil
}

func (p *Postgres) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := p.pool.Query(ctx, "SELECT filename FROM meta.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// Drop implements Warehouse.
func (p *Postgres) Drop(ctx context.Context) error {
	ctx, done := p.tr.begin(ctx, "drop")
	defer done()
	if _, err := p.pool.Exec(ctx, "DROP SCHEMA IF EXISTS gold, silver, bronze, meta CASCADE"); err != nil {
		return eris.Wrap(err, "postgres: drop schemas")
	}
	return nil
}

// InsertRaw implements Bronze.
func (p *Postgres) InsertRaw(ctx context.Context, rec model.RawRecord) (model.RawRowID, error) {
	if rec.BatchID == "" {
		return 0, eris.New("postgres: insert raw: batch id is required")
	}
	cols, err := checkColumns(rec.Source, rec.Fields)
	if err != nil {
		return 0, err
	}

	names := append([]string{"batch_id"}, cols...)
	args := []any{rec.BatchID}
	for _, c := range cols {
		args = append(args, rec.Fields[c])
	}
	if !rec.IngestedAt.IsZero() {
		names = append(names, "ingested_at")
		args = append(args, rec.IngestedAt.UTC())
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING raw_id",
		db.SanitizeTable("bronze."+string(rec.Source)), pgColumns(names), pgParams(len(names)))

	ctx, done := p.tr.begin(ctx, "bronze.insert")
	defer done()
	var id int64
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, eris.Wrapf(err, "postgres: insert raw %s", rec.Source)
	}
	return model.RawRowID(id), nil
}

// InsertRawBatch implements Bronze with COPY.
func (p *Postgres) InsertRawBatch(ctx context.Context, src model.Source, batchID string, rows []map[string]*string) (int64, error) {
	if batchID == "" {
		return 0, eris.New("postgres: insert raw batch: batch id is required")
	}
	known, ok := bronzeColumns[src]
	if !ok {
		return 0, eris.Errorf("postgres: unknown source %q", src)
	}
	data := make([][]any, 0, len(rows))
	for _, r := range rows {
		if _, err := checkColumns(src, r); err != nil {
			return 0, err
		}
		row := make([]any, 0, len(known)+1)
		row = append(row, batchID)
		for _, c := range known {
			row = append(row, r[c])
		}
		data = append(data, row)
	}

	ctx, done := p.tr.begin(ctx, "bronze.copy")
	defer done()
	n, err := db.CopyFromSchema(ctx, p.pool, "bronze", string(src), append([]string{"batch_id"}, known...), data)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert raw batch %s", src)
	}
	return n, nil
}

// RawByBatch implements Bronze.
func (p *Postgres) RawByBatch(ctx context.Context, batchID string) ([]model.RawRecord, error) {
	ctx, done := p.tr.begin(ctx, "bronze.read_batch")
	defer done()

	var out []model.RawRecord
	for _, src := range model.Sources {
		cols := bronzeColumns[src]
		sql := fmt.Sprintf("SELECT raw_id, batch_id, ingested_at, %s FROM %s WHERE batch_id = $1 ORDER BY raw_id",
			pgColumns(cols), db.SanitizeTable("bronze."+string(src)))
		rows, err := p.pool.Query(ctx, sql, batchID)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: read batch %s from %s", batchID, src)
		}
		recs, err := scanPgRaw(rows, src, cols)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan batch %s from %s", batchID, src)
		}
		out = append(out, recs...)
	}
	return out, nil
}

// RawByKeys implements Bronze.
func (p *Postgres) RawByKeys(ctx context.Context, src model.Source, keys []string) ([]model.RawRecord, error) {
	cols, ok := bronzeColumns[src]
	if !ok {
		return nil, eris.Errorf("postgres: unknown source %q", src)
	}
	folded := foldKeys(keys)
	if len(folded) == 0 {
		return nil, nil
	}

	ctx, done := p.tr.begin(ctx, "bronze.read_keys")
	defer done()

	sql := fmt.Sprintf("SELECT raw_id, batch_id, ingested_at, %s FROM %s WHERE lower(btrim(%s)) = ANY($1) ORDER BY raw_id",
		pgColumns(cols), db.SanitizeTable("bronze."+string(src)), pgx.Identifier{keyColumns[src]}.Sanitize())
	rows, err := p.pool.Query(ctx, sql, folded)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: read keys from %s", src)
	}
	recs, err := scanPgRaw(rows, src, cols)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan keys from %s", src)
	}
	return recs, nil
}

// UncommittedBatches implements Bronze.
func (p *Postgres) UncommittedBatches(ctx context.Context) ([]string, error) {
	parts := make([]string, 0, len(model.Sources))
	for _, src := range model.Sources {
		parts = append(parts, fmt.Sprintf("SELECT batch_id, min(ingested_at) AS first_seen FROM %s GROUP BY batch_id",
			db.SanitizeTable("bronze."+string(src))))
	}
	sql := `SELECT b.batch_id FROM (` + strings.Join(parts, " UNION ALL ") + `) b
		WHERE NOT EXISTS (
			SELECT 1 FROM meta.batch_runs r WHERE r.batch_id = b.batch_id AND r.state = 'committed'
		)
		GROUP BY b.batch_id ORDER BY min(b.first_seen), b.batch_id`

	ctx, done := p.tr.begin(ctx, "bronze.uncommitted")
	defer done()
	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list uncommitted batches")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanPgRaw(rows pgx.Rows, src model.Source, cols []string) ([]model.RawRecord, error) {
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		var (
			id  int64
			rec = model.RawRecord{Source: src}
		)
		vals := make([]*string, len(cols))
		dest := []any{&id, &rec.BatchID, &rec.IngestedAt}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		rec.RawID = model.RawRowID(id)
		rec.IngestedAt = rec.IngestedAt.UTC()
		rec.Fields = make(map[string]*string, len(cols))
		for i, c := range cols {
			rec.Fields[c] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// pgColumns quotes and joins column names.
func pgColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

// pgParams renders "$1, $2, ..., $n".
func pgParams(n int) string {
	params := make([]string, n)
	for i := range params {
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(params, ", ")
}
