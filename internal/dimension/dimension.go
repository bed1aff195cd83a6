// Package dimension maintains the type-1 gold dimensions and the date spine.
// Surrogate keys are minted by the warehouse's unique constraint on the
// natural key, so concurrent loads of the same key converge on one row.
package dimension

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/WesGarrett/Medallion-Warehouse/internal/metrics"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
	"github.com/WesGarrett/Medallion-Warehouse/internal/resilience"
	"github.com/WesGarrett/Medallion-Warehouse/internal/warehouse"
)

// Store is the slice of the gold layer the upserter writes to.
type Store interface {
	UpsertDimUser(ctx context.Context, u model.DimUser) (model.UpsertResult, error)
	UpsertDimProduct(ctx context.Context, p model.DimProduct) (model.UpsertResult, error)
}

// Options tunes an Upserter.
type Options struct {
	// Concurrency bounds in-flight upserts. Values below 1 mean 1.
	Concurrency int
	// ConstraintRetries is how many times a unique-key race is retried
	// before it fails the batch.
	ConstraintRetries int
}

// Upserter loads dim_users and dim_products.
type Upserter struct {
	store Store
	opts  Options
}

// NewUpserter returns an Upserter writing to store.
func NewUpserter(store Store, opts Options) *Upserter {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ConstraintRetries < 0 {
		opts.ConstraintRetries = 0
	}
	return &Upserter{store: store, opts: opts}
}

// Result is the outcome of a dimension load.
type Result struct {
	// Keys maps natural key to surrogate key for every row loaded.
	Keys   map[string]int64
	Counts model.UpsertCounts
}

// UpsertUser inserts or updates one user row.
func (u *Upserter) UpsertUser(ctx context.Context, d model.DimUser) (model.UpsertResult, error) {
	return u.upsertOne(ctx, "dim_users", d.UserID, func(ctx context.Context) (model.UpsertResult, error) {
		return u.store.UpsertDimUser(ctx, d)
	})
}

// UpsertProduct inserts or updates one product row.
func (u *Upserter) UpsertProduct(ctx context.Context, d model.DimProduct) (model.UpsertResult, error) {
	return u.upsertOne(ctx, "dim_products", d.ProductID, func(ctx context.Context) (model.UpsertResult, error) {
		return u.store.UpsertDimProduct(ctx, d)
	})
}

// UpsertUsers loads rows concurrently. The first failure cancels the rest.
func (u *Upserter) UpsertUsers(ctx context.Context, rows []model.DimUser) (Result, error) {
	return upsertAll(ctx, u, "dim_users", rows,
		func(d model.DimUser) string { return d.UserID },
		u.UpsertUser)
}

// UpsertProducts loads rows concurrently. The first failure cancels the rest.
func (u *Upserter) UpsertProducts(ctx context.Context, rows []model.DimProduct) (Result, error) {
	return upsertAll(ctx, u, "dim_products", rows,
		func(d model.DimProduct) string { return d.ProductID },
		u.UpsertProduct)
}

func (u *Upserter) upsertOne(ctx context.Context, table, key string, fn func(context.Context) (model.UpsertResult, error)) (model.UpsertResult, error) {
	cfg := resilience.ForWrites(u.opts.ConstraintRetries, warehouse.IsConstraintViolation, "dimension", "upsert_"+table)
	res, err := resilience.DoVal(ctx, cfg, fn)
	if err != nil {
		return model.UpsertResult{}, eris.Wrapf(err, "dimension: upsert %s %s", table, key)
	}
	metrics.GoldUpserts.WithLabelValues(table, string(res.Outcome)).Inc()
	return res, nil
}

func upsertAll[T any](ctx context.Context, u *Upserter, table string, rows []T, key func(T) string,
	one func(context.Context, T) (model.UpsertResult, error)) (Result, error) {
	res := Result{Keys: make(map[string]int64, len(rows))}
	if len(rows) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Concurrency)
	for _, row := range rows {
		g.Go(func() error {
			out, err := one(gctx, row)
			if err != nil {
				return err
			}
			mu.Lock()
			res.Keys[key(row)] = out.Key
			res.Counts.Add(out.Outcome)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	zap.L().Debug("dimension loaded",
		zap.String("component", "dimension.upserter"),
		zap.String("table", table),
		zap.Int("inserted", res.Counts.Inserted),
		zap.Int("updated", res.Counts.Updated),
		zap.Int("unchanged", res.Counts.Unchanged),
	)
	return res, nil
}
