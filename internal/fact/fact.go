// Package fact loads gold.fact_sales from canonical silver transactions.
package fact

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/WesGarrett/Medallion-Warehouse/internal/dimension"
	"github.com/WesGarrett/Medallion-Warehouse/internal/metrics"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
	"github.com/WesGarrett/Medallion-Warehouse/internal/resilience"
	"github.com/WesGarrett/Medallion-Warehouse/internal/warehouse"
)

// ErrMissingDimension marks a fact whose product or date has no dimension row.
var ErrMissingDimension = eris.New("fact: missing dimension reference")

// MissingDimensionError names the unresolved reference of one transaction.
type MissingDimensionError struct {
	TransactionID string
	Dimension     string // dim_products or dim_date
	Field         string
	Value         string
}

func (e *MissingDimensionError) Error() string {
	return fmt.Sprintf("transaction %s: %s %q not found in %s", e.TransactionID, e.Field, e.Value, e.Dimension)
}

func (e *MissingDimensionError) Unwrap() error { return ErrMissingDimension }

// Store is the slice of the gold layer the loader writes to.
type Store interface {
	UpsertFact(ctx context.Context, f model.FactSale) (model.UpsertResult, error)
}

// DateKeyer resolves a calendar day to its dim_date key.
type DateKeyer interface {
	DateKey(t time.Time) (int32, error)
}

// Keys are the dimension lookups facts resolve against.
type Keys struct {
	Users    map[string]int64
	Products map[string]int64
	Dates    DateKeyer
}

// Options tunes a Loader.
type Options struct {
	Concurrency int
	// MaxWritesPerSec throttles fact upserts. Zero means unlimited.
	MaxWritesPerSec   float64
	ConstraintRetries int
}

// Loader upserts facts by transaction_id.
type Loader struct {
	store   Store
	opts    Options
	limiter *rate.Limiter
}

// NewLoader returns a Loader writing to store.
func NewLoader(store Store, opts Options) *Loader {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.MaxWritesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxWritesPerSec), max(1, int(opts.MaxWritesPerSec)))
	}
	return &Loader{store: store, opts: opts, limiter: limiter}
}

// Result is the outcome of a fact load.
type Result struct {
	Counts model.UpsertCounts
	// FactIDs maps transaction_id to fact_id for every fact written.
	FactIDs map[string]int64
	// Missing lists quarantined transactions, ordered by transaction id.
	Missing []*MissingDimensionError
}

// Build resolves the dimension keys of t. An unknown or absent user leaves
// user_sk null; an unknown product or out-of-spine date yields a
// *MissingDimensionError.
func Build(t model.Transaction, keys Keys, loadedAt time.Time) (model.FactSale, error) {
	productSK, ok := keys.Products[t.ProductID]
	if !ok {
		return model.FactSale{}, &MissingDimensionError{
			TransactionID: t.TransactionID, Dimension: "dim_products", Field: "product_id", Value: t.ProductID,
		}
	}
	dateKey, err := keys.Dates.DateKey(t.TransactionDate)
	if err != nil {
		if errors.Is(err, dimension.ErrDateOutsideSpine) {
			return model.FactSale{}, &MissingDimensionError{
				TransactionID: t.TransactionID, Dimension: "dim_date", Field: "transaction_date",
				Value: t.TransactionDate.Format(time.DateOnly),
			}
		}
		return model.FactSale{}, eris.Wrapf(err, "fact: resolve date of %s", t.TransactionID)
	}

	var userSK *int64
	if t.UserID != nil {
		if sk, ok := keys.Users[strings.TrimSpace(*t.UserID)]; ok {
			userSK = &sk
		}
	}
	return model.FactSale{
		TransactionID: t.TransactionID,
		UserSK:        userSK,
		ProductSK:     productSK,
		DateKey:       dateKey,
		Quantity:      t.Quantity,
		UnitPrice:     t.UnitPrice,
		TotalAmount:   t.TotalAmount,
		Region:        t.Region,
		LoadedAt:      loadedAt,
	}, nil
}

// Load upserts a fact for every transaction whose dimensions resolve and
// reports the rest in Result.Missing. Any other error aborts the load.
func (l *Loader) Load(ctx context.Context, txns []model.Transaction, keys Keys) (Result, error) {
	res := Result{FactIDs: make(map[string]int64, len(txns))}
	loadedAt := time.Now().UTC()

	facts := make([]model.FactSale, 0, len(txns))
	for _, t := range txns {
		f, err := Build(t, keys, loadedAt)
		var missing *MissingDimensionError
		switch {
		case errors.As(err, &missing):
			res.Missing = append(res.Missing, missing)
			continue
		case err != nil:
			return Result{}, err
		}
		facts = append(facts, f)
	}
	slices.SortFunc(res.Missing, func(a, b *MissingDimensionError) int {
		return strings.Compare(a.TransactionID, b.TransactionID)
	})

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Concurrency)
	for _, f := range facts {
		g.Go(func() error {
			if err := l.limiter.Wait(gctx); err != nil {
				return eris.Wrap(err, "fact: rate limiter")
			}
			cfg := resilience.ForWrites(l.opts.ConstraintRetries, warehouse.IsConstraintViolation, "fact", "upsert_fact")
			out, err := resilience.DoVal(gctx, cfg, func(ctx context.Context) (model.UpsertResult, error) {
				return l.store.UpsertFact(ctx, f)
			})
			if err != nil {
				return eris.Wrapf(err, "fact: upsert %s", f.TransactionID)
			}
			metrics.GoldUpserts.WithLabelValues("fact_sales", string(out.Outcome)).Inc()

			mu.Lock()
			res.FactIDs[f.TransactionID] = out.Key
			res.Counts.Add(out.Outcome)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	zap.L().Debug("facts loaded",
		zap.String("component", "fact.loader"),
		zap.Int("inserted", res.Counts.Inserted),
		zap.Int("updated", res.Counts.Updated),
		zap.Int("unchanged", res.Counts.Unchanged),
		zap.Int("missing_dimension", len(res.Missing)),
	)
	return res, nil
}
