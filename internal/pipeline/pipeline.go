// Package pipeline drives a batch from bronze to gold. Each call to LoadBatch
// records a run, walks the batch state machine and quarantines bad records
// without failing the batch. Every stage is idempotent, so a failed batch is
// retried by loading it again.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/WesGarrett/Medallion-Warehouse/internal/coerce"
	"github.com/WesGarrett/Medallion-Warehouse/internal/config"
	"github.com/WesGarrett/Medallion-Warehouse/internal/dimension"
	"github.com/WesGarrett/Medallion-Warehouse/internal/fact"
	"github.com/WesGarrett/Medallion-Warehouse/internal/metrics"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
	"github.com/WesGarrett/Medallion-Warehouse/internal/resolve"
	"github.com/WesGarrett/Medallion-Warehouse/internal/warehouse"
)

// Options tunes a Pipeline.
type Options struct {
	Policy    resolve.Policy
	Checks    coerce.CheckOptions
	Dimension dimension.Options
	Fact      fact.Options
	// MaxConcurrentBatches bounds RunAll. Values below 1 mean 1.
	MaxConcurrentBatches int
}

// DefaultOptions returns last-write-wins resolution with sequential loads.
func DefaultOptions() Options {
	return Options{
		Policy:               resolve.PolicyLastWriteWins,
		Checks:               coerce.DefaultCheckOptions(),
		Dimension:            dimension.Options{Concurrency: 1, ConstraintRetries: 1},
		Fact:                 fact.Options{Concurrency: 1, ConstraintRetries: 1},
		MaxConcurrentBatches: 1,
	}
}

// OptionsFromConfig maps the pipeline section of the config onto Options.
func OptionsFromConfig(cfg config.PipelineConfig) (Options, error) {
	policy, err := resolve.ParsePolicy(cfg.ConflictPolicy)
	if err != nil {
		return Options{}, eris.Wrap(err, "pipeline: options")
	}
	return Options{
		Policy: policy,
		Checks: coerce.CheckOptions{AmountTolerance: decimal.NewFromFloat(cfg.AmountTolerance)},
		Dimension: dimension.Options{
			Concurrency:       cfg.DimensionConcurrency,
			ConstraintRetries: cfg.ConstraintRetries,
		},
		Fact: fact.Options{
			Concurrency:       cfg.FactConcurrency,
			MaxWritesPerSec:   cfg.MaxWritesPerSec,
			ConstraintRetries: cfg.ConstraintRetries,
		},
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
	}, nil
}

// Pipeline orchestrates ingestion and batch loads against one warehouse.
type Pipeline struct {
	wh       warehouse.Warehouse
	catalog  *coerce.Catalog
	opts     Options
	resolver *resolve.Resolver
	dims     *dimension.Upserter
	facts    *fact.Loader
}

// New creates a Pipeline. A nil catalog means the built-in source schemas.
func New(wh warehouse.Warehouse, catalog *coerce.Catalog, opts Options) (*Pipeline, error) {
	if catalog == nil {
		var err error
		if catalog, err = coerce.DefaultCatalog(); err != nil {
			return nil, eris.Wrap(err, "pipeline: load source catalog")
		}
	}
	if opts.MaxConcurrentBatches < 1 {
		opts.MaxConcurrentBatches = 1
	}
	return &Pipeline{
		wh:       wh,
		catalog:  catalog,
		opts:     opts,
		resolver: resolve.NewResolver(opts.Policy),
		dims:     dimension.NewUpserter(wh, opts.Dimension),
		facts:    fact.NewLoader(wh, opts.Fact),
	}, nil
}

// Ingest appends one raw record to bronze.
func (p *Pipeline) Ingest(ctx context.Context, rec model.RawRecord) (model.RawRowID, error) {
	if rec.BatchID == "" {
		return 0, eris.New("pipeline: ingest: batch id is required")
	}
	schema, err := p.catalog.Schema(rec.Source)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: ingest")
	}
	rec.Fields = canonicalFields(schema, rec.Fields)

	id, err := p.wh.InsertRaw(ctx, rec)
	if err != nil {
		return 0, eris.Wrapf(err, "pipeline: ingest %s row", rec.Source)
	}
	metrics.RowsIngested.WithLabelValues(string(rec.Source)).Inc()
	return id, nil
}

// IngestRows appends rows read from a file. Headers are mapped onto bronze
// columns through the schema aliases; columns the schema does not declare
// are dropped.
func (p *Pipeline) IngestRows(ctx context.Context, src model.Source, batchID string, rows []map[string]*string) (int64, error) {
	if batchID == "" {
		return 0, eris.New("pipeline: ingest: batch id is required")
	}
	schema, err := p.catalog.Schema(src)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: ingest")
	}
	mapped := make([]map[string]*string, len(rows))
	for i, r := range rows {
		mapped[i] = canonicalFields(schema, r)
	}

	n, err := p.wh.InsertRawBatch(ctx, src, batchID, mapped)
	if err != nil {
		return 0, eris.Wrapf(err, "pipeline: ingest %d %s rows", len(rows), src)
	}
	metrics.RowsIngested.WithLabelValues(string(src)).Add(float64(n))
	zap.L().Info("pipeline: rows ingested",
		zap.String("source", string(src)),
		zap.String("batch_id", batchID),
		zap.Int64("rows", n),
	)
	return n, nil
}

// canonicalFields renames aliased columns and drops undeclared ones. A
// declared name wins over an alias carrying the same column.
func canonicalFields(schema *coerce.Schema, fields map[string]*string) map[string]*string {
	out := make(map[string]*string, len(fields))
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, raw := range names {
		col := schema.Canonical(raw)
		if _, ok := schema.Column(col); !ok {
			continue
		}
		if _, taken := out[col]; taken && raw != col {
			continue
		}
		out[col] = fields[raw]
	}
	return out
}

// LoadBatch moves one batch through coercion, deduplication, dimension and
// fact loading. Record-level problems are quarantined and the batch still
// commits; any other error marks the run failed and is returned together
// with the partial result.
func (p *Pipeline) LoadBatch(ctx context.Context, batchID string) (*model.BatchResult, error) {
	if batchID == "" {
		return nil, eris.New("pipeline: load: batch id is required")
	}
	run, err := p.wh.StartRun(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: start run for batch %s", batchID)
	}

	b := newBatch(p, run)
	b.log.Info("pipeline: batch started")

	if err := b.run(ctx); err != nil {
		b.fail(ctx, err)
		return b.res, err
	}
	return b.res, nil
}

// RunAll loads batches concurrently, bounded by MaxConcurrentBatches.
// Results keep the order of batchIDs; a batch that failed before its run was
// recorded has a nil result. The first error is returned after all batches
// finish.
func (p *Pipeline) RunAll(ctx context.Context, batchIDs []string) ([]*model.BatchResult, error) {
	results := make([]*model.BatchResult, len(batchIDs))

	var g errgroup.Group
	g.SetLimit(p.opts.MaxConcurrentBatches)
	for i, id := range batchIDs {
		g.Go(func() error {
			res, err := p.LoadBatch(ctx, id)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// PendingBatches lists bronze batches with no committed run.
func (p *Pipeline) PendingBatches(ctx context.Context) ([]string, error) {
	ids, err := p.wh.UncommittedBatches(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list pending batches")
	}
	return ids, nil
}

func since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
