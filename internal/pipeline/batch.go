package pipeline

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/WesGarrett/Medallion-Warehouse/internal/coerce"
	"github.com/WesGarrett/Medallion-Warehouse/internal/dimension"
	"github.com/WesGarrett/Medallion-Warehouse/internal/fact"
	"github.com/WesGarrett/Medallion-Warehouse/internal/metrics"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
	"github.com/WesGarrett/Medallion-Warehouse/internal/resolve"
	"github.com/WesGarrett/Medallion-Warehouse/internal/warehouse"
)

// batch is the state of one LoadBatch call.
type batch struct {
	p        *Pipeline
	res      *model.BatchResult
	log      *zap.Logger
	start    time.Time
	loadedAt time.Time

	// touched holds the natural keys of clean rows per source, in first-seen order.
	touched map[model.Source][]string

	products []model.Product
	users    []model.User
	txns     []model.Transaction

	rejectionsRecorded bool
}

// resolved is a canonical record together with the earliest ingestion time
// of the raw rows it was merged from.
type resolved struct {
	coerce.Record
	FirstSeen time.Time
}

func newBatch(p *Pipeline, run model.BatchRun) *batch {
	return &batch{
		p:        p,
		res:      model.NewBatchResult(run.BatchID, run.RunID, run.StartedAt),
		log:      zap.L().With(zap.String("component", "pipeline.batch"), zap.String("batch_id", run.BatchID), zap.String("run_id", run.RunID)),
		start:    time.Now(),
		loadedAt: time.Now().UTC(),
		touched:  make(map[model.Source][]string),
	}
}

func (b *batch) run(ctx context.Context) error {
	stages := []struct {
		state model.BatchState
		fn    func(context.Context) error
	}{
		{model.StateCoercing, b.coerceRows},
		{model.StateDeduplicating, b.deduplicate},
		{model.StateDimensionLoading, b.loadDimensions},
		{model.StateFactLoading, b.loadFacts},
	}

	for _, st := range stages {
		if err := b.advance(ctx, st.state); err != nil {
			return err
		}
		start := time.Now()
		if err := st.fn(ctx); err != nil {
			return eris.Wrapf(err, "pipeline: %s", st.state)
		}
		b.log.Info("pipeline: stage complete",
			zap.String("stage", string(st.state)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
	return b.commit(ctx)
}

// advance moves the run to next. A cancelled context stops the batch before
// the transition is recorded.
func (b *batch) advance(ctx context.Context, next model.BatchState) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrapf(err, "pipeline: enter %s", next)
	}
	if !b.res.State.CanTransition(next) {
		return eris.Errorf("pipeline: illegal transition %s -> %s", b.res.State, next)
	}
	if err := b.p.wh.SetRunState(ctx, b.res.RunID, next); err != nil {
		return eris.Wrapf(err, "pipeline: record state %s", next)
	}
	b.res.State = next
	return nil
}

func (b *batch) commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "pipeline: commit")
	}
	if !b.res.State.CanTransition(model.StateCommitted) {
		return eris.Errorf("pipeline: illegal transition %s -> %s", b.res.State, model.StateCommitted)
	}
	if err := b.p.wh.RecordRejections(ctx, b.res.Rejections); err != nil {
		return eris.Wrap(err, "pipeline: record rejections")
	}
	b.rejectionsRecorded = true

	completed := time.Now().UTC()
	b.res.CompletedAt = completed
	summary := b.res.Summary()
	if err := b.p.wh.FinishRun(ctx, b.res.RunID, model.StateCommitted, &summary, ""); err != nil {
		b.res.CompletedAt = time.Time{}
		return eris.Wrap(err, "pipeline: finish run")
	}
	b.res.State = model.StateCommitted

	metrics.BatchesTotal.WithLabelValues(string(model.StateCommitted)).Inc()
	metrics.BatchDuration.Observe(since(b.start))
	b.log.Info("pipeline: batch committed",
		zap.Any("rows_read", b.res.RowsRead),
		zap.Any("silver_rows", b.res.SilverRows),
		zap.Int("rejections", len(b.res.Rejections)),
		zap.Int("facts_inserted", b.res.Facts.Inserted),
		zap.Int("facts_updated", b.res.Facts.Updated),
		zap.Duration("duration", time.Since(b.start)),
	)
	return nil
}

// fail records the failed run. It runs on a context detached from ctx so a
// cancelled batch is still recorded.
func (b *batch) fail(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	b.res.State = model.StateFailed
	b.res.Error = cause.Error()
	b.res.CompletedAt = time.Now().UTC()

	if !b.rejectionsRecorded {
		if err := b.p.wh.RecordRejections(ctx, b.res.Rejections); err != nil {
			b.log.Warn("pipeline: failed to record rejections", zap.Error(err))
		}
	}
	summary := b.res.Summary()
	if err := b.p.wh.FinishRun(ctx, b.res.RunID, model.StateFailed, &summary, cause.Error()); err != nil {
		b.log.Warn("pipeline: failed to record failed run", zap.Error(err))
	}

	metrics.BatchesTotal.WithLabelValues(string(model.StateFailed)).Inc()
	metrics.BatchDuration.Observe(since(b.start))
	b.log.Error("pipeline: batch failed", zap.Error(cause))
}

func (b *batch) reject(src model.Source, key string, rawID model.RawRowID, kind model.RejectionKind, field, reason string) {
	b.res.Rejections = append(b.res.Rejections, model.Rejection{
		RunID:      b.res.RunID,
		BatchID:    b.res.BatchID,
		Source:     src,
		NaturalKey: key,
		RawID:      rawID,
		Kind:       kind,
		Field:      field,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	})
	metrics.Rejections.WithLabelValues(string(src), string(kind)).Inc()
}

func (b *batch) rejectField(src model.Source, key string, rawID model.RawRowID, fe coerce.FieldError) {
	reason := fe.Reason
	if fe.Value != "" {
		reason = fmt.Sprintf("%s (got %q)", fe.Reason, fe.Value)
	}
	b.reject(src, key, rawID, fe.Kind, fe.Field, reason)
}

// coerceRows reads the batch from bronze and quarantines rows that fail type
// coercion. The keys of the remaining rows are the keys this batch touches.
func (b *batch) coerceRows(ctx context.Context) error {
	raws, err := b.p.wh.RawByBatch(ctx, b.res.BatchID)
	if err != nil {
		return eris.Wrap(err, "read bronze batch")
	}

	seen := make(map[model.Source]map[string]bool)
	for _, raw := range raws {
		b.res.RowsRead[raw.Source]++
		schema, err := b.p.catalog.Schema(raw.Source)
		if err != nil {
			return err
		}

		rec, errs := coerce.Coerce(raw, schema)
		if len(errs) > 0 {
			for _, fe := range errs {
				b.rejectField(raw.Source, rec.Key, raw.RawID, fe)
			}
			continue
		}

		if seen[raw.Source] == nil {
			seen[raw.Source] = make(map[string]bool)
		}
		if !seen[raw.Source][rec.Key] {
			seen[raw.Source][rec.Key] = true
			b.touched[raw.Source] = append(b.touched[raw.Source], rec.Key)
		}
	}
	return nil
}

// deduplicate rebuilds the silver row of every touched key from all of its
// bronze rows, across batches.
func (b *batch) deduplicate(ctx context.Context) error {
	for _, src := range model.Sources {
		keys := b.touched[src]
		if len(keys) == 0 {
			continue
		}
		recs, err := b.resolveKeys(ctx, src, keys)
		if err != nil {
			return err
		}

		var written int
		switch src {
		case model.SourceProductCatalog:
			for _, r := range recs {
				b.products = append(b.products, buildProduct(r.Record, b.loadedAt))
			}
			written = len(b.products)
			err = b.p.wh.WriteProducts(ctx, b.products)
		case model.SourceCRMUsers:
			err = b.writeUsers(ctx, recs)
			written = len(b.users)
		case model.SourceSalesTransactions:
			for _, r := range recs {
				b.txns = append(b.txns, buildTransaction(r.Record, b.loadedAt))
			}
			written = len(b.txns)
			err = b.p.wh.WriteTransactions(ctx, b.txns)
		case model.SourceWebEvents:
			events := make([]model.WebEvent, 0, len(recs))
			for _, r := range recs {
				events = append(events, buildWebEvent(r.Record, b.loadedAt))
			}
			written = len(events)
			err = b.p.wh.WriteWebEvents(ctx, events)
		}
		if err != nil {
			return eris.Wrapf(err, "write silver %s", src)
		}
		b.res.SilverRows[src] = written
		metrics.SilverRows.WithLabelValues(string(src)).Add(float64(written))
	}
	return nil
}

// resolveKeys merges the bronze history of each key and applies the row
// checks. Raw rows that fail coercion take no part in resolution; the run
// that ingested them already quarantined them.
func (b *batch) resolveKeys(ctx context.Context, src model.Source, keys []string) ([]resolved, error) {
	schema, err := b.p.catalog.Schema(src)
	if err != nil {
		return nil, err
	}
	raws, err := b.p.wh.RawByKeys(ctx, src, keys)
	if err != nil {
		return nil, eris.Wrapf(err, "read bronze history of %s", src)
	}

	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var candidates []coerce.Record
	for _, raw := range raws {
		rec, errs := coerce.Coerce(raw, schema)
		if len(errs) > 0 || !want[rec.Key] {
			continue
		}
		candidates = append(candidates, rec)
	}

	var out []resolved
	for _, g := range resolve.GroupByKey(candidates) {
		rec, err := b.p.resolver.Resolve(g.Records)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve %s %s", src, g.Key)
		}
		if errs := coerce.Validate(rec, schema, b.p.opts.Checks); len(errs) > 0 {
			for _, fe := range errs {
				b.rejectField(src, g.Key, 0, fe)
			}
			continue
		}
		first := g.Records[0].IngestedAt
		for _, c := range g.Records[1:] {
			if c.IngestedAt.Before(first) {
				first = c.IngestedAt
			}
		}
		out = append(out, resolved{Record: rec, FirstSeen: first})
	}
	return out, nil
}

// claimEmails enforces email uniqueness against silver and within the batch.
// Users whose address belongs to someone else are quarantined; the rest are
// returned in the order their claims succeeded, which is the order they can
// be written in.
func (b *batch) claimEmails(ctx context.Context, recs []resolved) ([]resolved, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	byUser := make(map[string]resolved, len(recs))
	emails := make([]string, 0, len(recs))
	userIDs := make([]string, 0, len(recs))
	claims := make([]resolve.Claim, 0, len(recs))
	for _, r := range recs {
		email := r.TextOr("email", "")
		byUser[r.Key] = r
		emails = append(emails, email)
		userIDs = append(userIDs, r.Key)
		claims = append(claims, resolve.Claim{UserID: r.Key, Email: email, FirstSeen: r.FirstSeen})
	}

	owners, err := b.p.wh.EmailOwners(ctx, emails, userIDs)
	if err != nil {
		return nil, eris.Wrap(err, "read email owners")
	}
	accepted, failed := resolve.NewEmailRegistry(owners).ClaimAll(claims)

	losers := make([]string, 0, len(failed))
	for userID := range failed {
		losers = append(losers, userID)
	}
	slices.Sort(losers)
	for _, userID := range losers {
		cerr := failed[userID]
		b.log.Warn("pipeline: duplicate key conflict", zap.String("user_id", userID), zap.Error(cerr))
		b.reject(model.SourceCRMUsers, userID, 0, model.KindDuplicateKeyConflict, "email", cerr.Error())
	}

	out := make([]resolved, 0, len(accepted))
	for _, c := range accepted {
		out = append(out, byUser[c.UserID])
	}
	return out, nil
}

// writeUsers claims emails and writes the accepted users. A unique
// violation means a concurrent run took one of the addresses after the
// owners were read; the claims are re-run once against fresh owners.
func (b *batch) writeUsers(ctx context.Context, recs []resolved) error {
	claimed, err := b.claimEmails(ctx, recs)
	if err != nil {
		return err
	}
	b.users = buildUsers(claimed, b.loadedAt)
	err = b.p.wh.WriteUsers(ctx, b.users)
	if !warehouse.IsConstraintViolation(err) {
		return err
	}

	b.log.Warn("pipeline: email claimed concurrently, re-running claims", zap.Error(err))
	claimed, err = b.claimEmails(ctx, claimed)
	if err != nil {
		return err
	}
	b.users = buildUsers(claimed, b.loadedAt)
	return b.p.wh.WriteUsers(ctx, b.users)
}

func buildUsers(recs []resolved, loadedAt time.Time) []model.User {
	users := make([]model.User, 0, len(recs))
	for _, r := range recs {
		users = append(users, buildUser(r.Record, loadedAt))
	}
	return users
}

// loadDimensions refreshes the products touched by the batch, including
// products referenced by touched transactions so their average price
// follows new sales, then the touched users.
func (b *batch) loadDimensions(ctx context.Context) error {
	productIDs := make([]string, 0, len(b.products)+len(b.txns))
	for _, p := range b.products {
		productIDs = append(productIDs, p.ProductID)
	}
	for _, t := range b.txns {
		productIDs = append(productIDs, t.ProductID)
	}
	productIDs = uniqueSorted(productIDs)

	var productRows []model.DimProduct
	if len(productIDs) > 0 {
		products, err := b.p.wh.Products(ctx, productIDs)
		if err != nil {
			return eris.Wrap(err, "read silver products")
		}
		avgs, err := b.p.wh.AvgUnitPrices(ctx, productIDs)
		if err != nil {
			return eris.Wrap(err, "average unit prices")
		}
		for _, p := range products {
			var avg *decimal.Decimal
			if a, ok := avgs[p.ProductID]; ok {
				avg = &a
			}
			productRows = append(productRows, dimension.ProjectProduct(p, avg, b.loadedAt))
		}
	}
	pres, err := b.p.dims.UpsertProducts(ctx, productRows)
	if err != nil {
		return err
	}
	b.res.Dimensions["dim_products"] = pres.Counts

	userRows := make([]model.DimUser, 0, len(b.users))
	for _, u := range b.users {
		userRows = append(userRows, dimension.ProjectUser(u, b.loadedAt))
	}
	ures, err := b.p.dims.UpsertUsers(ctx, userRows)
	if err != nil {
		return err
	}
	b.res.Dimensions["dim_users"] = ures.Counts
	return nil
}

// loadFacts upserts the facts of touched transactions. Transactions from
// earlier batches that reference a product or user loaded by this batch are
// loaded again, so a fact quarantined for a missing product lands once the
// product arrives and a null user_sk is filled once the user arrives.
func (b *batch) loadFacts(ctx context.Context) error {
	ids := make([]string, 0, len(b.txns))
	for _, t := range b.txns {
		ids = append(ids, t.TransactionID)
	}
	if len(b.products) > 0 {
		catalog := make([]string, 0, len(b.products))
		for _, p := range b.products {
			catalog = append(catalog, p.ProductID)
		}
		more, err := b.p.wh.TransactionIDsForProducts(ctx, catalog)
		if err != nil {
			return eris.Wrap(err, "find transactions of loaded products")
		}
		ids = append(ids, more...)
	}
	if len(b.users) > 0 {
		userIDs := make([]string, 0, len(b.users))
		for _, u := range b.users {
			userIDs = append(userIDs, u.UserID)
		}
		more, err := b.p.wh.TransactionIDsForUsers(ctx, userIDs)
		if err != nil {
			return eris.Wrap(err, "find transactions of loaded users")
		}
		ids = append(ids, more...)
	}
	ids = uniqueSorted(ids)
	if len(ids) == 0 {
		return nil
	}

	txns, err := b.p.wh.Transactions(ctx, ids)
	if err != nil {
		return eris.Wrap(err, "read silver transactions")
	}
	spine, err := dimension.LoadSpine(ctx, b.p.wh)
	if err != nil {
		return err
	}

	var userIDs, productIDs []string
	for _, t := range txns {
		if t.UserID != nil {
			userIDs = append(userIDs, *t.UserID)
		}
		productIDs = append(productIDs, t.ProductID)
	}
	userKeys, err := b.p.wh.UserKeys(ctx, uniqueSorted(userIDs))
	if err != nil {
		return eris.Wrap(err, "read user keys")
	}
	productKeys, err := b.p.wh.ProductKeys(ctx, uniqueSorted(productIDs))
	if err != nil {
		return eris.Wrap(err, "read product keys")
	}

	res, err := b.p.facts.Load(ctx, txns, fact.Keys{Users: userKeys, Products: productKeys, Dates: spine})
	if err != nil {
		return err
	}
	b.res.Facts = res.Counts
	touched := make(map[string]bool, len(b.txns))
	for _, t := range b.txns {
		touched[t.TransactionID] = true
	}
	for _, m := range res.Missing {
		// Backfilled transactions were quarantined by the batch that carried them.
		if !touched[m.TransactionID] {
			b.log.Debug("pipeline: backfilled fact still unresolved", zap.String("transaction_id", m.TransactionID))
			continue
		}
		b.log.Warn("pipeline: missing dimension reference", zap.String("transaction_id", m.TransactionID), zap.String("dimension", m.Dimension))
		b.reject(model.SourceSalesTransactions, m.TransactionID, 0, model.KindMissingDimensionReference, m.Field, m.Error())
	}
	return nil
}

func uniqueSorted(items []string) []string {
	out := slices.Clone(items)
	slices.Sort(out)
	return slices.Compact(out)
}
