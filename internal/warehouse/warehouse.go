// Package warehouse is the storage collaborator behind the pipeline: bronze
// landing tables, typed silver tables, the gold star schema and the meta
// tables that record batch runs and rejections. It ships a Postgres backend
// and an embedded SQLite backend with the same contract.
package warehouse

import (
	"context"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// Bronze is the append-only raw landing zone.
type Bronze interface {
	// InsertRaw appends one raw row and returns its raw id. A zero
	// IngestedAt is stamped by the warehouse.
	InsertRaw(ctx context.Context, rec model.RawRecord) (model.RawRowID, error)
	// InsertRawBatch bulk-appends rows of one source under one batch id.
	InsertRawBatch(ctx context.Context, src model.Source, batchID string, rows []map[string]*string) (int64, error)
	// RawByBatch returns every raw row of a batch across all sources,
	// ordered by source load order then raw id.
	RawByBatch(ctx context.Context, batchID string) ([]model.RawRecord, error)
	// RawByKeys returns every raw row of src, from any batch, whose natural
	// key matches one of keys after trimming and case folding. Callers
	// filter the superset on the coerced key.
	RawByKeys(ctx context.Context, src model.Source, keys []string) ([]model.RawRecord, error)
	// UncommittedBatches lists bronze batch ids with no committed run.
	UncommittedBatches(ctx context.Context) ([]string, error)
}

// Silver holds one typed row per natural key.
type Silver interface {
	// EmailOwners returns email -> user_id for silver users owning one of
	// emails or whose user_id is one of userIDs.
	EmailOwners(ctx context.Context, emails, userIDs []string) (map[string]string, error)

	// Write* replace rows per natural key. Users are written in slice order
	// so an address released by one user can be claimed by a later one.
	WriteProducts(ctx context.Context, rows []model.Product) error
	WriteUsers(ctx context.Context, rows []model.User) error
	WriteTransactions(ctx context.Context, rows []model.Transaction) error
	WriteWebEvents(ctx context.Context, rows []model.WebEvent) error

	Products(ctx context.Context, ids []string) ([]model.Product, error)
	Users(ctx context.Context, ids []string) ([]model.User, error)
	Transactions(ctx context.Context, ids []string) ([]model.Transaction, error)
	// TransactionIDsForProducts lists silver transactions referencing any of productIDs.
	TransactionIDsForProducts(ctx context.Context, productIDs []string) ([]string, error)
	// TransactionIDsForUsers lists silver transactions referencing any of userIDs.
	TransactionIDsForUsers(ctx context.Context, userIDs []string) ([]string, error)
	// AvgUnitPrices averages unit_price over all silver transactions per
	// product, rounded to 4 places. Products without sales are absent.
	AvgUnitPrices(ctx context.Context, productIDs []string) (map[string]decimal.Decimal, error)
	// Count returns the number of silver rows for src.
	Count(ctx context.Context, src model.Source) (int64, error)
}

// Gold is the dimensional model.
type Gold interface {
	// UpsertDimUser inserts the user under a new surrogate key or updates
	// attributes in place. An identical row is left untouched.
	UpsertDimUser(ctx context.Context, u model.DimUser) (model.UpsertResult, error)
	UpsertDimProduct(ctx context.Context, p model.DimProduct) (model.UpsertResult, error)
	// UpsertFact upserts by transaction_id. Key in the result is the fact_id.
	UpsertFact(ctx context.Context, f model.FactSale) (model.UpsertResult, error)

	UserKeys(ctx context.Context, userIDs []string) (map[string]int64, error)
	ProductKeys(ctx context.Context, productIDs []string) (map[string]int64, error)

	// SeedDateSpine inserts the missing spine rows and returns how many were added.
	SeedDateSpine(ctx context.Context, days []model.DimDate) (int64, error)
	SpineBounds(ctx context.Context) (model.SpineBounds, error)

	DimUsers(ctx context.Context) ([]model.DimUser, error)
	DimProducts(ctx context.Context) ([]model.DimProduct, error)
	Facts(ctx context.Context) ([]model.FactSale, error)
}

// RunLog records batch attempts and their quarantined records.
type RunLog interface {
	StartRun(ctx context.Context, batchID string) (model.BatchRun, error)
	SetRunState(ctx context.Context, runID string, state model.BatchState) error
	FinishRun(ctx context.Context, runID string, state model.BatchState, summary *model.BatchSummary, errMsg string) error
	// Runs lists runs newest first. An empty batchID lists every batch;
	// limit <= 0 means no limit.
	Runs(ctx context.Context, batchID string, limit int) ([]model.BatchRun, error)
	RecordRejections(ctx context.Context, rejections []model.Rejection) error
	// Rejections returns the rejections of the most recent run of batchID.
	Rejections(ctx context.Context, batchID string) ([]model.Rejection, error)
}

// Warehouse is the full storage contract used by the pipeline.
type Warehouse interface {
	Bronze
	Silver
	Gold
	RunLog

	// Migrate creates every schema and table. It is idempotent.
	Migrate(ctx context.Context) error
	// Drop removes the gold, silver, bronze and meta schemas with their data.
	Drop(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	// Backend names the engine ("postgres" or "sqlite").
	Backend() string
}

// bronzeColumns lists the business columns of each bronze table.
var bronzeColumns = map[model.Source][]string{
	model.SourceProductCatalog: {"product_id", "product_name", "category", "list_price"},
	model.SourceCRMUsers: {"user_id", "first_name", "last_name", "email", "phone", "state",
		"city", "signup_date", "plan_tier"},
	model.SourceSalesTransactions: {"transaction_id", "user_id", "product_id", "product_name",
		"category", "quantity", "unit_price", "total_amount", "is_refund", "region", "transaction_date"},
	model.SourceWebEvents: {"session_id", "user_id", "event_type", "page_url", "referrer",
		"device_type", "event_ts", "country"},
}

var keyColumns = map[model.Source]string{
	model.SourceProductCatalog:    "product_id",
	model.SourceCRMUsers:          "user_id",
	model.SourceSalesTransactions: "transaction_id",
	model.SourceWebEvents:         "session_id",
}

// ErrUnknownColumn is returned when a raw row carries a column its bronze
// table does not have.
var ErrUnknownColumn = eris.New("warehouse: unknown bronze column")

// BronzeColumns returns the business columns of the bronze table for src.
func BronzeColumns(src model.Source) []string {
	return slices.Clone(bronzeColumns[src])
}

// KeyColumn returns the natural-key column of src.
func KeyColumn(src model.Source) string {
	return keyColumns[src]
}

// checkColumns validates the fields of a raw row against its bronze table and
// returns the columns present in table order.
func checkColumns(src model.Source, fields map[string]*string) ([]string, error) {
	known, ok := bronzeColumns[src]
	if !ok {
		return nil, eris.Errorf("warehouse: unknown source %q", src)
	}
	for col := range fields {
		if !slices.Contains(known, col) {
			return nil, eris.Wrapf(ErrUnknownColumn, "%s.%s", src, col)
		}
	}
	var present []string
	for _, col := range known {
		if _, ok := fields[col]; ok {
			present = append(present, col)
		}
	}
	return present, nil
}

// foldKeys prepares natural keys for the case-folded bronze key lookup.
func foldKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		f := foldKey(k)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func foldKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// sourceOrder sorts raw rows by source load order, then raw id.
func sourceOrder(a, b model.RawRecord) int {
	ai, bi := slices.Index(model.Sources, a.Source), slices.Index(model.Sources, b.Source)
	if ai != bi {
		return ai - bi
	}
	switch {
	case a.RawID < b.RawID:
		return -1
	case a.RawID > b.RawID:
		return 1
	}
	return 0
}

func sortRaw(recs []model.RawRecord) {
	slices.SortFunc(recs, sourceOrder)
}
