package warehouse

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

func newLite(t *testing.T) *SQLite {
	t.Helper()
	w, err := NewSQLite(":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.Migrate(context.Background()))
	return w
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := date(y, m, d)
	return &t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	w := newLite(t)
	require.NoError(t, w.Migrate(context.Background()))
	require.NoError(t, w.Ping(context.Background()))
	assert.Equal(t, "sqlite", w.Backend())
}

func TestSQLite_Bronze(t *testing.T) {
	ctx := context.Background()
	w := newLite(t)

	_, err := w.InsertRaw(ctx, model.RawRecord{
		Source:  model.SourceWebEvents,
		BatchID: "b1",
		Fields:  map[string]*string{"session_id": model.StrPtr("s1"), "user_id": model.StrPtr("u1")},
	})
	require.NoError(t, err)
	n, err := w.InsertRawBatch(ctx, model.SourceCRMUsers, "b1", []map[string]*string{
		{"user_id": model.StrPtr(" U1 "), "email": model.StrPtr("a@x.com")},
		{"user_id": model.StrPtr("u2"), "email": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recs, err := w.RawByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, model.SourceCRMUsers, recs[0].Source)
	assert.Equal(t, model.SourceCRMUsers, recs[1].Source)
	assert.Equal(t, model.SourceWebEvents, recs[2].Source)
	assert.Less(t, recs[0].RawID, recs[1].RawID)
	assert.False(t, recs[0].IngestedAt.IsZero())
	assert.Nil(t, recs[1].Fields["email"])

	byKey, err := w.RawByKeys(ctx, model.SourceCRMUsers, []string{"u1"})
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, " U1 ", *byKey[0].Fields["user_id"])

	empty, err := w.RawByBatch(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLite_InsertRawBatch_UnknownColumn(t *testing.T) {
	w := newLite(t)
	_, err := w.InsertRawBatch(context.Background(), model.SourceCRMUsers, "b1", []map[string]*string{
		{"user_id": model.StrPtr("u1")},
		{"shoe_size": model.StrPtr("9")},
	})
	require.ErrorIs(t, err, ErrUnknownColumn)

	recs, err := w.RawByBatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSQLite_UncommittedBatches(t *testing.T) {
	ctx := context.Background()
	w := newLite(t)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, batch := range []string{"b2", "b1", "b3"} {
		_, err := w.InsertRaw(ctx, model.RawRecord{
			Source:     model.SourceProductCatalog,
			BatchID:    batch,
			IngestedAt: base.Add(time.Duration(i) * time.Hour),
			Fields:     map[string]*string{"product_id": model.StrPtr("P1")},
		})
		require.NoError(t, err)
	}

	run, err := w.StartRun(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, w.FinishRun(ctx, run.RunID, model.StateCommitted, &model.BatchSummary{RowsRead: map[model.Source]int{model.SourceProductCatalog: 1}}, ""))

	failed, err := w.StartRun(ctx, "b3")
	require.NoError(t, err)
	require.NoError(t, w.FinishRun(ctx, failed.RunID, model.StateFailed, nil, "boom"))

	ids, err := w.UncommittedBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "b3"}, ids)
}

func TestSQLite_WriteUsers_EmailHandOff(t *testing.T) {
	ctx := context.Background()
	w := newLite(t)
	now := time.Now()

	require.NoError(t, w.WriteUsers(ctx, []model.User{
		{UserID: "u1", Email: "a@x.com", LoadedAt: now},
	}))
	// u1 releases a@x.com before u2 claims it in the same write.
	require.NoError(t, w.WriteUsers(ctx, []model.User{
		{UserID: "u1", Email: "b@x.com", LoadedAt: now},
		{UserID: "u2", Email: "a@x.com", State: model.StrPtr("CA"), SignupDate: datePtr(2024, 1, 2), LoadedAt: now},
	}))

	owners, err := w.EmailOwners(ctx, []string{"a@x.com"}, []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a@x.com": "u2", "b@x.com": "u1"}, owners)

	err = w.WriteUsers(ctx, []model.User{{UserID: "u3", Email: "b@x.com", LoadedAt: now}})
	require.Error(t, err)
	assert.True(t, IsConstraintViolation(err))

	users, err := w.Users(ctx, []string{"u2", "u1", "u9"})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].UserID)
	assert.Equal(t, "u2", users[1].UserID)
	assert.Equal(t, "CA", *users[1].State)
	assert.True(t, users[1].SignupDate.Equal(date(2024, 1, 2)))
	assert.Nil(t, users[0].FirstName)

	count, err := w.Count(ctx, model.SourceCRMUsers)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSQLite_Transactions(t *testing.T) {
	ctx := context.Background()
	w := newLite(t)
	now := time.Now()

	require.NoError(t, w.WriteProducts(ctx, []model.Product{
		{ProductID: "P1", ProductName: model.StrPtr("Widget"), ListPrice: decPtr("9.99"), LoadedAt: now},
	}))
	require.NoError(t, w.WriteTransactions(ctx, []model.Transaction{
		{TransactionID: "t1", UserID: model.StrPtr("u1"), ProductID: "P1", Quantity: dec("1"),
			UnitPrice: dec("1"), TotalAmount: dec("1"), TransactionDate: date(2024, 1, 15), LoadedAt: now},
		{TransactionID: "t2", ProductID: "P1", Quantity: dec("1"), UnitPrice: dec("2"),
			TotalAmount: dec("2"), TransactionDate: date(2024, 1, 16), LoadedAt: now},
		{TransactionID: "t3", ProductID: "P1", Quantity: dec("-1"), UnitPrice: dec("2"),
			TotalAmount: dec("-2"), IsRefund: true, TransactionDate: date(2024, 1, 17), LoadedAt: now},
		{TransactionID: "t4", ProductID: "P2", Quantity: dec("3"), UnitPrice: dec("5.5"),
			TotalAmount: dec("16.5"), TransactionDate: date(2024, 1, 17), LoadedAt: now},
	}))

	txns, err := w.Transactions(ctx, []string{"t3", "t1"})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "t1", txns[0].TransactionID)
	assert.Equal(t, "u1", *txns[0].UserID)
	assert.True(t, txns[1].IsRefund)
	assert.True(t, txns[1].TotalAmount.Equal(dec("-2")))
	assert.True(t, txns[1].TransactionDate.Equal(date(2024, 1, 17)))
	assert.Nil(t, txns[1].UserID)

	avg, err := w.AvgUnitPrices(ctx, []string{"P1", "P2", "P3"})
	require.NoError(t, err)
	require.Len(t, avg, 2)
	assert.Equal(t, "1.6667", avg["P1"].StringFixed(4))
	assert.Equal(t, "5.5000", avg["P2"].StringFixed(4))

	ids, err := w.TransactionIDsForProducts(ctx, []string{"P1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)

	ids, err = w.TransactionIDsForUsers(ctx, []string{"u1", "u9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	products, err := w.Products(ctx, []string{"P1"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.True(t, products[0].ListPrice.Equal(dec("9.99")))
	assert.Nil(t, products[0].Category)
}

func TestSQLite_UpsertDimUser_Outcomes(t *testing.T) {
	ctx := context.Background()
	w := newLite(t)
	user := model.DimUser{UserID: "u1", FullName: model.StrPtr("Ada Lovelace"), Region: model.StrPtr("West"),
		LoadedAt: time.Now()}

	res, err := w.UpsertDimUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInserted, res.Outcome)
	sk := res.Key

	user.LoadedAt = time.Now().Add(time.Minute)
	res, err = w.UpsertDimUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertResult{Key: sk, Outcome: model.OutcomeUnchanged}, res)

	user.Region = model.StrPtr("South")
	res, err = w.UpsertDimUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertResult{Key: sk, Outcome: model.OutcomeUpdated}, res)

	other, err := w.UpsertDimUser(ctx, model.DimUser{UserID: "u2", LoadedAt: time.Now()})
	require.NoError(t, err)
	assert.NotEqual(t, sk, other.Key)

	dims, err := w.DimUsers(ctx)
	require.NoError(t, err)
	require.Len(t, dims, 2)
	assert.Equal(t, "South", *dims[0].Region)
	assert.Nil(t, dims[1].FullName)

	keys, err := w.UserKeys(ctx, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"u1": sk, "u2": other.Key}, keys)
}

func TestSQLite_UpsertDimUser_ConcurrentFirstInsert(t *testing.T) {
	ctx := context.Background()
	w, err := NewSQLite(filepath.Join(t.TempDir(), "wh"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.Migrate(ctx))

	const workers = 32
	results := make([]model.UpsertResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = w.UpsertDimUser(ctx, model.DimUser{
				UserID: "u1", FullName: model.StrPtr("Ada Lovelace"), LoadedAt: time.Now(),
			})
		}(i)
	}
	wg.Wait()

	inserted := 0
	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Key, results[i].Key)
		if results[i].Outcome == model.OutcomeInserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)

	dims, err := w.DimUsers(ctx)
	require.NoError(t, err)
	require.Len(t, dims, 1)
	assert.Equal(t, results[0].Key, dims[0].UserSK)
}

func TestSQLite_DateSpine(t *testing.T) {
	ctx := context.Background()
	w := newLite(t)

	bounds, err := w.SpineBounds(ctx)
	require.NoError(t, err)
	assert.True(t, bounds.Empty())

	days := []model.DimDate{
		{DateKey: 20240115, FullDate: date(2024, 1, 15), Day: 15, Month: 1, Quarter: 1, Year: 2024, DayOfWeek: 1},
		{DateKey: 20240116, FullDate: date(2024, 1, 16), Day: 16, Month: 1, Quarter: 1, Year: 2024, DayOfWeek: 2},
	}
	n, err := w.SeedDateSpine(ctx, days)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = w.SeedDateSpine(ctx, days)
	require.NoError(t, err)
	assert.Zero(t, n)

	bounds, err = w.SpineBounds(ctx)
	require.NoError(t, err)
	assert.True(t, bounds.First.Equal(date(2024, 1, 15)))
	assert.True(t, bounds.Last.Equal(date(2024, 1, 16)))
	assert.Equal(t, 2, bounds.Days)
}

func TestSQLite_UpsertFact(t *testing.T) {
	ctx := context.Background()
	w := newLite(t)

	_, err := w.SeedDateSpine(ctx, []model.DimDate{
		{DateKey: 20240115, FullDate: date(2024, 1, 15), Day: 15, Month: 1, Quarter: 1, Year: 2024, DayOfWeek: 1},
	})
	require.NoError(t, err)
	prod, err := w.UpsertDimProduct(ctx, model.DimProduct{ProductID: "P1", LoadedAt: time.Now()})
	require.NoError(t, err)

	fact := model.FactSale{TransactionID: "t1", ProductSK: prod.Key, DateKey: 20240115,
		Quantity: dec("2"), UnitPrice: dec("5"), TotalAmount: dec("10"), LoadedAt: time.Now()}
	res, err := w.UpsertFact(ctx, fact)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInserted, res.Outcome)

	fact.LoadedAt = time.Now()
	again, err := w.UpsertFact(ctx, fact)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertResult{Key: res.Key, Outcome: model.OutcomeUnchanged}, again)

	_, err = w.UpsertFact(ctx, model.FactSale{TransactionID: "t2", ProductSK: prod.Key + 100, DateKey: 20240115,
		Quantity: dec("1"), UnitPrice: dec("1"), TotalAmount: dec("1"), LoadedAt: time.Now()})
	require.Error(t, err, "foreign keys are enforced")

	facts, err := w.Facts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Nil(t, facts[0].UserSK)
	assert.True(t, facts[0].TotalAmount.Equal(dec("10")))
	assert.Equal(t, int32(20240115), facts[0].DateKey)
}

func TestSQLite_RunLog(t *testing.T) {
	ctx := context.Background()
	w := newLite(t)

	first, err := w.StartRun(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, w.SetRunState(ctx, first.RunID, model.StateCoercing))
	require.NoError(t, w.RecordRejections(ctx, []model.Rejection{
		{RunID: first.RunID, BatchID: "b1", Source: model.SourceCRMUsers, NaturalKey: "u1", RawID: 4,
			Kind: model.KindTypeMismatch, Field: "signup_date", Reason: "not a date"},
	}))
	require.NoError(t, w.FinishRun(ctx, first.RunID, model.StateFailed, nil, "boom"))

	second, err := w.StartRun(ctx, "b1")
	require.NoError(t, err)
	require.NoError(t, w.RecordRejections(ctx, []model.Rejection{
		{RunID: second.RunID, BatchID: "b1", Source: model.SourceSalesTransactions,
			Kind: model.KindMissingRequired, Field: "transaction_id", Reason: "missing"},
	}))
	summary := &model.BatchSummary{
		RowsRead:   map[model.Source]int{model.SourceCRMUsers: 3},
		SilverRows: map[model.Source]int{model.SourceCRMUsers: 2},
	}
	require.NoError(t, w.FinishRun(ctx, second.RunID, model.StateCommitted, summary, ""))

	rejections, err := w.Rejections(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, second.RunID, rejections[0].RunID)
	assert.Equal(t, model.KindMissingRequired, rejections[0].Kind)
	assert.Empty(t, rejections[0].NaturalKey)
	assert.Zero(t, rejections[0].RawID)

	runs, err := w.Runs(ctx, "b1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].RunID)
	assert.Equal(t, model.StateCommitted, runs[0].State)
	require.NotNil(t, runs[0].Summary)
	assert.Equal(t, 3, runs[0].Summary.RowsRead[model.SourceCRMUsers])
	assert.NotNil(t, runs[0].CompletedAt)
	assert.Equal(t, "boom", runs[1].Error)
	assert.Nil(t, runs[1].Summary)

	limited, err := w.Runs(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	err = w.SetRunState(ctx, "missing", model.StateFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_FilePersistence(t *testing.T) {
	ctx := context.Background()
	base := filepath.Join(t.TempDir(), "warehouse")

	w, err := NewSQLite(base, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Migrate(ctx))
	_, err = w.InsertRaw(ctx, model.RawRecord{
		Source:  model.SourceProductCatalog,
		BatchID: "b1",
		Fields:  map[string]*string{"product_id": model.StrPtr("P1")},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = NewSQLite(base, Options{})
	require.NoError(t, err)
	defer w.Close()
	recs, err := w.RawByBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, w.Drop(ctx))
	require.NoError(t, w.Migrate(ctx))
	recs, err = w.RawByBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
