package warehouse

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newMockWarehouse(t *testing.T) (*Postgres, pgxmock.PgxPoolIface, *Tracker) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	tracker := NewTracker()
	return NewPostgresWithPool(mock, Options{Credits: tracker}), mock, tracker
}

func TestPostgres_InsertRaw(t *testing.T) {
	w, mock, tracker := newMockWarehouse(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "bronze"."crm_users" ("batch_id", "user_id", "email") VALUES ($1, $2, $3) RETURNING raw_id`)).
		WillReturnRows(pgxmock.NewRows([]string{"raw_id"}).AddRow(int64(7)))

	id, err := w.InsertRaw(context.Background(), model.RawRecord{
		Source:  model.SourceCRMUsers,
		BatchID: "b1",
		Fields: map[string]*string{
			"email":   model.StrPtr("a@x.com"),
			"user_id": model.StrPtr("u1"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RawRowID(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())

	report := tracker.Report()
	require.Len(t, report, 1)
	assert.Equal(t, "bronze.insert", report[0].Operation)
	assert.Equal(t, 1, report[0].Calls)
}

func TestPostgres_InsertRaw_StampsIngestedAt(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`("batch_id", "product_id", "ingested_at")`)).
		WithArgs("b1", pgxmock.AnyArg(), at).
		WillReturnRows(pgxmock.NewRows([]string{"raw_id"}).AddRow(int64(1)))

	_, err := w.InsertRaw(context.Background(), model.RawRecord{
		Source:     model.SourceProductCatalog,
		BatchID:    "b1",
		IngestedAt: at,
		Fields:     map[string]*string{"product_id": model.StrPtr("P1")},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertRaw_UnknownColumn(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)

	_, err := w.InsertRaw(context.Background(), model.RawRecord{
		Source:  model.SourceCRMUsers,
		BatchID: "b1",
		Fields:  map[string]*string{"favourite_colour": model.StrPtr("blue")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownColumn))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertRaw_RequiresBatch(t *testing.T) {
	w, _, _ := newMockWarehouse(t)
	_, err := w.InsertRaw(context.Background(), model.RawRecord{Source: model.SourceCRMUsers})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch id is required")
}

func TestPostgres_RawByKeys_EmptyKeys(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)
	recs, err := w.RawByKeys(context.Background(), model.SourceCRMUsers, []string{"  ", ""})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RawByKeys(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	cols := append([]string{"raw_id", "batch_id", "ingested_at"}, bronzeColumns[model.SourceProductCatalog]...)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE lower(btrim("product_id")) = ANY($1)`)).
		WithArgs([]string{"p1"}).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(3), "b1", at, model.StrPtr("p1"), model.StrPtr("Widget"), nil, model.StrPtr("9.99")))

	recs, err := w.RawByKeys(context.Background(), model.SourceProductCatalog, []string{" P1 ", "p1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RawRowID(3), recs[0].RawID)
	assert.Equal(t, "b1", recs[0].BatchID)
	name, ok := recs[0].Get("product_name")
	assert.True(t, ok)
	assert.Equal(t, "Widget", name)
	_, ok = recs[0].Get("category")
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertDimUser(t *testing.T) {
	user := model.DimUser{UserID: "u1", FullName: model.StrPtr("Ada Lovelace"), LoadedAt: time.Now()}
	upsert := regexp.QuoteMeta(`INSERT INTO "gold"."dim_users" AS t`)

	t.Run("inserted", func(t *testing.T) {
		w, mock, _ := newMockWarehouse(t)
		mock.ExpectQuery(upsert).
			WillReturnRows(pgxmock.NewRows([]string{"user_sk", "inserted"}).AddRow(int64(1), true))

		res, err := w.UpsertDimUser(context.Background(), user)
		require.NoError(t, err)
		assert.Equal(t, model.UpsertResult{Key: 1, Outcome: model.OutcomeInserted}, res)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("updated", func(t *testing.T) {
		w, mock, _ := newMockWarehouse(t)
		mock.ExpectQuery(upsert).
			WillReturnRows(pgxmock.NewRows([]string{"user_sk", "inserted"}).AddRow(int64(4), false))

		res, err := w.UpsertDimUser(context.Background(), user)
		require.NoError(t, err)
		assert.Equal(t, model.UpsertResult{Key: 4, Outcome: model.OutcomeUpdated}, res)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unchanged", func(t *testing.T) {
		w, mock, _ := newMockWarehouse(t)
		mock.ExpectQuery(upsert).
			WillReturnRows(pgxmock.NewRows([]string{"user_sk", "inserted"}))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT "user_sk" FROM "gold"."dim_users" WHERE "user_id" = $1`)).
			WithArgs("u1").
			WillReturnRows(pgxmock.NewRows([]string{"user_sk"}).AddRow(int64(4)))

		res, err := w.UpsertDimUser(context.Background(), user)
		require.NoError(t, err)
		assert.Equal(t, model.UpsertResult{Key: 4, Outcome: model.OutcomeUnchanged}, res)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error", func(t *testing.T) {
		w, mock, _ := newMockWarehouse(t)
		mock.ExpectQuery(upsert).WillReturnError(errors.New("connection reset"))

		_, err := w.UpsertDimUser(context.Background(), user)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgres_UpsertDimUser_ConflictingFirstInserts(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)
	user := model.DimUser{UserID: "u1", FullName: model.StrPtr("Ada Lovelace"), LoadedAt: time.Now()}
	upsert := regexp.QuoteMeta(`INSERT INTO "gold"."dim_users" AS t ("user_id", "full_name", "region", "plan_tier", "signup_date", "loaded_at") ` +
		`VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT ("user_id") DO UPDATE SET`)
	returning := regexp.QuoteMeta(`RETURNING user_sk, (xmax = 0) AS inserted`)

	// The first writer inserts; the second hits the unique key with identical
	// attributes, so the upsert returns nothing and the winner's key is fetched.
	mock.ExpectQuery(upsert + `.*` + returning).
		WithArgs("u1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"user_sk", "inserted"}).AddRow(int64(7), true))
	mock.ExpectQuery(upsert + `.*` + returning).
		WithArgs("u1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"user_sk", "inserted"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "user_sk" FROM "gold"."dim_users" WHERE "user_id" = $1`)).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"user_sk"}).AddRow(int64(7)))

	first, err := w.UpsertDimUser(context.Background(), user)
	require.NoError(t, err)
	second, err := w.UpsertDimUser(context.Background(), user)
	require.NoError(t, err)

	assert.Equal(t, model.UpsertResult{Key: 7, Outcome: model.OutcomeInserted}, first)
	assert.Equal(t, model.UpsertResult{Key: 7, Outcome: model.OutcomeUnchanged}, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertDimUser_FetchAfterNoOpFails(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "gold"."dim_users" AS t`)).
		WillReturnRows(pgxmock.NewRows([]string{"user_sk", "inserted"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "user_sk" FROM "gold"."dim_users" WHERE "user_id" = $1`)).
		WithArgs("u1").
		WillReturnError(errors.New("connection reset"))

	_, err := w.UpsertDimUser(context.Background(), model.DimUser{UserID: "u1", LoadedAt: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch gold.dim_users key after no-op upsert")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransactionIDsForUsers(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT transaction_id FROM silver.sales_transactions WHERE user_id = ANY($1)`)).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"transaction_id"}).AddRow("t1").AddRow("t7"))

	ids, err := w.TransactionIDsForUsers(context.Background(), []string{"u9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t7"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UserKeys(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)

	keys, err := w.UserKeys(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, keys)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id, user_sk FROM gold.dim_users WHERE user_id = ANY($1)`)).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "user_sk"}).
			AddRow("u1", int64(1)).
			AddRow("u2", int64(2)))

	keys, err = w.UserKeys(context.Background(), []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"u1": 1, "u2": 2}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_StartRun(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO meta.batch_runs (run_id, batch_id, state, started_at)`)).
		WithArgs(pgxmock.AnyArg(), "b1", "pending", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := w.StartRun(context.Background(), "b1")
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, "b1", run.BatchID)
	assert.Equal(t, model.StatePending, run.State)
	assert.False(t, run.StartedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetRunState_NotFound(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE meta.batch_runs SET state = $1 WHERE run_id = $2`)).
		WithArgs("fact_loading", "r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := w.SetRunState(context.Background(), "r1", model.StateFactLoading)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run r1 not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Migrate(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)

	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_lock($1)`)).
		WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS meta`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT filename FROM meta.schema_migrations`)).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).
			AddRow("001_schemas.sql").
			AddRow("002_bronze.sql").
			AddRow("003_silver.sql").
			AddRow("004_gold.sql"))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS meta.batch_runs`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO meta.schema_migrations`)).
		WithArgs("005_meta.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_unlock($1)`)).
		WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, w.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Migrate_LockError(t *testing.T) {
	w, mock, _ := newMockWarehouse(t)

	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_lock($1)`)).
		WillReturnError(errors.New("timeout"))

	err := w.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "advisory lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Count_UnknownSource(t *testing.T) {
	w, _, _ := newMockWarehouse(t)
	_, err := w.Count(context.Background(), model.Source("ledger"))
	require.Error(t, err)
}
