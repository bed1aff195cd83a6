package fact

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/WesGarrett/Medallion-Warehouse/internal/dimension"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type spineStub struct{ bounds model.SpineBounds }

func (s spineStub) SeedDateSpine(context.Context, []model.DimDate) (int64, error) { return 0, nil }
func (s spineStub) SpineBounds(context.Context) (model.SpineBounds, error) { return s.bounds, nil }

func testSpine(t *testing.T) *dimension.Spine {
	t.Helper()
	spine, err := dimension.LoadSpine(context.Background(), spineStub{model.SpineBounds{
		First: dimension.SpineStart, Last: dimension.SpineEnd, Days: 2922,
	}})
	require.NoError(t, err)
	return spine
}

type factStore struct {
	mu    sync.Mutex
	next  int64
	rows  map[string]model.FactSale
	ids   map[string]int64
	fail  map[string]error
	calls int
}

func newFactStore() *factStore {
	return &factStore{rows: map[string]model.FactSale{}, ids: map[string]int64{}, fail: map[string]error{}}
}

func (s *factStore) UpsertFact(_ context.Context, f model.FactSale) (model.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.fail[f.TransactionID]; ok {
		delete(s.fail, f.TransactionID)
		return model.UpsertResult{}, err
	}
	id, ok := s.ids[f.TransactionID]
	if !ok {
		s.next++
		s.ids[f.TransactionID] = s.next
		s.rows[f.TransactionID] = f
		return model.UpsertResult{Key: s.next, Outcome: model.OutcomeInserted}, nil
	}
	prev := s.rows[f.TransactionID]
	f.LoadedAt = prev.LoadedAt
	if prev.TotalAmount.Equal(f.TotalAmount) && prev.ProductSK == f.ProductSK {
		return model.UpsertResult{Key: id, Outcome: model.OutcomeUnchanged}, nil
	}
	s.rows[f.TransactionID] = f
	return model.UpsertResult{Key: id, Outcome: model.OutcomeUpdated}, nil
}

func txn(id, user, product string, total string, day time.Time) model.Transaction {
	t := model.Transaction{
		TransactionID:   id,
		ProductID:       product,
		Quantity:        decimal.NewFromInt(1),
		UnitPrice:       decimal.RequireFromString(total).Abs(),
		TotalAmount:     decimal.RequireFromString(total),
		TransactionDate: day,
	}
	if user != "" {
		t.UserID = model.StrPtr(user)
	}
	return t
}

func TestBuild(t *testing.T) {
	keys := Keys{
		Users:    map[string]int64{"u1": 10},
		Products: map[string]int64{"P1": 20},
		Dates:    testSpine(t),
	}
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	loaded := time.Now()

	t.Run("resolved", func(t *testing.T) {
		f, err := Build(txn("t1", "u1", "P1", "49.99", day), keys, loaded)
		require.NoError(t, err)
		require.NotNil(t, f.UserSK)
		assert.Equal(t, int64(10), *f.UserSK)
		assert.Equal(t, int64(20), f.ProductSK)
		assert.Equal(t, int32(20240115), f.DateKey)
		assert.Equal(t, loaded, f.LoadedAt)
	})

	t.Run("unknown user is null", func(t *testing.T) {
		f, err := Build(txn("t2", "u404", "P1", "1", day), keys, loaded)
		require.NoError(t, err)
		assert.Nil(t, f.UserSK)

		f, err = Build(txn("t3", "", "P1", "1", day), keys, loaded)
		require.NoError(t, err)
		assert.Nil(t, f.UserSK)
	})

	t.Run("refund keeps its sign", func(t *testing.T) {
		f, err := Build(txn("t4", "u1", "P1", "-49.99", day), keys, loaded)
		require.NoError(t, err)
		assert.Equal(t, "-49.99", f.TotalAmount.String())
	})

	t.Run("missing product", func(t *testing.T) {
		_, err := Build(txn("t5", "u1", "P404", "1", day), keys, loaded)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMissingDimension))
		var missing *MissingDimensionError
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, "dim_products", missing.Dimension)
		assert.Equal(t, "P404", missing.Value)
	})

	t.Run("date outside spine", func(t *testing.T) {
		_, err := Build(txn("t6", "u1", "P1", "1", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)), keys, loaded)
		var missing *MissingDimensionError
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, "dim_date", missing.Dimension)
		assert.Equal(t, "2030-01-01", missing.Value)
	})
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	store := newFactStore()
	l := NewLoader(store, Options{Concurrency: 4, ConstraintRetries: 1})
	keys := Keys{Products: map[string]int64{"P1": 1}, Dates: testSpine(t)}
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	txns := []model.Transaction{
		txn("t3", "", "P1", "3", day),
		txn("t2", "", "P9", "2", day),
		txn("t1", "", "P8", "1", day),
		txn("t0", "", "P1", "5", day),
	}
	res, err := l.Load(ctx, txns, keys)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertCounts{Inserted: 2}, res.Counts)
	require.Len(t, res.Missing, 2)
	assert.Equal(t, "t1", res.Missing[0].TransactionID)
	assert.Equal(t, "t2", res.Missing[1].TransactionID)

	again, err := l.Load(ctx, txns, keys)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertCounts{Unchanged: 2}, again.Counts)
	assert.Equal(t, res.FactIDs, again.FactIDs, "fact ids are stable")
}

func TestLoad_RetriesConstraintRace(t *testing.T) {
	store := newFactStore()
	store.fail["t1"] = &pgconn.PgError{Code: "23505"}
	l := NewLoader(store, Options{ConstraintRetries: 1})

	res, err := l.Load(context.Background(),
		[]model.Transaction{txn("t1", "", "P1", "1", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))},
		Keys{Products: map[string]int64{"P1": 1}, Dates: testSpine(t)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Inserted)
	assert.Equal(t, 2, store.calls)
}

func TestLoad_FatalError(t *testing.T) {
	store := newFactStore()
	store.fail["t1"] = errors.New("connection reset")
	l := NewLoader(store, Options{ConstraintRetries: 1, MaxWritesPerSec: 1000})

	_, err := l.Load(context.Background(),
		[]model.Transaction{txn("t1", "", "P1", "1", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))},
		Keys{Products: map[string]int64{"P1": 1}, Dates: testSpine(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, store.calls)
}
