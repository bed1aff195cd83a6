package dimension

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
	"github.com/WesGarrett/Medallion-Warehouse/internal/warehouse"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDateRow(t *testing.T) {
	row := DateRow(time.Date(2024, 1, 15, 18, 30, 0, 0, time.UTC))
	assert.Equal(t, model.DimDate{
		DateKey:   20240115,
		FullDate:  day(2024, 1, 15),
		Day:       15,
		Month:     1,
		Quarter:   1,
		Year:      2024,
		DayOfWeek: 1,
		IsWeekend: false,
	}, row)

	sat := DateRow(day(2024, 12, 28))
	assert.Equal(t, 6, sat.DayOfWeek)
	assert.Equal(t, 4, sat.Quarter)
	assert.True(t, sat.IsWeekend)

	sun := DateRow(day(2024, 12, 29))
	assert.Equal(t, 0, sun.DayOfWeek)
	assert.True(t, sun.IsWeekend)
}

func TestBuildSpine(t *testing.T) {
	days := BuildSpine(SpineStart, SpineEnd)
	require.Len(t, days, 2922)
	assert.Equal(t, int32(20190101), days[0].DateKey)
	assert.Equal(t, int32(20261231), days[len(days)-1].DateKey)

	seen := make(map[int32]bool, len(days))
	for _, d := range days {
		assert.False(t, seen[d.DateKey], d.DateKey)
		seen[d.DateKey] = true
	}
	assert.True(t, seen[20240229])

	assert.Nil(t, BuildSpine(day(2024, 2, 1), day(2024, 1, 1)))
	assert.Len(t, BuildSpine(day(2024, 1, 1), day(2024, 1, 1)), 1)
}

func TestSpine_SeedAndResolve(t *testing.T) {
	ctx := context.Background()
	w, err := warehouse.NewSQLite(":memory:", warehouse.Options{})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Migrate(ctx))

	_, err = LoadSpine(ctx, w)
	require.ErrorIs(t, err, ErrEmptySpine)

	n, err := SeedSpine(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, int64(2922), n)

	n, err = SeedSpine(ctx, w)
	require.NoError(t, err)
	assert.Zero(t, n, "seeding twice adds nothing")

	spine, err := LoadSpine(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, 2922, spine.Bounds().Days)

	key, err := spine.DateKey(time.Date(2024, 1, 15, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int32(20240115), key)

	_, err = spine.DateKey(day(2027, 1, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDateOutsideSpine))

	_, err = spine.DateKey(day(2018, 12, 31))
	assert.True(t, errors.Is(err, ErrDateOutsideSpine))
}

func TestLoadSpine_RejectsGaps(t *testing.T) {
	ctx := context.Background()
	w, err := warehouse.NewSQLite(":memory:", warehouse.Options{})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Migrate(ctx))

	days := BuildSpine(day(2024, 1, 1), day(2024, 1, 31))
	days = append(days[:10], days[11:]...)
	n, err := w.SeedDateSpine(ctx, days)
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)

	_, err = LoadSpine(ctx, w)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpineGap))
	assert.Contains(t, err.Error(), "30 of 31 days")

	// Reseeding the whole range fills the hole.
	_, err = w.SeedDateSpine(ctx, BuildSpine(day(2024, 1, 1), day(2024, 1, 31)))
	require.NoError(t, err)
	spine, err := LoadSpine(ctx, w)
	require.NoError(t, err)
	key, err := spine.DateKey(day(2024, 1, 11))
	require.NoError(t, err)
	assert.Equal(t, int32(20240111), key)
}
