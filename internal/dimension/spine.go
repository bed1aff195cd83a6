package dimension

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// The date spine seeded by migrate.
var (
	SpineStart = time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)
	SpineEnd   = time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC)
)

// ErrDateOutsideSpine is returned for dates dim_date does not cover.
var ErrDateOutsideSpine = eris.New("dimension: date outside spine")

// ErrEmptySpine is returned when dim_date has not been seeded.
var ErrEmptySpine = eris.New("dimension: date spine is empty; run migrate")

// ErrSpineGap is returned when dim_date is missing days inside its range.
var ErrSpineGap = eris.New("dimension: date spine has gaps; run migrate")

// KeyOf renders a date as its YYYYMMDD key.
func KeyOf(t time.Time) int32 {
	y, m, d := t.Date()
	return int32(y*10000 + int(m)*100 + d)
}

// DateRow builds the dim_date row for the calendar day of t.
func DateRow(t time.Time) model.DimDate {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	wd := day.Weekday()
	return model.DimDate{
		DateKey:   KeyOf(day),
		FullDate:  day,
		Day:       day.Day(),
		Month:     int(day.Month()),
		Quarter:   (int(day.Month())-1)/3 + 1,
		Year:      day.Year(),
		DayOfWeek: int(wd),
		IsWeekend: wd == time.Saturday || wd == time.Sunday,
	}
}

// BuildSpine returns one row per day from first to last inclusive.
func BuildSpine(first, last time.Time) []model.DimDate {
	start := DateRow(first).FullDate
	end := DateRow(last).FullDate
	if end.Before(start) {
		return nil
	}
	days := make([]model.DimDate, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, DateRow(d))
	}
	return days
}

// SpineStore reads and seeds gold.dim_date.
type SpineStore interface {
	SeedDateSpine(ctx context.Context, days []model.DimDate) (int64, error)
	SpineBounds(ctx context.Context) (model.SpineBounds, error)
}

// SeedSpine inserts the missing days between SpineStart and SpineEnd and
// returns how many were added.
func SeedSpine(ctx context.Context, store SpineStore) (int64, error) {
	n, err := store.SeedDateSpine(ctx, BuildSpine(SpineStart, SpineEnd))
	if err != nil {
		return 0, eris.Wrap(err, "dimension: seed date spine")
	}
	return n, nil
}

// Spine resolves dates to keys against the seeded range.
type Spine struct {
	bounds model.SpineBounds
}

// LoadSpine reads the seeded range. An unseeded spine is an error, and so is
// one whose row count does not cover every day between its bounds, since
// DateKey only checks the range.
func LoadSpine(ctx context.Context, store SpineStore) (*Spine, error) {
	b, err := store.SpineBounds(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "dimension: read spine bounds")
	}
	if b.Empty() {
		return nil, ErrEmptySpine
	}
	if want := spanDays(b.First, b.Last); b.Days != want {
		return nil, eris.Wrapf(ErrSpineGap, "%d of %d days between %s and %s",
			b.Days, want, b.First.Format(time.DateOnly), b.Last.Format(time.DateOnly))
	}
	return &Spine{bounds: b}, nil
}

// spanDays counts calendar days from first to last inclusive.
func spanDays(first, last time.Time) int {
	start := DateRow(first).FullDate
	end := DateRow(last).FullDate
	return int(end.Sub(start).Hours()/24) + 1
}

// Bounds returns the seeded range.
func (s *Spine) Bounds() model.SpineBounds { return s.bounds }

// DateKey returns the key of t's calendar day, or ErrDateOutsideSpine.
func (s *Spine) DateKey(t time.Time) (int32, error) {
	day := DateRow(t).FullDate
	if day.Before(s.bounds.First) || day.After(s.bounds.Last) {
		return 0, eris.Wrapf(ErrDateOutsideSpine, "%s not in %s..%s",
			day.Format(time.DateOnly), s.bounds.First.Format(time.DateOnly), s.bounds.Last.Format(time.DateOnly))
	}
	return KeyOf(day), nil
}
