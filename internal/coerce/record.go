package coerce

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// Record is a typed row. Values holds string, int64, decimal.Decimal, bool
// or time.Time per the column type; a missing entry is null.
type Record struct {
	Source     model.Source
	BatchID    string
	RawID      model.RawRowID
	IngestedAt time.Time
	Key        string
	Values     map[string]any
}

// Has reports whether col holds a non-null value.
func (r Record) Has(col string) bool {
	v, ok := r.Values[col]
	return ok && v != nil
}

// Text returns a text column, or nil.
func (r Record) Text(col string) *string {
	if s, ok := r.Values[col].(string); ok {
		return &s
	}
	return nil
}

// TextOr returns a text column or def when null.
func (r Record) TextOr(col, def string) string {
	if s := r.Text(col); s != nil {
		return *s
	}
	return def
}

// Decimal returns a decimal column, or nil.
func (r Record) Decimal(col string) *decimal.Decimal {
	if d, ok := r.Values[col].(decimal.Decimal); ok {
		return &d
	}
	return nil
}

// DecimalOr returns a decimal column or zero when null.
func (r Record) DecimalOr(col string) decimal.Decimal {
	if d := r.Decimal(col); d != nil {
		return *d
	}
	return decimal.Zero
}

// Integer returns an integer column, or nil.
func (r Record) Integer(col string) *int64 {
	if n, ok := r.Values[col].(int64); ok {
		return &n
	}
	return nil
}

// Bool returns a boolean column, or nil.
func (r Record) Bool(col string) *bool {
	if b, ok := r.Values[col].(bool); ok {
		return &b
	}
	return nil
}

// Time returns a date or timestamp column, or nil.
func (r Record) Time(col string) *time.Time {
	if t, ok := r.Values[col].(time.Time); ok {
		return &t
	}
	return nil
}

// Clone returns a copy whose Values map can be modified independently.
func (r Record) Clone() Record {
	out := r
	out.Values = make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		out.Values[k] = v
	}
	return out
}

// SameValues reports whether both records hold equal values for every column.
func (r Record) SameValues(o Record) bool {
	for k := range r.Values {
		if !valueEqual(r.Values[k], o.Values[k]) {
			return false
		}
	}
	for k := range o.Values {
		if _, ok := r.Values[k]; !ok && o.Values[k] != nil {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case decimal.Decimal:
		bv, ok := b.(decimal.Decimal)
		return ok && av.Equal(bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}
