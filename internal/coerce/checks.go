package coerce

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// CheckOptions tunes row-level checks.
type CheckOptions struct {
	// AmountTolerance is the largest accepted gap between total_amount and
	// quantity x unit_price.
	AmountTolerance decimal.Decimal
}

// DefaultCheckOptions returns a one-cent amount tolerance.
func DefaultCheckOptions() CheckOptions {
	return CheckOptions{AmountTolerance: decimal.New(1, -2)}
}

// Validate checks a resolved row against the schema's not-null columns and
// row checks. It runs after deduplication, so a column missing from one raw
// row but supplied by another is not an error.
func Validate(rec Record, schema *Schema, opts CheckOptions) []FieldError {
	var errs []FieldError
	for _, col := range schema.Columns {
		if (col.NotNull || col.Required) && !rec.Has(col.Name) {
			errs = append(errs, FieldError{
				Kind:   model.KindMissingRequired,
				Field:  col.Name,
				Reason: "no source row supplied a value",
			})
		}
	}
	if schema.HasCheck(CheckAmountConsistency) {
		if ferr := checkAmounts(rec, opts); ferr != nil {
			errs = append(errs, *ferr)
		}
	}
	return errs
}

// RefundFlag returns the explicit is_refund value when present, otherwise
// whether total_amount is negative.
func RefundFlag(rec Record) bool {
	if b := rec.Bool("is_refund"); b != nil {
		return *b
	}
	if total := rec.Decimal("total_amount"); total != nil {
		return total.IsNegative()
	}
	return false
}

// checkAmounts requires total_amount = quantity x unit_price within the
// tolerance, negated for refunds.
func checkAmounts(rec Record, opts CheckOptions) *FieldError {
	qty, price, total := rec.Decimal("quantity"), rec.Decimal("unit_price"), rec.Decimal("total_amount")
	if qty == nil || price == nil || total == nil {
		return nil
	}

	refund := RefundFlag(rec)
	if refund && total.IsPositive() {
		return &FieldError{
			Kind:   model.KindOutOfRange,
			Field:  "total_amount",
			Value:  total.StringFixed(DecimalScale),
			Reason: "refund total must be negative",
		}
	}

	expected := qty.Mul(*price)
	if refund {
		expected = expected.Neg()
	}
	if total.Sub(expected).Abs().GreaterThan(opts.AmountTolerance) {
		return &FieldError{
			Kind:  model.KindOutOfRange,
			Field: "total_amount",
			Value: total.StringFixed(DecimalScale),
			Reason: fmt.Sprintf("expected %s (quantity x unit_price%s) within %s",
				expected.StringFixed(DecimalScale), refundSuffix(refund), opts.AmountTolerance.String()),
		}
	}
	return nil
}

func refundSuffix(refund bool) string {
	if refund {
		return ", negated for refund"
	}
	return ""
}
