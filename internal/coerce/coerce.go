package coerce

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// FieldError is a validation failure on one column of one record.
type FieldError struct {
	Kind   model.RejectionKind
	Field  string
	Value  string
	Reason string
}

func (e FieldError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %s=%q: %s", e.Kind, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Reason)
}

const maxEchoedValue = 64

func echo(s string) string {
	if len(s) > maxEchoedValue {
		return s[:maxEchoedValue] + "..."
	}
	return s
}

// Coerce converts a raw bronze row into a typed record. Every failing column
// yields a FieldError; the returned record holds the columns that parsed.
// Raw columns the schema does not declare are ignored.
func Coerce(rec model.RawRecord, schema *Schema) (Record, []FieldError) {
	out := Record{
		Source:     rec.Source,
		BatchID:    rec.BatchID,
		RawID:      rec.RawID,
		IngestedAt: rec.IngestedAt,
		Values:     make(map[string]any, len(schema.Columns)),
	}

	var errs []FieldError
	for _, col := range schema.Columns {
		raw, ok := lookup(rec, col)
		if !ok {
			if col.Required {
				errs = append(errs, FieldError{
					Kind:   model.KindMissingRequired,
					Field:  col.Name,
					Reason: "required column is missing or blank",
				})
			}
			continue
		}

		v, ferr := coerceValue(col, raw)
		if ferr != nil {
			errs = append(errs, *ferr)
			continue
		}
		out.Values[col.Name] = v
	}

	if key, ok := out.Values[schema.Key].(string); ok {
		out.Key = key
	}
	return out, errs
}

// lookup finds a column's raw text under its declared name or any alias.
func lookup(rec model.RawRecord, col Column) (string, bool) {
	if v, ok := rec.Get(col.Name); ok {
		return v, true
	}
	for _, a := range col.Aliases {
		if v, ok := rec.Get(a); ok {
			return v, true
		}
	}
	return "", false
}

func coerceValue(col Column, raw string) (any, *FieldError) {
	mismatch := func(reason string) *FieldError {
		return &FieldError{Kind: model.KindTypeMismatch, Field: col.Name, Value: echo(raw), Reason: reason}
	}
	outOfRange := func(reason string) *FieldError {
		return &FieldError{Kind: model.KindOutOfRange, Field: col.Name, Value: echo(raw), Reason: reason}
	}

	switch col.Type {
	case TypeText:
		if col.Normalize == "" {
			return raw, nil
		}
		v, err := normalizers[col.Normalize](raw)
		if err != nil {
			return nil, outOfRange(err.Error())
		}
		return v, nil

	case TypeDecimal:
		d, err := ParseDecimal(raw)
		if errors.Is(err, errOverflow) {
			return nil, outOfRange("value exceeds NUMERIC(14,4)")
		}
		if err != nil {
			return nil, mismatch("expected a decimal number")
		}
		if col.Min != nil && d.LessThan(decimal.NewFromFloat(*col.Min)) {
			return nil, outOfRange(fmt.Sprintf("value below minimum %v", *col.Min))
		}
		return d, nil

	case TypeInteger:
		n, err := ParseInteger(raw)
		if errors.Is(err, errOverflow) {
			return nil, outOfRange("value exceeds integer range")
		}
		if err != nil {
			return nil, mismatch("expected a whole number")
		}
		if col.Min != nil && float64(n) < *col.Min {
			return nil, outOfRange(fmt.Sprintf("value below minimum %v", *col.Min))
		}
		return n, nil

	case TypeBoolean:
		b, ok := ParseBool(raw)
		if !ok {
			return nil, mismatch("expected a boolean")
		}
		return b, nil

	case TypeDate:
		t, err := ParseDate(raw)
		if err != nil {
			return nil, mismatch("expected a date (YYYY-MM-DD, YYYY/MM/DD, MM/DD/YYYY, YYYYMMDD)")
		}
		return t, nil

	case TypeTimestamp:
		t, err := ParseTimestamp(raw)
		if err != nil {
			return nil, mismatch("expected an ISO-8601 timestamp or Unix epoch seconds")
		}
		return t, nil
	}

	return nil, mismatch(fmt.Sprintf("unsupported column type %q", col.Type))
}

// ParseBool accepts true/false, t/f, 1/0, yes/no and y/n in any case.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "1", "yes", "y":
		return true, true
	case "false", "f", "0", "no", "n":
		return false, true
	}
	return false, false
}
