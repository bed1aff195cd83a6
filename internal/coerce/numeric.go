package coerce

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

const (
	// DecimalScale is the number of fractional digits kept for NUMERIC(14,4).
	DecimalScale = 4
	// maxIntegerDigits is the integer part allowed by NUMERIC(14,4).
	maxIntegerDigits = 10
)

var (
	errNotNumeric = eris.New("not a number")
	errOverflow   = eris.New("exceeds NUMERIC(14,4)")
)

// cleanNumber strips whitespace, a leading currency symbol and thousands
// separators from s. A sign may precede or follow the symbol. Separators
// (",", " " or "_", one kind per number) must split the integer part into
// groups of three, so "1,5" is rejected rather than read as fifteen.
func cleanNumber(s string) (string, error) {
	s = strings.TrimSpace(s)
	sign := ""
	for i := 0; i < 2 && s != ""; i++ {
		switch {
		case s[0] == '+' || s[0] == '-':
			if sign != "" {
				return "", errNotNumeric
			}
			sign = string(s[0])
			s = strings.TrimSpace(s[1:])
		case s[0] == '$':
			s = strings.TrimSpace(s[1:])
		}
	}
	if sign == "+" {
		sign = ""
	}

	intPart, frac, hasDot := strings.Cut(s, ".")
	if hasDot && (frac == "" || !allDigits(frac)) {
		return "", errNotNumeric
	}
	if intPart == "" {
		if !hasDot {
			return "", errNotNumeric
		}
		intPart = "0"
	}

	sep := strings.IndexAny(intPart, ", _")
	if sep >= 0 {
		groups := strings.Split(intPart, intPart[sep:sep+1])
		if len(groups[0]) == 0 || len(groups[0]) > 3 {
			return "", errNotNumeric
		}
		for _, g := range groups[1:] {
			if len(g) != 3 {
				return "", errNotNumeric
			}
		}
		intPart = strings.Join(groups, "")
	}
	if !allDigits(intPart) {
		return "", errNotNumeric
	}

	if hasDot {
		return sign + intPart + "." + frac, nil
	}
	return sign + intPart, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ParseDecimal parses lenient numeric text into a decimal rounded half away
// from zero to four places.
func ParseDecimal(s string) (decimal.Decimal, error) {
	clean, err := cleanNumber(s)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, errNotNumeric
	}
	d = d.Round(DecimalScale)
	if len(d.Abs().Truncate(0).String()) > maxIntegerDigits {
		return decimal.Zero, errOverflow
	}
	return d, nil
}

// ParseInteger parses lenient numeric text that must hold a whole number.
// "3.0" is accepted; "3.5" is not.
func ParseInteger(s string) (int64, error) {
	clean, err := cleanNumber(s)
	if err != nil {
		return 0, err
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return 0, errNotNumeric
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, eris.New("not a whole number")
	}
	if len(d.Abs().String()) > 18 {
		return 0, errOverflow
	}
	return d.IntPart(), nil
}
