package coerce

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalizer rewrites a parsed text value into its canonical form. An error
// marks the value OutOfRange.
type Normalizer func(string) (string, error)

var normalizers = map[string]Normalizer{
	"lower": func(s string) (string, error) { return strings.ToLower(s), nil },
	"upper": func(s string) (string, error) { return strings.ToUpper(s), nil },
	"email": NormalizeEmail,
	"phone": NormalizePhone,
	"state": NormalizeState,
	"name":  NormalizeName,
}

// NormalizeEmail lower-cases an address and checks it has a local part and a
// dotted domain.
func NormalizeEmail(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	local, domain, ok := strings.Cut(s, "@")
	if !ok || local == "" || strings.ContainsAny(domain, "@ ") || !strings.Contains(domain, ".") ||
		strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", eris.Errorf("invalid email address %q", s)
	}
	return s, nil
}

// NormalizePhone rewrites North American numbers written as (555) 123-4567,
// 555-123-4567, +15551234567 or 5551234567 to +15551234567. Other values
// are kept as written.
func NormalizePhone(s string) (string, error) {
	s = strings.TrimSpace(s)
	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case strings.ContainsRune("()-. +", r):
		default:
			return s, nil
		}
	}
	d := digits.String()
	switch {
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) == 11 && d[0] == '1':
		return "+" + d, nil
	default:
		return s, nil
	}
}

// NormalizeState maps a full state name or code to the 2-letter code.
func NormalizeState(s string) (string, error) {
	code, ok := StateCode(s)
	if !ok {
		return "", eris.Errorf("unknown US state %q", s)
	}
	return code, nil
}

// NormalizeName NFC-normalises a personal or product name, collapses runs
// of whitespace and title-cases words written entirely in one case.
func NormalizeName(s string) (string, error) {
	s = strings.Join(strings.Fields(norm.NFC.String(s)), " ")
	if s == strings.ToLower(s) || s == strings.ToUpper(s) {
		s = cases.Title(language.English).String(s)
	}
	return s, nil
}
