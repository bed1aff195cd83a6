package coerce

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// dateLayouts is the allowlist for date columns. Timestamp-shaped input is
// accepted and truncated to its date part.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"20060102",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// timestampLayouts is the allowlist for timestamp columns. Layouts without
// an offset are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

var errNotTemporal = eris.New("unrecognised date/time format")

// ParseDate parses s against the date allowlist and returns midnight UTC of
// the calendar date written in s.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, errNotTemporal
}

// ParseTimestamp parses s against the timestamp allowlist, or as integer
// Unix epoch seconds. The result is in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errNotTemporal
	}
	if isEpoch(s) {
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, errNotTemporal
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errNotTemporal
}

// isEpoch reports whether s is an optionally negative run of 9 to 11
// digits. Eight-digit values are left to the layouts, where they fail.
func isEpoch(s string) bool {
	digits := strings.TrimPrefix(s, "-")
	return len(digits) >= 9 && len(digits) <= 11 && allDigits(digits)
}
