package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Format is the encoding of a source file.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// Row is one raw source row. A nil value is an explicit null (or an empty
// CSV cell); an absent key means the column was not sent.
type Row map[string]*string

// ParseFormat validates an explicit --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	default:
		return "", eris.Errorf("fetcher: unknown format %q (valid: csv, json, xlsx)", s)
	}
}

// DetectFormat infers the format from the file extension of a path or URL.
func DetectFormat(location string) (Format, error) {
	p := location
	if u, err := url.Parse(location); err == nil && u.Scheme != "" {
		p = u.Path
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return "", eris.Errorf("fetcher: cannot infer format of %q", location)
	}
	return ParseFormat(ext)
}

// NormalizeHeader lowercases a column name and replaces spaces and dashes
// with underscores, so "Signup Date" and "signup-date" both read signup_date.
func NormalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(h)
}

// ReadRecords decodes every row of r.
func ReadRecords(ctx context.Context, r io.Reader, format Format) ([]Row, error) {
	switch format {
	case FormatCSV:
		return readCSV(ctx, r)
	case FormatJSON:
		return readJSON(ctx, r)
	case FormatXLSX:
		rows, err := ReadXLSX(r, XLSXOptions{})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return tabular(rows[0], rows[1:])
	default:
		return nil, eris.Errorf("fetcher: unsupported format %q", format)
	}
}

func readCSV(ctx context.Context, r io.Reader) ([]Row, error) {
	headerCh := make(chan []string, 1)
	rowCh, errCh := StreamCSV(ctx, r, CSVOptions{HasHeader: true, HeaderCh: headerCh})

	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}

	select {
	case header := <-headerCh:
		return tabular(header, rows)
	default:
		return nil, nil
	}
}

func tabular(header []string, rows [][]string) ([]Row, error) {
	cols := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		cols[i] = NormalizeHeader(h)
		if cols[i] == "" {
			return nil, eris.Errorf("fetcher: blank column name at position %d", i+1)
		}
		if seen[cols[i]] {
			return nil, eris.Errorf("fetcher: duplicate column %q", cols[i])
		}
		seen[cols[i]] = true
	}

	out := make([]Row, 0, len(rows))
	for n, cells := range rows {
		if len(cells) > len(cols) {
			return nil, eris.Errorf("fetcher: row %d has %d fields, header has %d", n+1, len(cells), len(cols))
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if i >= len(cells) || strings.TrimSpace(cells[i]) == "" {
				row[col] = nil
				continue
			}
			v := cells[i]
			row[col] = &v
		}
		out = append(out, row)
	}
	return out, nil
}

func readJSON(ctx context.Context, r io.Reader) ([]Row, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	itemCh, errCh := DecodeJSONArray[map[string]any](ctx, r)

	var out []Row
	for item := range itemCh {
		row := make(Row, len(item))
		for k, v := range item {
			s, err := jsonText(v)
			if err != nil {
				return nil, eris.Wrapf(err, "fetcher: column %q", k)
			}
			row[NormalizeHeader(k)] = s
		}
		out = append(out, row)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

// jsonText renders a decoded JSON value as the raw text bronze stores.
func jsonText(v any) (*string, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = t
	case json.Number:
		s = t.String()
	case bool:
		s = strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, eris.Wrap(err, "encode nested value")
		}
		s = string(b)
	}
	return &s, nil
}
