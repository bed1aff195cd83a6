package model

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Source names a bronze table. Every source has a silver counterpart.
type Source string

const (
	SourceProductCatalog    Source = "product_catalog"
	SourceCRMUsers          Source = "crm_users"
	SourceSalesTransactions Source = "sales_transactions"
	SourceWebEvents         Source = "web_events"
)

// Sources lists every bronze source in load order: dimension feeds first,
// then facts, then event data nothing downstream depends on.
var Sources = []Source{
	SourceProductCatalog,
	SourceCRMUsers,
	SourceSalesTransactions,
	SourceWebEvents,
}

// ParseSource converts a table name such as "crm_users" into a Source.
func ParseSource(s string) (Source, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "bronze.")
	for _, src := range Sources {
		if string(src) == s {
			return src, nil
		}
	}
	return "", eris.Errorf("unknown source: %q (valid: product_catalog, crm_users, sales_transactions, web_events)", s)
}

// RawRowID is the bronze auto-increment identifier of an ingested row.
type RawRowID int64

// RawRecord is one untyped bronze row. A nil field value means the column
// was present but null; a missing key means the column was never sent.
type RawRecord struct {
	RawID      RawRowID           `json:"raw_id"`
	Source     Source             `json:"source"`
	BatchID    string             `json:"batch_id"`
	IngestedAt time.Time          `json:"ingested_at"`
	Fields     map[string]*string `json:"fields"`
}

// Get returns the trimmed value of a column and whether it is non-null and non-blank.
func (r RawRecord) Get(col string) (string, bool) {
	v, ok := r.Fields[col]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(*v)
	return s, s != ""
}

// Columns returns the record's column names in sorted order.
func (r RawRecord) Columns() []string {
	cols := make([]string, 0, len(r.Fields))
	for c := range r.Fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string {
	return &s
}
