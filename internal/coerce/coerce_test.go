package coerce

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

func mustSchema(t *testing.T, src model.Source) *Schema {
	t.Helper()
	cat, err := DefaultCatalog()
	require.NoError(t, err)
	s, err := cat.Schema(src)
	require.NoError(t, err)
	return s
}

func raw(src model.Source, fields map[string]string) model.RawRecord {
	r := model.RawRecord{
		RawID:      1,
		Source:     src,
		BatchID:    "b1",
		IngestedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Fields:     make(map[string]*string, len(fields)),
	}
	for k, v := range fields {
		r.Fields[k] = model.StrPtr(v)
	}
	return r
}

func kinds(errs []FieldError) map[string]model.RejectionKind {
	out := make(map[string]model.RejectionKind, len(errs))
	for _, e := range errs {
		out[e.Field] = e.Kind
	}
	return out
}

func TestDefaultCatalog(t *testing.T) {
	cat, err := DefaultCatalog()
	require.NoError(t, err)
	for _, src := range model.Sources {
		s, err := cat.Schema(src)
		require.NoError(t, err)
		assert.NotEmpty(t, s.Key)
	}

	s := mustSchema(t, model.SourceWebEvents)
	assert.Equal(t, "event_ts", s.Canonical("timestamp"))
	assert.Equal(t, "page_url", s.Canonical("page_url"))
	assert.Equal(t, "mystery", s.Canonical("mystery"))
}

func TestLoadCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":       "sources: [",
		"unknown source": "sources:\n  - {source: orders, key: id, columns: [{name: id, type: text, required: true}]}",
		"unknown type":   "sources:\n  - {source: crm_users, key: user_id, columns: [{name: user_id, type: uuid, required: true}]}",
		"missing key":    "sources:\n  - {source: crm_users, key: user_id, columns: [{name: email, type: text}]}",
		"optional key":   "sources:\n  - {source: crm_users, key: user_id, columns: [{name: user_id, type: text}]}",
		"bad normalizer": "sources:\n  - {source: crm_users, key: user_id, columns: [{name: user_id, type: text, required: true, normalize: rot13}]}",
		"bad check":      "sources:\n  - {source: crm_users, key: user_id, checks: [vibes], columns: [{name: user_id, type: text, required: true}]}",
		"alias clash":    "sources:\n  - {source: crm_users, key: user_id, columns: [{name: user_id, type: text, required: true}, {name: email, type: text, aliases: [user_id]}]}",
		"min on text":    "sources:\n  - {source: crm_users, key: user_id, columns: [{name: user_id, type: text, required: true, min: 1}]}",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadCatalog([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestCoerce_User(t *testing.T) {
	s := mustSchema(t, model.SourceCRMUsers)
	rec, errs := Coerce(raw(model.SourceCRMUsers, map[string]string{
		"user_id":     " u1 ",
		"first_name":  "ada",
		"email":       "ADA@Example.com",
		"phone":       "(555) 123-4567",
		"state":       "California",
		"signup_date": "2023/07/04",
		"plan_tier":   "PRO",
		"favorite":    "ignored",
	}), s)
	require.Empty(t, errs)

	assert.Equal(t, "u1", rec.Key)
	assert.Equal(t, "Ada", *rec.Text("first_name"))
	assert.Equal(t, "ada@example.com", *rec.Text("email"))
	assert.Equal(t, "+15551234567", *rec.Text("phone"))
	assert.Equal(t, "CA", *rec.Text("state"))
	assert.Equal(t, "pro", *rec.Text("plan_tier"))
	assert.Equal(t, time.Date(2023, 7, 4, 0, 0, 0, 0, time.UTC), *rec.Time("signup_date"))
	assert.Nil(t, rec.Text("last_name"))
	assert.False(t, rec.Has("favorite"))
	assert.Equal(t, model.RawRowID(1), rec.RawID)
	assert.Equal(t, "b1", rec.BatchID)
}

func TestCoerce_Transaction(t *testing.T) {
	s := mustSchema(t, model.SourceSalesTransactions)
	rec, errs := Coerce(raw(model.SourceSalesTransactions, map[string]string{
		"transaction_id": "t1",
		"product_id":     "p005",
		"qty":            "2",
		"unit_price":     "$1,299.99",
		"total":          "2,599.98",
		"is_refund":      "N",
		"date":           "20240105",
	}), s)
	require.Empty(t, errs)

	assert.True(t, decimal.NewFromInt(2).Equal(*rec.Decimal("quantity")))
	assert.True(t, decimal.RequireFromString("1299.99").Equal(*rec.Decimal("unit_price")))
	assert.True(t, decimal.RequireFromString("2599.98").Equal(*rec.Decimal("total_amount")))
	assert.False(t, *rec.Bool("is_refund"))
	assert.Equal(t, "P005", *rec.Text("product_id"))
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), *rec.Time("transaction_date"))
}

func TestCoerce_FieldErrors(t *testing.T) {
	s := mustSchema(t, model.SourceSalesTransactions)
	rec, errs := Coerce(raw(model.SourceSalesTransactions, map[string]string{
		"transaction_id":   "   ",
		"quantity":         "-1",
		"unit_price":       "twelve",
		"total_amount":     "99999999999",
		"is_refund":        "maybe",
		"transaction_date": "next tuesday",
	}), s)

	got := kinds(errs)
	assert.Equal(t, model.KindMissingRequired, got["transaction_id"])
	assert.Equal(t, model.KindOutOfRange, got["quantity"])
	assert.Equal(t, model.KindTypeMismatch, got["unit_price"])
	assert.Equal(t, model.KindOutOfRange, got["total_amount"])
	assert.Equal(t, model.KindTypeMismatch, got["is_refund"])
	assert.Equal(t, model.KindTypeMismatch, got["transaction_date"])
	assert.Len(t, errs, 6)
	assert.Empty(t, rec.Key)

	for _, e := range errs {
		if e.Field == "unit_price" {
			assert.Equal(t, "twelve", e.Value)
			assert.Contains(t, e.Error(), "TypeMismatch: unit_price=\"twelve\"")
		}
	}
}

func TestCoerce_InvalidState(t *testing.T) {
	s := mustSchema(t, model.SourceCRMUsers)
	_, errs := Coerce(raw(model.SourceCRMUsers, map[string]string{
		"user_id": "u1",
		"state":   "Narnia",
	}), s)
	require.Len(t, errs, 1)
	assert.Equal(t, model.KindOutOfRange, errs[0].Kind)
	assert.Equal(t, "state", errs[0].Field)
}

func TestCoerce_NullFieldIsAbsent(t *testing.T) {
	s := mustSchema(t, model.SourceWebEvents)
	r := raw(model.SourceWebEvents, map[string]string{"session_id": "s1", "timestamp": "1709633730"})
	r.Fields["user_id"] = nil

	rec, errs := Coerce(r, s)
	require.Empty(t, errs)
	assert.False(t, rec.Has("user_id"))
	assert.Equal(t, time.Date(2024, 3, 5, 10, 15, 30, 0, time.UTC), *rec.Time("event_ts"))
}

func TestParseBool(t *testing.T) {
	for _, in := range []string{"true", "T", "1", "Yes", "y"} {
		v, ok := ParseBool(in)
		assert.True(t, ok, in)
		assert.True(t, v, in)
	}
	for _, in := range []string{"false", "F", "0", "NO", "n"} {
		v, ok := ParseBool(in)
		assert.True(t, ok, in)
		assert.False(t, v, in)
	}
	_, ok := ParseBool("2")
	assert.False(t, ok)
}

func TestRecord_SameValues(t *testing.T) {
	a := Record{Values: map[string]any{
		"total": decimal.RequireFromString("1.50"),
		"ts":    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"name":  "x",
	}}
	b := a.Clone()
	b.Values["total"] = decimal.RequireFromString("1.5")
	assert.True(t, a.SameValues(b))

	b.Values["name"] = "y"
	assert.False(t, a.SameValues(b))

	c := a.Clone()
	c.Values["extra"] = "z"
	assert.False(t, a.SameValues(c))
	c.Values["extra"] = nil
	assert.True(t, a.SameValues(c))
}
