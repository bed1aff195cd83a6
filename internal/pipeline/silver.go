package pipeline

import (
	"time"

	"github.com/WesGarrett/Medallion-Warehouse/internal/coerce"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// Builders project a resolved, validated record onto its silver row. The
// not-null columns were checked by coerce.Validate, so missing values only
// occur for nullable columns.

func buildProduct(rec coerce.Record, loadedAt time.Time) model.Product {
	return model.Product{
		ProductID:   rec.Key,
		ProductName: rec.Text("product_name"),
		Category:    rec.Text("category"),
		ListPrice:   rec.Decimal("list_price"),
		LoadedAt:    loadedAt,
	}
}

func buildUser(rec coerce.Record, loadedAt time.Time) model.User {
	return model.User{
		UserID:     rec.Key,
		FirstName:  rec.Text("first_name"),
		LastName:   rec.Text("last_name"),
		Email:      rec.TextOr("email", ""),
		Phone:      rec.Text("phone"),
		State:      rec.Text("state"),
		City:       rec.Text("city"),
		SignupDate: rec.Time("signup_date"),
		PlanTier:   rec.Text("plan_tier"),
		LoadedAt:   loadedAt,
	}
}

func buildTransaction(rec coerce.Record, loadedAt time.Time) model.Transaction {
	t := model.Transaction{
		TransactionID: rec.Key,
		UserID:        rec.Text("user_id"),
		ProductID:     rec.TextOr("product_id", ""),
		ProductName:   rec.Text("product_name"),
		Category:      rec.Text("category"),
		Quantity:      rec.DecimalOr("quantity"),
		UnitPrice:     rec.DecimalOr("unit_price"),
		TotalAmount:   rec.DecimalOr("total_amount"),
		IsRefund:      coerce.RefundFlag(rec),
		Region:        rec.Text("region"),
		LoadedAt:      loadedAt,
	}
	if d := rec.Time("transaction_date"); d != nil {
		t.TransactionDate = *d
	}
	return t
}

func buildWebEvent(rec coerce.Record, loadedAt time.Time) model.WebEvent {
	return model.WebEvent{
		SessionID:  rec.Key,
		UserID:     rec.TextOr("user_id", ""),
		EventType:  rec.TextOr("event_type", ""),
		PageURL:    rec.Text("page_url"),
		Referrer:   rec.Text("referrer"),
		DeviceType: rec.Text("device_type"),
		EventTS:    rec.Time("event_ts"),
		Country:    rec.Text("country"),
		LoadedAt:   loadedAt,
	}
}
