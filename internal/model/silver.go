package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WebEvent is a row of silver.web_events, keyed by SessionID.
type WebEvent struct {
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	EventType  string     `json:"event_type"`
	PageURL    *string    `json:"page_url,omitempty"`
	Referrer   *string    `json:"referrer,omitempty"`
	DeviceType *string    `json:"device_type,omitempty"`
	EventTS    *time.Time `json:"event_ts,omitempty"`
	Country    *string    `json:"country,omitempty"`
	LoadedAt   time.Time  `json:"loaded_at"`
}

// User is a row of silver.crm_users, keyed by UserID. Email is unique.
type User struct {
	UserID     string     `json:"user_id"`
	FirstName  *string    `json:"first_name,omitempty"`
	LastName   *string    `json:"last_name,omitempty"`
	Email      string     `json:"email"`
	Phone      *string    `json:"phone,omitempty"`
	State      *string    `json:"state,omitempty"`
	City       *string    `json:"city,omitempty"`
	SignupDate *time.Time `json:"signup_date,omitempty"`
	PlanTier   *string    `json:"plan_tier,omitempty"`
	LoadedAt   time.Time  `json:"loaded_at"`
}

// Transaction is a row of silver.sales_transactions, keyed by TransactionID.
// TotalAmount is negative for refunds.
type Transaction struct {
	TransactionID   string          `json:"transaction_id"`
	UserID          *string         `json:"user_id,omitempty"`
	ProductID       string          `json:"product_id"`
	ProductName     *string         `json:"product_name,omitempty"`
	Category        *string         `json:"category,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	IsRefund        bool            `json:"is_refund"`
	Region          *string         `json:"region,omitempty"`
	TransactionDate time.Time       `json:"transaction_date"`
	LoadedAt        time.Time       `json:"loaded_at"`
}

// Product is a row of silver.products, keyed by ProductID.
type Product struct {
	ProductID   string           `json:"product_id"`
	ProductName *string          `json:"product_name,omitempty"`
	Category    *string          `json:"category,omitempty"`
	ListPrice   *decimal.Decimal `json:"list_price,omitempty"`
	LoadedAt    time.Time        `json:"loaded_at"`
}
