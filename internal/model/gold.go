package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DimUser is a row of gold.dim_users. UserSK is assigned by the warehouse.
type DimUser struct {
	UserSK     int64      `json:"user_sk"`
	UserID     string     `json:"user_id"`
	FullName   *string    `json:"full_name,omitempty"`
	Region     *string    `json:"region,omitempty"`
	PlanTier   *string    `json:"plan_tier,omitempty"`
	SignupDate *time.Time `json:"signup_date,omitempty"`
	LoadedAt   time.Time  `json:"loaded_at"`
}

// DimProduct is a row of gold.dim_products. ProductSK is assigned by the warehouse.
type DimProduct struct {
	ProductSK    int64            `json:"product_sk"`
	ProductID    string           `json:"product_id"`
	ProductName  *string          `json:"product_name,omitempty"`
	Category     *string          `json:"category,omitempty"`
	AvgUnitPrice *decimal.Decimal `json:"avg_unit_price,omitempty"`
	LoadedAt     time.Time        `json:"loaded_at"`
}

// DimDate is a row of the gold.dim_date spine.
type DimDate struct {
	DateKey   int32     `json:"date_key"`
	FullDate  time.Time `json:"full_date"`
	Day       int       `json:"day"`
	Month     int       `json:"month"`
	Quarter   int       `json:"quarter"`
	Year      int       `json:"year"`
	DayOfWeek int       `json:"day_of_week"` // 0=Sunday .. 6=Saturday
	IsWeekend bool      `json:"is_weekend"`
}

// SpineBounds describes the populated range of gold.dim_date.
type SpineBounds struct {
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
	Days  int       `json:"days"`
}

// Empty reports whether no spine rows exist.
func (b SpineBounds) Empty() bool {
	return b.Days == 0
}

// FactSale is a row of gold.fact_sales. FactID is assigned by the warehouse.
type FactSale struct {
	FactID        int64           `json:"fact_id"`
	TransactionID string          `json:"transaction_id"`
	UserSK        *int64          `json:"user_sk,omitempty"`
	ProductSK     int64           `json:"product_sk"`
	DateKey       int32           `json:"date_key"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Region        *string         `json:"region,omitempty"`
	LoadedAt      time.Time       `json:"loaded_at"`
}

// UpsertOutcome says what an upsert did to the target row.
type UpsertOutcome string

const (
	OutcomeInserted  UpsertOutcome = "inserted"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// UpsertResult carries the stable key of an upserted row and what happened to it.
type UpsertResult struct {
	Key     int64         `json:"key"`
	Outcome UpsertOutcome `json:"outcome"`
}

// UpsertCounts tallies upsert outcomes.
type UpsertCounts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Add records one outcome.
func (c *UpsertCounts) Add(o UpsertOutcome) {
	switch o {
	case OutcomeInserted:
		c.Inserted++
	case OutcomeUpdated:
		c.Updated++
	default:
		c.Unchanged++
	}
}

// Total returns the number of rows touched, unchanged ones included.
func (c UpsertCounts) Total() int {
	return c.Inserted + c.Updated + c.Unchanged
}
