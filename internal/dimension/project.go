package dimension

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// Census regions by two-letter state code. DC counts as South.
var censusRegions = map[string]string{
	"CT": "Northeast", "ME": "Northeast", "MA": "Northeast", "NH": "Northeast", "RI": "Northeast",
	"VT": "Northeast", "NJ": "Northeast", "NY": "Northeast", "PA": "Northeast",

	"IL": "Midwest", "IN": "Midwest", "MI": "Midwest", "OH": "Midwest", "WI": "Midwest", "IA": "Midwest",
	"KS": "Midwest", "MN": "Midwest", "MO": "Midwest", "NE": "Midwest", "ND": "Midwest", "SD": "Midwest",

	"DE": "South", "FL": "South", "GA": "South", "MD": "South", "NC": "South", "SC": "South", "VA": "South",
	"DC": "South", "WV": "South", "AL": "South", "KY": "South", "MS": "South", "TN": "South", "AR": "South",
	"LA": "South", "OK": "South", "TX": "South",

	"AZ": "West", "CO": "West", "ID": "West", "MT": "West", "NV": "West", "NM": "West", "UT": "West",
	"WY": "West", "AK": "West", "CA": "West", "HI": "West", "OR": "West", "WA": "West",
}

// Region returns the Census region of a state code, or nil when the state is
// unknown or outside the four regions.
func Region(state *string) *string {
	if state == nil {
		return nil
	}
	r, ok := censusRegions[strings.ToUpper(strings.TrimSpace(*state))]
	if !ok {
		return nil
	}
	return &r
}

// FullName joins first and last name with a single space, skipping blanks.
func FullName(first, last *string) *string {
	var parts []string
	for _, p := range []*string{first, last} {
		if p == nil {
			continue
		}
		if s := strings.TrimSpace(*p); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	name := strings.Join(parts, " ")
	return &name
}

// ProjectUser maps a silver user onto its dimension row.
func ProjectUser(u model.User, loadedAt time.Time) model.DimUser {
	return model.DimUser{
		UserID:     u.UserID,
		FullName:   FullName(u.FirstName, u.LastName),
		Region:     Region(u.State),
		PlanTier:   u.PlanTier,
		SignupDate: u.SignupDate,
		LoadedAt:   loadedAt,
	}
}

// ProjectProduct maps a catalog product and its average sale price onto its
// dimension row. avg is nil when the product has no sales.
func ProjectProduct(p model.Product, avg *decimal.Decimal, loadedAt time.Time) model.DimProduct {
	var price *decimal.Decimal
	if avg != nil {
		v := avg.Round(4)
		price = &v
	}
	return model.DimProduct{
		ProductID:    p.ProductID,
		ProductName:  p.ProductName,
		Category:     p.Category,
		AvgUnitPrice: price,
		LoadedAt:     loadedAt,
	}
}
