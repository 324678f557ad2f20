package config

import (
	"sort"

	"github.com/shopspring/decimal"
)

// CreditPackage is a purchasable bundle of generation credits
type CreditPackage struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Credits     int             `json:"credits"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Popular     bool            `json:"popular,omitempty"`
	BestValue   bool            `json:"best_value,omitempty"`
	PerCredit   decimal.Decimal `json:"price_per_credit"`
	MinorAmount int64           `json:"minor_amount"`
}

func newPackage(id, name string, credits int, price string, popular, bestValue bool) CreditPackage {
	p := CreditPackage{
		ID:        id,
		Name:      name,
		Credits:   credits,
		Price:     decimal.RequireFromString(price),
		Currency:  "RUB",
		Popular:   popular,
		BestValue: bestValue,
	}
	p.PerCredit = p.Price.Div(decimal.NewFromInt(int64(credits))).Round(1)
	p.MinorAmount = p.Price.Shift(2).IntPart()
	return p
}

var packages = map[string]CreditPackage{
	"start":   newPackage("start", "Start", 5, "149", false, false),
	"optimal": newPackage("optimal", "Optimal", 20, "399", true, false),
	"pro":     newPackage("pro", "Pro", 50, "699", false, true),
}

// GetPackage returns a package by id
func GetPackage(id string) (CreditPackage, bool) {
	p, ok := packages[id]
	return p, ok
}

// AllPackages returns every package ordered by credit count
func AllPackages() []CreditPackage {
	result := make([]CreditPackage, 0, len(packages))
	for _, p := range packages {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Credits < result[j].Credits })
	return result
}
