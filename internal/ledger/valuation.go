package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/cryptosim/ledger-engine/internal/model"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Revalue recomputes every asset value and the portfolio totals.
// The cash asset is pinned to a price of 1.
func Revalue(p *model.Portfolio) {
	total := decimal.Zero
	change := decimal.Zero

	for i := range p.Assets {
		a := &p.Assets[i]
		if a.IsCash() {
			a.AvgPrice = one
			a.CurrentPrice = one
			a.Change24h = decimal.Zero
			a.Value = a.Amount
		} else {
			a.Value = a.Amount.Mul(a.CurrentPrice)
		}
		total = total.Add(a.Value)
		change = change.Add(a.Value.Mul(a.Change24h).Div(hundred))
	}

	p.TotalValue = total
	p.TotalChange24h = change
}

// ApplyQuotes marks held non-cash assets to the matching quotes (symbol
// match ignores case) and revalues p. Assets without a quote keep their
// last known price; quotes with a non-positive price are ignored.
// Returns the number of assets updated.
func ApplyQuotes(p *model.Portfolio, quotes []model.Quote) int {
	updated := 0
	for i := range p.Assets {
		a := &p.Assets[i]
		if a.IsCash() {
			continue
		}
		for _, q := range quotes {
			if !q.Matches(a.Symbol) || !q.Price.IsPositive() {
				continue
			}
			a.CurrentPrice = q.Price
			a.Change24h = q.PercentChange24h
			updated++
			break
		}
	}
	Revalue(p)
	return updated
}
