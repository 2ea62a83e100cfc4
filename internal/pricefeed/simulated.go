package pricefeed

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptosim/ledger-engine/internal/model"
)

// Asset is a tracked coin with its reference price.
type Asset struct {
	Symbol    string
	Name      string
	BasePrice float64
}

// DefaultAssets are the coins the simulated market trades.
var DefaultAssets = []Asset{
	{Symbol: "BTC", Name: "Bitcoin", BasePrice: 97250},
	{Symbol: "ETH", Name: "Ethereum", BasePrice: 3650},
	{Symbol: "BNB", Name: "BNB", BasePrice: 695},
	{Symbol: "SOL", Name: "Solana", BasePrice: 245},
	{Symbol: "ADA", Name: "Cardano", BasePrice: 1.15},
	{Symbol: "DOGE", Name: "Dogecoin", BasePrice: 0.42},
	{Symbol: "DOT", Name: "Polkadot", BasePrice: 8.45},
	{Symbol: "MATIC", Name: "Polygon", BasePrice: 0.58},
}

// SimulatedFeed produces deterministic prices that drift hourly around
// each asset's base price. The same hour always yields the same quote,
// so every poll within an hour agrees.
type SimulatedFeed struct {
	assets []Asset
	now    func() time.Time
}

// NewSimulatedFeed creates a simulated feed over assets (DefaultAssets
// when empty).
func NewSimulatedFeed(assets []Asset, now func() time.Time) *SimulatedFeed {
	if len(assets) == 0 {
		assets = DefaultAssets
	}
	if now == nil {
		now = time.Now
	}
	return &SimulatedFeed{assets: assets, now: now}
}

func (f *SimulatedFeed) Name() string { return "simulated" }

func (f *SimulatedFeed) Quotes(_ context.Context) ([]model.Quote, error) {
	hour := f.now().Unix() / 3600

	quotes := make([]model.Quote, 0, len(f.assets))
	for _, a := range f.assets {
		price := driftPrice(a.BasePrice, a.Symbol, hour)
		dayAgo := driftPrice(a.BasePrice, a.Symbol, hour-24)
		change := (price/dayAgo - 1) * 100

		quotes = append(quotes, model.Quote{
			Symbol:           a.Symbol,
			Name:             a.Name,
			Price:            decimal.NewFromFloat(price).Round(8),
			PercentChange24h: decimal.NewFromFloat(change).Round(2),
		})
	}
	return quotes, nil
}

// driftPrice combines three sine waves seeded by the symbol and the hour
// into a multiplier within roughly ±9% of the base price.
func driftPrice(base float64, sym string, hour int64) float64 {
	seed := float64(int64(sym[0]) + hour)

	r1 := math.Sin(seed*0.1)*0.5 + 0.5
	r2 := math.Sin(seed*0.07)*0.5 + 0.5
	r3 := math.Sin(seed*0.13)*0.5 + 0.5

	multiplier := 1 + (r1-0.5)*0.1 + (r2-0.5)*0.05 + (r3-0.5)*0.03
	return base * multiplier
}
