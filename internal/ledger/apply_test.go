package ledger_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptosim/ledger-engine/internal/ledger"
	"github.com/cryptosim/ledger-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func assertDecimal(t *testing.T, want, got decimal.Decimal, field string) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "%s: expected %s, got %s", field, want, got)
}

// funded returns a portfolio holding only cash.
func funded(cash float64) *model.Portfolio {
	p := model.NewPortfolio("user1")
	p.Assets[0].Amount = d(cash)
	ledger.Revalue(p)
	return p
}

func buy(sym string, amount, price float64) ledger.TradeRequest {
	return ledger.TradeRequest{Type: model.TradeBuy, Symbol: sym, Amount: d(amount), Price: d(price)}
}

func sell(sym string, amount, price float64) ledger.TradeRequest {
	return ledger.TradeRequest{Type: model.TradeSell, Symbol: sym, Amount: d(amount), Price: d(price)}
}

func assertConsistent(t *testing.T, p *model.Portfolio) {
	t.Helper()
	sum := decimal.Zero
	for _, a := range p.Assets {
		assert.Falsef(t, a.Amount.IsNegative(), "%s amount went negative: %s", a.Symbol, a.Amount)
		if !a.IsCash() {
			assert.Falsef(t, a.Amount.IsZero(), "%s kept as a zero row", a.Symbol)
		}
		sum = sum.Add(a.Value)
	}
	assertDecimal(t, sum, p.TotalValue, "total value")
	assert.GreaterOrEqual(t, p.Find(model.CashSymbol), 0, "cash asset missing")
}

func TestApply_BuyNewPosition(t *testing.T) {
	p := funded(10000)

	next, fill, err := ledger.Apply(p, buy("BTC", 0.1, 50000), ledger.DefaultFeeRate)
	require.NoError(t, err)

	assertDecimal(t, d(5000), fill.Total, "total")
	assertDecimal(t, d(5), fill.Fee, "fee")
	assertDecimal(t, d(-5005), fill.CashDelta, "cash delta")

	assertDecimal(t, d(4995), next.Amount(model.CashSymbol), "cash")
	i := next.Find("BTC")
	require.GreaterOrEqual(t, i, 0)
	btc := next.Assets[i]
	assertDecimal(t, d(0.1), btc.Amount, "btc amount")
	assertDecimal(t, d(50000), btc.AvgPrice, "avg price")
	assertDecimal(t, d(50000), btc.CurrentPrice, "current price")
	assertDecimal(t, d(5000), btc.Value, "btc value")
	assertDecimal(t, d(9995), next.TotalValue, "total value")
	assert.Equal(t, "BTC", btc.Name, "name defaults to the symbol")
	assertConsistent(t, next)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	p := funded(10000)
	before, _ := json.Marshal(p)

	_, _, err := ledger.Apply(p, buy("BTC", 0.1, 50000), ledger.DefaultFeeRate)
	require.NoError(t, err)

	after, _ := json.Marshal(p)
	assert.JSONEq(t, string(before), string(after))
}

func TestApply_WeightedAverageCost(t *testing.T) {
	p := funded(100000)

	p, _, err := ledger.Apply(p, buy("ETH", 2, 1000), ledger.DefaultFeeRate)
	require.NoError(t, err)
	p, _, err = ledger.Apply(p, buy("eth", 3, 2000), ledger.DefaultFeeRate)
	require.NoError(t, err)

	eth := p.Assets[p.Find("ETH")]
	// (2*1000 + 3*2000) / 5
	assertDecimal(t, d(1600), eth.AvgPrice, "avg price")
	assertDecimal(t, d(5), eth.Amount, "amount")
	assertDecimal(t, d(2000), eth.CurrentPrice, "current price follows the last buy")
	assertDecimal(t, d(10000), eth.Value, "value")
	assertConsistent(t, p)
}

func TestApply_BuyInsufficientCash(t *testing.T) {
	p := funded(4995)

	next, fill, err := ledger.Apply(p, buy("BTC", 0.1, 60000), ledger.DefaultFeeRate)
	require.Error(t, err)
	assert.Nil(t, next)
	assert.Nil(t, fill)

	var rej *ledger.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ledger.ReasonInsufficientBalance, rej.Reason)
	assert.Contains(t, rej.Message, "Insufficient USDT balance")
}

func TestApply_SellAllPrunesAsset(t *testing.T) {
	p := funded(10000)
	p, _, err := ledger.Apply(p, buy("BTC", 0.1, 50000), ledger.DefaultFeeRate)
	require.NoError(t, err)

	p, fill, err := ledger.Apply(p, sell("BTC", 0.1, 55000), ledger.DefaultFeeRate)
	require.NoError(t, err)

	assertDecimal(t, d(5.5), fill.Fee, "fee")
	assertDecimal(t, d(5494.5), fill.CashDelta, "cash delta")
	assertDecimal(t, d(10489.5), p.Amount(model.CashSymbol), "cash")
	assert.Equal(t, -1, p.Find("BTC"), "BTC should be removed at zero")
	assert.Len(t, p.Assets, 1)
	assertConsistent(t, p)
}

func TestApply_PartialSellKeepsAverage(t *testing.T) {
	p := funded(10000)
	p, _, err := ledger.Apply(p, buy("SOL", 10, 100), ledger.DefaultFeeRate)
	require.NoError(t, err)

	p, _, err = ledger.Apply(p, sell("SOL", 4, 150), ledger.DefaultFeeRate)
	require.NoError(t, err)

	sol := p.Assets[p.Find("SOL")]
	assertDecimal(t, d(6), sol.Amount, "amount")
	assertDecimal(t, d(100), sol.AvgPrice, "avg price unchanged by a sell")
	assertDecimal(t, d(600), sol.Value, "value at the held current price")
	assertConsistent(t, p)
}

func TestApply_SellUnheld(t *testing.T) {
	p := funded(1000)

	_, _, err := ledger.Apply(p, sell("ETH", 1, 2000), ledger.DefaultFeeRate)

	var rej *ledger.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ledger.ReasonInsufficientBalance, rej.Reason)
	assert.Contains(t, rej.Message, "Insufficient ETH balance")
}

func TestApply_InvalidInput(t *testing.T) {
	p := funded(1000)

	tests := []struct {
		name string
		req  ledger.TradeRequest
	}{
		{"zero amount", buy("BTC", 0, 100)},
		{"negative amount", buy("BTC", -1, 100)},
		{"zero price", buy("BTC", 1, 0)},
		{"negative price", sell("BTC", 1, -5)},
		{"unknown type", ledger.TradeRequest{Type: "hold", Symbol: "BTC", Amount: d(1), Price: d(1)}},
		{"bad symbol", buy("B$C", 1, 1)},
		{"cash symbol", buy("usdt", 1, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, _, err := ledger.Apply(p, tt.req, ledger.DefaultFeeRate)
			assert.Nil(t, next)

			var rej *ledger.Rejection
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, ledger.ReasonInvalidInput, rej.Reason)
		})
	}
}

func TestApply_CustomFeeRate(t *testing.T) {
	p := funded(1000)

	next, fill, err := ledger.Apply(p, buy("BTC", 1, 100), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, fill.Fee.IsZero())
	assertDecimal(t, d(900), next.Amount(model.CashSymbol), "cash")

	_, fill, err = ledger.Apply(p, buy("BTC", 1, 100), d(0.01))
	require.NoError(t, err)
	assertDecimal(t, d(1), fill.Fee, "fee at 1%")
}

func TestApply_RestoresMissingCash(t *testing.T) {
	p := &model.Portfolio{ID: "portfolio-u", UserID: "u"}

	_, _, err := ledger.Apply(p, buy("BTC", 1, 1), ledger.DefaultFeeRate)
	var rej *ledger.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ledger.ReasonInsufficientBalance, rej.Reason)
	assert.Empty(t, p.Assets, "input untouched")
}

func TestRevalue_TotalChange(t *testing.T) {
	p := funded(1000)
	p.Assets = append(p.Assets,
		model.PortfolioAsset{Symbol: "BTC", Amount: d(1), CurrentPrice: d(200), Change24h: d(10)},
		model.PortfolioAsset{Symbol: "ETH", Amount: d(2), CurrentPrice: d(50), Change24h: d(-4)},
	)

	ledger.Revalue(p)

	assertDecimal(t, d(1300), p.TotalValue, "total value")
	// 200*10/100 + 100*-4/100
	assertDecimal(t, d(16), p.TotalChange24h, "total change")
}

func TestRevalue_PinsCash(t *testing.T) {
	p := funded(50)
	p.Assets[0].CurrentPrice = d(3)
	p.Assets[0].AvgPrice = d(2)
	p.Assets[0].Change24h = d(7)

	ledger.Revalue(p)

	cash := p.Assets[0]
	assertDecimal(t, d(1), cash.CurrentPrice, "cash price")
	assertDecimal(t, d(1), cash.AvgPrice, "cash avg")
	assert.True(t, cash.Change24h.IsZero())
	assertDecimal(t, d(50), cash.Value, "cash value")
}

func TestApplyQuotes(t *testing.T) {
	p, _, err := ledger.Apply(funded(10000), buy("BTC", 0.1, 50000), ledger.DefaultFeeRate)
	require.NoError(t, err)

	quotes := []model.Quote{
		{Symbol: "btc", Price: d(52000), PercentChange24h: d(4)},
		{Symbol: "DOGE", Price: d(0.1), PercentChange24h: d(1)},
		{Symbol: "USDT", Price: d(2), PercentChange24h: d(1)},
	}
	n := ledger.ApplyQuotes(p, quotes)
	assert.Equal(t, 1, n)

	btc := p.Assets[p.Find("BTC")]
	assertDecimal(t, d(5200), btc.Value, "btc value")
	assertDecimal(t, d(4), btc.Change24h, "btc change")
	assertDecimal(t, d(10195), p.TotalValue, "total value")
	assertDecimal(t, d(208), p.TotalChange24h, "total change")
	assertDecimal(t, d(1), p.Assets[p.Find("USDT")].CurrentPrice, "cash stays pinned")
	assert.Equal(t, -1, p.Find("DOGE"), "quotes never open positions")
}

func TestApplyQuotes_IgnoresNonPositivePrice(t *testing.T) {
	p, _, err := ledger.Apply(funded(1000), buy("ETH", 1, 100), ledger.DefaultFeeRate)
	require.NoError(t, err)

	n := ledger.ApplyQuotes(p, []model.Quote{{Symbol: "ETH", Price: decimal.Zero}})
	assert.Equal(t, 0, n)
	assertDecimal(t, d(100), p.Assets[p.Find("ETH")].CurrentPrice, "price kept")
}

func TestApplyQuotes_Idempotent(t *testing.T) {
	p, _, err := ledger.Apply(funded(1000), buy("ETH", 1, 100), ledger.DefaultFeeRate)
	require.NoError(t, err)
	quotes := []model.Quote{{Symbol: "ETH", Price: d(120), PercentChange24h: d(2.5)}}

	ledger.ApplyQuotes(p, quotes)
	once, _ := json.Marshal(p)
	ledger.ApplyQuotes(p, quotes)
	twice, _ := json.Marshal(p)

	assert.JSONEq(t, string(once), string(twice))
}
