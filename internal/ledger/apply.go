// Package ledger is the trading/portfolio ledger: it turns buy and sell
// requests into consistent cash and position updates, keeps the per-user
// transaction log and recomputes portfolio valuations on price updates.
package ledger

import (
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/cryptosim/ledger-engine/internal/model"
	"github.com/cryptosim/ledger-engine/internal/symbol"
)

// DefaultFeeRate is the flat trading fee (0.1% of notional).
var DefaultFeeRate = decimal.NewFromFloat(0.001)

// Reason classifies a rejected trade.
type Reason string

const (
	ReasonInvalidInput        Reason = "invalid_input"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonLimitExceeded       Reason = "limit_exceeded"
)

// Rejection is a business-rule failure of a trade. No state changes when a
// trade is rejected.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("ledger: trade rejected (%s): %s", r.Reason, r.Message)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// TradeRequest is one buy or sell order at a caller-supplied price.
type TradeRequest struct {
	Type   model.TradeType `json:"type"`
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"` // display name for a newly opened position
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// Fill describes the cash effect of an applied trade.
type Fill struct {
	Symbol    string          // normalised symbol
	Total     decimal.Decimal // amount * price
	Fee       decimal.Decimal // total * feeRate
	CashDelta decimal.Decimal // signed: -(total+fee) on buy, +(total-fee) on sell
}

// Apply executes req against p and returns the resulting portfolio. p is
// never modified; validation precedes all mutation, so a rejected trade
// returns a *Rejection and no portfolio.
func Apply(p *model.Portfolio, req TradeRequest, feeRate decimal.Decimal) (*model.Portfolio, *Fill, error) {
	if !req.Type.Valid() {
		return nil, nil, reject(ReasonInvalidInput, "trade type must be buy or sell, got %q", req.Type)
	}
	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		return nil, nil, reject(ReasonInvalidInput, "invalid symbol %q", req.Symbol)
	}
	if sym == model.CashSymbol {
		return nil, nil, reject(ReasonInvalidInput, "%s is the cash asset and cannot be traded", sym)
	}
	if !req.Amount.IsPositive() {
		return nil, nil, reject(ReasonInvalidInput, "amount must be positive")
	}
	if !req.Price.IsPositive() {
		return nil, nil, reject(ReasonInvalidInput, "price must be positive")
	}

	total := req.Amount.Mul(req.Price)
	fee := total.Mul(feeRate)

	next := p.Clone()
	if next == nil {
		next = model.NewPortfolio("")
	}
	cash := ensureCash(next)

	fill := &Fill{Symbol: sym, Total: total, Fee: fee}

	switch req.Type {
	case model.TradeBuy:
		debit := total.Add(fee)
		if next.Assets[cash].Amount.LessThan(debit) {
			return nil, nil, reject(ReasonInsufficientBalance,
				"Insufficient %s balance: need %s, available %s",
				model.CashSymbol, formatCash(debit), formatCash(next.Assets[cash].Amount))
		}

		next.Assets[cash].Amount = next.Assets[cash].Amount.Sub(debit)
		fill.CashDelta = debit.Neg()

		if i := next.Find(sym); i >= 0 {
			a := &next.Assets[i]
			newAmount := a.Amount.Add(req.Amount)
			a.AvgPrice = a.AvgPrice.Mul(a.Amount).Add(req.Price.Mul(req.Amount)).Div(newAmount)
			a.Amount = newAmount
			a.CurrentPrice = req.Price
		} else {
			name := req.Name
			if name == "" {
				name = sym
			}
			next.Assets = append(next.Assets, model.PortfolioAsset{
				Symbol:       sym,
				Name:         name,
				Amount:       req.Amount,
				AvgPrice:     req.Price,
				CurrentPrice: req.Price,
				Change24h:    decimal.Zero,
			})
		}

	case model.TradeSell:
		i := next.Find(sym)
		if i < 0 || next.Assets[i].Amount.LessThan(req.Amount) {
			return nil, nil, reject(ReasonInsufficientBalance,
				"Insufficient %s balance: need %s, available %s",
				sym, req.Amount.String(), next.Amount(sym).String())
		}

		credit := total.Sub(fee)
		next.Assets[i].Amount = next.Assets[i].Amount.Sub(req.Amount)
		next.Assets[cash].Amount = next.Assets[cash].Amount.Add(credit)
		fill.CashDelta = credit

		if next.Assets[i].Amount.IsZero() {
			next.Assets = append(next.Assets[:i], next.Assets[i+1:]...)
		}
	}

	Revalue(next)
	return next, fill, nil
}

// ensureCash returns the index of the cash asset, inserting an empty one at
// the front when a damaged snapshot lost it.
func ensureCash(p *model.Portfolio) int {
	if i := p.Find(model.CashSymbol); i >= 0 {
		return i
	}
	fresh := model.NewPortfolio(p.UserID).Assets[0]
	p.Assets = append([]model.PortfolioAsset{fresh}, p.Assets...)
	return 0
}

// formatCash renders a cash amount for user-facing messages, e.g. $5,005.00.
// USDT is displayed as US dollars, rounded to cents.
func formatCash(d decimal.Decimal) string {
	cur := money.GetCurrency(displayCurrency)
	if cur == nil {
		return d.StringFixed(2)
	}
	minor := d.Shift(int32(cur.Fraction)).Round(0)
	return money.New(minor.IntPart(), displayCurrency).Display()
}

const displayCurrency = "USD"
