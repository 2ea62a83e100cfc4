// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CashSymbol is the asset that represents the user's cash balance.
const (
	CashSymbol = "USDT"
	CashName   = "Tether USD"
)

// TradeType is the direction of a trade.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// Valid reports whether t is a known trade direction.
func (t TradeType) Valid() bool {
	return t == TradeBuy || t == TradeSell
}

// TransactionStatus is the lifecycle state of a transaction. The engine
// only ever records completed trades; the other states exist for clients.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Transaction is an immutable record of one executed trade.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Type      TradeType         `json:"type"`
	Symbol    string            `json:"symbol"`
	Amount    decimal.Decimal   `json:"amount"`
	Price     decimal.Decimal   `json:"price"`
	Total     decimal.Decimal   `json:"total"` // amount * price, before fee
	Fee       decimal.Decimal   `json:"fee"`
	Status    TransactionStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// PortfolioAsset is a held quantity of one symbol.
type PortfolioAsset struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Amount       decimal.Decimal `json:"amount"`
	AvgPrice     decimal.Decimal `json:"avg_price"`     // weighted average entry cost
	CurrentPrice decimal.Decimal `json:"current_price"` // latest market price
	Value        decimal.Decimal `json:"value"`         // amount * currentPrice
	Change24h    decimal.Decimal `json:"change_24h"`    // percent, mirrors the feed
}

// IsCash reports whether the asset is the cash asset.
func (a PortfolioAsset) IsCash() bool {
	return a.Symbol == CashSymbol
}

// UnrealizedPnL is the mark-to-market gain over the average entry cost.
func (a PortfolioAsset) UnrealizedPnL() decimal.Decimal {
	return a.Value.Sub(a.Amount.Mul(a.AvgPrice))
}

// Portfolio is the holdings snapshot of one user. Assets keep insertion
// order and symbols are unique within a portfolio.
type Portfolio struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Assets         []PortfolioAsset `json:"assets"`
	TotalValue     decimal.Decimal  `json:"total_value"`      // Σ asset.value
	TotalChange24h decimal.Decimal  `json:"total_change_24h"` // Σ value * change24h / 100
}

// NewPortfolio returns an empty portfolio holding only a zero cash asset.
func NewPortfolio(userID string) *Portfolio {
	one := decimal.NewFromInt(1)
	return &Portfolio{
		ID:     "portfolio-" + userID,
		UserID: userID,
		Assets: []PortfolioAsset{{
			Symbol:       CashSymbol,
			Name:         CashName,
			Amount:       decimal.Zero,
			AvgPrice:     one,
			CurrentPrice: one,
			Value:        decimal.Zero,
			Change24h:    decimal.Zero,
		}},
		TotalValue:     decimal.Zero,
		TotalChange24h: decimal.Zero,
	}
}

// Clone returns a deep copy. Decimals are immutable values, so copying the
// asset slice is enough.
func (p *Portfolio) Clone() *Portfolio {
	if p == nil {
		return nil
	}
	c := *p
	c.Assets = make([]PortfolioAsset, len(p.Assets))
	copy(c.Assets, p.Assets)
	return &c
}

// Find returns the index of the asset with the given symbol, or -1.
func (p *Portfolio) Find(symbol string) int {
	for i := range p.Assets {
		if p.Assets[i].Symbol == symbol {
			return i
		}
	}
	return -1
}

// Amount returns the held quantity of symbol, zero when not held.
func (p *Portfolio) Amount(symbol string) decimal.Decimal {
	if i := p.Find(symbol); i >= 0 {
		return p.Assets[i].Amount
	}
	return decimal.Zero
}

// Quote is one price feed entry.
type Quote struct {
	Symbol           string          `json:"symbol"`
	Name             string          `json:"name,omitempty"`
	Price            decimal.Decimal `json:"price"`
	PercentChange24h decimal.Decimal `json:"percent_change_24h"`
}

// Matches reports whether the quote is for symbol, ignoring case.
func (q Quote) Matches(symbol string) bool {
	return strings.EqualFold(q.Symbol, symbol)
}

// Snapshot is the persisted state of one user's ledger.
type Snapshot struct {
	UserID       string        `json:"user_id"`
	Portfolio    Portfolio     `json:"portfolio"`
	Transactions []Transaction `json:"transactions"` // newest first
	SavedAt      time.Time     `json:"saved_at"`
}

// CloneTransactions copies a transaction log.
func CloneTransactions(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	return out
}
