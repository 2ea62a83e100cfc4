package pricefeed

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/cryptosim/ledger-engine/internal/model"
	"github.com/cryptosim/ledger-engine/internal/symbol"
)

// BinanceFeed reads 24h ticker statistics from Binance USDT-margined
// futures. Only public endpoints are used, so empty credentials work.
type BinanceFeed struct {
	client *futures.Client
	names  map[string]string // tracked base symbol -> display name
}

// NewBinanceFeed creates a feed limited to the given assets (every USDT
// pair when empty).
func NewBinanceFeed(apiKey, secretKey string, assets []Asset) *BinanceFeed {
	names := make(map[string]string, len(assets))
	for _, a := range assets {
		names[a.Symbol] = a.Name
	}
	return &BinanceFeed{
		client: futures.NewClient(apiKey, secretKey),
		names:  names,
	}
}

func (f *BinanceFeed) Name() string { return "binance" }

func (f *BinanceFeed) Quotes(ctx context.Context) ([]model.Quote, error) {
	stats, err := f.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance 24h stats: %w", err)
	}

	quotes := quotesFromStats(stats, f.names)
	if len(quotes) == 0 {
		return nil, ErrNoQuotes
	}
	return quotes, nil
}

// quotesFromStats maps USDT pair tickers to quotes. Pairs with another
// quote asset, unparsable numbers or a base outside names (when names is
// non-empty) are skipped.
func quotesFromStats(stats []*futures.PriceChangeStats, names map[string]string) []model.Quote {
	quotes := make([]model.Quote, 0, len(stats))
	for _, s := range stats {
		if s == nil {
			continue
		}
		pair, err := symbol.ParsePair(s.Symbol, model.CashSymbol)
		if err != nil {
			continue
		}
		name, tracked := names[pair.Base]
		if len(names) > 0 && !tracked {
			continue
		}

		price, err := decimal.NewFromString(s.LastPrice)
		if err != nil || !price.IsPositive() {
			continue
		}
		change, err := decimal.NewFromString(s.PriceChangePercent)
		if err != nil {
			change = decimal.Zero
		}

		quotes = append(quotes, model.Quote{
			Symbol:           pair.Base,
			Name:             name,
			Price:            price,
			PercentChange24h: change,
		})
	}
	return quotes
}
