// Package pricefeed supplies market quotes to the ledger. Feeds are pulled
// on a cron schedule by a Poller, which pushes every refresh into a sink
// (the open ledger sessions) and notifies listeners.
package pricefeed

import (
	"context"
	"errors"
	"sync"

	"github.com/cryptosim/ledger-engine/internal/model"
)

// ErrNoQuotes is returned by a feed that produced nothing usable.
var ErrNoQuotes = errors.New("pricefeed: no quotes")

// Feed produces the current quotes.
type Feed interface {
	Name() string
	Quotes(ctx context.Context) ([]model.Quote, error)
}

// StaticFeed returns a fixed set of quotes. Tests and manual price
// overrides use it.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes []model.Quote
	err    error
}

// NewStaticFeed creates a feed returning quotes.
func NewStaticFeed(quotes ...model.Quote) *StaticFeed {
	return &StaticFeed{quotes: quotes}
}

func (f *StaticFeed) Name() string { return "static" }

func (f *StaticFeed) Quotes(_ context.Context) ([]model.Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.err != nil {
		return nil, f.err
	}
	if len(f.quotes) == 0 {
		return nil, ErrNoQuotes
	}
	out := make([]model.Quote, len(f.quotes))
	copy(out, f.quotes)
	return out, nil
}

// Set replaces the quotes.
func (f *StaticFeed) Set(quotes ...model.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = quotes
}

// SetError makes Quotes fail with err; nil clears it.
func (f *StaticFeed) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}
