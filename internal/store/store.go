// Package store defines the snapshot persistence port for the ledger engine.
// Implementations include PostgreSQL and SQLite (durable), Redis (read-through
// cache in front of a durable store), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cryptosim/ledger-engine/internal/model"
)

// ErrNotFound is returned when no snapshot exists for a user.
var ErrNotFound = errors.New("store: snapshot not found")

// Store persists one ledger snapshot (portfolio + transaction log) per user.
type Store interface {
	// LoadSnapshot returns the saved snapshot for userID, or ErrNotFound.
	LoadSnapshot(ctx context.Context, userID string) (*model.Snapshot, error)

	// SaveSnapshot replaces the saved portfolio for snap.UserID and records
	// any transactions not yet stored. Transactions are append-only.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
}

// decimalColumn is a decimal read from the database as text.
type decimalColumn struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

// parseDecimals parses every column into its destination. A damaged value
// fails the load rather than reading as zero.
func parseDecimals(cols ...decimalColumn) error {
	for _, c := range cols {
		v, err := decimal.NewFromString(c.raw)
		if err != nil {
			return fmt.Errorf("column %s: %w", c.name, err)
		}
		*c.dst = v
	}
	return nil
}

func parseTransactionDecimals(t *model.Transaction, amount, price, total, fee string) error {
	if err := parseDecimals(
		decimalColumn{"amount", amount, &t.Amount},
		decimalColumn{"price", price, &t.Price},
		decimalColumn{"total", total, &t.Total},
		decimalColumn{"fee", fee, &t.Fee},
	); err != nil {
		return fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	return nil
}
