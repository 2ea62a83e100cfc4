package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryptosim/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS portfolios (
	user_id          TEXT PRIMARY KEY,
	id               TEXT NOT NULL,
	assets           JSONB NOT NULL,
	total_value      NUMERIC NOT NULL,
	total_change_24h NUMERIC NOT NULL,
	saved_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id        TEXT PRIMARY KEY,
	user_id   TEXT NOT NULL,
	type      TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	amount    NUMERIC NOT NULL,
	price     NUMERIC NOT NULL,
	total     NUMERIC NOT NULL,
	fee       NUMERIC NOT NULL,
	status    TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_time ON transactions (user_id, timestamp DESC);
`

// Migrate creates the tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate snapshot schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, userID string) (*model.Snapshot, error) {
	snap := &model.Snapshot{UserID: userID}
	var assets []byte
	var totalValue, totalChange string

	err := s.pool.QueryRow(ctx,
		`SELECT id, assets, total_value::TEXT, total_change_24h::TEXT, saved_at
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&snap.Portfolio.ID, &assets, &totalValue, &totalChange, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	snap.Portfolio.UserID = userID
	snap.SavedAt = snap.SavedAt.UTC()
	if err := json.Unmarshal(assets, &snap.Portfolio.Assets); err != nil {
		return nil, fmt.Errorf("decode assets for %s: %w", userID, err)
	}
	if err := parseDecimals(
		decimalColumn{"total_value", totalValue, &snap.Portfolio.TotalValue},
		decimalColumn{"total_change_24h", totalChange, &snap.Portfolio.TotalChange24h},
	); err != nil {
		return nil, fmt.Errorf("decode portfolio %s: %w", userID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, symbol,
		        amount::TEXT, price::TEXT, total::TEXT, fee::TEXT,
		        status, timestamp
		 FROM transactions WHERE user_id = $1
		 ORDER BY timestamp DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("get transactions %s: %w", userID, err)
	}
	defer rows.Close()

	snap.Transactions, err = scanTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("scan transactions %s: %w", userID, err)
	}
	return snap, nil
}

// SaveSnapshot upserts the portfolio and inserts unseen transactions in a
// single database transaction.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	assets, err := json.Marshal(snap.Portfolio.Assets)
	if err != nil {
		return fmt.Errorf("encode assets for %s: %w", snap.UserID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", snap.UserID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO portfolios (user_id, id, assets, total_value, total_change_24h, saved_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (user_id) DO UPDATE
		 SET id = EXCLUDED.id, assets = EXCLUDED.assets,
		     total_value = EXCLUDED.total_value,
		     total_change_24h = EXCLUDED.total_change_24h,
		     saved_at = EXCLUDED.saved_at`,
		snap.UserID, snap.Portfolio.ID, assets,
		snap.Portfolio.TotalValue.String(), snap.Portfolio.TotalChange24h.String(),
		snap.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert portfolio %s: %w", snap.UserID, err)
	}

	batch := &pgx.Batch{}
	for _, t := range snap.Transactions {
		batch.Queue(
			`INSERT INTO transactions (id, user_id, type, symbol, amount, price, total, fee, status, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, t.UserID, string(t.Type), t.Symbol,
			t.Amount.String(), t.Price.String(), t.Total.String(), t.Fee.String(),
			string(t.Status), t.Timestamp,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert transactions %s: %w", snap.UserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save %s: %w", snap.UserID, err)
	}
	return nil
}

// scanTransactions reads pgx rows into a transaction log.
func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	txs := []model.Transaction{}
	for rows.Next() {
		var t model.Transaction
		var typ, status string
		var amountS, priceS, totalS, feeS string
		var ts time.Time

		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Symbol,
			&amountS, &priceS, &totalS, &feeS,
			&status, &ts); err != nil {
			return nil, err
		}

		t.Type = model.TradeType(typ)
		t.Status = model.TransactionStatus(status)
		t.Timestamp = ts.UTC()
		if err := parseTransactionDecimals(&t, amountS, priceS, totalS, feeS); err != nil {
			return nil, err
		}

		txs = append(txs, t)
	}
	return txs, rows.Err()
}
