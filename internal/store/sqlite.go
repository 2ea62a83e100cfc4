package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/cryptosim/ledger-engine/internal/model"
)

// SQLiteStore implements Store on a local SQLite file for single-node
// deployments. Decimals are stored as TEXT and timestamps as Unix
// nanoseconds so both round-trip exactly.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// initialises the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./data/ledger.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS portfolios (
		user_id          TEXT PRIMARY KEY,
		id               TEXT NOT NULL,
		assets           TEXT NOT NULL,
		total_value      TEXT NOT NULL,
		total_change_24h TEXT NOT NULL,
		saved_at         INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id        TEXT PRIMARY KEY,
		user_id   TEXT NOT NULL,
		type      TEXT NOT NULL,
		symbol    TEXT NOT NULL,
		amount    TEXT NOT NULL,
		price     TEXT NOT NULL,
		total     TEXT NOT NULL,
		fee       TEXT NOT NULL,
		status    TEXT NOT NULL,
		ts_nanos  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_user_time ON transactions (user_id, ts_nanos);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, userID string) (*model.Snapshot, error) {
	snap := &model.Snapshot{UserID: userID}
	var assets, totalValue, totalChange string
	var savedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, assets, total_value, total_change_24h, saved_at
		 FROM portfolios WHERE user_id = ?`, userID).
		Scan(&snap.Portfolio.ID, &assets, &totalValue, &totalChange, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	snap.Portfolio.UserID = userID
	snap.SavedAt = time.Unix(0, savedAt).UTC()
	if err := json.Unmarshal([]byte(assets), &snap.Portfolio.Assets); err != nil {
		return nil, fmt.Errorf("decode assets for %s: %w", userID, err)
	}
	if err := parseDecimals(
		decimalColumn{"total_value", totalValue, &snap.Portfolio.TotalValue},
		decimalColumn{"total_change_24h", totalChange, &snap.Portfolio.TotalChange24h},
	); err != nil {
		return nil, fmt.Errorf("decode portfolio %s: %w", userID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, symbol, amount, price, total, fee, status, ts_nanos
		 FROM transactions WHERE user_id = ?
		 ORDER BY ts_nanos DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("get transactions %s: %w", userID, err)
	}
	defer rows.Close()

	snap.Transactions = []model.Transaction{}
	for rows.Next() {
		var t model.Transaction
		var typ, status, amountS, priceS, totalS, feeS string
		var nanos int64
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Symbol,
			&amountS, &priceS, &totalS, &feeS, &status, &nanos); err != nil {
			return nil, fmt.Errorf("scan transaction for %s: %w", userID, err)
		}
		t.Type = model.TradeType(typ)
		t.Status = model.TransactionStatus(status)
		t.Timestamp = time.Unix(0, nanos).UTC()
		if err := parseTransactionDecimals(&t, amountS, priceS, totalS, feeS); err != nil {
			return nil, fmt.Errorf("decode transactions for %s: %w", userID, err)
		}
		snap.Transactions = append(snap.Transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions for %s: %w", userID, err)
	}
	return snap, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	assets, err := json.Marshal(snap.Portfolio.Assets)
	if err != nil {
		return fmt.Errorf("encode assets for %s: %w", snap.UserID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", snap.UserID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO portfolios (user_id, id, assets, total_value, total_change_24h, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET id = excluded.id, assets = excluded.assets,
		     total_value = excluded.total_value,
		     total_change_24h = excluded.total_change_24h,
		     saved_at = excluded.saved_at`,
		snap.UserID, snap.Portfolio.ID, string(assets),
		snap.Portfolio.TotalValue.String(), snap.Portfolio.TotalChange24h.String(),
		snap.SavedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert portfolio %s: %w", snap.UserID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO transactions
		 (id, user_id, type, symbol, amount, price, total, fee, status, ts_nanos)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare transaction insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range snap.Transactions {
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.UserID, string(t.Type), t.Symbol,
			t.Amount.String(), t.Price.String(), t.Total.String(), t.Fee.String(),
			string(t.Status), t.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save %s: %w", snap.UserID, err)
	}
	return nil
}
