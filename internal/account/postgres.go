package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store on an accounts table. Balances are NUMERIC.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed account store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const accountsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id          TEXT PRIMARY KEY,
	email       TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	role        TEXT NOT NULL,
	balance     NUMERIC NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the accounts table and inserts seed users that do not
// exist yet.
func (s *PostgresStore) Migrate(ctx context.Context, seed []User) error {
	if _, err := s.pool.Exec(ctx, accountsSchema); err != nil {
		return fmt.Errorf("migrate accounts schema: %w", err)
	}
	for i := range seed {
		u := &seed[i]
		_, err := s.pool.Exec(ctx,
			`INSERT INTO accounts (id, email, name, role, balance, is_active, is_verified, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)
			 ON CONFLICT DO NOTHING`,
			u.ID, u.Email, u.Name, string(u.Role), u.Balance.String(), u.IsActive, u.IsVerified, u.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("seed account %s: %w", u.ID, err)
		}
	}
	return nil
}

const selectUser = `SELECT id, email, name, role, balance::TEXT, is_active, is_verified, created_at FROM accounts`

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, selectUser+` WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, selectUser+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, email, name, role, balance, is_active, is_verified, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		u.ID, u.Email, u.Name, string(u.Role), u.Balance.String(), u.IsActive, u.IsVerified, u.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrEmailExists, u.Email)
	}
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balanceStr string
	err := s.pool.QueryRow(ctx, `SELECT balance::TEXT FROM accounts WHERE id = $1`, userID).Scan(&balanceStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return decimal.NewFromString(balanceStr)
}

func (s *PostgresStore) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`, userID, balance.String())
	if err != nil {
		return fmt.Errorf("set balance %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, userID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET is_active = $2 WHERE id = $1`, userID, active)
	if err != nil {
		return fmt.Errorf("set active %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role, balanceStr string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &balanceStr,
		&u.IsActive, &u.IsVerified, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	u.Balance, _ = decimal.NewFromString(balanceStr)
	return &u, nil
}
