// Package account is the account store the ledger talks to: user identity,
// role, suspension flag and the authoritative cash balance, plus the
// deposit and withdrawal rules that act on that balance.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound        = errors.New("account: user not found")
	ErrEmailExists         = errors.New("account: email already registered")
	ErrInvalidRegistration = errors.New("account: invalid registration")
	ErrSuspended           = errors.New("account: account is suspended")
	ErrInvalidAmount       = errors.New("account: amount must be positive")
	ErrBelowMinimumDeposit = errors.New("account: deposit below minimum")
	ErrAboveMaxWithdrawal  = errors.New("account: withdrawal above maximum")
	ErrInsufficientFunds   = errors.New("account: insufficient funds")
)

// Role is the access level of a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is one account record.
type User struct {
	ID         string          `json:"id"`
	Email      string          `json:"email"`
	Name       string          `json:"name"`
	Role       Role            `json:"role"`
	Balance    decimal.Decimal `json:"balance"`
	IsActive   bool            `json:"is_active"`
	IsVerified bool            `json:"is_verified"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store persists accounts.
type Store interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CreateUser(ctx context.Context, u *User) error
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error
	SetActive(ctx context.Context, userID string, active bool) error
}

// DefaultUsers returns the demo accounts every fresh deployment starts with.
func DefaultUsers(now time.Time) []User {
	return []User{
		{
			ID:         "1",
			Email:      "admin@crypto.com",
			Name:       "Admin User",
			Role:       RoleAdmin,
			Balance:    decimal.NewFromInt(50000),
			IsActive:   true,
			IsVerified: true,
			CreatedAt:  now,
		},
		{
			ID:         "2",
			Email:      "user@crypto.com",
			Name:       "Regular User",
			Role:       RoleUser,
			Balance:    decimal.NewFromInt(10000),
			IsActive:   true,
			IsVerified: true,
			CreatedAt:  now,
		},
	}
}
