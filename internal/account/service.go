package account

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Rules are the cash movement limits from system settings.
type Rules struct {
	MinDeposit    decimal.Decimal
	MaxWithdrawal decimal.Decimal
}

// DefaultRules mirror the platform defaults: deposits of at least 10 and
// withdrawals of at most 10000.
func DefaultRules() Rules {
	return Rules{
		MinDeposit:    decimal.NewFromInt(10),
		MaxWithdrawal: decimal.NewFromInt(10000),
	}
}

// Service applies the account rules on top of a Store. Balance changes are
// serialised so deposits and withdrawals never interleave.
type Service struct {
	mu    sync.Mutex
	store Store
	rules Rules
	log   zerolog.Logger
	now   func() time.Time
}

// NewService creates an account service.
func NewService(store Store, rules Rules, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		rules: rules,
		log:   log.With().Str("component", "accounts").Logger(),
		now:   time.Now,
	}
}

// Rules returns the configured limits.
func (s *Service) Rules() Rules { return s.rules }

// GetUser returns the account for userID.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.store.GetUser(ctx, userID)
}

// ListUsers returns every account.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

// GetBalance returns the cash balance of record. Suspended accounts are
// refused, which keeps them from opening a ledger session.
func (s *Service) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if !u.IsActive {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrSuspended, userID)
	}
	return u.Balance, nil
}

// SetBalance overwrites the cash balance of record.
func (s *Service) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.SetBalance(ctx, userID, balance)
}

// Register creates a regular user funded with the minimum deposit.
func (s *Service) Register(ctx context.Context, email, name string) (*User, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: invalid email %q", ErrInvalidRegistration, email)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}
	u := &User{
		ID:         id.String(),
		Email:      email,
		Name:       strings.TrimSpace(name),
		Role:       RoleUser,
		Balance:    s.rules.MinDeposit,
		IsActive:   true,
		IsVerified: true,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	s.log.Info().Str("user_id", u.ID).Str("email", u.Email).Msg("user registered")
	return u, nil
}

// SetActive suspends or reinstates an account.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) error {
	if err := s.store.SetActive(ctx, userID, active); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Bool("active", active).Msg("account status changed")
	return nil
}

// Deposit adds amount to userID's balance and returns the new balance.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.LessThan(s.rules.MinDeposit) {
		return decimal.Zero, fmt.Errorf("%w: minimum is %s", ErrBelowMinimumDeposit, s.rules.MinDeposit)
	}

	return s.adjust(ctx, userID, amount, "deposit")
}

// Withdraw removes amount from userID's balance and returns the new balance.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.GreaterThan(s.rules.MaxWithdrawal) {
		return decimal.Zero, fmt.Errorf("%w: maximum is %s", ErrAboveMaxWithdrawal, s.rules.MaxWithdrawal)
	}

	return s.adjust(ctx, userID, amount.Neg(), "withdraw")
}

func (s *Service) adjust(ctx context.Context, userID string, delta decimal.Decimal, op string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if !u.IsActive {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrSuspended, userID)
	}

	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: available %s", ErrInsufficientFunds, u.Balance)
	}
	if err := s.store.SetBalance(ctx, userID, next); err != nil {
		return decimal.Zero, err
	}

	s.log.Info().
		Str("user_id", userID).
		Str("op", op).
		Str("amount", delta.Abs().String()).
		Str("balance", next.String()).
		Msg("balance adjusted")
	return next, nil
}
