package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptosim/ledger-engine/internal/metrics"
	"github.com/cryptosim/ledger-engine/internal/model"
)

// ErrNoSession is returned when no ledger is open for a user.
var ErrNoSession = errors.New("ledger: no open session")

// AccountReader reads the cash balance of record.
type AccountReader interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Sessions keeps one Engine per logged-in user.
type Sessions struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	users   map[string]*sync.Mutex // serialises Open and cash moves per user

	accounts  AccountReader
	newEngine func() *Engine
	log       zerolog.Logger
}

// NewSessions creates a registry. newEngine builds an engine with no
// active user; accounts may be nil, in which case cash is not synced on Open.
func NewSessions(accounts AccountReader, newEngine func() *Engine, log zerolog.Logger) *Sessions {
	return &Sessions{
		engines:   make(map[string]*Engine),
		users:     make(map[string]*sync.Mutex),
		accounts:  accounts,
		newEngine: newEngine,
		log:       log.With().Str("component", "sessions").Logger(),
	}
}

func (s *Sessions) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.users[userID]
	if !ok {
		l = &sync.Mutex{}
		s.users[userID] = l
	}
	return l
}

// Open loads userID's ledger and syncs its cash from the account store.
// Opening an already open session reloads it. A failed first open leaves
// no session behind.
func (s *Sessions) Open(ctx context.Context, userID string) (*Engine, error) {
	if userID == "" {
		return nil, ErrEmptyUser
	}

	// Refuse unknown and suspended accounts before touching the registry.
	if s.accounts != nil {
		if _, err := s.accounts.GetBalance(ctx, userID); err != nil {
			return nil, fmt.Errorf("fetch balance for %s: %w", userID, err)
		}
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	e, existed := s.engines[userID]
	if !existed {
		e = s.newEngine()
		s.engines[userID] = e
		metrics.ActiveSessions.Set(float64(len(s.engines)))
	}
	s.mu.Unlock()

	if err := s.load(ctx, e, userID); err != nil {
		if !existed {
			s.drop(userID, e)
		}
		return nil, err
	}

	s.log.Info().Str("user_id", userID).Str("cash", e.Balance(model.CashSymbol).String()).Msg("session opened")
	return e, nil
}

// load restores the snapshot and re-reads the balance of record under the
// engine lock, so a trade committed in between is never overwritten.
func (s *Sessions) load(ctx context.Context, e *Engine, userID string) error {
	if err := e.SetCurrentUser(ctx, userID); err != nil {
		return err
	}
	if s.accounts == nil {
		return nil
	}
	_, err := e.SyncCash(ctx, userID, func(ctx context.Context) (decimal.Decimal, error) {
		b, err := s.accounts.GetBalance(ctx, userID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fetch balance for %s: %w", userID, err)
		}
		return b, nil
	})
	return err
}

// drop unregisters e if it is still the engine registered for userID.
func (s *Sessions) drop(userID string, e *Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engines[userID] == e {
		delete(s.engines, userID)
		metrics.ActiveSessions.Set(float64(len(s.engines)))
	}
}

// AdjustCash runs move, a read-modify-write of userID's balance of record,
// and mirrors the result into the open session, if any. Trades of that
// user wait until both are done. Returns the new balance.
func (s *Sessions) AdjustCash(ctx context.Context, userID string, move func(ctx context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	e, ok := s.engines[userID]
	s.mu.RUnlock()

	if !ok {
		return move(ctx)
	}
	return e.SyncCash(ctx, userID, move)
}

// Get returns the open engine for userID.
func (s *Sessions) Get(userID string) (*Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.engines[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNoSession, userID)
	}
	return e, nil
}

// Close drops userID's engine. It reports whether a session was open.
func (s *Sessions) Close(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.engines[userID]; !ok {
		return false
	}
	delete(s.engines, userID)
	metrics.ActiveSessions.Set(float64(len(s.engines)))
	s.log.Info().Str("user_id", userID).Msg("session closed")
	return true
}

// Active returns the ids of open sessions, sorted.
func (s *Sessions) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateUserBalance forwards an external balance correction to userID's
// open engine. Without an open session it does nothing.
func (s *Sessions) UpdateUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	e, ok := s.engines[userID]
	s.mu.RUnlock()

	if !ok {
		return nil
	}
	return e.UpdateUserBalance(ctx, userID, balance)
}

// BroadcastPrices pushes quotes into every open engine.
func (s *Sessions) BroadcastPrices(ctx context.Context, quotes []model.Quote) error {
	s.mu.RLock()
	engines := make([]*Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.RUnlock()

	var errs []error
	for _, e := range engines {
		if err := e.UpdateAssetPrices(ctx, quotes); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", e.CurrentUser(), err))
		}
	}
	return errors.Join(errs...)
}
