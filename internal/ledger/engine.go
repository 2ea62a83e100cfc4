package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptosim/ledger-engine/internal/limits"
	"github.com/cryptosim/ledger-engine/internal/metrics"
	"github.com/cryptosim/ledger-engine/internal/model"
	"github.com/cryptosim/ledger-engine/internal/store"
	"github.com/cryptosim/ledger-engine/internal/symbol"
)

var (
	// ErrPersistence wraps snapshot save failures. The in-memory state is
	// left as it was before the failed operation.
	ErrPersistence = errors.New("ledger: persistence failure")

	// ErrNoActiveUser is returned by trade execution before SetCurrentUser.
	ErrNoActiveUser = errors.New("ledger: no active user")

	// ErrEmptyUser is returned when an empty user id is supplied.
	ErrEmptyUser = errors.New("ledger: empty user id")
)

// BalanceSink receives the cash balance of record after every change.
type BalanceSink interface {
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error
}

// TradeResult is the outcome of ExecuteTrade. Business failures are
// reported here with Success=false, not as errors.
type TradeResult struct {
	Success     bool               `json:"success"`
	Message     string             `json:"message"`
	Reason      Reason             `json:"reason,omitempty"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
	CashBalance decimal.Decimal    `json:"cash_balance"`

	// BalanceSynced is false when the account store rejected the new cash
	// balance or none is attached. The trade stands either way.
	BalanceSynced bool `json:"balance_synced"`
}

// Engine owns the portfolio and transaction log of one active user.
// All methods are safe for concurrent use; trades are serialised.
type Engine struct {
	mu sync.Mutex

	store    store.Store
	balances BalanceSink
	limits   *limits.Checker
	feeRate  decimal.Decimal
	log      zerolog.Logger
	now      func() time.Time
	newID    func() (string, error)

	userID    string
	portfolio *model.Portfolio
	txs       []model.Transaction
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeeRate sets the fee as a fraction of notional (0.001 = 0.1%).
func WithFeeRate(rate decimal.Decimal) Option {
	return func(e *Engine) { e.feeRate = rate }
}

// WithBalanceSink attaches the account store that receives cash updates.
func WithBalanceSink(sink BalanceSink) Option {
	return func(e *Engine) { e.balances = sink }
}

// WithLimits sets the trade admission rules.
func WithLimits(c *limits.Checker) Option {
	return func(e *Engine) { e.limits = c }
}

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log.With().Str("component", "ledger").Logger() }
}

// WithClock overrides the transaction clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(e *Engine) { e.newID = gen }
}

// NewEngine creates an engine persisting to st. No user is active until
// SetCurrentUser is called.
func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		feeRate: DefaultFeeRate,
		log:     zerolog.Nop(),
		now:     time.Now,
		newID:   newTransactionID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newTransactionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// FeeRate returns the configured fee rate.
func (e *Engine) FeeRate() decimal.Decimal {
	return e.feeRate
}

// SetCurrentUser discards the in-memory ledger and loads userID's snapshot.
// A missing or unreadable snapshot yields a fresh portfolio with zero cash.
// The load happens even when userID is already current.
func (e *Engine) SetCurrentUser(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUser
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.userID = userID
	e.portfolio = model.NewPortfolio(userID)
	e.txs = []model.Transaction{}

	snap, err := e.store.LoadSnapshot(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.log.Debug().Str("user_id", userID).Msg("no saved ledger, starting fresh")
		return nil
	case err != nil:
		e.log.Warn().Err(err).Str("user_id", userID).Msg("ledger load failed, starting fresh")
		return nil
	}

	p := snap.Portfolio
	p.UserID = userID
	if p.ID == "" {
		p.ID = e.portfolio.ID
	}
	e.portfolio = &p
	if snap.Transactions != nil {
		e.txs = snap.Transactions
	}

	e.log.Debug().
		Str("user_id", userID).
		Int("assets", len(p.Assets)).
		Int("transactions", len(e.txs)).
		Msg("ledger restored")
	return nil
}

// CurrentUser returns the active user id, empty before SetCurrentUser.
func (e *Engine) CurrentUser() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// UpdateUserBalance overwrites the cash amount of the active user with an
// externally supplied balance. Calls for any other user are ignored.
// The balance is stored as given, negative values included.
func (e *Engine) UpdateUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.userID == "" || userID != e.userID {
		return nil
	}

	next := withCash(e.portfolio, balance)
	if err := e.persist(ctx, next, e.txs); err != nil {
		return err
	}
	e.portfolio = next
	e.pushBalance(ctx, balance)
	return nil
}

// SyncCash runs move with trades held off and mirrors the balance it
// returns into the cash asset. move is the account store's read, or
// read-modify-write, of the balance of record, so no trade can push a
// balance computed from cash that move has since changed.
//
// The balance of record already changed once move succeeds, so the mirror
// follows it even when the snapshot save fails; the save error is still
// returned, wrapping ErrPersistence.
func (e *Engine) SyncCash(ctx context.Context, userID string, move func(ctx context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.userID == "" || userID != e.userID {
		return decimal.Zero, ErrNoActiveUser
	}

	balance, err := move(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	next := withCash(e.portfolio, balance)
	err = e.persist(ctx, next, e.txs)
	e.portfolio = next
	return balance, err
}

func withCash(p *model.Portfolio, balance decimal.Decimal) *model.Portfolio {
	next := p.Clone()
	cash := ensureCash(next)
	next.Assets[cash].Amount = balance
	Revalue(next)
	return next
}

// ExecuteTrade applies req for the active user. Rejections come back as a
// result with Success=false and a nil error; errors are reserved for a
// missing user and persistence failures.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.userID == "" {
		return nil, ErrNoActiveUser
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	if err := e.limits.Check(now, e.txs); err != nil {
		return e.rejected(req, limitRejection(err, e.limits)), nil
	}

	next, fill, err := Apply(e.portfolio, req, e.feeRate)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			return e.rejected(req, rej), nil
		}
		return nil, err
	}

	id, err := e.newID()
	if err != nil {
		return nil, fmt.Errorf("generate transaction id: %w", err)
	}
	tx := model.Transaction{
		ID:        id,
		UserID:    e.userID,
		Type:      req.Type,
		Symbol:    fill.Symbol,
		Amount:    req.Amount,
		Price:     req.Price,
		Total:     fill.Total,
		Fee:       fill.Fee,
		Status:    model.StatusCompleted,
		Timestamp: now,
	}

	txs := make([]model.Transaction, 0, len(e.txs)+1)
	txs = append(txs, tx)
	txs = append(txs, e.txs...)

	if err := e.persist(ctx, next, txs); err != nil {
		return nil, err
	}
	e.portfolio, e.txs = next, txs

	cash := next.Amount(model.CashSymbol)
	synced := e.pushBalance(ctx, cash)

	metrics.TradesTotal.WithLabelValues(string(req.Type)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	metrics.TradeVolume.WithLabelValues(fill.Symbol, string(req.Type)).Add(fill.Total.InexactFloat64())
	metrics.FeesCollected.Add(fill.Fee.InexactFloat64())

	e.log.Info().
		Str("user_id", e.userID).
		Str("tx_id", tx.ID).
		Str("type", string(tx.Type)).
		Str("symbol", tx.Symbol).
		Str("amount", tx.Amount.String()).
		Str("price", tx.Price.String()).
		Str("fee", tx.Fee.String()).
		Str("cash", cash.String()).
		Msg("trade executed")

	verb := "Bought"
	if req.Type == model.TradeSell {
		verb = "Sold"
	}
	return &TradeResult{
		Success:       true,
		Message:       fmt.Sprintf("%s %s %s successfully", verb, req.Amount.String(), fill.Symbol),
		Transaction:   &tx,
		CashBalance:   cash,
		BalanceSynced: synced,
	}, nil
}

// UpdateAssetPrices marks held assets to the given quotes. Symbols that are
// not held, or not quoted, are left unchanged.
func (e *Engine) UpdateAssetPrices(ctx context.Context, quotes []model.Quote) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.userID == "" {
		return nil
	}

	next := e.portfolio.Clone()
	if ApplyQuotes(next, quotes) == 0 {
		return nil
	}
	if err := e.persist(ctx, next, e.txs); err != nil {
		return err
	}
	e.portfolio = next
	return nil
}

// Portfolio returns a copy of the active portfolio, nil before SetCurrentUser.
func (e *Engine) Portfolio() *model.Portfolio {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.portfolio.Clone()
}

// Transactions returns a copy of the transaction log, newest first.
func (e *Engine) Transactions() []model.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.CloneTransactions(e.txs)
}

// Balance returns the held amount of sym, zero when not held.
func (e *Engine) Balance(sym string) decimal.Decimal {
	if norm, err := symbol.Normalize(sym); err == nil {
		sym = norm
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.portfolio == nil {
		return decimal.Zero
	}
	return e.portfolio.Amount(sym)
}

func (e *Engine) persist(ctx context.Context, p *model.Portfolio, txs []model.Transaction) error {
	snap := &model.Snapshot{
		UserID:       e.userID,
		Portfolio:    *p,
		Transactions: txs,
		SavedAt:      e.now().UTC().Truncate(time.Microsecond),
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		metrics.PersistenceFailures.Inc()
		e.log.Error().Err(err).Str("user_id", e.userID).Msg("ledger save failed")
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (e *Engine) pushBalance(ctx context.Context, cash decimal.Decimal) bool {
	if e.balances == nil {
		return false
	}
	if err := e.balances.SetBalance(ctx, e.userID, cash); err != nil {
		metrics.BalanceSyncFailures.Inc()
		e.log.Warn().Err(err).
			Str("user_id", e.userID).
			Str("cash", cash.String()).
			Msg("balance push to account store failed")
		return false
	}
	return true
}

func (e *Engine) rejected(req TradeRequest, rej *Rejection) *TradeResult {
	metrics.TradeRejections.WithLabelValues(string(rej.Reason)).Inc()
	e.log.Info().
		Str("user_id", e.userID).
		Str("type", string(req.Type)).
		Str("symbol", req.Symbol).
		Str("reason", string(rej.Reason)).
		Msg(rej.Message)

	return &TradeResult{
		Success:     false,
		Message:     rej.Message,
		Reason:      rej.Reason,
		CashBalance: e.portfolio.Amount(model.CashSymbol),
	}
}

func limitRejection(err error, c *limits.Checker) *Rejection {
	switch {
	case errors.Is(err, limits.ErrMaintenance):
		return reject(ReasonLimitExceeded, "Trading is unavailable while the platform is under maintenance")
	case errors.Is(err, limits.ErrDailyLimit):
		return reject(ReasonLimitExceeded, "Daily limit of %d trades reached", c.MaxDailyTrades)
	default:
		return reject(ReasonLimitExceeded, "%s", err.Error())
	}
}
