package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptosim/ledger-engine/internal/ledger"
	"github.com/cryptosim/ledger-engine/internal/limits"
	"github.com/cryptosim/ledger-engine/internal/model"
	"github.com/cryptosim/ledger-engine/internal/store"
)

// balanceRecorder is a BalanceSink that remembers every push.
type balanceRecorder struct {
	mu     sync.Mutex
	pushes map[string][]decimal.Decimal
	err    error
}

func newBalanceRecorder() *balanceRecorder {
	return &balanceRecorder{pushes: make(map[string][]decimal.Decimal)}
}

func (b *balanceRecorder) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.pushes[userID] = append(b.pushes[userID], balance)
	return nil
}

func (b *balanceRecorder) last(userID string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pushes[userID]
	if len(p) == 0 {
		return decimal.Zero, false
	}
	return p[len(p)-1], true
}

var fixedNow = time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC)

type engineEnv struct {
	store    *store.MemoryStore
	balances *balanceRecorder
	engine   *ledger.Engine
}

// newEngineEnv returns an engine for user1 funded with cash.
func newEngineEnv(t *testing.T, cash float64, opts ...ledger.Option) *engineEnv {
	t.Helper()
	env := &engineEnv{
		store:    store.NewMemoryStore(),
		balances: newBalanceRecorder(),
	}
	opts = append([]ledger.Option{
		ledger.WithBalanceSink(env.balances),
		ledger.WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	env.engine = ledger.NewEngine(env.store, opts...)

	ctx := context.Background()
	require.NoError(t, env.engine.SetCurrentUser(ctx, "user1"))
	require.NoError(t, env.engine.UpdateUserBalance(ctx, "user1", d(cash)))
	return env
}

func mustTrade(t *testing.T, e *ledger.Engine, req ledger.TradeRequest) *ledger.TradeResult {
	t.Helper()
	res, err := e.ExecuteTrade(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestEngine_Scenario(t *testing.T) {
	env := newEngineEnv(t, 10000)
	e := env.engine

	// Buy 0.1 BTC at 50000: fee 5, debit 5005.
	res := mustTrade(t, e, buy("BTC", 0.1, 50000))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Bought 0.1 BTC successfully", res.Message)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, model.StatusCompleted, res.Transaction.Status)
	assert.Equal(t, "user1", res.Transaction.UserID)
	assertDecimal(t, d(5), res.Transaction.Fee, "fee")
	assertDecimal(t, d(5000), res.Transaction.Total, "total")
	assert.True(t, res.BalanceSynced)
	assertDecimal(t, d(4995), e.Balance("USDT"), "cash")
	assertDecimal(t, d(0.1), e.Balance("btc"), "btc")

	pushed, ok := env.balances.last("user1")
	require.True(t, ok)
	assertDecimal(t, d(4995), pushed, "pushed balance")

	// Buy 0.1 more at 60000 needs 6006: rejected, nothing changes.
	res = mustTrade(t, e, buy("BTC", 0.1, 60000))
	assert.False(t, res.Success)
	assert.Equal(t, ledger.ReasonInsufficientBalance, res.Reason)
	assertDecimal(t, d(4995), res.CashBalance, "cash in rejection")
	assertDecimal(t, d(4995), e.Balance("USDT"), "cash")
	assert.Len(t, e.Transactions(), 1)

	// Price update marks BTC to 52000.
	require.NoError(t, e.UpdateAssetPrices(context.Background(), []model.Quote{
		{Symbol: "btc", Price: d(52000), PercentChange24h: d(4)},
	}))
	p := e.Portfolio()
	btc := p.Assets[p.Find("BTC")]
	assertDecimal(t, d(5200), btc.Value, "btc value")
	assertDecimal(t, d(4), btc.Change24h, "btc change")
	assertDecimal(t, d(10195), p.TotalValue, "total value")

	// Sell all at 55000: proceeds 5500, fee 5.5, credit 5494.5.
	res = mustTrade(t, e, sell("BTC", 0.1, 55000))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Sold 0.1 BTC successfully", res.Message)
	assertDecimal(t, d(10489.5), e.Balance("USDT"), "cash")
	assert.Equal(t, -1, e.Portfolio().Find("BTC"))

	txs := e.Transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, model.TradeSell, txs[0].Type, "log is newest first")
	assert.Equal(t, model.TradeBuy, txs[1].Type)

	// Selling an unheld symbol leaves the log alone.
	res = mustTrade(t, e, sell("ETH", 1, 2000))
	assert.False(t, res.Success)
	assert.Equal(t, ledger.ReasonInsufficientBalance, res.Reason)
	assert.Len(t, e.Transactions(), 2)
}

func TestEngine_InvalidInputResult(t *testing.T) {
	env := newEngineEnv(t, 1000)

	res := mustTrade(t, env.engine, buy("BTC", 0, 100))
	assert.False(t, res.Success)
	assert.Equal(t, ledger.ReasonInvalidInput, res.Reason)
	assert.Empty(t, env.engine.Transactions())
	assertDecimal(t, d(1000), env.engine.Balance("USDT"), "cash")
}

func TestEngine_NoActiveUser(t *testing.T) {
	e := ledger.NewEngine(store.NewMemoryStore())

	_, err := e.ExecuteTrade(context.Background(), buy("BTC", 1, 1))
	assert.ErrorIs(t, err, ledger.ErrNoActiveUser)
	assert.Nil(t, e.Portfolio())
	assert.True(t, e.Balance("USDT").IsZero())
	assert.NoError(t, e.UpdateAssetPrices(context.Background(), nil))
}

func TestEngine_EmptyUser(t *testing.T) {
	e := ledger.NewEngine(store.NewMemoryStore())
	assert.ErrorIs(t, e.SetCurrentUser(context.Background(), ""), ledger.ErrEmptyUser)
}

func TestEngine_FreshUser(t *testing.T) {
	e := ledger.NewEngine(store.NewMemoryStore())
	require.NoError(t, e.SetCurrentUser(context.Background(), "newbie"))

	p := e.Portfolio()
	require.Len(t, p.Assets, 1)
	assert.Equal(t, model.CashSymbol, p.Assets[0].Symbol)
	assert.True(t, p.Assets[0].Amount.IsZero())
	assert.True(t, p.TotalValue.IsZero())
	assert.Equal(t, "portfolio-newbie", p.ID)
	assert.Empty(t, e.Transactions())
	assert.Equal(t, "newbie", e.CurrentUser())
}

func TestEngine_RoundTrip(t *testing.T) {
	env := newEngineEnv(t, 20000)
	e := env.engine
	ctx := context.Background()

	mustTrade(t, e, buy("BTC", 0.1, 50000))
	mustTrade(t, e, buy("ETH", 2.5, 3000))
	mustTrade(t, e, sell("ETH", 0.5, 3100))
	require.NoError(t, e.UpdateAssetPrices(ctx, []model.Quote{
		{Symbol: "BTC", Price: d(51000), PercentChange24h: d(2)},
		{Symbol: "ETH", Price: d(2900), PercentChange24h: d(-3.25)},
	}))

	wantPortfolio := toJSON(t, e.Portfolio())
	wantTxs := toJSON(t, e.Transactions())

	// A second engine over the same store restores identical state.
	other := ledger.NewEngine(env.store)
	require.NoError(t, other.SetCurrentUser(ctx, "user1"))
	assert.JSONEq(t, wantPortfolio, toJSON(t, other.Portfolio()))
	assert.JSONEq(t, wantTxs, toJSON(t, other.Transactions()))

	// Switching away and back reloads the same state.
	require.NoError(t, e.SetCurrentUser(ctx, "user2"))
	assert.True(t, e.Balance("USDT").IsZero())
	require.NoError(t, e.SetCurrentUser(ctx, "user1"))
	assert.JSONEq(t, wantPortfolio, toJSON(t, e.Portfolio()))
	assert.JSONEq(t, wantTxs, toJSON(t, e.Transactions()))
}

func TestEngine_CorruptSnapshotStartsFresh(t *testing.T) {
	env := newEngineEnv(t, 500)
	mustTrade(t, env.engine, buy("ETH", 1, 100))

	env.store.Corrupt("user1")
	require.NoError(t, env.engine.SetCurrentUser(context.Background(), "user1"))

	p := env.engine.Portfolio()
	require.Len(t, p.Assets, 1)
	assert.True(t, p.Assets[0].Amount.IsZero())
	assert.Empty(t, env.engine.Transactions())
}

func TestEngine_PersistenceFailureLeavesStateUntouched(t *testing.T) {
	env := newEngineEnv(t, 10000)
	e := env.engine
	before := toJSON(t, e.Portfolio())
	pushesBefore := len(env.balances.pushes["user1"])

	env.store.SetFailure(errors.New("disk full"))

	res, err := e.ExecuteTrade(context.Background(), buy("BTC", 0.1, 50000))
	assert.Nil(t, res)
	require.ErrorIs(t, err, ledger.ErrPersistence)
	assert.Contains(t, err.Error(), "disk full")

	assert.JSONEq(t, before, toJSON(t, e.Portfolio()))
	assert.Empty(t, e.Transactions())
	assert.Len(t, env.balances.pushes["user1"], pushesBefore, "no balance push for an unsaved trade")

	err = e.UpdateUserBalance(context.Background(), "user1", d(1))
	require.ErrorIs(t, err, ledger.ErrPersistence)
	assertDecimal(t, d(10000), e.Balance("USDT"), "cash")

	env.store.SetFailure(nil)
	res = mustTrade(t, e, buy("BTC", 0.1, 50000))
	assert.True(t, res.Success)
}

func TestEngine_PriceUpdatePersistFailure(t *testing.T) {
	env := newEngineEnv(t, 1000)
	mustTrade(t, env.engine, buy("ETH", 1, 100))
	before := toJSON(t, env.engine.Portfolio())

	env.store.SetFailure(errors.New("unavailable"))
	err := env.engine.UpdateAssetPrices(context.Background(), []model.Quote{{Symbol: "ETH", Price: d(150)}})
	require.ErrorIs(t, err, ledger.ErrPersistence)
	assert.JSONEq(t, before, toJSON(t, env.engine.Portfolio()))
}

func TestEngine_BalanceSyncFailureKeepsTrade(t *testing.T) {
	env := newEngineEnv(t, 1000)
	env.balances.err = errors.New("account store offline")

	res := mustTrade(t, env.engine, buy("ETH", 1, 100))
	assert.True(t, res.Success)
	assert.False(t, res.BalanceSynced)
	assertDecimal(t, d(899.9), res.CashBalance, "cash")
	assert.Len(t, env.engine.Transactions(), 1)
}

func TestEngine_UpdateUserBalance(t *testing.T) {
	env := newEngineEnv(t, 1000)
	e := env.engine
	ctx := context.Background()
	mustTrade(t, e, buy("ETH", 1, 100))

	// Other users are ignored.
	require.NoError(t, e.UpdateUserBalance(ctx, "someone-else", d(1)))
	assertDecimal(t, d(899.9), e.Balance("USDT"), "cash")

	require.NoError(t, e.UpdateUserBalance(ctx, "user1", d(2500)))
	p := e.Portfolio()
	cash := p.Assets[p.Find("USDT")]
	assertDecimal(t, d(2500), cash.Amount, "cash amount")
	assertDecimal(t, d(2500), cash.Value, "cash value")
	assertDecimal(t, d(2600), p.TotalValue, "total value")

	pushed, _ := env.balances.last("user1")
	assertDecimal(t, d(2500), pushed, "correction pushed")

	// Negative input is stored as given.
	require.NoError(t, e.UpdateUserBalance(ctx, "user1", d(-5)))
	assertDecimal(t, d(-5), e.Balance("USDT"), "negative cash")
}

func TestEngine_DefensiveCopies(t *testing.T) {
	env := newEngineEnv(t, 1000)
	e := env.engine
	mustTrade(t, e, buy("ETH", 1, 100))

	p := e.Portfolio()
	p.Assets[0].Amount = d(999999)
	p.Assets = append(p.Assets, model.PortfolioAsset{Symbol: "FAKE"})
	p.TotalValue = d(1)

	txs := e.Transactions()
	txs[0].Amount = d(42)

	assertDecimal(t, d(899.9), e.Balance("USDT"), "cash")
	assert.Equal(t, -1, e.Portfolio().Find("FAKE"))
	assertDecimal(t, d(999.9), e.Portfolio().TotalValue, "total value")
	require.Len(t, e.Transactions(), 1)
	assertDecimal(t, d(1), e.Transactions()[0].Amount, "logged amount")
}

func TestEngine_IdempotentPriceUpdate(t *testing.T) {
	env := newEngineEnv(t, 10000)
	e := env.engine
	ctx := context.Background()
	mustTrade(t, e, buy("BTC", 0.1, 50000))
	quotes := []model.Quote{{Symbol: "BTC", Price: d(52000), PercentChange24h: d(4)}}

	require.NoError(t, e.UpdateAssetPrices(ctx, quotes))
	once := toJSON(t, e.Portfolio())
	require.NoError(t, e.UpdateAssetPrices(ctx, quotes))
	assert.JSONEq(t, once, toJSON(t, e.Portfolio()))
}

func TestEngine_ConcurrentTradesSerialize(t *testing.T) {
	env := newEngineEnv(t, 1000)
	e := env.engine

	// Each buy debits 100.1, so only nine fit in 1000.
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.ExecuteTrade(context.Background(), buy("BTC", 1, 100))
			if err != nil || !res.Success {
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 9, successes)
	assertDecimal(t, d(99.1), e.Balance("USDT"), "cash")
	assertDecimal(t, d(9), e.Balance("BTC"), "btc")
	assert.Len(t, e.Transactions(), 9)
}

func TestEngine_DailyLimit(t *testing.T) {
	env := newEngineEnv(t, 10000, ledger.WithLimits(limits.NewChecker(false, 2)))
	e := env.engine

	assert.True(t, mustTrade(t, e, buy("ETH", 1, 10)).Success)
	assert.True(t, mustTrade(t, e, buy("ETH", 1, 10)).Success)

	res := mustTrade(t, e, buy("ETH", 1, 10))
	assert.False(t, res.Success)
	assert.Equal(t, ledger.ReasonLimitExceeded, res.Reason)
	assert.Contains(t, res.Message, "Daily limit of 2 trades")
	assert.Len(t, e.Transactions(), 2)
}

func TestEngine_Maintenance(t *testing.T) {
	env := newEngineEnv(t, 10000, ledger.WithLimits(limits.NewChecker(true, 0)))

	res := mustTrade(t, env.engine, buy("ETH", 1, 10))
	assert.False(t, res.Success)
	assert.Equal(t, ledger.ReasonLimitExceeded, res.Reason)
	assert.Empty(t, env.engine.Transactions())
}

func TestEngine_FeeRateOption(t *testing.T) {
	env := newEngineEnv(t, 1000, ledger.WithFeeRate(d(0.005)))

	res := mustTrade(t, env.engine, buy("ETH", 1, 100))
	assertDecimal(t, d(0.5), res.Transaction.Fee, "fee")
	assertDecimal(t, d(899.5), env.engine.Balance("USDT"), "cash")
}

func TestEngine_TransactionIDs(t *testing.T) {
	n := 0
	gen := func() (string, error) {
		n++
		return fmt.Sprintf("tx-%d", n), nil
	}
	env := newEngineEnv(t, 1000, ledger.WithIDGenerator(gen))

	mustTrade(t, env.engine, buy("ETH", 1, 10))
	mustTrade(t, env.engine, buy("ETH", 1, 10))

	txs := env.engine.Transactions()
	assert.Equal(t, "tx-2", txs[0].ID)
	assert.Equal(t, "tx-1", txs[1].ID)
	assert.True(t, txs[0].Timestamp.Equal(fixedNow))
}

func TestEngine_DefaultIDsAreUnique(t *testing.T) {
	e := ledger.NewEngine(store.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, e.SetCurrentUser(ctx, "u"))
	require.NoError(t, e.UpdateUserBalance(ctx, "u", d(1000)))

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		res := mustTrade(t, e, buy("ETH", 1, 1))
		require.True(t, res.Success)
		assert.False(t, seen[res.Transaction.ID], "duplicate id %s", res.Transaction.ID)
		seen[res.Transaction.ID] = true
	}
}

func TestEngine_RandomTradesStayConsistent(t *testing.T) {
	env := newEngineEnv(t, 50000)
	e := env.engine
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	symbols := []string{"BTC", "ETH", "SOL"}

	for i := 0; i < 300; i++ {
		sym := symbols[rng.Intn(len(symbols))]
		amount := decimal.NewFromInt(int64(rng.Intn(50) + 1)).Div(decimal.NewFromInt(10))
		price := decimal.NewFromInt(int64(rng.Intn(5000) + 1))
		typ := model.TradeBuy
		if rng.Intn(2) == 0 {
			typ = model.TradeSell
		}

		_, err := e.ExecuteTrade(ctx, ledger.TradeRequest{Type: typ, Symbol: sym, Amount: amount, Price: price})
		require.NoError(t, err)

		if i%25 == 0 {
			require.NoError(t, e.UpdateAssetPrices(ctx, []model.Quote{
				{Symbol: sym, Price: price.Add(decimal.NewFromInt(10)), PercentChange24h: d(1.5)},
			}))
		}
		assertConsistent(t, e.Portfolio())
	}
}
