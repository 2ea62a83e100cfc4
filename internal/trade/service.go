// Package trade provides the HTTP handlers for ledger sessions, trade
// execution, portfolio queries, account cash movements and prices.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptosim/ledger-engine/internal/account"
	"github.com/cryptosim/ledger-engine/internal/ledger"
	"github.com/cryptosim/ledger-engine/internal/model"
	"github.com/cryptosim/ledger-engine/internal/pricefeed"
)

// Service exposes the ledger sessions over HTTP. Trade serialisation
// lives in each ledger.Engine.
type Service struct {
	sessions *ledger.Sessions
	accounts *account.Service
	prices   *pricefeed.Poller
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
	log      zerolog.Logger
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(sessions *ledger.Sessions, accounts *account.Service, prices *pricefeed.Poller, hub *WSHub, log zerolog.Logger) *Service {
	return &Service{
		sessions: sessions,
		accounts: accounts,
		prices:   prices,
		wsHub:    hub,
		log:      log.With().Str("component", "http").Logger(),
	}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade. Price may be omitted, in
// which case the latest quote is used.
type TradeRequest struct {
	UserID string           `json:"user_id"`
	Type   model.TradeType  `json:"type"` // "buy" or "sell"
	Symbol string           `json:"symbol"`
	Name   string           `json:"name,omitempty"`
	Amount decimal.Decimal  `json:"amount"`
	Price  *decimal.Decimal `json:"price,omitempty"`
}

// AssetView is a portfolio asset with its unrealized P&L.
type AssetView struct {
	model.PortfolioAsset
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// PortfolioView is the JSON body returned from GET /portfolio.
type PortfolioView struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	Assets             []AssetView     `json:"assets"`
	TotalValue         decimal.Decimal `json:"total_value"`
	TotalChange24h     decimal.Decimal `json:"total_change_24h"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
}

// BalanceResponse is the JSON body returned from GET /balance.
type BalanceResponse struct {
	UserID  string          `json:"user_id"`
	Symbol  string          `json:"symbol"`
	Balance decimal.Decimal `json:"balance"`
}

// AmountRequest is the JSON body for deposits, withdrawals and balance
// corrections.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// RegisterRequest is the JSON body for POST /accounts.
type RegisterRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// StatusRequest is the JSON body for PUT /accounts/{userID}/status.
type StatusRequest struct {
	Active bool `json:"active"`
}

// PricesResponse is the JSON body returned from GET /prices.
type PricesResponse struct {
	Quotes    []model.Quote `json:"quotes"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// --- Session handlers ---

// OpenSession handles POST /api/v1/sessions/{userID}
// Loads the user's ledger and syncs cash from the account store.
func (s *Service) OpenSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	e, err := s.sessions.Open(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusCreated, newPortfolioView(e.Portfolio()))
}

// CloseSession handles DELETE /api/v1/sessions/{userID}
func (s *Service) CloseSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Close(chi.URLParam(r, "userID")) {
		writeError(w, "no open session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /api/v1/sessions
func (s *Service) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"users": s.sessions.Active()})
}

// --- Trade handlers ---

// ExecuteTrade handles POST /api/v1/trade
// Rejected trades return 422 with the same result body as a success.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	e, err := s.sessions.Get(req.UserID)
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	price, name, ok := s.resolvePrice(req)
	if !ok {
		writeError(w, "no market price for "+req.Symbol, http.StatusUnprocessableEntity)
		return
	}

	res, err := e.ExecuteTrade(r.Context(), ledger.TradeRequest{
		Type:   req.Type,
		Symbol: req.Symbol,
		Name:   name,
		Amount: req.Amount,
		Price:  price,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}

	if s.wsHub != nil {
		tx := res.Transaction
		s.wsHub.Broadcast(WSMessage{
			Type:        MsgTradeExecuted,
			UserID:      tx.UserID,
			TxID:        tx.ID,
			TradeType:   string(tx.Type),
			Symbol:      tx.Symbol,
			Amount:      tx.Amount.String(),
			Price:       tx.Price.String(),
			CashBalance: res.CashBalance.String(),
			TotalValue:  e.Portfolio().TotalValue.String(),
		})
	}

	writeJSON(w, http.StatusOK, res)
}

// resolvePrice fills an omitted price and name from the latest quote.
func (s *Service) resolvePrice(req TradeRequest) (decimal.Decimal, string, bool) {
	name := req.Name
	var quote model.Quote
	var quoted bool
	if s.prices != nil {
		quote, quoted = s.prices.Quote(req.Symbol)
	}
	if name == "" && quoted {
		name = quote.Name
	}

	if req.Price != nil {
		return *req.Price, name, true
	}
	if !quoted {
		return decimal.Zero, name, false
	}
	return quote.Price, name, true
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	e, err := s.sessions.Get(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newPortfolioView(e.Portfolio()))
}

// GetTransactions handles GET /api/v1/transactions/{userID}
// Returns the log newest first, optionally capped by ?limit=N.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	e, err := s.sessions.Get(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	txs := e.Transactions()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if limit < len(txs) {
			txs = txs[:limit]
		}
	}
	writeJSON(w, http.StatusOK, txs)
}

// GetBalance handles GET /api/v1/balance/{userID}/{symbol}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	e, err := s.sessions.Get(userID)
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	sym := chi.URLParam(r, "symbol")
	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:  userID,
		Symbol:  sym,
		Balance: e.Balance(sym),
	})
}

// --- Account handlers ---

// ListAccounts handles GET /api/v1/accounts
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	users, err := s.accounts.ListUsers(r.Context())
	if err != nil {
		writeError(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []account.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// RegisterAccount handles POST /api/v1/accounts
func (s *Service) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := s.accounts.Register(r.Context(), req.Email, req.Name)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// SetAccountStatus handles PUT /api/v1/accounts/{userID}/status
// Suspending an account also closes its ledger session.
func (s *Service) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.accounts.SetActive(r.Context(), userID, req.Active); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if !req.Active {
		s.sessions.Close(userID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetAccountBalance handles PUT /api/v1/accounts/{userID}/balance
// An administrative correction of the cash balance of record.
func (s *Service) SetAccountBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount.IsNegative() {
		writeError(w, "balance must not be negative", http.StatusBadRequest)
		return
	}

	s.applyCash(w, r, userID, func(ctx context.Context) (decimal.Decimal, error) {
		if err := s.accounts.SetBalance(ctx, userID, req.Amount); err != nil {
			return decimal.Zero, err
		}
		return req.Amount, nil
	})
}

// Deposit handles POST /api/v1/accounts/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveCash(w, r, s.accounts.Deposit)
}

// Withdraw handles POST /api/v1/accounts/{userID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveCash(w, r, s.accounts.Withdraw)
}

type cashMove func(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)

func (s *Service) moveCash(w http.ResponseWriter, r *http.Request, move cashMove) {
	userID := chi.URLParam(r, "userID")
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.applyCash(w, r, userID, func(ctx context.Context) (decimal.Decimal, error) {
		return move(ctx, userID, req.Amount)
	})
}

// applyCash runs an account balance change together with the open ledger
// session, if any, and writes the balance response.
func (s *Service) applyCash(w http.ResponseWriter, r *http.Request, userID string, move func(ctx context.Context) (decimal.Decimal, error)) {
	balance, err := s.sessions.AdjustCash(r.Context(), userID, move)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        MsgBalanceUpdated,
			UserID:      userID,
			CashBalance: balance.String(),
		})
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:  userID,
		Symbol:  model.CashSymbol,
		Balance: balance,
	})
}

// --- Price handlers ---

// GetPrices handles GET /api/v1/prices
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	quotes, updatedAt := s.prices.Latest()
	writeJSON(w, http.StatusOK, PricesResponse{Quotes: quotes, UpdatedAt: updatedAt})
}

// PushPrices handles POST /api/v1/prices
// Accepts a host-supplied quote list and pushes it like a feed refresh.
func (s *Service) PushPrices(w http.ResponseWriter, r *http.Request) {
	var quotes []model.Quote
	if err := json.NewDecoder(r.Body).Decode(&quotes); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.prices.Publish(r.Context(), quotes); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	latest, updatedAt := s.prices.Latest()
	writeJSON(w, http.StatusOK, PricesResponse{Quotes: latest, UpdatedAt: updatedAt})
}

// --- helpers ---

func newPortfolioView(p *model.Portfolio) PortfolioView {
	view := PortfolioView{
		ID:                 p.ID,
		UserID:             p.UserID,
		Assets:             make([]AssetView, 0, len(p.Assets)),
		TotalValue:         p.TotalValue,
		TotalChange24h:     p.TotalChange24h,
		TotalUnrealizedPnL: decimal.Zero,
	}
	for _, a := range p.Assets {
		pnl := a.UnrealizedPnL()
		view.Assets = append(view.Assets, AssetView{PortfolioAsset: a, UnrealizedPnL: pnl})
		view.TotalUnrealizedPnL = view.TotalUnrealizedPnL.Add(pnl)
	}
	return view
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrNoSession), errors.Is(err, ledger.ErrNoActiveUser),
		errors.Is(err, account.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrEmptyUser), errors.Is(err, account.ErrInvalidRegistration):
		return http.StatusBadRequest
	case errors.Is(err, account.ErrSuspended):
		return http.StatusForbidden
	case errors.Is(err, account.ErrEmailExists):
		return http.StatusConflict
	case errors.Is(err, account.ErrInvalidAmount), errors.Is(err, account.ErrBelowMinimumDeposit),
		errors.Is(err, account.ErrAboveMaxWithdrawal), errors.Is(err, account.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
