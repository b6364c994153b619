// Package trade provides the HTTP handlers for the perp engine: market
// administration, liquidity, orders, liquidations, custody and queries.
//
// The caller's identity is the X-Account header, set by a trusted gateway.
// Monetary values are shopspring/decimal micro-USD, token amounts are
// 6-decimal base units.
package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
)

// AccountHeader carries the authenticated caller.
const AccountHeader = "X-Account"

// Service adapts an Exchange to HTTP. The exchange serializes execution;
// handlers only decode, call and encode.
type Service struct {
	x *exchange.Exchange
}

// NewService creates a new trade service.
func NewService(x *exchange.Exchange) *Service {
	return &Service{x: x}
}

// Mount registers every /api/v1 route on r. The WebSocket route is
// registered separately by the caller.
func (s *Service) Mount(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Put("/markets/{marketID}/config", s.SetMarketConfig)
	r.Get("/markets/{marketID}/pool", s.GetPool)
	r.Post("/markets/{marketID}/liquidity", s.AddLiquidity)
	r.Post("/markets/{marketID}/liquidity/withdraw", s.RemoveLiquidity)

	r.Post("/orders", s.CreateOrder)
	r.Get("/orders/pending", s.PendingOrders)
	r.Get("/orders/executable", s.ExecutableOrders)
	r.Get("/orders/{orderKey}", s.GetOrder)
	r.Patch("/orders/{orderKey}", s.UpdateOrder)
	r.Delete("/orders/{orderKey}", s.CancelOrder)
	r.Post("/orders/{orderKey}/execute", s.ExecuteOrder)

	r.Get("/positions/liquidatable", s.LiquidatablePositions)
	r.Get("/positions/{positionKey}", s.GetPosition)
	r.Post("/positions/{positionKey}/liquidate", s.LiquidatePosition)

	r.Post("/accounts/deposit", s.Deposit)
	r.Post("/accounts/withdraw", s.Withdraw)
	r.Get("/accounts/{account}/balance", s.GetBalance)
	r.Get("/accounts/{account}/positions", s.GetAccountPositions)
	r.Get("/accounts/{account}/orders", s.GetAccountOrders)

	r.Post("/oracle/prices", s.SubmitPrices)
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	ID          string             `json:"id"`
	MarketToken string             `json:"market_token"` // optional; defaults to GM-{id}
	IndexToken  string             `json:"index_token"`
	LongToken   string             `json:"long_token"`
	ShortToken  string             `json:"short_token"`
	Config      model.MarketConfig `json:"config"`
}

// MarketResponse is a market with its current risk config.
type MarketResponse struct {
	model.Market
	Config *model.MarketConfig `json:"config,omitempty"`
}

// AddLiquidityRequest is the JSON body for POST /markets/{id}/liquidity.
// Amounts are token base units.
type AddLiquidityRequest struct {
	LongAmount  decimal.Decimal `json:"long_amount"`
	ShortAmount decimal.Decimal `json:"short_amount"`
	MinMint     decimal.Decimal `json:"min_mint"`
}

// RemoveLiquidityRequest is the JSON body for POST /markets/{id}/liquidity/withdraw.
type RemoveLiquidityRequest struct {
	Shares      decimal.Decimal `json:"shares"`
	MinLongOut  decimal.Decimal `json:"min_long_out"`
	MinShortOut decimal.Decimal `json:"min_short_out"`
}

// LiquidityResponse reports minted or returned amounts.
type LiquidityResponse struct {
	Minted      *decimal.Decimal `json:"minted,omitempty"`
	LongAmount  *decimal.Decimal `json:"long_amount,omitempty"`
	ShortAmount *decimal.Decimal `json:"short_amount,omitempty"`
	Shares      decimal.Decimal  `json:"shares"` // caller's balance afterwards
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BalanceResponse reports a custody balance.
type BalanceResponse struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}

	m := model.Market{
		ID:          req.ID,
		MarketToken: req.MarketToken,
		IndexToken:  req.IndexToken,
		LongToken:   req.LongToken,
		ShortToken:  req.ShortToken,
	}
	created, err := s.x.CreateMarket(r.Context(), actor, m, req.Config)
	if err != nil {
		writeErr(w, err)
		return
	}
	cfg, _ := s.x.Config(created.ID)
	writeJSON(w, http.StatusCreated, MarketResponse{Market: created, Config: &cfg})
}

// SetMarketConfig handles PUT /api/v1/markets/{marketID}/config
func (s *Service) SetMarketConfig(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var cfg model.MarketConfig
	if !decode(w, r, &cfg) {
		return
	}
	marketID := chi.URLParam(r, "marketID")
	if err := s.x.SetMarketConfig(r.Context(), actor, marketID, cfg); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("market config updated", "market", marketID, "actor", actor)
	updated, _ := s.x.Config(marketID)
	writeJSON(w, http.StatusOK, updated)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.x.Markets(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	m, err := s.x.Market(r.Context(), marketID)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := MarketResponse{Market: *m}
	if cfg, ok := s.x.Config(marketID); ok {
		resp.Config = &cfg
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPool handles GET /api/v1/markets/{marketID}/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.x.Pool(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Liquidity ---

// AddLiquidity handles POST /api/v1/markets/{marketID}/liquidity
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	lp, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req AddLiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	marketID := chi.URLParam(r, "marketID")
	minted, err := s.x.AddLiquidity(r.Context(), lp, marketID, req.LongAmount, req.ShortAmount, req.MinMint)
	if err != nil {
		writeErr(w, err)
		return
	}
	shares, _ := s.x.MarketTokenBalance(marketID, lp)
	writeJSON(w, http.StatusOK, LiquidityResponse{Minted: &minted, Shares: shares})
}

// RemoveLiquidity handles POST /api/v1/markets/{marketID}/liquidity/withdraw
func (s *Service) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	lp, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req RemoveLiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	marketID := chi.URLParam(r, "marketID")
	long, short, err := s.x.RemoveLiquidity(r.Context(), lp, marketID, req.Shares, req.MinLongOut, req.MinShortOut)
	if err != nil {
		writeErr(w, err)
		return
	}
	shares, _ := s.x.MarketTokenBalance(marketID, lp)
	writeJSON(w, http.StatusOK, LiquidityResponse{LongAmount: &long, ShortAmount: &short, Shares: shares})
}

// --- Custody ---

// Deposit handles POST /api/v1/accounts/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.custody(w, r, s.x.Deposit)
}

// Withdraw handles POST /api/v1/accounts/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.custody(w, r, s.x.Withdraw)
}

type custodyFunc func(ctx context.Context, account string, amount decimal.Decimal) (decimal.Decimal, error)

func (s *Service) custody(w http.ResponseWriter, r *http.Request, fn custodyFunc) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	bal, err := fn(r.Context(), account, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Account: account, Balance: bal})
}

// GetBalance handles GET /api/v1/accounts/{account}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	bal, err := s.x.Balance(r.Context(), account)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Account: account, Balance: bal})
}

// --- Oracle ---

// SubmitPrices handles POST /api/v1/oracle/prices with a batch of signed
// quotes. The batch is accepted whole or not at all.
func (s *Service) SubmitPrices(w http.ResponseWriter, r *http.Request) {
	var batch []oracle.SignedPrice
	if !decode(w, r, &batch) {
		return
	}
	if err := s.x.SubmitPrices(batch); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(batch)})
}

// --- Helpers ---

func requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	account := strings.TrimSpace(r.Header.Get(AccountHeader))
	if account == "" {
		writeError(w, "missing "+AccountHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return account, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
