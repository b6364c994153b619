package trade

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/order"
)

// --- Orders ---

// CreateOrder handles POST /api/v1/orders. Market orders execute in the same
// call; limit and stop-loss orders are stored until a keeper executes them.
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	var req order.Request
	if !decode(w, r, &req) {
		return
	}
	res, err := s.x.CreateOrder(r.Context(), account, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// UpdateOrder handles PATCH /api/v1/orders/{orderKey}
func (s *Service) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	key, ok := orderKey(w, r)
	if !ok {
		return
	}
	var u order.Update
	if !decode(w, r, &u) {
		return
	}
	o, err := s.x.UpdateOrder(r.Context(), account, key, u)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/orders/{orderKey}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}
	key, ok := orderKey(w, r)
	if !ok {
		return
	}
	o, err := s.x.CancelOrder(r.Context(), account, key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ExecuteOrder handles POST /api/v1/orders/{orderKey}/execute. The caller
// receives the order's execution fee.
func (s *Service) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	executor, ok := requireAccount(w, r)
	if !ok {
		return
	}
	key, ok := orderKey(w, r)
	if !ok {
		return
	}
	res, err := s.x.ExecuteSavedOrder(r.Context(), executor, key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetOrder handles GET /api/v1/orders/{orderKey}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	key, ok := orderKey(w, r)
	if !ok {
		return
	}
	o, err := s.x.Order(key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// PendingOrders handles GET /api/v1/orders/pending
func (s *Service) PendingOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.x.PendingOrders()))
}

// ExecutableOrders handles GET /api/v1/orders/executable
func (s *Service) ExecutableOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.x.ExecutableOrders()))
}

// GetAccountOrders handles GET /api/v1/accounts/{account}/orders
func (s *Service) GetAccountOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.x.AccountOrders(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(orders))
}

// --- Positions ---

// GetPosition handles GET /api/v1/positions/{positionKey}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	key, ok := positionKey(w, r)
	if !ok {
		return
	}
	p, err := s.x.Position(key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// LiquidatePosition handles POST /api/v1/positions/{positionKey}/liquidate.
// Only accounts holding the keeper or liquidator role may call it.
func (s *Service) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	liquidator, ok := requireAccount(w, r)
	if !ok {
		return
	}
	key, ok := positionKey(w, r)
	if !ok {
		return
	}
	res, err := s.x.LiquidatePosition(r.Context(), liquidator, key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LiquidatablePositions handles GET /api/v1/positions/liquidatable
func (s *Service) LiquidatablePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.x.LiquidatablePositions()))
}

// GetAccountPositions handles GET /api/v1/accounts/{account}/positions
func (s *Service) GetAccountPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.x.AccountPositions(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(positions))
}

func orderKey(w http.ResponseWriter, r *http.Request) (model.RequestKey, bool) {
	key, err := uuid.Parse(chi.URLParam(r, "orderKey"))
	if err != nil {
		writeError(w, "invalid order key", http.StatusBadRequest)
		return model.RequestKey{}, false
	}
	return key, true
}

func positionKey(w http.ResponseWriter, r *http.Request) (model.PositionKey, bool) {
	raw := chi.URLParam(r, "positionKey")
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		writeError(w, "invalid position key", http.StatusBadRequest)
		return model.PositionKey{}, false
	}
	return common.BytesToHash(b), true
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
