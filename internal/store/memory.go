package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store on an in-process ledger. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	state *ledger.Ledger
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: ledger.New()}
}

func (s *MemoryStore) SaveBatch(_ context.Context, b *ledger.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Apply(b)
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Dump(), nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.state.Market(id)
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Markets(), nil
}

func (s *MemoryStore) GetPool(_ context.Context, marketID string) (*model.PoolAmounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.state.Pool(marketID)
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, marketID)
	}
	return &p, nil
}

func (s *MemoryStore) GetAccountPositions(_ context.Context, account string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Positions(func(p model.Position) bool { return p.Account == account }), nil
}

func (s *MemoryStore) GetAccountOrders(_ context.Context, account string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Orders(func(o model.Order) bool { return o.Account == account }), nil
}

func (s *MemoryStore) GetBalance(_ context.Context, account string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Balance(account), nil
}
