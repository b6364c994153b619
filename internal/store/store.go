// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/model"
)

// ErrNotFound is returned by reads of a missing market or pool.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Write path ---

	// SaveBatch persists the writes of one committed call atomically.
	SaveBatch(ctx context.Context, b *ledger.Batch) error

	// Load returns the full persisted state for replay into a ledger.
	Load(ctx context.Context) (*ledger.Batch, error)

	// --- Read path ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	GetPool(ctx context.Context, marketID string) (*model.PoolAmounts, error)
	GetAccountPositions(ctx context.Context, account string) ([]model.Position, error)
	GetAccountOrders(ctx context.Context, account string) ([]model.Order, error)
	GetBalance(ctx context.Context, account string) (decimal.Decimal, error)
}
