package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/position"
)

// Reads of markets, pools and account data go through the store so that a
// cache in front of it serves them. Reads that need the oracle or the full
// order book use the in-memory ledger.

func (x *Exchange) Market(ctx context.Context, id string) (*model.Market, error) {
	return x.store.GetMarket(ctx, id)
}

func (x *Exchange) Markets(ctx context.Context) ([]model.Market, error) {
	return x.store.ListMarkets(ctx)
}

func (x *Exchange) Pool(ctx context.Context, marketID string) (*model.PoolAmounts, error) {
	return x.store.GetPool(ctx, marketID)
}

func (x *Exchange) AccountPositions(ctx context.Context, account string) ([]model.Position, error) {
	return x.store.GetAccountPositions(ctx, account)
}

func (x *Exchange) AccountOrders(ctx context.Context, account string) ([]model.Order, error) {
	return x.store.GetAccountOrders(ctx, account)
}

func (x *Exchange) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	return x.store.GetBalance(ctx, account)
}

// Config returns a market's risk config.
func (x *Exchange) Config(marketID string) (model.MarketConfig, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ledger.Config(marketID)
}

// Position returns a position by key.
func (x *Exchange) Position(key model.PositionKey) (model.Position, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.ledger.Position(key)
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", position.ErrPositionNotFound, key.Hex())
	}
	return p, nil
}

// Order returns an order by key.
func (x *Exchange) Order(key model.RequestKey) (model.Order, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	o, ok := x.ledger.Order(key)
	if !ok {
		return model.Order{}, fmt.Errorf("%w: %s", order.ErrOrderNotFound, key)
	}
	return o, nil
}

// MarketTokenBalance returns an LP's share balance in a market.
func (x *Exchange) MarketTokenBalance(marketID, account string) (decimal.Decimal, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.ledger.Tokens(marketID)
	if !ok {
		return decimal.Zero, false
	}
	return t.BalanceOf(account), true
}

// PendingOrders returns every saved order still waiting for its trigger.
func (x *Exchange) PendingOrders() []model.Order {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ledger.Orders(func(o model.Order) bool { return o.Status == model.OrderCreated })
}

// ExecutableOrders returns saved orders whose trigger holds at the current
// fresh mid price.
func (x *Exchange) ExecutableOrders() []model.Order {
	x.mu.RLock()
	defer x.mu.RUnlock()
	now := x.clock().Unix()
	return x.ledger.Orders(func(o model.Order) bool {
		m, ok := x.ledger.Market(o.Market)
		return ok && order.Executable(o, m.IndexToken, x.feed, now)
	})
}

// LiquidatablePositions returns positions under their maintenance margin
// at the current fresh mid price.
func (x *Exchange) LiquidatablePositions() []model.Position {
	x.mu.RLock()
	defer x.mu.RUnlock()
	now := x.clock().Unix()
	return x.ledger.Positions(func(p model.Position) bool {
		m, ok := x.ledger.Market(p.Market)
		if !ok {
			return false
		}
		cfg, ok := x.ledger.Config(p.Market)
		if !ok || x.feed.EnsureFresh(m.IndexToken, now) != nil {
			return false
		}
		mid, err := x.feed.Mid(m.IndexToken)
		if err != nil {
			return false
		}
		liquidatable, err := position.IsLiquidatable(p, mid, cfg.LiquidationThresholdBps)
		return err == nil && liquidatable
	})
}

// Snapshot serializes the committed in-memory state.
func (x *Exchange) Snapshot() ([]byte, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ledger.Snapshot()
}
