// Package exchange is the single entry point to the engine. Each exported
// operation is one state transition: it runs against a staged ledger
// transaction, persists the resulting batch, and only then applies it to
// memory and publishes its events. Operations are serialized by a mutex;
// queries take a read lock.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/store"
)

// ErrInvalidAccount is returned for custody calls without an account.
var ErrInvalidAccount = errors.New("exchange: account required")

// Oracle is the price source: reads for execution plus signed submissions.
type Oracle interface {
	oracle.PriceFeed
	Submit(batch []oracle.SignedPrice, now int64) error
}

// Publisher receives committed events. It must not block.
type Publisher interface {
	Publish(e model.Event)
}

// Deps are the collaborators of an Exchange. Clock and Publisher are
// optional.
type Deps struct {
	Store     store.Store
	Oracle    Oracle
	Auth      auth.Authorizer
	Clock     func() time.Time
	Publisher Publisher
}

// Exchange serializes every state-changing call over one ledger.
type Exchange struct {
	mu     sync.RWMutex
	ledger *ledger.Ledger
	store  store.Store
	feed   Oracle
	auth   auth.Authorizer
	clock  func() time.Time
	pub    Publisher
}

// New restores the persisted state from deps.Store and returns an exchange
// over it.
func New(ctx context.Context, deps Deps) (*Exchange, error) {
	if deps.Store == nil || deps.Oracle == nil || deps.Auth == nil {
		return nil, errors.New("exchange: store, oracle and auth are required")
	}
	x := &Exchange{
		ledger: ledger.New(),
		store:  deps.Store,
		feed:   deps.Oracle,
		auth:   deps.Auth,
		clock:  deps.Clock,
		pub:    deps.Publisher,
	}
	if x.clock == nil {
		x.clock = time.Now
	}

	b, err := deps.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange: load state: %w", err)
	}
	x.ledger.Apply(b)
	for _, p := range b.Pools {
		metrics.ObservePool(p)
	}
	metrics.ActiveMarkets.Set(float64(len(b.Markets)))
	slog.Info("exchange state restored",
		"markets", len(b.Markets), "positions", len(b.Positions), "orders", len(b.Orders), "sequence", b.Sequence)
	return x, nil
}

// run executes one state transition. fn stages into tx; on error nothing
// is persisted or applied.
func (x *Exchange) run(ctx context.Context, op string, fn func(tx *ledger.Tx) error) error {
	start := time.Now()
	defer func() { metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	x.mu.Lock()
	defer x.mu.Unlock()

	tx := x.ledger.Begin(x.clock().Unix())
	if err := fn(tx); err != nil {
		metrics.OperationsTotal.WithLabelValues(op, "rejected").Inc()
		return err
	}

	b := tx.Batch()
	if !b.Empty() || b.Sequence != x.ledger.Sequence() {
		if err := x.store.SaveBatch(ctx, b); err != nil {
			metrics.OperationsTotal.WithLabelValues(op, "error").Inc()
			slog.Error("persist batch failed", "op", op, "sequence", b.Sequence, "err", err)
			return fmt.Errorf("exchange: %s: %w", op, err)
		}
		x.ledger.Apply(b)
	}
	metrics.OperationsTotal.WithLabelValues(op, "ok").Inc()

	for _, p := range b.Pools {
		metrics.ObservePool(p)
	}
	if len(b.Markets) > 0 {
		metrics.ActiveMarkets.Set(float64(len(x.ledger.Markets())))
	}
	for _, e := range tx.Events() {
		metrics.ObserveEvent(e)
		if x.pub != nil {
			x.pub.Publish(e)
		}
	}
	return nil
}

// --- Markets ---

func (x *Exchange) CreateMarket(ctx context.Context, actor string, m model.Market, cfg model.MarketConfig) (model.Market, error) {
	var out model.Market
	err := x.run(ctx, "create_market", func(tx *ledger.Tx) error {
		var err error
		out, err = registry.CreateMarket(tx, x.auth, actor, m, cfg)
		return err
	})
	if err == nil {
		slog.Info("market created", "market", out.ID, "index", out.IndexToken, "actor", actor)
	}
	return out, err
}

func (x *Exchange) SetMarketConfig(ctx context.Context, actor, marketID string, cfg model.MarketConfig) error {
	return x.run(ctx, "set_market_config", func(tx *ledger.Tx) error {
		return registry.SetMarketConfig(tx, x.auth, actor, marketID, cfg)
	})
}

// --- Liquidity ---

func (x *Exchange) AddLiquidity(ctx context.Context, lp, marketID string, longAmount, shortAmount, minMint decimal.Decimal) (decimal.Decimal, error) {
	var minted decimal.Decimal
	err := x.run(ctx, "add_liquidity", func(tx *ledger.Tx) error {
		var err error
		minted, err = pool.AddLiquidity(tx, x.feed, lp, marketID, longAmount, shortAmount, minMint)
		return err
	})
	return minted, err
}

func (x *Exchange) RemoveLiquidity(ctx context.Context, lp, marketID string, shares, minLongOut, minShortOut decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	var long, short decimal.Decimal
	err := x.run(ctx, "remove_liquidity", func(tx *ledger.Tx) error {
		var err error
		long, short, err = pool.RemoveLiquidity(tx, x.feed, lp, marketID, shares, minLongOut, minShortOut)
		return err
	})
	return long, short, err
}

// --- Orders ---

func (x *Exchange) CreateOrder(ctx context.Context, account string, req order.Request) (order.Result, error) {
	var res order.Result
	err := x.run(ctx, "create_order", func(tx *ledger.Tx) error {
		var err error
		res, err = order.Create(tx, x.feed, account, req)
		return err
	})
	return res, err
}

func (x *Exchange) UpdateOrder(ctx context.Context, account string, key model.RequestKey, u order.Update) (model.Order, error) {
	var o model.Order
	err := x.run(ctx, "update_order", func(tx *ledger.Tx) error {
		var err error
		o, err = order.UpdateOrder(tx, account, key, u)
		return err
	})
	return o, err
}

func (x *Exchange) CancelOrder(ctx context.Context, account string, key model.RequestKey) (model.Order, error) {
	var o model.Order
	err := x.run(ctx, "cancel_order", func(tx *ledger.Tx) error {
		var err error
		o, err = order.Cancel(tx, account, key)
		return err
	})
	return o, err
}

func (x *Exchange) ExecuteSavedOrder(ctx context.Context, executor string, key model.RequestKey) (order.Result, error) {
	var res order.Result
	err := x.run(ctx, "execute_order", func(tx *ledger.Tx) error {
		var err error
		res, err = order.ExecuteSaved(tx, x.feed, executor, key)
		return err
	})
	return res, err
}

// --- Liquidation ---

// LiquidatePosition closes an unhealthy position at the index mid price.
// The caller must be a keeper or liquidator.
func (x *Exchange) LiquidatePosition(ctx context.Context, liquidator string, key model.PositionKey) (position.LiquidationResult, error) {
	var res position.LiquidationResult
	err := x.run(ctx, "liquidate_position", func(tx *ledger.Tx) error {
		if err := auth.RequireLiquidator(x.auth, liquidator); err != nil {
			return err
		}
		pos, ok := tx.Position(key)
		if !ok {
			return fmt.Errorf("%w: %s", position.ErrPositionNotFound, key.Hex())
		}
		mkt, err := tx.Market(pos.Market)
		if err != nil {
			return err
		}
		cfg, err := tx.Config(pos.Market)
		if err != nil {
			return err
		}
		if err := x.feed.EnsureFresh(mkt.IndexToken, tx.Now()); err != nil {
			return err
		}
		mid, err := x.feed.Mid(mkt.IndexToken)
		if err != nil {
			return err
		}
		p, err := tx.Pool(pos.Market)
		if err != nil {
			return err
		}
		accrued, err := fees.AccruePool(p, cfg, tx.Now())
		if err != nil {
			return err
		}
		tx.PutPool(accrued)

		res, err = position.Liquidate(tx, liquidator, key, mid, cfg.LiquidationFeeBps)
		return err
	})
	if err == nil {
		slog.Info("position liquidated",
			"key", key.Hex(), "liquidator", liquidator, "fee", res.LiquidatorFeeUSD, "pnl", res.PnLUSD)
	}
	return res, err
}

// --- Custody ---

// Deposit credits account with amount micro-USD and returns the new balance.
func (x *Exchange) Deposit(ctx context.Context, account string, amount decimal.Decimal) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := x.run(ctx, "deposit", func(tx *ledger.Tx) error {
		if account == "" {
			return ErrInvalidAccount
		}
		if amount.Sign() <= 0 {
			return ledger.ErrInvalidAmount
		}
		if err := tx.Credit(account, amount); err != nil {
			return err
		}
		bal = tx.Balance(account)
		tx.Emit(model.Event{Type: model.EventDeposit, Account: account, Amount: amount})
		return nil
	})
	return bal, err
}

// Withdraw debits account by amount micro-USD and returns the new balance.
func (x *Exchange) Withdraw(ctx context.Context, account string, amount decimal.Decimal) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := x.run(ctx, "withdraw", func(tx *ledger.Tx) error {
		if account == "" {
			return ErrInvalidAccount
		}
		if amount.Sign() <= 0 {
			return ledger.ErrInvalidAmount
		}
		if err := tx.Debit(account, amount); err != nil {
			return err
		}
		bal = tx.Balance(account)
		tx.Emit(model.Event{Type: model.EventWithdrawal, Account: account, Amount: amount})
		return nil
	})
	return bal, err
}

// --- Oracle ---

// SubmitPrices verifies and stores a batch of signed oracle quotes.
func (x *Exchange) SubmitPrices(batch []oracle.SignedPrice) error {
	return x.feed.Submit(batch, x.clock().Unix())
}
