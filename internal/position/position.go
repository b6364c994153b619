// Package position opens, resizes, closes and liquidates leveraged
// positions against a market pool.
//
// Every operation reads its inputs from a Ledger, validates everything, and
// only then stages writes. Callers pass a transaction-scoped Ledger so that a
// failed call leaves no trace.
package position

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	ErrPositionNotFound         = errors.New("position: not found")
	ErrPositionNotLiquidatable  = errors.New("position: not liquidatable")
	ErrInsufficientPositionSize = errors.New("position: decrease exceeds position size")
	ErrInvalidPrice             = errors.New("position: execution price must be positive")
	ErrEmptyChange              = errors.New("position: size and collateral deltas are both zero")

	// ErrInsolvency is returned when the pool cannot pay a trader's profit
	// or an unsigned pool quantity would go negative.
	ErrInsolvency = errors.New("position: pool insolvent")

	// ErrInsufficientCollateral is shared with fee settlement.
	ErrInsufficientCollateral = fees.ErrInsufficientCollateral

	// ErrInsufficientBalance is the custody ledger's debit failure.
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
)

// Ledger is the state a position change reads and stages.
type Ledger interface {
	Now() int64
	Config(market string) (model.MarketConfig, error)
	Pool(market string) (model.PoolAmounts, error)
	PutPool(p model.PoolAmounts)
	Position(key model.PositionKey) (model.Position, bool)
	PutPosition(p model.Position)
	DeletePosition(key model.PositionKey)
	Balance(account string) decimal.Decimal
	Debit(account string, amount decimal.Decimal) error
	Credit(account string, amount decimal.Decimal) error
	Emit(e model.Event)
}

// Change identifies a position and the deltas applied to it.
type Change struct {
	Account            string
	Market             string
	CollateralToken    string
	IsLong             bool
	SizeDeltaUSD       decimal.Decimal
	CollateralDeltaUSD decimal.Decimal
	ExecutionPrice     decimal.Decimal
}

// Key returns the position key the change applies to.
func (c Change) Key() model.PositionKey {
	return model.NewPositionKey(c.Account, c.Market, c.CollateralToken, c.IsLong)
}

// IncreaseResult reports an applied increase.
type IncreaseResult struct {
	Position      model.Position  `json:"position"`
	TradingFeeUSD decimal.Decimal `json:"trading_fee_usd"`
	Fees          fees.Settlement `json:"fees"`
}

// DecreaseResult reports an applied decrease. Position is the remaining
// position, or the final image when Closed.
type DecreaseResult struct {
	Position       model.Position  `json:"position"`
	Closed         bool            `json:"closed"`
	RealizedPnLUSD decimal.Decimal `json:"realized_pnl_usd"`
	PayoutUSD      decimal.Decimal `json:"payout_usd"`
	TradingFeeUSD  decimal.Decimal `json:"trading_fee_usd"`
	BadDebtUSD     decimal.Decimal `json:"bad_debt_usd"`
	Fees           fees.Settlement `json:"fees"`
}

// LiquidationResult reports an applied liquidation.
type LiquidationResult struct {
	Position         model.Position  `json:"position"`
	PnLUSD           decimal.Decimal `json:"pnl_usd"`
	LiquidatorFeeUSD decimal.Decimal `json:"liquidator_fee_usd"`
	RemainderUSD     decimal.Decimal `json:"remainder_usd"`
	Fees             fees.Settlement `json:"fees"`
}

// Increase opens a position or adds size and collateral to it. The
// collateral delta plus the trading fee is debited from the account.
func Increase(l Ledger, c Change) (IncreaseResult, error) {
	if c.ExecutionPrice.Sign() <= 0 {
		return IncreaseResult{}, ErrInvalidPrice
	}
	if c.SizeDeltaUSD.IsZero() && c.CollateralDeltaUSD.IsZero() {
		return IncreaseResult{}, ErrEmptyChange
	}
	cfg, err := l.Config(c.Market)
	if err != nil {
		return IncreaseResult{}, err
	}
	pool, err := l.Pool(c.Market)
	if err != nil {
		return IncreaseResult{}, err
	}
	now := l.Now()

	key := c.Key()
	pos, exists := l.Position(key)
	settlement := fees.Settlement{}
	if exists {
		if pos, pool, settlement, err = fees.SettlePosition(pos, pool, cfg, now); err != nil {
			return IncreaseResult{}, err
		}
	} else {
		pos = model.Position{
			Key:               key,
			Account:           c.Account,
			Market:            c.Market,
			CollateralToken:   c.CollateralToken,
			IsLong:            c.IsLong,
			SizeUSD:           decimal.Zero,
			CollateralUSD:     decimal.Zero,
			EntryPrice:        decimal.Zero,
			FundingCheckpoint: pool.CumulativeFunding(c.IsLong),
			LastFeeUpdate:     now,
		}
	}

	newSize, err := fixed.Add(pos.SizeUSD, c.SizeDeltaUSD)
	if err != nil {
		return IncreaseResult{}, err
	}
	entry := c.ExecutionPrice
	if pos.SizeUSD.IsPositive() {
		weighted := pos.SizeUSD.Mul(pos.EntryPrice).Add(c.SizeDeltaUSD.Mul(c.ExecutionPrice))
		if entry, err = fixed.Quo(weighted, newSize); err != nil {
			return IncreaseResult{}, err
		}
	}

	tradingFee, err := fixed.MulBps(c.SizeDeltaUSD, decimal.NewFromInt(int64(cfg.TradingFeeBps)))
	if err != nil {
		return IncreaseResult{}, err
	}
	cost := c.CollateralDeltaUSD.Add(tradingFee)
	if bal := l.Balance(c.Account); bal.LessThan(cost) {
		return IncreaseResult{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, cost)
	}

	lim := limits.For(cfg)
	newOI, err := lim.CheckIncrease(pool, c.IsLong, c.SizeDeltaUSD)
	if err != nil {
		return IncreaseResult{}, err
	}
	newCollateral, err := fixed.Add(pos.CollateralUSD, c.CollateralDeltaUSD)
	if err != nil {
		return IncreaseResult{}, err
	}
	if err := lim.CheckLeverage(newSize, newCollateral); err != nil {
		return IncreaseResult{}, err
	}
	if err := lim.CheckMinCollateral(newCollateral); err != nil {
		return IncreaseResult{}, err
	}

	pos.SizeUSD = newSize
	pos.CollateralUSD = newCollateral
	pos.EntryPrice = entry
	pos.IncreasedAt = now
	if pos.LiquidationPrice, err = LiquidationPrice(pos, cfg.LiquidationThresholdBps); err != nil {
		return IncreaseResult{}, err
	}

	ownFee, err := fixed.Add(pool.ClaimableFee(c.IsLong), tradingFee)
	if err != nil {
		return IncreaseResult{}, err
	}

	// Commit.
	if err := l.Debit(c.Account, cost); err != nil {
		return IncreaseResult{}, err
	}
	pool.SetOI(c.IsLong, newOI)
	pool.SetClaimableFee(c.IsLong, ownFee)
	l.PutPool(pool)
	l.PutPosition(pos)

	isLong := c.IsLong
	l.Emit(model.Event{
		Type:    model.EventPositionIncreased,
		Market:  c.Market,
		Account: c.Account,
		Key:     key.Hex(),
		IsLong:  &isLong,
		Price:   c.ExecutionPrice,
		Amount:  c.SizeDeltaUSD,
	})
	return IncreaseResult{Position: pos, TradingFeeUSD: tradingFee, Fees: settlement}, nil
}
