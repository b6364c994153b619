package position

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/model"
)

// Decrease reduces a position's size and withdraws collateral, realizing
// the proportional share of PnL against the pool. Closing the full size
// withdraws all remaining collateral.
func Decrease(l Ledger, c Change) (DecreaseResult, error) {
	if c.ExecutionPrice.Sign() <= 0 {
		return DecreaseResult{}, ErrInvalidPrice
	}
	cfg, err := l.Config(c.Market)
	if err != nil {
		return DecreaseResult{}, err
	}
	pool, err := l.Pool(c.Market)
	if err != nil {
		return DecreaseResult{}, err
	}
	key := c.Key()
	pos, ok := l.Position(key)
	if !ok {
		return DecreaseResult{}, fmt.Errorf("%w: %s", ErrPositionNotFound, key.Hex())
	}
	now := l.Now()

	pos, pool, settlement, err := fees.SettlePosition(pos, pool, cfg, now)
	if err != nil {
		return DecreaseResult{}, err
	}

	if c.SizeDeltaUSD.GreaterThan(pos.SizeUSD) {
		return DecreaseResult{}, fmt.Errorf("%w: size %s, decrease %s", ErrInsufficientPositionSize, pos.SizeUSD, c.SizeDeltaUSD)
	}
	if c.CollateralDeltaUSD.GreaterThan(pos.CollateralUSD) {
		return DecreaseResult{}, fmt.Errorf("%w: collateral %s, withdraw %s", ErrInsufficientCollateral, pos.CollateralUSD, c.CollateralDeltaUSD)
	}
	if c.SizeDeltaUSD.IsZero() && c.CollateralDeltaUSD.IsZero() {
		return DecreaseResult{}, ErrEmptyChange
	}

	pnl, err := PnL(pos, c.ExecutionPrice)
	if err != nil {
		return DecreaseResult{}, err
	}
	share := decimal.Zero
	if pos.SizeUSD.IsPositive() {
		if share, err = fixed.MulDiv(pnl, c.SizeDeltaUSD, pos.SizeUSD); err != nil {
			return DecreaseResult{}, err
		}
	}

	closing := c.SizeDeltaUSD.Equal(pos.SizeUSD)
	withdrawn := c.CollateralDeltaUSD
	if closing {
		withdrawn = pos.CollateralUSD
	}
	remaining := pos.CollateralUSD.Sub(withdrawn)

	// Pool liquidity takes the other side of the realized PnL. A loss
	// larger than the withdrawn collateral is taken from what remains;
	// on a full close any excess is bad debt.
	payout := withdrawn.Add(share)
	poolDelta := share.Neg()
	badDebt := decimal.Zero
	if payout.IsNegative() {
		deficit := payout.Neg()
		payout = decimal.Zero
		switch {
		case closing:
			poolDelta = withdrawn
			badDebt = deficit
		case remaining.GreaterThanOrEqual(deficit):
			remaining = remaining.Sub(deficit)
		default:
			return DecreaseResult{}, fmt.Errorf("%w: loss %s exceeds collateral", ErrInsufficientCollateral, share.Neg())
		}
	}

	tradingFee, err := fixed.MulBps(c.SizeDeltaUSD, decimal.NewFromInt(int64(cfg.TradingFeeBps)))
	if err != nil {
		return DecreaseResult{}, err
	}
	tradingFee = fixed.Min(tradingFee, payout)
	payout = payout.Sub(tradingFee)

	liquidity, err := fixed.CheckUnsigned(pool.LiquidityUSD.Add(poolDelta))
	if err != nil {
		return DecreaseResult{}, insolvent(err, "liquidity %s cannot pay %s", pool.LiquidityUSD, share)
	}
	oi, err := fixed.Sub(pool.OI(c.IsLong), c.SizeDeltaUSD)
	if err != nil {
		return DecreaseResult{}, insolvent(err, "open interest below position size")
	}
	ownFee, err := fixed.Add(pool.ClaimableFee(c.IsLong), tradingFee)
	if err != nil {
		return DecreaseResult{}, err
	}

	next := pos
	next.DecreasedAt = now
	if !closing {
		next.SizeUSD = pos.SizeUSD.Sub(c.SizeDeltaUSD)
		next.CollateralUSD = remaining
		if err := limits.For(cfg).CheckLeverage(next.SizeUSD, next.CollateralUSD); err != nil {
			return DecreaseResult{}, err
		}
		if next.LiquidationPrice, err = LiquidationPrice(next, cfg.LiquidationThresholdBps); err != nil {
			return DecreaseResult{}, err
		}
	} else {
		next.SizeUSD = decimal.Zero
		next.CollateralUSD = decimal.Zero
	}

	// Commit.
	if err := l.Credit(c.Account, payout); err != nil {
		return DecreaseResult{}, err
	}
	pool.LiquidityUSD = liquidity
	pool.SetOI(c.IsLong, oi)
	pool.SetClaimableFee(c.IsLong, ownFee)
	l.PutPool(pool)
	if closing {
		l.DeletePosition(key)
	} else {
		l.PutPosition(next)
	}

	isLong := c.IsLong
	l.Emit(model.Event{
		Type:    model.EventPositionDecreased,
		Market:  c.Market,
		Account: c.Account,
		Key:     key.Hex(),
		IsLong:  &isLong,
		Price:   c.ExecutionPrice,
		Amount:  c.SizeDeltaUSD,
	})

	return DecreaseResult{
		Position:       next,
		Closed:         closing,
		RealizedPnLUSD: share,
		PayoutUSD:      payout,
		TradingFeeUSD:  tradingFee,
		BadDebtUSD:     badDebt,
		Fees:           settlement,
	}, nil
}

// Liquidate closes an unhealthy position at price. feeBps of the remaining
// collateral goes to the liquidator, what is left after PnL goes to the
// owner, and the pool keeps the rest.
func Liquidate(l Ledger, liquidator string, key model.PositionKey, price decimal.Decimal, feeBps uint32) (LiquidationResult, error) {
	if price.Sign() <= 0 {
		return LiquidationResult{}, ErrInvalidPrice
	}
	pos, ok := l.Position(key)
	if !ok {
		return LiquidationResult{}, fmt.Errorf("%w: %s", ErrPositionNotFound, key.Hex())
	}
	cfg, err := l.Config(pos.Market)
	if err != nil {
		return LiquidationResult{}, err
	}
	pool, err := l.Pool(pos.Market)
	if err != nil {
		return LiquidationResult{}, err
	}

	// Fees that exceed collateral still settle: the collateral is consumed
	// and the liquidation proceeds on what is left.
	pos, pool, settlement, err := fees.SettlePosition(pos, pool, cfg, l.Now())
	if err != nil && !errors.Is(err, fees.ErrInsufficientCollateral) {
		return LiquidationResult{}, err
	}

	liquidatable, err := IsLiquidatable(pos, price, cfg.LiquidationThresholdBps)
	if err != nil {
		return LiquidationResult{}, err
	}
	if !liquidatable {
		return LiquidationResult{}, ErrPositionNotLiquidatable
	}

	pnl, err := PnL(pos, price)
	if err != nil {
		return LiquidationResult{}, err
	}
	fee, err := fixed.MulBps(pos.CollateralUSD, decimal.NewFromInt(int64(feeBps)))
	if err != nil {
		return LiquidationResult{}, err
	}
	fee = fixed.Min(fee, pos.CollateralUSD)
	remainder := fixed.Max(pos.CollateralUSD.Sub(fee).Add(pnl), decimal.Zero)
	poolDelta := pos.CollateralUSD.Sub(fee).Sub(remainder)

	liquidity, err := fixed.CheckUnsigned(pool.LiquidityUSD.Add(poolDelta))
	if err != nil {
		return LiquidationResult{}, insolvent(err, "liquidity %s cannot pay %s", pool.LiquidityUSD, poolDelta.Neg())
	}
	oi, err := fixed.Sub(pool.OI(pos.IsLong), pos.SizeUSD)
	if err != nil {
		return LiquidationResult{}, insolvent(err, "open interest below position size")
	}

	// Commit.
	if err := l.Credit(liquidator, fee); err != nil {
		return LiquidationResult{}, err
	}
	if err := l.Credit(pos.Account, remainder); err != nil {
		return LiquidationResult{}, err
	}
	pool.LiquidityUSD = liquidity
	pool.SetOI(pos.IsLong, oi)
	l.PutPool(pool)
	l.DeletePosition(key)

	isLong := pos.IsLong
	l.Emit(model.Event{
		Type:    model.EventPositionLiquidated,
		Market:  pos.Market,
		Account: pos.Account,
		Key:     key.Hex(),
		IsLong:  &isLong,
		Price:   price,
		Amount:  pos.SizeUSD,
	})

	return LiquidationResult{
		Position:         pos,
		PnLUSD:           pnl,
		LiquidatorFeeUSD: fee,
		RemainderUSD:     remainder,
		Fees:             settlement,
	}, nil
}

func insolvent(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %s (%v)", ErrInsolvency, fmt.Sprintf(format, args...), cause)
}
