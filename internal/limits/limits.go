// Package limits enforces the per-market risk bounds applied to every
// position change: open-interest caps, the liquidity reserve and maximum
// leverage.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrMaxOpenInterestExceeded is returned when a side's OI would pass
	// its configured cap.
	ErrMaxOpenInterestExceeded = errors.New("limits: max open interest exceeded")

	// ErrInsufficientLiquidity is returned when OI would exceed the
	// reservable share of pool liquidity.
	ErrInsufficientLiquidity = errors.New("limits: insufficient liquidity")

	// ErrMaxLeverageExceeded is returned when size/collateral passes
	// max_leverage.
	ErrMaxLeverageExceeded = errors.New("limits: max leverage exceeded")

	// ErrPositionTooSmall is returned when collateral falls below the
	// market minimum.
	ErrPositionTooSmall = errors.New("limits: collateral below market minimum")
)

// Limits checks position changes against one market's config.
type Limits struct {
	cfg model.MarketConfig
}

// For binds the checks to cfg.
func For(cfg model.MarketConfig) Limits {
	return Limits{cfg: cfg}
}

// Reservable returns the share of pool liquidity that open interest may use.
func (l Limits) Reservable(pool model.PoolAmounts) (decimal.Decimal, error) {
	return fixed.MulBps(pool.LiquidityUSD, decimal.NewFromInt(int64(l.cfg.ReserveFactorBps)))
}

// CheckIncrease validates adding sizeDelta to one side's open interest and
// returns the new side OI.
func (l Limits) CheckIncrease(pool model.PoolAmounts, isLong bool, sizeDelta decimal.Decimal) (decimal.Decimal, error) {
	next, err := fixed.Add(pool.OI(isLong), sizeDelta)
	if err != nil {
		return decimal.Zero, err
	}
	if next.GreaterThan(l.cfg.MaxOI(isLong)) {
		return decimal.Zero, fmt.Errorf("%w: %s > %s", ErrMaxOpenInterestExceeded, next, l.cfg.MaxOI(isLong))
	}
	reservable, err := l.Reservable(pool)
	if err != nil {
		return decimal.Zero, err
	}
	if next.GreaterThan(reservable) {
		return decimal.Zero, fmt.Errorf("%w: oi %s > reservable %s", ErrInsufficientLiquidity, next, reservable)
	}
	return next, nil
}

// CheckReserve validates that the pool still backs both sides' open
// interest, e.g. after liquidity is withdrawn.
func (l Limits) CheckReserve(pool model.PoolAmounts) error {
	reservable, err := l.Reservable(pool)
	if err != nil {
		return err
	}
	if fixed.Max(pool.LongOI, pool.ShortOI).GreaterThan(reservable) {
		return fmt.Errorf("%w: reservable %s below open interest", ErrInsufficientLiquidity, reservable)
	}
	return nil
}

// CheckLeverage requires size*10_000/collateral ≤ max_leverage*10_000.
// The comparison is done without division so it is exact.
func (l Limits) CheckLeverage(size, collateral decimal.Decimal) error {
	if size.IsZero() {
		return nil
	}
	if collateral.Sign() <= 0 {
		return ErrMaxLeverageExceeded
	}
	limit := collateral.Mul(decimal.NewFromInt(int64(l.cfg.MaxLeverage)))
	if size.GreaterThan(limit) {
		return fmt.Errorf("%w: size %s collateral %s max %dx", ErrMaxLeverageExceeded, size, collateral, l.cfg.MaxLeverage)
	}
	return nil
}

// CheckMinCollateral enforces the market's minimum collateral for open
// positions.
func (l Limits) CheckMinCollateral(collateral decimal.Decimal) error {
	if collateral.LessThan(l.cfg.MinCollateralUSD) {
		return fmt.Errorf("%w: %s < %s", ErrPositionTooSmall, collateral, l.cfg.MinCollateralUSD)
	}
	return nil
}
