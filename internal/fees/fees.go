// Package fees accrues funding into a market's pool indices and settles
// funding and borrowing fees onto positions.
//
// All functions are pure: they take pool and position values and return the
// updated values, leaving it to the caller to stage them.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// ErrInsufficientCollateral is returned when settled fees exceed the
// position's collateral. The staged results are still returned.
var ErrInsufficientCollateral = errors.New("fees: fees exceed position collateral")

// maxFundingBpsPerHour caps the funding index movement.
const maxFundingBpsPerHour = 10

var (
	yearBps = fixed.Year.Mul(fixed.BPSDec)
	hourBps = fixed.Hour.Mul(fixed.BPSDec)
)

// FundingRate returns the signed annual funding rate in bps. Positive means
// longs pay shorts.
func FundingRate(pool model.PoolAmounts, cfg model.MarketConfig) (decimal.Decimal, error) {
	total := pool.LongOI.Add(pool.ShortOI)
	if total.IsZero() {
		return decimal.Zero, nil
	}
	imbalance := pool.LongOI.Sub(pool.ShortOI)
	ratio, err := fixed.MulDiv(imbalance.Abs(), fixed.BPSDec, total)
	if err != nil {
		return decimal.Zero, err
	}
	powered, err := fixed.PowBps(ratio, cfg.FundingExponent)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := fixed.MulBps(powered, decimal.NewFromInt(int64(cfg.FundingFactor)))
	if err != nil {
		return decimal.Zero, err
	}
	if imbalance.Sign() < 0 {
		rate = rate.Neg()
	}
	return rate, nil
}

// AccruePool advances the funding indices to now. A call with no elapsed
// time is a no-op. The long and short indices always move by equal and
// opposite amounts.
func AccruePool(pool model.PoolAmounts, cfg model.MarketConfig, now int64) (model.PoolAmounts, error) {
	dt := now - pool.LastFundingUpdate
	if dt <= 0 {
		return pool, nil
	}
	elapsed := decimal.NewFromInt(dt)

	rate, err := FundingRate(pool, cfg)
	if err != nil {
		return pool, err
	}

	// index delta = |rate| / 10_000 * dt / year, per USD, in funding precision.
	delta, err := fixed.MulDiv(rate.Abs().Mul(fixed.Funding), elapsed, yearBps)
	if err != nil {
		return pool, err
	}
	limit, err := fixed.MulDiv(fixed.Funding.Mul(decimal.NewFromInt(maxFundingBpsPerHour)), elapsed, hourBps)
	if err != nil {
		return pool, err
	}
	delta = fixed.Min(delta, limit)
	if rate.Sign() < 0 {
		delta = delta.Neg()
	}

	out := pool
	if out.CumulativeFundingLong, err = fixed.Add(pool.CumulativeFundingLong, delta); err != nil {
		return pool, err
	}
	if out.CumulativeFundingShort, err = fixed.Add(pool.CumulativeFundingShort, delta.Neg()); err != nil {
		return pool, err
	}
	out.LastFundingUpdate = now
	return out, nil
}

// BorrowingRate returns the annual borrowing rate in bps for one side,
// capped at 100%. Utilization is side OI over the reservable liquidity.
func BorrowingRate(pool model.PoolAmounts, cfg model.MarketConfig, isLong bool) (decimal.Decimal, error) {
	sideOI := pool.OI(isLong)
	if cfg.SkipBorrowingForSmallerSide && sideOI.LessThan(pool.OI(!isLong)) {
		return decimal.Zero, nil
	}
	sideLiquidity, err := fixed.MulBps(pool.LiquidityUSD, decimal.NewFromInt(int64(cfg.ReserveFactorBps)))
	if err != nil {
		return decimal.Zero, err
	}
	if sideLiquidity.IsZero() {
		return decimal.Zero, nil
	}
	utilization, err := fixed.MulDiv(sideOI, fixed.BPSDec, sideLiquidity)
	if err != nil {
		return decimal.Zero, err
	}
	powered, err := fixed.PowBps(utilization, cfg.BorrowingExponent)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := fixed.MulBps(powered, decimal.NewFromInt(int64(cfg.BorrowingFactor)))
	if err != nil {
		return decimal.Zero, err
	}
	return fixed.Min(rate, fixed.BPSDec), nil
}

// Settlement describes the fees applied to one position.
type Settlement struct {
	// FundingOwedUSD is the raw funding obligation; positive means the
	// position pays.
	FundingOwedUSD decimal.Decimal `json:"funding_owed_usd"`
	// FundingPaidUSD is what actually moved; negative means the position
	// was credited.
	FundingPaidUSD decimal.Decimal `json:"funding_paid_usd"`
	// FundingShortfallUSD is credit the own-side bucket could not cover.
	FundingShortfallUSD decimal.Decimal `json:"funding_shortfall_usd"`
	BorrowingFeeUSD     decimal.Decimal `json:"borrowing_fee_usd"`
	BorrowingPaidUSD    decimal.Decimal `json:"borrowing_paid_usd"`
	// UncollectedUSD is the part of the fees the collateral could not cover.
	UncollectedUSD decimal.Decimal `json:"uncollected_usd"`
}

// SettlePosition charges funding and borrowing accrued since the position's
// last update, moves the amounts between collateral and the claimable-fee
// buckets, and checkpoints the position at now.
//
// When fees exceed collateral, the returned position has zero collateral,
// the buckets hold only what was collected, and ErrInsufficientCollateral is
// returned alongside the values.
func SettlePosition(pos model.Position, pool model.PoolAmounts, cfg model.MarketConfig, now int64) (model.Position, model.PoolAmounts, Settlement, error) {
	s := Settlement{
		FundingOwedUSD:      decimal.Zero,
		FundingPaidUSD:      decimal.Zero,
		FundingShortfallUSD: decimal.Zero,
		BorrowingFeeUSD:     decimal.Zero,
		BorrowingPaidUSD:    decimal.Zero,
		UncollectedUSD:      decimal.Zero,
	}

	index := pool.CumulativeFunding(pos.IsLong)
	funding, err := fixed.MulDiv(pos.SizeUSD, index.Sub(pos.FundingCheckpoint), fixed.Funding)
	if err != nil {
		return pos, pool, s, err
	}
	s.FundingOwedUSD = funding

	if dt := now - pos.LastFeeUpdate; dt > 0 {
		rate, err := BorrowingRate(pool, cfg, pos.IsLong)
		if err != nil {
			return pos, pool, s, err
		}
		s.BorrowingFeeUSD, err = fixed.MulDiv(pos.SizeUSD.Mul(rate), decimal.NewFromInt(dt), yearBps)
		if err != nil {
			return pos, pool, s, err
		}
	}

	own := pool.ClaimableFee(pos.IsLong)
	opposite := pool.ClaimableFee(!pos.IsLong)

	// Credits are drawn from the position's own side bucket and clamped
	// to what it holds.
	fundingIn, fundingOut := decimal.Zero, decimal.Zero
	if funding.Sign() < 0 {
		fundingIn = fixed.Min(funding.Neg(), own)
		s.FundingShortfallUSD = funding.Neg().Sub(fundingIn)
	} else {
		fundingOut = funding
	}

	resources := pos.CollateralUSD.Add(fundingIn)
	borrowingPaid := fixed.Min(s.BorrowingFeeUSD, resources)
	fundingOutPaid := fixed.Min(fundingOut, resources.Sub(borrowingPaid))
	obligations := s.BorrowingFeeUSD.Add(fundingOut)

	var settleErr error
	if obligations.GreaterThan(resources) {
		s.UncollectedUSD = obligations.Sub(resources)
		settleErr = ErrInsufficientCollateral
	}

	outPos := pos
	outPos.CollateralUSD = resources.Sub(borrowingPaid).Sub(fundingOutPaid)
	outPos.FundingCheckpoint = index
	outPos.LastFeeUpdate = now

	outPool := pool
	ownNext, err := fixed.CheckUnsigned(own.Sub(fundingIn).Add(borrowingPaid))
	if err != nil {
		return pos, pool, s, err
	}
	oppositeNext, err := fixed.Add(opposite, fundingOutPaid)
	if err != nil {
		return pos, pool, s, err
	}
	outPool.SetClaimableFee(pos.IsLong, ownNext)
	outPool.SetClaimableFee(!pos.IsLong, oppositeNext)
	if outPool.TotalBorrowingFeesUSD, err = fixed.Add(pool.TotalBorrowingFeesUSD, borrowingPaid); err != nil {
		return pos, pool, s, err
	}

	s.BorrowingPaidUSD = borrowingPaid
	s.FundingPaidUSD = fundingOutPaid.Sub(fundingIn)
	return outPos, outPool, s, settleErr
}
