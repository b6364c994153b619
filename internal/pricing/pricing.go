// Package pricing computes execution prices for position changes.
//
// Price impact follows the open-interest imbalance of a market: trades that
// narrow the gap between long and short OI receive a bonus, trades that
// widen it pay a penalty. The imbalance is measured in basis points of total
// OI and raised to a configurable exponent, so the model is scale-invariant:
// doubling both OI sides and the trade size doubles the impact.
//
// The engine is stateless; pool state and oracle prices are passed in.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrInsufficientOpenInterest is returned when a decrease is larger
	// than the open interest of its side.
	ErrInsufficientOpenInterest = errors.New("pricing: decrease exceeds side open interest")

	// ErrZeroMidPrice is returned for a zero oracle mid. It wraps
	// fixed.ErrMathOverflow.
	ErrZeroMidPrice = fmt.Errorf("pricing: zero mid price: %w", fixed.ErrMathOverflow)

	bps2 = decimal.NewFromInt(fixed.BPS * fixed.BPS)
	two  = decimal.NewFromInt(2)
)

// Quote is the outcome of pricing one position change.
type Quote struct {
	Mid            decimal.Decimal `json:"mid"`
	BasePrice      decimal.Decimal `json:"base_price"`      // ask or bid before impact
	PriceImpactUSD decimal.Decimal `json:"price_impact_usd"` // positive is favorable to the trader
	ImpactBps      decimal.Decimal `json:"impact_bps"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
}

// Engine prices trades for one market config.
type Engine struct {
	cfg model.MarketConfig
}

// New returns an engine for cfg.
func New(cfg model.MarketConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Imbalance returns |long-short| * 10_000 / (long+short), or zero for an
// empty market.
func Imbalance(long, short decimal.Decimal) (decimal.Decimal, error) {
	total := long.Add(short)
	if total.IsZero() {
		return decimal.Zero, nil
	}
	return fixed.MulDiv(long.Sub(short).Abs(), fixed.BPSDec, total)
}

// PriceImpact returns the signed USD impact of changing one side's OI by
// size. The result is clamped to ±10% of size.
func (e *Engine) PriceImpact(pool model.PoolAmounts, isLong bool, size decimal.Decimal, isIncrease bool) (decimal.Decimal, error) {
	long, short := pool.LongOI, pool.ShortOI

	nextLong, nextShort := long, short
	side := &nextShort
	if isLong {
		side = &nextLong
	}
	if isIncrease {
		*side = side.Add(size)
	} else {
		if side.LessThan(size) {
			return decimal.Zero, fmt.Errorf("%w: oi %s, decrease %s", ErrInsufficientOpenInterest, *side, size)
		}
		*side = side.Sub(size)
	}

	if long.Add(short).IsZero() || size.IsZero() {
		return decimal.Zero, nil
	}

	before, err := Imbalance(long, short)
	if err != nil {
		return decimal.Zero, err
	}
	after, err := Imbalance(nextLong, nextShort)
	if err != nil {
		return decimal.Zero, err
	}
	if before.Equal(after) {
		return decimal.Zero, nil
	}

	factor := e.cfg.PIFactorNegative
	if after.LessThan(before) {
		factor = e.cfg.PIFactorPositive
	}

	powBefore, err := fixed.PowBps(before, e.cfg.PIExponent)
	if err != nil {
		return decimal.Zero, err
	}
	powAfter, err := fixed.PowBps(after, e.cfg.PIExponent)
	if err != nil {
		return decimal.Zero, err
	}

	delta := powBefore.Sub(powAfter) // positive when the imbalance narrows
	impact, err := fixed.MulDiv(delta.Mul(decimal.NewFromInt(int64(factor))), size, bps2)
	if err != nil {
		return decimal.Zero, err
	}

	limit := fixed.TenPercent(size)
	return fixed.Clamp(impact, limit.Neg(), limit), nil
}

// Quote prices a change of size USD on one side. Increases of longs and
// decreases of shorts buy at the ask; the others sell at the bid.
func (e *Engine) Quote(pool model.PoolAmounts, mid, spread decimal.Decimal, isLong bool, size decimal.Decimal, isIncrease bool) (Quote, error) {
	if mid.IsZero() {
		return Quote{}, ErrZeroMidPrice
	}

	impact, err := e.PriceImpact(pool, isLong, size, isIncrease)
	if err != nil {
		return Quote{}, err
	}

	halfSpread, _ := spread.QuoRem(two, 0)
	buying := isLong == isIncrease
	base := mid.Sub(halfSpread)
	if buying {
		base = mid.Add(halfSpread)
	}

	impactBps := decimal.Zero
	if !size.IsZero() {
		if impactBps, err = fixed.MulDiv(impact, fixed.BPSDec, size); err != nil {
			return Quote{}, err
		}
	}
	adj, err := fixed.MulBps(base, impactBps)
	if err != nil {
		return Quote{}, err
	}

	// A favorable impact lowers the price a buyer pays and raises the
	// price a seller receives.
	price := base.Add(adj)
	if buying {
		price = base.Sub(adj)
	}

	band := fixed.TenPercent(mid)
	price = fixed.Clamp(price, mid.Sub(band), mid.Add(band))

	return Quote{
		Mid:            mid,
		BasePrice:      base,
		PriceImpactUSD: impact,
		ImpactBps:      impactBps,
		ExecutionPrice: price,
	}, nil
}

// Acceptable reports whether price honours a trader's limit. Buyers need
// price ≤ acceptable; sellers need price ≥ acceptable.
func Acceptable(price, acceptable decimal.Decimal, isLong, isIncrease bool) bool {
	if isLong == isIncrease {
		return price.LessThanOrEqual(acceptable)
	}
	return price.GreaterThanOrEqual(acceptable)
}
