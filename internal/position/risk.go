package position

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// PnL returns the unrealized profit of pos at price:
// size * (price - entry) / entry for longs, negated for shorts.
func PnL(pos model.Position, price decimal.Decimal) (decimal.Decimal, error) {
	if pos.SizeUSD.IsZero() || pos.EntryPrice.IsZero() {
		return decimal.Zero, nil
	}
	diff := price.Sub(pos.EntryPrice)
	if !pos.IsLong {
		diff = diff.Neg()
	}
	return fixed.MulDiv(pos.SizeUSD, diff, pos.EntryPrice)
}

// LiquidationPrice is the price at which collateral + PnL falls to the
// liquidation threshold. Long prices floor at zero.
func LiquidationPrice(pos model.Position, thresholdBps uint32) (decimal.Decimal, error) {
	if pos.SizeUSD.IsZero() {
		return decimal.Zero, nil
	}
	threshold, err := fixed.MulBps(pos.CollateralUSD, decimal.NewFromInt(int64(thresholdBps)))
	if err != nil {
		return decimal.Zero, err
	}
	lossAllowed := pos.CollateralUSD.Sub(threshold)
	ratio, err := fixed.MulDiv(lossAllowed, fixed.Scale, pos.SizeUSD)
	if err != nil {
		return decimal.Zero, err
	}
	if pos.IsLong {
		if ratio.GreaterThanOrEqual(fixed.Scale) {
			return decimal.Zero, nil
		}
		return fixed.MulDiv(pos.EntryPrice, fixed.Scale.Sub(ratio), fixed.Scale)
	}
	return fixed.MulDiv(pos.EntryPrice, fixed.Scale.Add(ratio), fixed.Scale)
}

// IsLiquidatable reports whether collateral + PnL at price is at or below
// collateral * thresholdBps / 10_000.
func IsLiquidatable(pos model.Position, price decimal.Decimal, thresholdBps uint32) (bool, error) {
	pnl, err := PnL(pos, price)
	if err != nil {
		return false, err
	}
	threshold, err := fixed.MulBps(pos.CollateralUSD, decimal.NewFromInt(int64(thresholdBps)))
	if err != nil {
		return false, err
	}
	return pos.CollateralUSD.Add(pnl).LessThanOrEqual(threshold), nil
}
