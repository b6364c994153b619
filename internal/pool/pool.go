// Package pool mints and burns LP shares against a market's liquidity.
//
// Deposits are valued at the oracle mid price of each pool token. The first
// deposit mints shares 1:1 with its micro-USD value; later deposits mint pro
// rata to pool liquidity. Withdrawals return the pro-rata share of liquidity
// and of both claimable-fee buckets.
package pool

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
)

var (
	ErrInvalidAmount            = errors.New("pool: amount must be positive")
	ErrSlippageExceeded         = errors.New("pool: slippage exceeded")
	ErrInsufficientMarketTokens = errors.New("pool: insufficient market tokens")

	// ErrInsufficientLiquidity is returned when a withdrawal would leave
	// open interest above the reservable liquidity, or when shares are
	// outstanding against zero liquidity.
	ErrInsufficientLiquidity = limits.ErrInsufficientLiquidity
)

// Ledger is the state liquidity operations read and stage.
type Ledger interface {
	Now() int64
	Market(id string) (model.Market, error)
	Config(id string) (model.MarketConfig, error)
	Pool(id string) (model.PoolAmounts, error)
	PutPool(p model.PoolAmounts)
	Tokens(id string) (model.MarketTokenInfo, error)
	PutTokens(t model.MarketTokenInfo)
	Emit(e model.Event)
}

// snapshot is the immutable view every liquidity computation reads from.
type snapshot struct {
	market     model.Market
	cfg        model.MarketConfig
	pool       model.PoolAmounts
	tokens     model.MarketTokenInfo
	longPrice  decimal.Decimal
	shortPrice decimal.Decimal
}

func load(l Ledger, feed oracle.PriceFeed, marketID string) (snapshot, error) {
	var s snapshot
	var err error
	if s.market, err = l.Market(marketID); err != nil {
		return s, err
	}
	if s.cfg, err = l.Config(marketID); err != nil {
		return s, err
	}
	if s.pool, err = l.Pool(marketID); err != nil {
		return s, err
	}
	if s.tokens, err = l.Tokens(marketID); err != nil {
		return s, err
	}
	for _, sym := range []string{s.market.LongToken, s.market.ShortToken} {
		if err := feed.EnsureFresh(sym, l.Now()); err != nil {
			return s, err
		}
	}
	if s.longPrice, err = feed.Mid(s.market.LongToken); err != nil {
		return s, err
	}
	if s.shortPrice, err = feed.Mid(s.market.ShortToken); err != nil {
		return s, err
	}
	if s.longPrice.Sign() <= 0 || s.shortPrice.Sign() <= 0 {
		return s, fmt.Errorf("%w: non-positive pool token price", fixed.ErrMathOverflow)
	}
	return s, nil
}

// AddLiquidity values the deposit, mints shares to lp and returns the
// number minted. Token transfer into the pool happens outside the engine.
func AddLiquidity(l Ledger, feed oracle.PriceFeed, lp, marketID string, longAmount, shortAmount, minMint decimal.Decimal) (decimal.Decimal, error) {
	if longAmount.IsNegative() || shortAmount.IsNegative() || (longAmount.IsZero() && shortAmount.IsZero()) {
		return decimal.Zero, ErrInvalidAmount
	}
	s, err := load(l, feed, marketID)
	if err != nil {
		return decimal.Zero, err
	}

	longUSD, err := fixed.FromTokens(longAmount, s.longPrice)
	if err != nil {
		return decimal.Zero, err
	}
	shortUSD, err := fixed.FromTokens(shortAmount, s.shortPrice)
	if err != nil {
		return decimal.Zero, err
	}
	deposit := longUSD.Add(shortUSD)

	var mint decimal.Decimal
	switch {
	case s.tokens.TotalSupply.IsZero():
		mint = deposit
	case s.pool.LiquidityUSD.IsZero():
		return decimal.Zero, fmt.Errorf("%w: %s shares outstanding against empty pool", ErrInsufficientLiquidity, s.tokens.TotalSupply)
	default:
		if mint, err = fixed.MulDiv(deposit, s.tokens.TotalSupply, s.pool.LiquidityUSD); err != nil {
			return decimal.Zero, err
		}
	}
	if mint.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: deposit worth %s mints no shares", ErrInvalidAmount, deposit)
	}
	if mint.LessThan(minMint) {
		return decimal.Zero, fmt.Errorf("%w: mint %s < min %s", ErrSlippageExceeded, mint, minMint)
	}

	next := s.pool
	if next.LongTokenAmount, err = fixed.Add(next.LongTokenAmount, longAmount); err != nil {
		return decimal.Zero, err
	}
	if next.ShortTokenAmount, err = fixed.Add(next.ShortTokenAmount, shortAmount); err != nil {
		return decimal.Zero, err
	}
	if next.LiquidityUSD, err = fixed.Add(next.LiquidityUSD, deposit); err != nil {
		return decimal.Zero, err
	}
	tokens := s.tokens
	if tokens.TotalSupply, err = fixed.Add(tokens.TotalSupply, mint); err != nil {
		return decimal.Zero, err
	}
	tokens.Balances[lp] = tokens.BalanceOf(lp).Add(mint)

	l.PutPool(next)
	l.PutTokens(tokens)
	l.Emit(model.Event{Type: model.EventLiquidityAdded, Market: marketID, Account: lp, Amount: mint})
	return mint, nil
}

// RemoveLiquidity burns shares and returns the long and short token
// amounts owed to lp.
func RemoveLiquidity(l Ledger, feed oracle.PriceFeed, lp, marketID string, shares, minLongOut, minShortOut decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if shares.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	s, err := load(l, feed, marketID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if bal := s.tokens.BalanceOf(lp); bal.LessThan(shares) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: have %s, burn %s", ErrInsufficientMarketTokens, bal, shares)
	}
	supply := s.tokens.TotalSupply

	liquidity, err := fixed.MulDiv(shares, s.pool.LiquidityUSD, supply)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	feeLong, err := fixed.MulDiv(shares, s.pool.ClaimableFeeLong, supply)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	feeShort, err := fixed.MulDiv(shares, s.pool.ClaimableFeeShort, supply)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	// Liquidity is split between the two legs by price weight.
	longPart, err := fixed.MulDiv(liquidity, s.longPrice, s.longPrice.Add(s.shortPrice))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	shortPart := liquidity.Sub(longPart)

	longOut, err := fixed.ToTokens(longPart.Add(feeLong), s.longPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	shortOut, err := fixed.ToTokens(shortPart.Add(feeShort), s.shortPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if longOut.LessThan(minLongOut) || shortOut.LessThan(minShortOut) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: out %s/%s, min %s/%s",
			ErrSlippageExceeded, longOut, shortOut, minLongOut, minShortOut)
	}

	next := s.pool
	next.LiquidityUSD = s.pool.LiquidityUSD.Sub(liquidity)
	next.ClaimableFeeLong = s.pool.ClaimableFeeLong.Sub(feeLong)
	next.ClaimableFeeShort = s.pool.ClaimableFeeShort.Sub(feeShort)
	// Token counters are deposit statistics. Trader losses and fees grow
	// liquidity without growing them, so they floor at zero instead of
	// gating the payout.
	next.LongTokenAmount = fixed.Max(s.pool.LongTokenAmount.Sub(longOut), decimal.Zero)
	next.ShortTokenAmount = fixed.Max(s.pool.ShortTokenAmount.Sub(shortOut), decimal.Zero)
	if err := limits.For(s.cfg).CheckReserve(next); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	tokens := s.tokens
	tokens.TotalSupply = supply.Sub(shares)
	tokens.Balances[lp] = tokens.BalanceOf(lp).Sub(shares)
	if tokens.Balances[lp].IsZero() {
		delete(tokens.Balances, lp)
	}

	l.PutPool(next)
	l.PutTokens(tokens)
	l.Emit(model.Event{Type: model.EventLiquidityRemoved, Market: marketID, Account: lp, Amount: shares})
	return longOut, shortOut, nil
}
