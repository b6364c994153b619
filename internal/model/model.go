// Package model defines the core domain types shared across the perp engine.
// All monetary values are integer micro-USD carried in shopspring/decimal,
// never float64.
package model

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionKey identifies a position: Keccak-256 of
// (account, market, collateral token, side).
type PositionKey = common.Hash

// RequestKey identifies an order.
type RequestKey = uuid.UUID

// Market is the immutable identity of a perpetual market.
type Market struct {
	ID          string `json:"id" db:"id"`
	MarketToken string `json:"market_token" db:"market_token"`
	IndexToken  string `json:"index_token" db:"index_token"` // oracle symbol of the traded asset
	LongToken   string `json:"long_token" db:"long_token"`
	ShortToken  string `json:"short_token" db:"short_token"`
	CreatedAt   int64  `json:"created_at" db:"created_at"`
}

// MarketConfig holds the risk and fee parameters of one market. Factors are
// in basis points; exponents are clamped to 1..8 where they are used.
type MarketConfig struct {
	MarketID string `json:"market_id" db:"market_id"`

	PIFactorPositive uint32 `json:"pi_factor_positive"`
	PIFactorNegative uint32 `json:"pi_factor_negative"`
	PIExponent       uint32 `json:"pi_exponent"`

	FundingFactor   uint32 `json:"funding_factor"`
	FundingExponent uint32 `json:"funding_exponent"`

	BorrowingFactor             uint32 `json:"borrowing_factor"`
	BorrowingExponent           uint32 `json:"borrowing_exponent"`
	SkipBorrowingForSmallerSide bool   `json:"skip_borrowing_for_smaller_side"`

	TradingFeeBps     uint32 `json:"trading_fee_bps"`
	LiquidationFeeBps uint32 `json:"liquidation_fee_bps"`

	MaxLeverage             uint32          `json:"max_leverage"`
	MinCollateralUSD        decimal.Decimal `json:"min_collateral_usd"`
	LiquidationThresholdBps uint32          `json:"liquidation_threshold_bps"`
	ReserveFactorBps        uint32          `json:"reserve_factor_bps"`

	MaxLongOI  decimal.Decimal `json:"max_long_oi"`
	MaxShortOI decimal.Decimal `json:"max_short_oi"`
}

// MaxOI returns the open-interest cap for one side.
func (c MarketConfig) MaxOI(isLong bool) decimal.Decimal {
	if isLong {
		return c.MaxLongOI
	}
	return c.MaxShortOI
}

// PoolAmounts is the mutable accounting state of a market's pool.
type PoolAmounts struct {
	MarketID string `json:"market_id" db:"market_id"`

	LongTokenAmount  decimal.Decimal `json:"long_token_amount"`
	ShortTokenAmount decimal.Decimal `json:"short_token_amount"`
	LiquidityUSD     decimal.Decimal `json:"liquidity_usd"`

	LongOI  decimal.Decimal `json:"long_oi"`
	ShortOI decimal.Decimal `json:"short_oi"`

	ClaimableFeeLong  decimal.Decimal `json:"claimable_fee_long"`
	ClaimableFeeShort decimal.Decimal `json:"claimable_fee_short"`

	PositionImpactPoolUSD decimal.Decimal `json:"position_impact_pool_usd"`
	TotalBorrowingFeesUSD decimal.Decimal `json:"total_borrowing_fees_usd"`

	// Cumulative funding per USD of size, scaled by 1e12. Positive means
	// the side has paid. Always CumulativeFundingLong == -CumulativeFundingShort.
	CumulativeFundingLong  decimal.Decimal `json:"cumulative_funding_long"`
	CumulativeFundingShort decimal.Decimal `json:"cumulative_funding_short"`
	LastFundingUpdate      int64           `json:"last_funding_update"`
}

// NewPoolAmounts returns a zeroed pool whose funding clock starts at now.
func NewPoolAmounts(marketID string, now int64) PoolAmounts {
	return PoolAmounts{
		MarketID:               marketID,
		LongTokenAmount:        decimal.Zero,
		ShortTokenAmount:       decimal.Zero,
		LiquidityUSD:           decimal.Zero,
		LongOI:                 decimal.Zero,
		ShortOI:                decimal.Zero,
		ClaimableFeeLong:       decimal.Zero,
		ClaimableFeeShort:      decimal.Zero,
		PositionImpactPoolUSD:  decimal.Zero,
		TotalBorrowingFeesUSD:  decimal.Zero,
		CumulativeFundingLong:  decimal.Zero,
		CumulativeFundingShort: decimal.Zero,
		LastFundingUpdate:      now,
	}
}

// OI returns the open interest of one side.
func (p PoolAmounts) OI(isLong bool) decimal.Decimal {
	if isLong {
		return p.LongOI
	}
	return p.ShortOI
}

// SetOI replaces the open interest of one side.
func (p *PoolAmounts) SetOI(isLong bool, v decimal.Decimal) {
	if isLong {
		p.LongOI = v
	} else {
		p.ShortOI = v
	}
}

// ClaimableFee returns the claimable-fee bucket of one side.
func (p PoolAmounts) ClaimableFee(isLong bool) decimal.Decimal {
	if isLong {
		return p.ClaimableFeeLong
	}
	return p.ClaimableFeeShort
}

// SetClaimableFee replaces the claimable-fee bucket of one side.
func (p *PoolAmounts) SetClaimableFee(isLong bool, v decimal.Decimal) {
	if isLong {
		p.ClaimableFeeLong = v
	} else {
		p.ClaimableFeeShort = v
	}
}

// CumulativeFunding returns the funding index of one side.
func (p PoolAmounts) CumulativeFunding(isLong bool) decimal.Decimal {
	if isLong {
		return p.CumulativeFundingLong
	}
	return p.CumulativeFundingShort
}

// MarketTokenInfo tracks LP share supply and balances of one market.
type MarketTokenInfo struct {
	MarketID    string                     `json:"market_id"`
	TotalSupply decimal.Decimal            `json:"total_supply"`
	Balances    map[string]decimal.Decimal `json:"balances"`
}

// NewMarketTokenInfo returns an empty share ledger.
func NewMarketTokenInfo(marketID string) MarketTokenInfo {
	return MarketTokenInfo{
		MarketID:    marketID,
		TotalSupply: decimal.Zero,
		Balances:    map[string]decimal.Decimal{},
	}
}

// BalanceOf returns the share balance of account.
func (m MarketTokenInfo) BalanceOf(account string) decimal.Decimal {
	if b, ok := m.Balances[account]; ok {
		return b
	}
	return decimal.Zero
}

// Clone returns a deep copy so that staged edits never alias committed maps.
func (m MarketTokenInfo) Clone() MarketTokenInfo {
	out := m
	out.Balances = make(map[string]decimal.Decimal, len(m.Balances))
	for k, v := range m.Balances {
		out.Balances[k] = v
	}
	return out
}

// Position is an open leveraged position.
type Position struct {
	Key             PositionKey `json:"key"`
	Account         string      `json:"account"`
	Market          string      `json:"market"`
	CollateralToken string      `json:"collateral_token"`
	IsLong          bool        `json:"is_long"`

	SizeUSD          decimal.Decimal `json:"size_usd"`
	CollateralUSD    decimal.Decimal `json:"collateral_usd"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`

	LastFeeUpdate     int64           `json:"last_fee_update"`
	FundingCheckpoint decimal.Decimal `json:"funding_checkpoint"`
	IncreasedAt       int64           `json:"increased_at"`
	DecreasedAt       int64           `json:"decreased_at"`
}

// NewPositionKey derives the deterministic key of a position. Each field
// is length-prefixed so distinct tuples never share a preimage.
func NewPositionKey(account, market, collateralToken string, isLong bool) PositionKey {
	side := []byte{0}
	if isLong {
		side[0] = 1
	}
	return crypto.Keccak256Hash(
		LengthPrefixed([]byte(account)),
		LengthPrefixed([]byte(market)),
		LengthPrefixed([]byte(collateralToken)),
		side,
	)
}

// LengthPrefixed returns b preceded by its 8-byte big-endian length.
func LengthPrefixed(b []byte) []byte {
	out := make([]byte, 8, 8+len(b))
	binary.BigEndian.PutUint64(out, uint64(len(b)))
	return append(out, b...)
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderMarketIncrease   OrderType = "market_increase"
	OrderMarketDecrease   OrderType = "market_decrease"
	OrderLimitIncrease    OrderType = "limit_increase"
	OrderLimitDecrease    OrderType = "limit_decrease"
	OrderStopLossDecrease OrderType = "stop_loss_decrease"
	OrderMarketSwap       OrderType = "market_swap"
	OrderLimitSwap        OrderType = "limit_swap"
)

// IsIncrease reports whether the order opens or grows a position.
func (t OrderType) IsIncrease() bool {
	return t == OrderMarketIncrease || t == OrderLimitIncrease
}

// IsMarket reports whether the order executes at the current price.
func (t OrderType) IsMarket() bool {
	return t == OrderMarketIncrease || t == OrderMarketDecrease
}

// IsSwap reports whether the order is a swap, which the engine rejects.
func (t OrderType) IsSwap() bool {
	return t == OrderMarketSwap || t == OrderLimitSwap
}

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderMarketIncrease, OrderMarketDecrease, OrderLimitIncrease,
		OrderLimitDecrease, OrderStopLossDecrease, OrderMarketSwap, OrderLimitSwap:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of a saved order.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderExecuted  OrderStatus = "executed"
	OrderCancelled OrderStatus = "cancelled"
	OrderFrozen    OrderStatus = "frozen"
)

// Order is a trading intent that is either executed immediately or saved
// until its trigger is met.
type Order struct {
	Key     RequestKey `json:"key"`
	Account string     `json:"account"`
	Market  string     `json:"market"`
	Type    OrderType  `json:"type"`
	IsLong  bool       `json:"is_long"`

	CollateralToken    string          `json:"collateral_token"`
	SizeDeltaUSD       decimal.Decimal `json:"size_delta_usd"`
	CollateralDeltaUSD decimal.Decimal `json:"collateral_delta_usd"`
	TriggerPrice       decimal.Decimal `json:"trigger_price"`
	AcceptablePrice    decimal.Decimal `json:"acceptable_price"`
	ExecutionFee       decimal.Decimal `json:"execution_fee"`

	Status    OrderStatus `json:"status"`
	CreatedAt int64       `json:"created_at"`
	UpdatedAt int64       `json:"updated_at"`
}
