package position

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/model"
)

const market = "ETH-USD"

var usd = fixed.USD

func testConfig() model.MarketConfig {
	return model.MarketConfig{
		MarketID:                market,
		MaxLeverage:             10,
		LiquidationThresholdBps: 8_000,
		LiquidationFeeBps:       100,
		ReserveFactorBps:        10_000,
		MaxLongOI:               usd(1_000_000),
		MaxShortOI:              usd(1_000_000),
		MinCollateralUSD:        decimal.Zero,
	}
}

// newLedger seeds one market with liquidity and a funded trader.
func newLedger(t *testing.T, cfg model.MarketConfig, liquidity int64) *ledger.Ledger {
	t.Helper()
	l := ledger.New()
	tx := l.Begin(0)
	tx.PutMarket(model.Market{ID: market, IndexToken: "ETH", LongToken: "ETH", ShortToken: "USDC"})
	tx.PutConfig(cfg)
	pool := model.NewPoolAmounts(market, 0)
	pool.LiquidityUSD = usd(liquidity)
	tx.PutPool(pool)
	tx.PutTokens(model.NewMarketTokenInfo(market))
	require.NoError(t, tx.Credit("alice", usd(10_000)))
	l.Apply(tx.Batch())
	return l
}

func change(isLong bool, size, collateral int64, price decimal.Decimal) Change {
	return Change{
		Account:            "alice",
		Market:             market,
		CollateralToken:    "USDC",
		IsLong:             isLong,
		SizeDeltaUSD:       usd(size),
		CollateralDeltaUSD: usd(collateral),
		ExecutionPrice:     price,
	}
}

func open(t *testing.T, l *ledger.Ledger, c Change) model.Position {
	t.Helper()
	tx := l.Begin(0)
	res, err := Increase(tx, c)
	require.NoError(t, err)
	l.Apply(tx.Batch())
	return res.Position
}

// totalValue sums every place USD can sit: balances, collateral, pool
// liquidity and claimable fees.
func totalValue(l *ledger.Ledger, accounts ...string) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range accounts {
		sum = sum.Add(l.Balance(a))
	}
	for _, p := range l.Positions(nil) {
		sum = sum.Add(p.CollateralUSD)
	}
	pool, _ := l.Pool(market)
	return sum.Add(pool.LiquidityUSD).Add(pool.ClaimableFeeLong).Add(pool.ClaimableFeeShort)
}

// --- Increase ---

func TestIncrease_TenTimesLeverage(t *testing.T) {
	l := newLedger(t, testConfig(), 1_000_000)

	pos := open(t, l, change(true, 10_000, 1_000, usd(100)))
	assert.True(t, pos.SizeUSD.Equal(usd(10_000)))
	assert.True(t, pos.EntryPrice.Equal(usd(100)))
	assert.True(t, l.Balance("alice").Equal(usd(9_000)))

	pool, _ := l.Pool(market)
	assert.True(t, pool.LongOI.Equal(usd(10_000)))
}

func TestIncrease_LeverageExceeded(t *testing.T) {
	l := newLedger(t, testConfig(), 1_000_000)
	tx := l.Begin(0)

	_, err := Increase(tx, change(true, 10_001, 1_000, usd(100)))
	require.ErrorIs(t, err, limits.ErrMaxLeverageExceeded)
	assert.True(t, tx.Batch().Empty(), "failed increase must stage nothing")
}

func TestIncrease_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLongOI = usd(5_000)

	tests := []struct {
		name    string
		change  Change
		wantErr error
	}{
		{"balance", change(true, 1_000, 10_001, usd(100)), ErrInsufficientBalance},
		{"oi cap", change(true, 5_001, 1_000, usd(100)), limits.ErrMaxOpenInterestExceeded},
		{"zero price", change(true, 1_000, 100, decimal.Zero), ErrInvalidPrice},
		{"empty", change(true, 0, 0, usd(100)), ErrEmptyChange},
		{"unknown market", Change{Market: "BTC-USD", SizeDeltaUSD: usd(1), ExecutionPrice: usd(1)}, ledger.ErrMarketNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLedger(t, cfg, 1_000_000)
			tx := l.Begin(0)
			_, err := Increase(tx, tt.change)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, tx.Batch().Empty())
		})
	}
}

func TestIncrease_ReserveBound(t *testing.T) {
	cfg := testConfig()
	cfg.ReserveFactorBps = 5_000
	l := newLedger(t, cfg, 10_000)

	tx := l.Begin(0)
	_, err := Increase(tx, change(true, 5_001, 1_000, usd(100)))
	require.ErrorIs(t, err, limits.ErrInsufficientLiquidity)
}

func TestIncrease_AveragesEntryPrice(t *testing.T) {
	l := newLedger(t, testConfig(), 1_000_000)
	open(t, l, change(true, 10_000, 1_000, usd(100)))
	pos := open(t, l, change(true, 10_000, 1_000, usd(110)))

	assert.True(t, pos.EntryPrice.Equal(usd(105)), "got %s", pos.EntryPrice)
	assert.True(t, pos.SizeUSD.Equal(usd(20_000)))
	assert.True(t, pos.CollateralUSD.Equal(usd(2_000)))
}

func TestIncrease_TradingFee(t *testing.T) {
	cfg := testConfig()
	cfg.TradingFeeBps = 10
	l := newLedger(t, cfg, 1_000_000)
	open(t, l, change(false, 10_000, 1_000, usd(100)))

	// 0.1% of 10,000 on top of the collateral.
	assert.True(t, l.Balance("alice").Equal(usd(8_990)))
	pool, _ := l.Pool(market)
	assert.True(t, pool.ClaimableFeeShort.Equal(usd(10)))
}

// --- Risk math ---

func TestLiquidationPrice(t *testing.T) {
	long := model.Position{IsLong: true, SizeUSD: usd(10_000), CollateralUSD: usd(1_000), EntryPrice: usd(100)}
	got, err := LiquidationPrice(long, 8_000)
	require.NoError(t, err)
	assert.True(t, got.Equal(usd(98)), "long liquidation price %s", got)

	short := long
	short.IsLong = false
	got, err = LiquidationPrice(short, 8_000)
	require.NoError(t, err)
	assert.True(t, got.Equal(usd(102)), "short liquidation price %s", got)

	deep := model.Position{IsLong: true, SizeUSD: usd(100), CollateralUSD: usd(1_000), EntryPrice: usd(100)}
	got, err = LiquidationPrice(deep, 0)
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "long liquidation price floors at zero")
}

func TestIsLiquidatable_EightyPercentThreshold(t *testing.T) {
	pos := model.Position{IsLong: true, SizeUSD: usd(10_000), CollateralUSD: usd(1_000), EntryPrice: usd(100)}

	ok, err := IsLiquidatable(pos, usd(98), 8_000)
	require.NoError(t, err)
	assert.True(t, ok, "value $800 is at the threshold")

	ok, err = IsLiquidatable(pos, decimal.NewFromInt(98_010_000), 8_000)
	require.NoError(t, err)
	assert.False(t, ok, "value $801 is above the threshold")
}

func TestPnL(t *testing.T) {
	pos := model.Position{IsLong: true, SizeUSD: usd(10_000), EntryPrice: usd(100)}
	pnl, err := PnL(pos, usd(98))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(usd(-200)))

	pos.IsLong = false
	pnl, err = PnL(pos, usd(98))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(usd(200)))
}

// --- Decrease ---

func TestDecrease_CloseWithProfit(t *testing.T) {
	l := newLedger(t, testConfig(), 100_000)
	open(t, l, change(true, 10_000, 1_000, usd(100)))

	tx := l.Begin(0)
	res, err := Decrease(tx, change(true, 10_000, 0, usd(110)))
	require.NoError(t, err)
	l.Apply(tx.Batch())

	assert.True(t, res.Closed)
	assert.True(t, res.RealizedPnLUSD.Equal(usd(1_000)))
	assert.True(t, res.PayoutUSD.Equal(usd(2_000)))
	assert.True(t, l.Balance("alice").Equal(usd(11_000)))

	pool, _ := l.Pool(market)
	assert.True(t, pool.LiquidityUSD.Equal(usd(99_000)))
	assert.True(t, pool.LongOI.IsZero())
	_, exists := l.Position(model.NewPositionKey("alice", market, "USDC", true))
	assert.False(t, exists)
}

func TestDecrease_PartialLossTakenFromRemainingCollateral(t *testing.T) {
	l := newLedger(t, testConfig(), 100_000)
	open(t, l, change(true, 10_000, 2_000, usd(100)))

	tx := l.Begin(0)
	res, err := Decrease(tx, change(true, 5_000, 0, usd(95)))
	require.NoError(t, err)
	l.Apply(tx.Batch())

	assert.False(t, res.Closed)
	assert.True(t, res.RealizedPnLUSD.Equal(usd(-250)))
	assert.True(t, res.PayoutUSD.IsZero())
	assert.True(t, res.Position.CollateralUSD.Equal(usd(1_750)))
	assert.True(t, res.Position.SizeUSD.Equal(usd(5_000)))

	pool, _ := l.Pool(market)
	assert.True(t, pool.LiquidityUSD.Equal(usd(100_250)))
	assert.True(t, pool.LongOI.Equal(usd(5_000)))
}

func TestDecrease_CloseWithBadDebt(t *testing.T) {
	l := newLedger(t, testConfig(), 100_000)
	open(t, l, change(true, 10_000, 1_000, usd(100)))

	tx := l.Begin(0)
	res, err := Decrease(tx, change(true, 10_000, 0, usd(85)))
	require.NoError(t, err)
	l.Apply(tx.Batch())

	assert.True(t, res.PayoutUSD.IsZero())
	assert.True(t, res.BadDebtUSD.Equal(usd(500)))
	pool, _ := l.Pool(market)
	assert.True(t, pool.LiquidityUSD.Equal(usd(101_000)))
}

func TestDecrease_Errors(t *testing.T) {
	l := newLedger(t, testConfig(), 10_000)
	open(t, l, change(true, 10_000, 1_000, usd(100)))

	tests := []struct {
		name    string
		change  Change
		wantErr error
	}{
		{"size", change(true, 10_001, 0, usd(100)), ErrInsufficientPositionSize},
		{"collateral", change(true, 1_000, 1_001, usd(100)), ErrInsufficientCollateral},
		{"missing", change(false, 1_000, 0, usd(100)), ErrPositionNotFound},
		{"insolvent pool", change(true, 10_000, 0, usd(201)), ErrInsolvency},
		{"leverage after withdraw", change(true, 1_000, 500, usd(100)), limits.ErrMaxLeverageExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := l.Begin(0)
			_, err := Decrease(tx, tt.change)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, tx.Batch().Empty())
		})
	}

	tx := l.Begin(0)
	_, err := Decrease(tx, change(true, 10_000, 0, usd(200)))
	require.NoError(t, err, "profit equal to liquidity is payable")
}

// --- Liquidation ---

func TestLiquidate(t *testing.T) {
	l := newLedger(t, testConfig(), 100_000)
	pos := open(t, l, change(true, 10_000, 1_000, usd(100)))

	tx := l.Begin(0)
	_, err := Liquidate(tx, "keeper", pos.Key, usd(99), 100)
	require.ErrorIs(t, err, ErrPositionNotLiquidatable)

	tx = l.Begin(0)
	res, err := Liquidate(tx, "keeper", pos.Key, usd(98), 100)
	require.NoError(t, err)
	l.Apply(tx.Batch())

	assert.True(t, res.LiquidatorFeeUSD.Equal(usd(10)))
	assert.True(t, res.RemainderUSD.Equal(usd(790)))
	assert.True(t, l.Balance("keeper").Equal(usd(10)))
	assert.True(t, l.Balance("alice").Equal(usd(9_790)))

	pool, _ := l.Pool(market)
	assert.True(t, pool.LiquidityUSD.Equal(usd(100_200)))
	assert.True(t, pool.LongOI.IsZero())

	_, exists := l.Position(pos.Key)
	assert.False(t, exists)
}

// --- Conservation ---

func TestConservation(t *testing.T) {
	cfg := testConfig()
	cfg.TradingFeeBps = 5
	l := newLedger(t, cfg, 100_000)
	start := totalValue(l, "alice", "keeper")

	open(t, l, change(true, 10_000, 1_500, usd(100)))
	open(t, l, change(false, 4_000, 1_000, usd(101)))

	steps := []Change{
		change(true, 3_000, 200, usd(103)),
		change(false, 4_000, 0, usd(97)),
		change(true, 7_000, 0, usd(99)),
	}
	for _, c := range steps {
		tx := l.Begin(0)
		_, err := Decrease(tx, c)
		require.NoError(t, err)
		l.Apply(tx.Batch())
		assert.True(t, totalValue(l, "alice", "keeper").Equal(start), "value leaked after %+v", c)
	}
	assert.Empty(t, l.Positions(nil))
}
