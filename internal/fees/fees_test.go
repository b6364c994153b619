package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func testConfig() model.MarketConfig {
	return model.MarketConfig{
		MarketID:          "ETH-USD",
		FundingFactor:     1_000,
		FundingExponent:   1,
		BorrowingFactor:   2_000,
		BorrowingExponent: 1,
		ReserveFactorBps:  5_000,
	}
}

func testPool(long, short int64) model.PoolAmounts {
	p := model.NewPoolAmounts("ETH-USD", 0)
	p.LongOI = fixed.USD(long)
	p.ShortOI = fixed.USD(short)
	p.LiquidityUSD = fixed.USD(100_000)
	return p
}

func testPosition(isLong bool, size, collateral int64) model.Position {
	return model.Position{
		Key:               model.NewPositionKey("alice", "ETH-USD", "USDC", isLong),
		Account:           "alice",
		Market:            "ETH-USD",
		IsLong:            isLong,
		SizeUSD:           fixed.USD(size),
		CollateralUSD:     fixed.USD(collateral),
		FundingCheckpoint: decimal.Zero,
	}
}

// --- Funding accrual ---

func TestAccruePool_NoElapsedTime(t *testing.T) {
	pool := testPool(3_000, 1_000)
	pool.LastFundingUpdate = 100
	out, err := AccruePool(pool, testConfig(), 100)
	require.NoError(t, err)
	assert.Equal(t, pool, out)
}

func TestAccruePool_LongsPayWhenLongHeavy(t *testing.T) {
	out, err := AccruePool(testPool(3_000, 1_000), testConfig(), 3_600)
	require.NoError(t, err)

	// ratio 5000 bps * factor 1000 → 500 bps/yr over one hour.
	assert.True(t, out.CumulativeFundingLong.Equal(d(5_707_762)), "got %s", out.CumulativeFundingLong)
	assert.True(t, out.CumulativeFundingShort.Equal(d(-5_707_762)))
	assert.Equal(t, int64(3_600), out.LastFundingUpdate)
}

func TestAccruePool_ShortsPayWhenShortHeavy(t *testing.T) {
	out, err := AccruePool(testPool(1_000, 3_000), testConfig(), 3_600)
	require.NoError(t, err)
	assert.True(t, out.CumulativeFundingLong.IsNegative())
	assert.True(t, out.CumulativeFundingShort.IsPositive())
}

func TestAccruePool_EmptyMarketOnlyMovesClock(t *testing.T) {
	out, err := AccruePool(testPool(0, 0), testConfig(), 500)
	require.NoError(t, err)
	assert.True(t, out.CumulativeFundingLong.IsZero())
	assert.Equal(t, int64(500), out.LastFundingUpdate)
}

func TestAccruePool_CappedPerHour(t *testing.T) {
	cfg := testConfig()
	cfg.FundingFactor = 1_000_000
	out, err := AccruePool(testPool(1_000, 0), cfg, 3_600)
	require.NoError(t, err)
	// 10 bps of 1e12 per hour.
	assert.True(t, out.CumulativeFundingLong.Equal(d(1_000_000_000)), "got %s", out.CumulativeFundingLong)

	half, err := AccruePool(testPool(1_000, 0), cfg, 1_800)
	require.NoError(t, err)
	assert.True(t, half.CumulativeFundingLong.Equal(d(500_000_000)), "cap is pro-rata within the hour, got %s", half.CumulativeFundingLong)
}

func TestAccruePool_ZeroSum(t *testing.T) {
	cfg := testConfig()
	cfg.FundingExponent = 2
	pool := testPool(7_000, 2_000)
	now := int64(0)
	steps := []struct {
		dt          int64
		long, short int64
	}{
		{60, 7_000, 2_000},
		{7_200, 1_000, 9_000},
		{1, 5_000, 5_001},
		{86_400, 40_000, 1},
	}
	for _, s := range steps {
		pool.LongOI, pool.ShortOI = fixed.USD(s.long), fixed.USD(s.short)
		now += s.dt
		var err error
		pool, err = AccruePool(pool, cfg, now)
		require.NoError(t, err)
		assert.True(t, pool.CumulativeFundingLong.Add(pool.CumulativeFundingShort).IsZero(),
			"indices must stay zero-sum: %s + %s", pool.CumulativeFundingLong, pool.CumulativeFundingShort)
	}
}

// --- Borrowing ---

func TestBorrowingRate(t *testing.T) {
	cfg := testConfig()
	// util = 25k / (100k * 50%) = 5000 bps → 5000 * 2000 / 1e4 = 1000 bps.
	rate, err := BorrowingRate(testPool(25_000, 0), cfg, true)
	require.NoError(t, err)
	assert.True(t, rate.Equal(d(1_000)), "got %s", rate)

	cfg.BorrowingFactor = 30_000
	rate, err = BorrowingRate(testPool(50_000, 0), cfg, true)
	require.NoError(t, err)
	assert.True(t, rate.Equal(d(10_000)), "rate capped at 100%%, got %s", rate)

	pool := testPool(1_000, 1_000)
	pool.LiquidityUSD = decimal.Zero
	rate, err = BorrowingRate(pool, cfg, true)
	require.NoError(t, err)
	assert.True(t, rate.IsZero())
}

func TestBorrowingRate_SkipSmallerSide(t *testing.T) {
	cfg := testConfig()
	cfg.SkipBorrowingForSmallerSide = true
	pool := testPool(10_000, 20_000)

	rate, err := BorrowingRate(pool, cfg, true)
	require.NoError(t, err)
	assert.True(t, rate.IsZero())

	rate, err = BorrowingRate(pool, cfg, false)
	require.NoError(t, err)
	assert.True(t, rate.IsPositive())
}

// --- Settlement ---

func TestSettlePosition_PaysFunding(t *testing.T) {
	pool := testPool(10_000, 0)
	pool.LiquidityUSD = decimal.Zero // no borrowing
	pool.CumulativeFundingLong = d(1_000_000_000)
	pool.CumulativeFundingShort = d(-1_000_000_000)
	pos := testPosition(true, 10_000, 1_000)

	outPos, outPool, s, err := SettlePosition(pos, pool, testConfig(), 0)
	require.NoError(t, err)
	// 10,000 USD * 0.1%.
	assert.True(t, s.FundingOwedUSD.Equal(fixed.USD(10)))
	assert.True(t, outPos.CollateralUSD.Equal(fixed.USD(990)))
	assert.True(t, outPool.ClaimableFeeShort.Equal(fixed.USD(10)))
	assert.True(t, outPool.ClaimableFeeLong.IsZero())
	assert.True(t, outPos.FundingCheckpoint.Equal(pool.CumulativeFundingLong))
}

func TestSettlePosition_CreditClampedToBucket(t *testing.T) {
	pool := testPool(0, 10_000)
	pool.LiquidityUSD = decimal.Zero
	pool.CumulativeFundingLong = d(1_000_000_000)
	pool.CumulativeFundingShort = d(-1_000_000_000)
	pool.ClaimableFeeShort = fixed.USD(4)
	pos := testPosition(false, 10_000, 1_000)

	outPos, outPool, s, err := SettlePosition(pos, pool, testConfig(), 0)
	require.NoError(t, err)
	assert.True(t, s.FundingOwedUSD.Equal(fixed.USD(-10)))
	assert.True(t, s.FundingPaidUSD.Equal(fixed.USD(-4)))
	assert.True(t, s.FundingShortfallUSD.Equal(fixed.USD(6)))
	assert.True(t, outPos.CollateralUSD.Equal(fixed.USD(1_004)))
	assert.True(t, outPool.ClaimableFeeShort.IsZero())
}

func TestSettlePosition_Borrowing(t *testing.T) {
	pool := testPool(25_000, 0)
	pos := testPosition(true, 10_000, 1_000)

	outPos, outPool, s, err := SettlePosition(pos, pool, testConfig(), fixed.SecondsPerYear/10)
	require.NoError(t, err)
	// 10% APR on 10,000 USD for a tenth of a year.
	assert.True(t, s.BorrowingFeeUSD.Equal(fixed.USD(100)), "got %s", s.BorrowingFeeUSD)
	assert.True(t, outPos.CollateralUSD.Equal(fixed.USD(900)))
	assert.True(t, outPool.ClaimableFeeLong.Equal(fixed.USD(100)))
	assert.True(t, outPool.TotalBorrowingFeesUSD.Equal(fixed.USD(100)))
	assert.Equal(t, fixed.SecondsPerYear/10, outPos.LastFeeUpdate)
}

func TestSettlePosition_InsufficientCollateral(t *testing.T) {
	pool := testPool(10_000, 0)
	pool.LiquidityUSD = decimal.Zero
	pool.CumulativeFundingLong = d(1_000_000_000)
	pool.CumulativeFundingShort = d(-1_000_000_000)
	pos := testPosition(true, 10_000, 5)

	outPos, outPool, s, err := SettlePosition(pos, pool, testConfig(), 0)
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	assert.True(t, outPos.CollateralUSD.IsZero())
	assert.True(t, outPool.ClaimableFeeShort.Equal(fixed.USD(5)), "only collected funds reach the bucket")
	assert.True(t, s.UncollectedUSD.Equal(fixed.USD(5)))
}

func TestSettlePosition_ConservesValue(t *testing.T) {
	pool := testPool(25_000, 5_000)
	pool.CumulativeFundingLong = d(3_000_000_000)
	pool.CumulativeFundingShort = d(-3_000_000_000)
	pool.ClaimableFeeShort = fixed.USD(2)
	cfg := testConfig()

	for _, isLong := range []bool{true, false} {
		pos := testPosition(isLong, 5_000, 700)
		outPos, outPool, _, err := SettlePosition(pos, pool, cfg, 86_400)
		require.NoError(t, err)

		before := pos.CollateralUSD.Add(pool.ClaimableFeeLong).Add(pool.ClaimableFeeShort)
		after := outPos.CollateralUSD.Add(outPool.ClaimableFeeLong).Add(outPool.ClaimableFeeShort)
		assert.True(t, before.Equal(after), "isLong=%v: %s != %s", isLong, before, after)
	}
}
