package oracle

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestFeed_MidAndSpread(t *testing.T) {
	f := NewFeed(0, nil)
	require.NoError(t, f.Set("ETH", Price{Min: d(99_000_000), Max: d(101_000_001), Timestamp: 10}))

	mid, err := f.Mid("ETH")
	require.NoError(t, err)
	assert.True(t, mid.Equal(d(100_000_000)), "mid truncates: got %s", mid)

	spread, err := f.Spread("ETH")
	require.NoError(t, err)
	assert.True(t, spread.Equal(d(2_000_001)))

	_, err = f.Mid("BTC")
	assert.ErrorIs(t, err, ErrPriceNotAvailable)
}

func TestFeed_EnsureFresh(t *testing.T) {
	f := NewFeed(60*time.Second, nil)
	require.NoError(t, f.Set("ETH", Price{Min: d(1), Max: d(1), Timestamp: 1_000}))

	assert.NoError(t, f.EnsureFresh("ETH", 1_060))
	assert.ErrorIs(t, f.EnsureFresh("ETH", 1_061), ErrPriceStale)
	assert.ErrorIs(t, f.EnsureFresh("BTC", 1_000), ErrPriceNotAvailable)

	ts, ok := f.LastUpdate("ETH")
	assert.True(t, ok)
	assert.Equal(t, int64(1_000), ts)
}

func TestFeed_SetRejectsInvalid(t *testing.T) {
	f := NewFeed(0, nil)
	assert.ErrorIs(t, f.Set("ETH", Price{Min: d(0), Max: d(1)}), ErrInvalidPrice)
	assert.ErrorIs(t, f.Set("ETH", Price{Min: d(5), Max: d(4)}), ErrInvalidPrice)
}

func TestFeed_Submit(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := NewFeed(60*time.Second, []common.Address{crypto.PubkeyToAddress(key.PublicKey)})

	good, err := Sign(SignedPrice{Symbol: "ETH", Min: d(100), Max: d(102), Timestamp: 500}, key)
	require.NoError(t, err)
	require.NoError(t, f.Submit([]SignedPrice{good}, 510))

	mid, err := f.Mid("ETH")
	require.NoError(t, err)
	assert.True(t, mid.Equal(d(101)))

	t.Run("unknown signer", func(t *testing.T) {
		sp, err := Sign(SignedPrice{Symbol: "BTC", Min: d(1), Max: d(1), Timestamp: 500}, other)
		require.NoError(t, err)
		assert.ErrorIs(t, f.Submit([]SignedPrice{sp}, 510), ErrUnknownSigner)
	})

	t.Run("tampered payload", func(t *testing.T) {
		sp := good
		sp.Max = d(200)
		err := f.Submit([]SignedPrice{sp}, 510)
		assert.Error(t, err)
		mid, _ := f.Mid("ETH")
		assert.True(t, mid.Equal(d(101)))
	})

	t.Run("signature moved to another symbol", func(t *testing.T) {
		signed, err := Sign(SignedPrice{Symbol: "ETH", Min: d(3_012_345_678), Max: d(3_100_000_000), Timestamp: 500}, key)
		require.NoError(t, err)
		moved := signed
		moved.Symbol = "ETH30"
		moved.Min = d(12_345_678)

		assert.NotEqual(t, signed.Digest(), moved.Digest())
		assert.Error(t, f.Submit([]SignedPrice{moved}, 510))
		_, err = f.Mid("ETH30")
		assert.ErrorIs(t, err, ErrPriceNotAvailable)
	})

	t.Run("stale", func(t *testing.T) {
		assert.ErrorIs(t, f.Submit([]SignedPrice{good}, 600), ErrPriceStale)
	})

	t.Run("future", func(t *testing.T) {
		assert.ErrorIs(t, f.Submit([]SignedPrice{good}, 400), ErrFutureTimestamp)
	})

	t.Run("all or nothing", func(t *testing.T) {
		btc, err := Sign(SignedPrice{Symbol: "BTC", Min: d(50), Max: d(50), Timestamp: 505}, key)
		require.NoError(t, err)
		bad := btc
		bad.Symbol = "SOL"
		assert.Error(t, f.Submit([]SignedPrice{btc, bad}, 510))
		_, err = f.Mid("BTC")
		assert.ErrorIs(t, err, ErrPriceNotAvailable)
	})
}
