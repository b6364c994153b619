package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPositionKey_FieldBoundaries(t *testing.T) {
	tests := []struct {
		name string
		a, b [3]string
	}{
		{"collateral absorbs market suffix", [3]string{"bob", "ETH-USD", "CUSDC"}, [3]string{"bob", "ETH-USDC", "USDC"}},
		{"account absorbs market prefix", [3]string{"xE", "TH-USD", "USDC"}, [3]string{"x", "ETH-USD", "USDC"}},
		{"empty field shifts", [3]string{"", "aliceETH-USD", "USDC"}, [3]string{"alice", "ETH-USD", "USDC"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := NewPositionKey(tt.a[0], tt.a[1], tt.a[2], true)
			kb := NewPositionKey(tt.b[0], tt.b[1], tt.b[2], true)
			assert.NotEqual(t, ka, kb)
		})
	}
}

func TestNewPositionKey_Deterministic(t *testing.T) {
	long := NewPositionKey("alice", "ETH-USD", "USDC", true)
	assert.Equal(t, long, NewPositionKey("alice", "ETH-USD", "USDC", true))
	assert.NotEqual(t, long, NewPositionKey("alice", "ETH-USD", "USDC", false))
}

func TestLengthPrefixed(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 2, 'h', 'i'}, LengthPrefixed([]byte("hi")))
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, LengthPrefixed(nil))
}
