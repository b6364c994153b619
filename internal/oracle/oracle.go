// Package oracle defines the price source consumed by the engine and a
// reference in-memory feed fed by keeper-signed price batches.
//
// Quotes are (min, max) pairs in micro-USD per token. The engine only ever
// sees mid = (min+max)/2 and spread = max-min.
package oracle

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	ErrPriceNotAvailable = errors.New("oracle: price not available")
	ErrPriceStale        = errors.New("oracle: price stale")
	ErrInvalidPrice      = errors.New("oracle: invalid price")
	ErrInvalidSignature  = errors.New("oracle: invalid signature")
	ErrUnknownSigner     = errors.New("oracle: unknown signer")
	ErrFutureTimestamp   = errors.New("oracle: timestamp in the future")
)

// DefaultMaxAge is how old a quote may be before it is considered stale.
const DefaultMaxAge = 60 * time.Second

// PriceFeed is the read side used by pricing, liquidity and order execution.
type PriceFeed interface {
	Mid(symbol string) (decimal.Decimal, error)
	Spread(symbol string) (decimal.Decimal, error)
	EnsureFresh(symbol string, now int64) error
	LastUpdate(symbol string) (int64, bool)
}

// Price is one stored quote.
type Price struct {
	Min       decimal.Decimal `json:"min"`
	Max       decimal.Decimal `json:"max"`
	Timestamp int64           `json:"timestamp"`
}

// SignedPrice is a quote submitted by an off-chain signer.
type SignedPrice struct {
	Symbol    string          `json:"symbol"`
	Min       decimal.Decimal `json:"min"`
	Max       decimal.Decimal `json:"max"`
	Timestamp int64           `json:"timestamp"`
	Signature hexutil.Bytes   `json:"signature"`
}

// Digest is the Keccak-256 hash a signer signs for sp. Variable-length
// fields are length-prefixed so a signature cannot be re-split across them.
func (sp SignedPrice) Digest() common.Hash {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(sp.Timestamp))
	return crypto.Keccak256Hash(
		lengthPrefixed(sp.Symbol),
		lengthPrefixed(sp.Min.String()),
		lengthPrefixed(sp.Max.String()),
		ts,
	)
}

func lengthPrefixed(s string) []byte {
	out := make([]byte, 8, 8+len(s))
	binary.BigEndian.PutUint64(out, uint64(len(s)))
	return append(out, s...)
}

// Sign fills in the signature of sp using key.
func Sign(sp SignedPrice, key *ecdsa.PrivateKey) (SignedPrice, error) {
	sig, err := crypto.Sign(sp.Digest().Bytes(), key)
	if err != nil {
		return sp, fmt.Errorf("oracle: sign price: %w", err)
	}
	sp.Signature = sig
	return sp, nil
}

// Feed is an in-memory PriceFeed. It is safe for concurrent use.
type Feed struct {
	mu      sync.RWMutex
	prices  map[string]Price
	maxAge  int64
	signers map[common.Address]bool
}

// NewFeed creates a feed accepting signatures from signers. A non-positive
// maxAge falls back to DefaultMaxAge.
func NewFeed(maxAge time.Duration, signers []common.Address) *Feed {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	allowed := make(map[common.Address]bool, len(signers))
	for _, s := range signers {
		allowed[s] = true
	}
	return &Feed{
		prices:  make(map[string]Price),
		maxAge:  int64(maxAge / time.Second),
		signers: allowed,
	}
}

// Set stores a quote without signature checks. Used by trusted in-process
// sources and tests.
func (f *Feed) Set(symbol string, p Price) error {
	if err := validate(p); err != nil {
		return err
	}
	f.mu.Lock()
	f.prices[symbol] = p
	f.mu.Unlock()
	return nil
}

// Submit verifies and stores a batch of signed quotes. Either every quote
// is accepted or none is.
func (f *Feed) Submit(batch []SignedPrice, now int64) error {
	for _, sp := range batch {
		if err := f.verify(sp, now); err != nil {
			return fmt.Errorf("%s: %w", sp.Symbol, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sp := range batch {
		if cur, ok := f.prices[sp.Symbol]; ok && cur.Timestamp > sp.Timestamp {
			continue // keep the newer quote
		}
		f.prices[sp.Symbol] = Price{Min: sp.Min, Max: sp.Max, Timestamp: sp.Timestamp}
	}
	return nil
}

func (f *Feed) verify(sp SignedPrice, now int64) error {
	if err := validate(Price{Min: sp.Min, Max: sp.Max, Timestamp: sp.Timestamp}); err != nil {
		return err
	}
	if sp.Timestamp > now {
		return ErrFutureTimestamp
	}
	if now-sp.Timestamp > f.maxAge {
		return ErrPriceStale
	}
	if len(sp.Signature) != crypto.SignatureLength {
		return ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(sp.Digest().Bytes(), sp.Signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !f.signers[crypto.PubkeyToAddress(*pub)] {
		return ErrUnknownSigner
	}
	return nil
}

func validate(p Price) error {
	if p.Min.Sign() <= 0 || p.Max.LessThan(p.Min) {
		return fmt.Errorf("%w: min=%s max=%s", ErrInvalidPrice, p.Min, p.Max)
	}
	return nil
}

func (f *Feed) get(symbol string) (Price, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrPriceNotAvailable, symbol)
	}
	return p, nil
}

// Mid returns (min+max)/2, truncated.
func (f *Feed) Mid(symbol string) (decimal.Decimal, error) {
	p, err := f.get(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	mid, _ := p.Min.Add(p.Max).QuoRem(decimal.NewFromInt(2), 0)
	return mid, nil
}

// Spread returns max-min.
func (f *Feed) Spread(symbol string) (decimal.Decimal, error) {
	p, err := f.get(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Max.Sub(p.Min), nil
}

// EnsureFresh fails when the quote is missing or older than the max age.
func (f *Feed) EnsureFresh(symbol string, now int64) error {
	p, err := f.get(symbol)
	if err != nil {
		return err
	}
	if now-p.Timestamp > f.maxAge {
		return fmt.Errorf("%w: %s updated at %d, now %d", ErrPriceStale, symbol, p.Timestamp, now)
	}
	return nil
}

// LastUpdate returns the timestamp of the stored quote.
func (f *Feed) LastUpdate(symbol string) (int64, bool) {
	p, err := f.get(symbol)
	if err != nil {
		return 0, false
	}
	return p.Timestamp, true
}
