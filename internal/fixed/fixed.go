// Package fixed holds the integer fixed-point helpers shared by the pricing,
// fee and position packages.
//
// Every amount is a shopspring/decimal value carrying an integer number of
// micro-units (USD_SCALE = 1e6). Division truncates toward zero and every
// result is bound-checked against the signed 128-bit range, so arithmetic
// behaves the same as the i128/u128 ledger it models.
package fixed

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrMathOverflow is returned on division by zero or when a result
	// leaves the 128-bit range.
	ErrMathOverflow = errors.New("fixed: math overflow")

	// ErrUnderflow is returned when an unsigned quantity would go negative.
	ErrUnderflow = errors.New("fixed: unsigned underflow")
)

const (
	// USDScale is the number of micro-units in one USD (and one token).
	USDScale int64 = 1_000_000

	// BPS is the basis-point denominator.
	BPS int64 = 10_000

	// SecondsPerYear is used to annualize funding and borrowing rates.
	SecondsPerYear int64 = 31_536_000

	// SecondsPerHour bounds the funding cap.
	SecondsPerHour int64 = 3_600

	// FundingScale is the precision of the per-USD funding index.
	FundingScale int64 = 1_000_000_000_000

	// MaxExponent is the upper clamp for pricing/funding/borrowing exponents.
	MaxExponent = 8
)

var (
	Scale    = decimal.NewFromInt(USDScale)
	BPSDec   = decimal.NewFromInt(BPS)
	Year     = decimal.NewFromInt(SecondsPerYear)
	Hour     = decimal.NewFromInt(SecondsPerHour)
	Funding  = decimal.NewFromInt(FundingScale)
	maxInt   = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1)), 0)
	minInt   = maxInt.Neg().Sub(decimal.NewFromInt(1))
	maxUint  = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)), 0)
	tenPct   = decimal.NewFromInt(10)
	zero     = decimal.Zero
)

// Check returns ErrMathOverflow when x does not fit in a signed 128-bit integer.
func Check(x decimal.Decimal) (decimal.Decimal, error) {
	if x.GreaterThan(maxInt) || x.LessThan(minInt) {
		return zero, ErrMathOverflow
	}
	return x, nil
}

// CheckUnsigned returns ErrUnderflow for negative x and ErrMathOverflow when
// x does not fit in an unsigned 128-bit integer.
func CheckUnsigned(x decimal.Decimal) (decimal.Decimal, error) {
	if x.Sign() < 0 {
		return zero, ErrUnderflow
	}
	if x.GreaterThan(maxUint) {
		return zero, ErrMathOverflow
	}
	return x, nil
}

// Quo divides a by b, truncating toward zero.
func Quo(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return zero, ErrMathOverflow
	}
	q, _ := a.QuoRem(b, 0)
	return Check(q)
}

// MulDiv computes a*b/c with a single truncating division.
func MulDiv(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	if _, err := Check(a); err != nil {
		return zero, err
	}
	if _, err := Check(b); err != nil {
		return zero, err
	}
	return Quo(a.Mul(b), c)
}

// MulBps returns x * bps / 10_000.
func MulBps(x, bps decimal.Decimal) (decimal.Decimal, error) {
	return MulDiv(x, bps, BPSDec)
}

// Sub returns a-b for unsigned quantities, failing with ErrUnderflow
// instead of clamping.
func Sub(a, b decimal.Decimal) (decimal.Decimal, error) {
	return CheckUnsigned(a.Sub(b))
}

// Add returns a+b, bound-checked.
func Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	return Check(a.Add(b))
}

// ClampExponent limits an exponent to 1..MaxExponent.
func ClampExponent(e uint32) int {
	switch {
	case e < 1:
		return 1
	case e > MaxExponent:
		return MaxExponent
	}
	return int(e)
}

// PowBps raises a bps-normalized value to exp while keeping the result in
// bps: PowBps(5_000, 2) == 2_500.
func PowBps(x decimal.Decimal, exp uint32) (decimal.Decimal, error) {
	n := ClampExponent(exp)
	acc := x
	for i := 1; i < n; i++ {
		var err error
		if acc, err = MulDiv(acc, x, BPSDec); err != nil {
			return zero, err
		}
	}
	return acc, nil
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi decimal.Decimal) decimal.Decimal {
	return Max(lo, Min(x, hi))
}

// TenPercent returns x/10 truncated, the ±10% band used for impact and
// execution-price clamps.
func TenPercent(x decimal.Decimal) decimal.Decimal {
	q, _ := x.QuoRem(tenPct, 0)
	return q
}

// FromTokens converts a token amount to USD at price.
func FromTokens(amount, price decimal.Decimal) (decimal.Decimal, error) {
	return MulDiv(amount, price, Scale)
}

// ToTokens converts a USD amount to tokens at price.
func ToTokens(usd, price decimal.Decimal) (decimal.Decimal, error) {
	return MulDiv(usd, Scale, price)
}

// USD builds a micro-USD value from whole dollars. Intended for tests and
// config defaults.
func USD(dollars int64) decimal.Decimal {
	return decimal.NewFromInt(dollars).Mul(Scale)
}
