// Package fixedpoint implements 18-decimal (wad) arithmetic on big.Int
// values. All settlement math in the ledger goes through these helpers so
// that rounding direction is explicit at every call site.
package fixedpoint

import (
	"errors"
	"math/big"
)

var (
	// Wad is the 18-decimal fixed-point scale.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// BpsDenominator is the denominator for basis-point fractions.
	BpsDenominator = big.NewInt(10_000)

	// maxUint192 bounds intermediate per-second rates so the downstream
	// wad multiplication cannot wrap a 256-bit product.
	maxUint192 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 192), big.NewInt(1))
)

// ErrOverflow indicates a value exceeded the safe 192-bit width.
var ErrOverflow = errors.New("fixedpoint: value exceeds 192-bit bound")

// FromInt64 returns v scaled to wad precision.
func FromInt64(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), Wad)
}

// MulWadUp computes a*b/1e18 rounding up. Used on the charging side of a
// settlement: the protocol never under-collects due to truncation.
func MulWadUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil || a.Sign() == 0 || b.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return ceilDiv(product, Wad)
}

// MulWadDown computes a*b/1e18 rounding down.
func MulWadDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, Wad)
}

// DivWadDown computes a*1e18/b rounding down.
func DivWadDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, Wad)
	return numerator.Quo(numerator, b)
}

// DivWadUp computes a*1e18/b rounding up.
func DivWadUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, Wad)
	return ceilDiv(numerator, b)
}

// MulBpsUp scales a by bps/10000 rounding up. The round-up is intentional:
// a discounted strike must never come out below multiplier*price because of
// floor truncation.
func MulBpsUp(a *big.Int, bps uint16) *big.Int {
	if a == nil || a.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, big.NewInt(int64(bps)))
	return ceilDiv(product, BpsDenominator)
}

// CheckUint192 returns ErrOverflow when v does not fit in 192 bits.
func CheckUint192(v *big.Int) error {
	if v == nil || v.Sign() < 0 || v.Cmp(maxUint192) > 0 {
		return ErrOverflow
	}
	return nil
}

// Max returns the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a == nil {
		return new(big.Int).Set(b)
	}
	if b == nil || a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
