package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Decimals is the internal fixed-point precision for every amount, price and
// rate, regardless of an asset's native precision.
const Decimals = 18

// MaxAssetDecimals bounds an asset's native precision. Assets above Decimals
// lose sub-unit dust on the way in.
const MaxAssetDecimals = 36

var (
	// One is 1.0 in 18D fixed point.
	One = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

	// MaxInt128 and MinInt128 bound every stored balance.
	MaxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	MinInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))

	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	two128     = new(big.Int).Lsh(big.NewInt(1), 128)

	bpsDenominator = big.NewInt(10_000)
)

var (
	ErrOutOfRange      = errors.New("value outside signed 128-bit range")
	ErrInvalidDecimals = errors.New("asset decimals exceed supported precision")
)

// scratch is a pooled big.Int for intermediate products
var scratchPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getScratch() *big.Int {
	return scratchPool.Get().(*big.Int)
}

func putScratch(v *big.Int) {
	v.SetInt64(0)
	scratchPool.Put(v)
}

// MulDiv returns a*b/denominator as a fresh value, truncated toward zero.
// All fee, rebate and notional arithmetic rounds this way.
func MulDiv(a, b, denominator *big.Int) *big.Int {
	product := getScratch()
	defer putScratch(product)
	product.Mul(a, b)
	return new(big.Int).Quo(product, denominator)
}

// MulX18 multiplies two 18D values: a*b/1e18, truncated toward zero.
func MulX18(a, b *big.Int) *big.Int {
	return MulDiv(a, b, One)
}

// MulBps applies a basis-point rate: a*bps/10000, truncated toward zero.
func MulBps(a *big.Int, bps uint16) *big.Int {
	return MulDiv(a, big.NewInt(int64(bps)), bpsDenominator)
}

// InRange reports whether v fits signed 128-bit.
func InRange(v *big.Int) bool {
	return v.Cmp(MaxInt128) <= 0 && v.Cmp(MinInt128) >= 0
}

// CheckRange returns ErrOutOfRange when v does not fit signed 128-bit.
func CheckRange(v *big.Int) error {
	if !InRange(v) {
		return fmt.Errorf("%w: %s", ErrOutOfRange, v.String())
	}
	return nil
}

// Min returns the smaller of a and b (not a copy).
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// --- Scale conversion ---

// scaleFactor returns 10^|Decimals-decimals| and whether the native
// precision is finer than the internal one.
func scaleFactor(decimals uint8) (*big.Int, bool, error) {
	if decimals > MaxAssetDecimals {
		return nil, false, fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	finer := decimals > Decimals
	exp := int64(Decimals) - int64(decimals)
	if finer {
		exp = -exp
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil), finer, nil
}

// ToInternalScale converts a raw token amount with the asset's native
// decimals into 18D. Native precision finer than 18D truncates, so a
// positive dust amount can come back as zero.
func ToInternalScale(raw *big.Int, decimals uint8) (*big.Int, error) {
	factor, finer, err := scaleFactor(decimals)
	if err != nil {
		return nil, err
	}
	if finer {
		return new(big.Int).Quo(raw, factor), nil
	}
	return new(big.Int).Mul(raw, factor), nil
}

// FromInternalScale converts an 18D amount into the asset's native decimals,
// truncating any sub-unit dust.
func FromInternalScale(x18 *big.Int, decimals uint8) (*big.Int, error) {
	factor, finer, err := scaleFactor(decimals)
	if err != nil {
		return nil, err
	}
	if finer {
		return new(big.Int).Mul(x18, factor), nil
	}
	return new(big.Int).Quo(x18, factor), nil
}

// --- Wire codec ---

// ReadInt128 decodes a 16-byte big-endian two's-complement integer.
func ReadInt128(b []byte) *big.Int {
	v := new(big.Int).SetBytes(b[:16])
	if b[0]&0x80 != 0 {
		v.Sub(v, two128)
	}
	return v
}

// ReadUint128 decodes a 16-byte big-endian unsigned integer.
func ReadUint128(b []byte) *big.Int {
	return new(big.Int).SetBytes(b[:16])
}

// PutInt128 encodes v as 16-byte big-endian two's complement.
func PutInt128(dst []byte, v *big.Int) error {
	if !InRange(v) {
		return fmt.Errorf("%w: %s", ErrOutOfRange, v.String())
	}
	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, two128)
	}
	u.FillBytes(dst[:16])
	return nil
}

// PutUint128 encodes v as 16-byte big-endian unsigned.
func PutUint128(dst []byte, v *big.Int) error {
	if v.Sign() < 0 || v.Cmp(maxUint128) > 0 {
		return fmt.Errorf("%w: %s", ErrOutOfRange, v.String())
	}
	v.FillBytes(dst[:16])
	return nil
}

// --- Human-readable form ---

// FormatX18 renders an 18D value as a decimal string ("1.5" for 1.5e18).
func FormatX18(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -Decimals).String()
}

// ParseX18 parses a decimal string into 18D, truncating beyond 18 places.
func ParseX18(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return DecimalToX18(d)
}

// DecimalToX18 converts a decimal into 18D fixed point.
func DecimalToX18(d decimal.Decimal) (*big.Int, error) {
	v := d.Shift(Decimals).Truncate(0).BigInt()
	if err := CheckRange(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Int converts an int64 count of whole units into 18D.
func Int(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), One)
}
