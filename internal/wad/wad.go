package wad

import (
	"fmt"
	"math/big"
	"strings"
)

// One is the WAD fixed-point unit: 1.0 scaled by 1e18.
// All rates, fractions and leverage ratios in the engine are WAD-scaled.
var One = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

const decimals = 18

// Rounding selects the direction a division truncates toward.
type Rounding int

const (
	RoundDown Rounding = iota
	RoundUp
)

var oneInt = big.NewInt(1)

// MulDiv computes a * b / denom with a single full-precision product and a
// single division, so no intermediate truncation occurs. Inputs must be
// non-negative and denom must be positive.
func MulDiv(a, b, denom *big.Int, r Rounding) *big.Int {
	if denom.Sign() <= 0 {
		panic(fmt.Sprintf("wad: MulDiv by non-positive denominator %s", denom))
	}
	num := new(big.Int).Mul(a, b)
	q, rem := new(big.Int).QuoRem(num, denom, new(big.Int))
	if r == RoundUp && rem.Sign() != 0 {
		q.Add(q, oneInt)
	}
	return q
}

// Mul computes a * w / 1e18 (multiply an amount by a WAD fraction).
func Mul(a, w *big.Int, r Rounding) *big.Int {
	return MulDiv(a, w, One, r)
}

// Div computes a * 1e18 / w (divide an amount by a WAD fraction).
func Div(a, w *big.Int, r Rounding) *big.Int {
	return MulDiv(a, One, w, r)
}

// ToShares converts an asset amount into shares at the given totals.
// An empty market converts one-to-one.
func ToShares(assets, totalAssets, totalShares *big.Int, r Rounding) *big.Int {
	if totalShares.Sign() == 0 || totalAssets.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	return MulDiv(assets, totalShares, totalAssets, r)
}

// ToAssets converts a share amount into assets at the given totals.
// An empty market converts one-to-one.
func ToAssets(shares, totalAssets, totalShares *big.Int, r Rounding) *big.Int {
	if totalShares.Sign() == 0 || totalAssets.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	return MulDiv(shares, totalAssets, totalShares, r)
}

// Parse converts a decimal string such as "0.81" or "2" into a WAD integer.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("wad: empty decimal")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("wad: %q has more than %d decimal places", s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("wad: invalid decimal %q", s)
	}
	if neg {
		out.Neg(out)
	}
	return out, nil
}

// MustParse is Parse for static values; it panics on malformed input.
func MustParse(s string) *big.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders a WAD integer as a decimal string with trailing zeros trimmed.
func Format(v *big.Int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	q, r := new(big.Int).QuoRem(abs, One, new(big.Int))

	s := q.String()
	if r.Sign() != 0 {
		frac := fmt.Sprintf("%018s", r.String())
		frac = strings.TrimRight(frac, "0")
		s += "." + frac
	}
	if neg {
		s = "-" + s
	}
	return s
}

// Float converts a WAD integer to a float64 for metrics. Precision loss is
// acceptable there and nowhere else.
func Float(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(One)).Float64()
	return f
}
