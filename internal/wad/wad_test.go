package wad

import (
	"math/big"
	"testing"
)

func TestMulDivRounding(t *testing.T) {
	tests := []struct {
		name     string
		a, b, d  int64
		rounding Rounding
		want     int64
	}{
		{"exact down", 10, 3, 6, RoundDown, 5},
		{"exact up", 10, 3, 6, RoundUp, 5},
		{"truncates down", 10, 1, 3, RoundDown, 3},
		{"rounds up", 10, 1, 3, RoundUp, 4},
		{"zero numerator", 0, 5, 7, RoundUp, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MulDiv(big.NewInt(tt.a), big.NewInt(tt.b), big.NewInt(tt.d), tt.rounding)
			if got.Int64() != tt.want {
				t.Errorf("MulDiv(%d, %d, %d) = %d, want %d", tt.a, tt.b, tt.d, got.Int64(), tt.want)
			}
		})
	}
}

func TestMulDivPanicsOnZeroDenominator(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on zero denominator")
		}
	}()
	MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0), RoundDown)
}

func TestMulDivNoIntermediateTruncation(t *testing.T) {
	// (1e18 * 1e18) overflows int64 but the full big.Int product must survive.
	a := new(big.Int).Set(One)
	got := MulDiv(a, One, One, RoundDown)
	if got.Cmp(One) != 0 {
		t.Errorf("MulDiv(1e18, 1e18, 1e18) = %s, want %s", got, One)
	}
}

func TestMulAndDiv(t *testing.T) {
	two := MustParse("2")
	half := MustParse("0.5")

	if got := Mul(big.NewInt(100), half, RoundDown); got.Int64() != 50 {
		t.Errorf("Mul(100, 0.5) = %d, want 50", got.Int64())
	}
	if got := Div(big.NewInt(100), two, RoundDown); got.Int64() != 50 {
		t.Errorf("Div(100, 2) = %d, want 50", got.Int64())
	}
}

func TestShareConversions(t *testing.T) {
	assets := big.NewInt(1000)
	totalAssets := big.NewInt(3000)
	totalShares := big.NewInt(1000)

	shares := ToShares(assets, totalAssets, totalShares, RoundUp)
	if shares.Int64() != 334 {
		t.Errorf("ToShares = %d, want 334", shares.Int64())
	}

	back := ToAssets(shares, totalAssets, totalShares, RoundUp)
	if back.Int64() < assets.Int64() {
		t.Errorf("round-up conversion lost value: %d < %d", back.Int64(), assets.Int64())
	}
}

func TestShareConversionsEmptyMarket(t *testing.T) {
	zero := big.NewInt(0)
	if got := ToShares(big.NewInt(42), zero, zero, RoundUp); got.Int64() != 42 {
		t.Errorf("empty market ToShares = %d, want 42", got.Int64())
	}
	if got := ToAssets(big.NewInt(42), zero, zero, RoundDown); got.Int64() != 42 {
		t.Errorf("empty market ToAssets = %d, want 42", got.Int64())
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1", "1000000000000000000", true},
		{"0.81", "810000000000000000", true},
		{"2.0", "2000000000000000000", true},
		{"0.000000000000000001", "1", true},
		{"-1.5", "-1500000000000000000", true},
		{".5", "500000000000000000", true},
		{"", "", false},
		{"abc", "", false},
		{"1.0000000000000000001", "", false},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("Parse(%q) error = %v, ok = %v", tt.in, err, tt.ok)
			continue
		}
		if err == nil && got.String() != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1", "1"},
		{"2.5", "2.5"},
		{"0.81", "0.81"},
		{"-1.5", "-1.5"},
		{"1.100000000000000000", "1.1"},
	}
	for _, tt := range tests {
		if got := Format(MustParse(tt.in)); got != tt.want {
			t.Errorf("Format(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
