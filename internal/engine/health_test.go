package engine

import (
	"errors"
	"math/big"
	"testing"

	"LoopEngine/internal/wad"
)

func TestComputeHealthWorkedExample(t *testing.T) {
	// collateral 2.0, rate 1.1, lltv 0.81, debt 1.1 -> hf = 1.62.
	r := ComputeHealth(wad.MustParse("2"), wad.MustParse("1.1"),
		wad.MustParse("1.1"), wad.MustParse("0.81"))

	if r.Unbounded {
		t.Fatal("report unexpectedly unbounded")
	}
	if want := wad.MustParse("1.62"); r.Factor.Cmp(want) != 0 {
		t.Errorf("health factor = %s, want %s", wad.Format(r.Factor), wad.Format(want))
	}
	if err := ValidateHealth(r, true); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestComputeHealthZeroDebtUnbounded(t *testing.T) {
	r := ComputeHealth(wad.MustParse("2"), big.NewInt(0),
		wad.MustParse("1.1"), wad.MustParse("0.81"))
	if !r.Unbounded || r.Factor != nil {
		t.Errorf("zero debt should be unbounded, got %+v", r)
	}
	if err := ValidateHealth(r, false); err != nil {
		t.Errorf("unbounded position should validate: %v", err)
	}
}

func TestValidateHealthRejectsUnsafe(t *testing.T) {
	lltv := wad.MustParse("0.81")
	rate := wad.MustParse("1")

	tests := []struct {
		name       string
		collateral string
		debt       string
	}{
		{"factor below one", "1", "0.9"},
		{"value equals debt", "1", "1"},
		{"value below debt", "1", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ComputeHealth(wad.MustParse(tt.collateral), wad.MustParse(tt.debt), rate, lltv)
			if err := ValidateHealth(r, false); !errors.Is(err, ErrUnsafeLeverage) {
				t.Errorf("err = %v, want ErrUnsafeLeverage", err)
			}
		})
	}
}

func TestValidateHealthAfterOpenRejectsEmptySides(t *testing.T) {
	lltv := wad.MustParse("0.81")
	rate := wad.MustParse("1")

	r := ComputeHealth(wad.MustParse("2"), big.NewInt(0), rate, lltv)
	if err := ValidateHealth(r, true); !errors.Is(err, ErrUnsafeLeverage) {
		t.Errorf("zero debt after open: err = %v, want ErrUnsafeLeverage", err)
	}

	r = ComputeHealth(big.NewInt(0), wad.MustParse("1"), rate, lltv)
	if err := ValidateHealth(r, true); !errors.Is(err, ErrUnsafeLeverage) {
		t.Errorf("zero collateral after open: err = %v, want ErrUnsafeLeverage", err)
	}
}

func TestMaxSafeLeverage(t *testing.T) {
	// 1/(1-0.81) = 5.2631..., retained at 93% = 4.8947...
	got := MaxSafeLeverage(wad.MustParse("0.81"), wad.MustParse("0.93"))

	low := wad.MustParse("4.89")
	high := wad.MustParse("4.90")
	if got.Cmp(low) < 0 || got.Cmp(high) > 0 {
		t.Errorf("max leverage = %s, want within [4.89, 4.90]", wad.Format(got))
	}

	// Full margin reproduces the theoretical ceiling.
	full := MaxSafeLeverage(wad.MustParse("0.5"), wad.One)
	if want := wad.MustParse("2"); full.Cmp(want) != 0 {
		t.Errorf("unmargined max at lltv 0.5 = %s, want 2", wad.Format(full))
	}
}
