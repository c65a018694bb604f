package engine

import (
	"fmt"
	"math/big"

	"LoopEngine/internal/wad"
)

// HealthReport is the solvency reading for one position. Factor is WAD and
// nil when the position carries no debt (Unbounded).
type HealthReport struct {
	Collateral      *big.Int
	Debt            *big.Int
	CollateralValue *big.Int
	Factor          *big.Int
	Unbounded       bool
}

// ComputeHealth values the collateral in debt units at the oracle rate and
// relates the risk-adjusted value to the debt.
// factor = collateral * rate * lltv / debt.
func ComputeHealth(collateral, debt, rate, lltv *big.Int) HealthReport {
	value := wad.Mul(collateral, rate, wad.RoundDown)
	r := HealthReport{
		Collateral:      new(big.Int).Set(collateral),
		Debt:            new(big.Int).Set(debt),
		CollateralValue: value,
	}
	if debt.Sign() == 0 {
		r.Unbounded = true
		return r
	}
	r.Factor = wad.MulDiv(value, lltv, debt, wad.RoundDown)
	return r
}

// ValidateHealth is the shared post-condition gate. afterOpen additionally
// rejects a zero-collateral or zero-debt outcome, which contradicts any
// leverage above 1.0.
func ValidateHealth(r HealthReport, afterOpen bool) error {
	if afterOpen && (r.Collateral.Sign() == 0 || r.Debt.Sign() == 0) {
		return fmt.Errorf("%w: open left collateral %s, debt %s",
			ErrUnsafeLeverage, r.Collateral, r.Debt)
	}
	if r.Unbounded {
		return nil
	}
	if r.CollateralValue.Cmp(r.Debt) <= 0 {
		return fmt.Errorf("%w: collateral value %s does not exceed debt %s",
			ErrUnsafeLeverage, r.CollateralValue, r.Debt)
	}
	if r.Factor.Cmp(wad.One) < 0 {
		return fmt.Errorf("%w: health factor %s below 1.0",
			ErrUnsafeLeverage, wad.Format(r.Factor))
	}
	return nil
}

// MaxSafeLeverage is the theoretical ceiling 1/(1-lltv) scaled down by the
// retained safety margin.
func MaxSafeLeverage(lltv, margin *big.Int) *big.Int {
	headroom := new(big.Int).Sub(wad.One, lltv)
	return wad.MulDiv(wad.One, margin, headroom, wad.RoundDown)
}
