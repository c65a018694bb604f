package engine

import (
	"fmt"
	"math/big"

	"LoopEngine/internal/wad"
)

// Sizing is the loan plan for a target leverage. ExpectedCollateral is the
// pre-slippage estimate; the realized figure depends on swap execution.
type Sizing struct {
	LoanAmount         *big.Int
	ExpectedCollateral *big.Int
	ExpectedDebt       *big.Int
}

var wadSquared = new(big.Int).Mul(wad.One, wad.One)

// ComputeSizing maps (deposit, target leverage, oracle rate) to the debt
// loan that funds the position. loan = deposit * rate * (L - 1), with the
// full product formed before the single division. Pure, shared by execution
// and preview. Never clamps: out-of-range leverage is an error.
func ComputeSizing(deposit, targetLeverage, rate, maxLeverage *big.Int) (*Sizing, error) {
	if deposit == nil || deposit.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit must be positive", ErrInvalidParameters)
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: rate must be positive", ErrInvalidParameters)
	}
	if targetLeverage == nil || targetLeverage.Cmp(wad.One) <= 0 {
		return nil, fmt.Errorf("%w: target leverage %s must exceed 1.0",
			ErrInvalidParameters, wad.Format(targetLeverage))
	}
	if maxLeverage != nil && targetLeverage.Cmp(maxLeverage) > 0 {
		return nil, fmt.Errorf("%w: target leverage %s exceeds maximum %s",
			ErrInvalidParameters, wad.Format(targetLeverage), wad.Format(maxLeverage))
	}

	excess := new(big.Int).Sub(targetLeverage, wad.One)
	loan := wad.MulDiv(new(big.Int).Mul(deposit, rate), excess, wadSquared, wad.RoundDown)

	expected := new(big.Int).Add(deposit, wad.Div(loan, rate, wad.RoundDown))
	return &Sizing{
		LoanAmount:         loan,
		ExpectedCollateral: expected,
		ExpectedDebt:       new(big.Int).Set(loan),
	}, nil
}
