package engine

import "math/big"

// OperationKind names the two operations the engine performs.
type OperationKind string

const (
	KindOpen  OperationKind = "open"
	KindClose OperationKind = "close"
)

// PositionSummary is the completion record of an open (or the projection a
// preview returns). Amounts are raw token units; ratios are WAD.
type PositionSummary struct {
	Owner            string
	Collateral       *big.Int
	Debt             *big.Int
	LoanAmount       *big.Int
	RealizedLeverage *big.Int
	HealthFactor     *big.Int

	// HealthUnbounded is set when the position carries no debt, in which
	// case HealthFactor is nil.
	HealthUnbounded bool
}

// UnwindSummary is the completion record of a close.
type UnwindSummary struct {
	Owner               string
	DebtRepaid          *big.Int
	CollateralWithdrawn *big.Int
	Returned            *big.Int
}
