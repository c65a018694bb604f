package engine

import (
	"context"
	"fmt"
	"math/big"

	"LoopEngine/internal/wad"
)

// PreviewOpen projects what OpenPosition would do for the caller without
// touching any state. It runs the same sizing code as execution, estimates
// the swap through the venue's read-only quote, and values the projected
// position with the same health computation. The projection can come back
// with a health factor below 1.0; the caller reads the number and decides.
func (e *Engine) PreviewOpen(ctx context.Context, owner string, deposit, targetLeverage *big.Int) (*PositionSummary, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner must be named", ErrInvalidCaller)
	}
	if deposit == nil || deposit.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit must be positive", ErrInsufficientDeposit)
	}

	rate, err := e.oracle.Rate()
	if err != nil {
		return nil, fmt.Errorf("read oracle rate: %w", err)
	}
	sizing, err := ComputeSizing(deposit, targetLeverage, rate, e.MaxSafeLeverage())
	if err != nil {
		return nil, err
	}

	swapped, err := e.swap.Quote(e.market.DebtAsset, e.market.CollateralAsset, sizing.LoanAmount)
	if err != nil {
		return nil, fmt.Errorf("quote swap: %w", err)
	}

	haveCollateral, _, haveDebt, err := e.lending.Position(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("read position: %w", err)
	}
	collateral := new(big.Int).Add(haveCollateral, new(big.Int).Add(deposit, swapped))
	debt := new(big.Int).Add(haveDebt, sizing.LoanAmount)

	report := ComputeHealth(collateral, debt, rate, e.market.LiquidationThreshold)

	summary := &PositionSummary{
		Owner:           owner,
		Collateral:      collateral,
		Debt:            debt,
		LoanAmount:      new(big.Int).Set(sizing.LoanAmount),
		HealthFactor:    report.Factor,
		HealthUnbounded: report.Unbounded,
	}
	if equity := new(big.Int).Sub(report.CollateralValue, debt); equity.Sign() > 0 {
		summary.RealizedLeverage = wad.MulDiv(report.CollateralValue, wad.One, equity, wad.RoundDown)
	}
	return summary, nil
}
