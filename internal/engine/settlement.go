package engine

import (
	"context"
	"fmt"
	"math/big"

	"LoopEngine/internal/wad"
)

// SettlementStrategy is how a flash loan's principal becomes durable debt on
// the owner. Both variants leave the same post-condition: owner debt equals
// the loan drawn, engine residual balances zero.
type SettlementStrategy interface {
	Name() string

	// CheckOpenAuthorization verifies the owner's standing permission before
	// any funds move, so a missing grant fails cheaply.
	CheckOpenAuthorization(ctx context.Context, lending LendingProtocol, owner string, loanAmount *big.Int) error

	// DebtOnBehalf names the account the flash loan settles onto as debt, or
	// returns empty when the loan must be repaid from the engine's balance.
	DebtOnBehalf(owner string) string

	// SettleOpen runs at the end of the open callback, after collateral has
	// been supplied, and arranges the funds or debt that square the loan.
	SettleOpen(ctx context.Context, lending LendingProtocol, owner string, loanAmount *big.Int) error

	// CloseLoanAmount sizes the unwind flash loan for a debt reading.
	CloseLoanAmount(debtOwed, buffer *big.Int) *big.Int
}

// DelegatedDebtSettlement settles the open loan by letting the lender mint
// it as debt shares on the owner, consuming a per-amount delegated
// allowance. The engine never holds the liability.
type DelegatedDebtSettlement struct{}

func (DelegatedDebtSettlement) Name() string { return "delegated-debt" }

func (DelegatedDebtSettlement) CheckOpenAuthorization(ctx context.Context, lending LendingProtocol, owner string, loanAmount *big.Int) error {
	allowance, err := lending.DelegatedAllowance(ctx, owner)
	if err != nil {
		return fmt.Errorf("read delegated allowance: %w", err)
	}
	if allowance.Cmp(loanAmount) < 0 {
		return fmt.Errorf("%w: delegated %s, loan needs %s",
			ErrInsufficientDelegation, allowance, loanAmount)
	}
	return nil
}

func (DelegatedDebtSettlement) DebtOnBehalf(owner string) string { return owner }

func (DelegatedDebtSettlement) SettleOpen(ctx context.Context, lending LendingProtocol, owner string, loanAmount *big.Int) error {
	// The lender converts the loan to owner debt at flash settlement.
	return nil
}

func (DelegatedDebtSettlement) CloseLoanAmount(debtOwed, buffer *big.Int) *big.Int {
	return new(big.Int).Set(debtOwed)
}

// SelfRepaySettlement borrows the debt asset on the owner's behalf inside
// the callback so the engine can repay the flash loan itself. Requires the
// owner's standing authorization, not a per-amount allowance.
type SelfRepaySettlement struct{}

func (SelfRepaySettlement) Name() string { return "self-repay" }

func (SelfRepaySettlement) CheckOpenAuthorization(ctx context.Context, lending LendingProtocol, owner string, loanAmount *big.Int) error {
	ok, err := lending.IsAuthorized(ctx, owner)
	if err != nil {
		return fmt.Errorf("read authorization: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: owner %s has not authorized the engine", ErrAuthorizationNotGranted, owner)
	}
	return nil
}

func (SelfRepaySettlement) DebtOnBehalf(owner string) string { return "" }

func (SelfRepaySettlement) SettleOpen(ctx context.Context, lending LendingProtocol, owner string, loanAmount *big.Int) error {
	// The borrow pays the engine, which funds the flash repayment at return.
	if err := lending.Borrow(ctx, owner, loanAmount); err != nil {
		return fmt.Errorf("borrow for flash repayment: %w", err)
	}
	return nil
}

// CloseLoanAmount pads the loan so interest accrued between the position
// read and the repay cannot leave the repayment short.
func (SelfRepaySettlement) CloseLoanAmount(debtOwed, buffer *big.Int) *big.Int {
	pad := wad.Mul(debtOwed, buffer, wad.RoundUp)
	return new(big.Int).Add(debtOwed, pad)
}
