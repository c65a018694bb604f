package engine

import (
	"context"
	"math/big"
)

// LendingProtocol is the engine's view of the external lending market,
// already bound to the engine's own account as the caller. Amounts are raw
// token units; debt reads come back as shares plus their current asset value
// so callers can clear by exact shares.
type LendingProtocol interface {
	SupplyCollateral(ctx context.Context, onBehalf string, amount *big.Int) error

	// Borrow mints debt on onBehalf and pays the proceeds to the engine.
	Borrow(ctx context.Context, onBehalf string, amount *big.Int) error

	// RepayShares burns exactly shares of onBehalf's debt, pulling the
	// corresponding assets from the engine. Returns the assets pulled.
	RepayShares(ctx context.Context, onBehalf string, shares *big.Int) (*big.Int, error)

	// WithdrawAllCollateral moves the owner's entire collateral to the
	// engine and returns the amount moved.
	WithdrawAllCollateral(ctx context.Context, owner string) (*big.Int, error)

	// Position reports collateral assets, debt shares, and the asset value
	// of those shares at current totals, rounded up.
	Position(ctx context.Context, owner string) (collateral, debtShares, debtAssets *big.Int, err error)

	// MarketTotals reports the debt pool totals backing the share math.
	MarketTotals(ctx context.Context) (totalDebtAssets, totalDebtShares *big.Int, err error)

	// IsAuthorized reports whether owner granted the engine standing rights
	// to borrow against and withdraw their position.
	IsAuthorized(ctx context.Context, owner string) (bool, error)

	// DelegatedAllowance reports the remaining debt amount the engine may
	// place on owner at flash-loan settlement.
	DelegatedAllowance(ctx context.Context, owner string) (*big.Int, error)

	// FlashBorrow lends amount to the engine for the duration of fn. With an
	// empty debtOnBehalf the loan is pulled back from the engine's balance
	// when fn returns; otherwise settlement mints the loan as debt shares on
	// the named owner, consuming their delegated allowance.
	FlashBorrow(ctx context.Context, asset string, amount *big.Int, debtOnBehalf string, fn func() error) error
}

// SwapVenue converts between the collateral and debt assets with price
// impact. Quote is read-only and serves the preview path.
type SwapVenue interface {
	SwapExactIn(ctx context.Context, tokenIn, tokenOut string, amountIn, minOut *big.Int) (*big.Int, error)
	Quote(tokenIn, tokenOut string, amountIn *big.Int) (*big.Int, error)
}

// PriceOracle reports the WAD price of one collateral unit denominated in
// the debt asset.
type PriceOracle interface {
	Rate() (*big.Int, error)
}

// Custody moves and reads raw token balances. The engine uses it to pull
// deposits, return proceeds, and assert its own accounts drain to zero.
type Custody interface {
	Transfer(asset, from, to string, amount *big.Int) error
	Balance(asset, account string) *big.Int
}

// Snapshotter lets the engine capture and roll back a collaborator's state,
// which is what makes a multi-step operation all-or-nothing.
type Snapshotter interface {
	Snapshot() any
	Restore(snap any)
}
