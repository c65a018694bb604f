package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/rs/zerolog"

	"LoopEngine/internal/wad"
)

// Engine orchestrates flash-funded leverage opens and single-step unwinds
// against a lending protocol and a swap venue. Every operation is
// all-or-nothing: on any failure the collaborator snapshots are restored and
// no partial transfer is observable.
type Engine struct {
	cfg    Config
	market MarketParams

	// account is the engine's transient custody account. It must hold zero
	// of both assets after every successful operation.
	account string

	lending   LendingProtocol
	swap      SwapVenue
	oracle    PriceOracle
	custody   Custody
	strategy  SettlementStrategy
	snapshots []Snapshotter

	log zerolog.Logger

	inFlight atomic.Bool
	paused   atomic.Bool
}

// Deps carries the engine's collaborators. Snapshots must cover every
// stateful collaborator an operation can touch.
type Deps struct {
	Lending   LendingProtocol
	Swap      SwapVenue
	Oracle    PriceOracle
	Custody   Custody
	Strategy  SettlementStrategy
	Snapshots []Snapshotter
	Logger    zerolog.Logger
}

func New(cfg Config, market MarketParams, account string, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := market.Validate(); err != nil {
		return nil, err
	}
	if account == "" {
		return nil, fmt.Errorf("engine: custody account must be named")
	}
	if deps.Lending == nil || deps.Swap == nil || deps.Oracle == nil || deps.Custody == nil || deps.Strategy == nil {
		return nil, fmt.Errorf("engine: all collaborators must be set")
	}
	return &Engine{
		cfg:       cfg,
		market:    market,
		account:   account,
		lending:   deps.Lending,
		swap:      deps.Swap,
		oracle:    deps.Oracle,
		custody:   deps.Custody,
		strategy:  deps.Strategy,
		snapshots: deps.Snapshots,
		log:       deps.Logger.With().Str("component", "engine").Str("settlement", deps.Strategy.Name()).Logger(),
	}, nil
}

// Strategy reports the active settlement strategy name.
func (e *Engine) Strategy() string { return e.strategy.Name() }

// Market reports the immutable market parameters.
func (e *Engine) Market() MarketParams { return e.market }

// begin takes the global operation slot. A nested call while an operation is
// in flight fails immediately instead of deadlocking.
func (e *Engine) begin() error {
	if e.paused.Load() {
		return ErrPaused
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) end() { e.inFlight.Store(false) }

// Pause stops new operations. Owner only.
func (e *Engine) Pause(caller string) error {
	if caller != e.cfg.Owner {
		return fmt.Errorf("%w: only %s may pause", ErrUnauthorized, e.cfg.Owner)
	}
	e.paused.Store(true)
	e.log.Warn().Str("caller", caller).Msg("engine paused")
	return nil
}

// Unpause resumes operations. Owner only.
func (e *Engine) Unpause(caller string) error {
	if caller != e.cfg.Owner {
		return fmt.Errorf("%w: only %s may unpause", ErrUnauthorized, e.cfg.Owner)
	}
	e.paused.Store(false)
	e.log.Info().Str("caller", caller).Msg("engine unpaused")
	return nil
}

func (e *Engine) Paused() bool { return e.paused.Load() }

// MaxSafeLeverage is the advertised leverage ceiling: the theoretical
// 1/(1-lltv) reduced by the configured safety margin.
func (e *Engine) MaxSafeLeverage() *big.Int {
	return MaxSafeLeverage(e.market.LiquidationThreshold, e.cfg.SafetyMargin)
}

// HealthFactor reads the owner's position and values it at the current rate.
func (e *Engine) HealthFactor(ctx context.Context, owner string) (HealthReport, error) {
	if owner == "" {
		return HealthReport{}, fmt.Errorf("%w: owner must be named", ErrInvalidCaller)
	}
	rate, err := e.oracle.Rate()
	if err != nil {
		return HealthReport{}, fmt.Errorf("read oracle rate: %w", err)
	}
	collateral, _, debtAssets, err := e.lending.Position(ctx, owner)
	if err != nil {
		return HealthReport{}, fmt.Errorf("read position: %w", err)
	}
	return ComputeHealth(collateral, debtAssets, rate, e.market.LiquidationThreshold), nil
}

// capture snapshots every stateful collaborator before funds move.
func (e *Engine) capture() []any {
	snaps := make([]any, len(e.snapshots))
	for i, s := range e.snapshots {
		snaps[i] = s.Snapshot()
	}
	return snaps
}

func (e *Engine) restore(snaps []any) {
	for i, s := range e.snapshots {
		s.Restore(snaps[i])
	}
}

// drained verifies the custody invariant: the engine holds nothing of either
// asset once an operation completes.
func (e *Engine) drained() error {
	for _, asset := range []string{e.market.CollateralAsset, e.market.DebtAsset} {
		if bal := e.custody.Balance(asset, e.account); bal.Sign() != 0 {
			return fmt.Errorf("custody not drained: %s %s left in engine account", bal, asset)
		}
	}
	return nil
}

// OpenPosition opens a leveraged position for the caller: pull the deposit,
// flash-borrow the sized loan, swap it into collateral, supply everything on
// the caller's behalf, settle the loan per the strategy, and only commit if
// the resulting position is healthy.
func (e *Engine) OpenPosition(ctx context.Context, caller string, deposit, targetLeverage *big.Int) (*PositionSummary, error) {
	if caller == "" {
		return nil, fmt.Errorf("%w: caller must be named", ErrInvalidCaller)
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

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

	// Authorization is checked before any transfer so a missing grant costs
	// nothing.
	if err := e.strategy.CheckOpenAuthorization(ctx, e.lending, caller, sizing.LoanAmount); err != nil {
		return nil, err
	}

	snaps := e.capture()
	summary, err := e.openFunded(ctx, caller, deposit, rate, sizing)
	if err != nil {
		e.restore(snaps)
		e.log.Debug().Err(err).Str("owner", caller).Msg("open rolled back")
		return nil, err
	}

	e.log.Info().
		Str("owner", caller).
		Str("deposit", deposit.String()).
		Str("leverage", wad.Format(targetLeverage)).
		Str("loan", summary.LoanAmount.String()).
		Str("health_factor", wad.Format(summary.HealthFactor)).
		Msg("position opened")
	return summary, nil
}

func (e *Engine) openFunded(ctx context.Context, owner string, deposit, rate *big.Int, sizing *Sizing) (*PositionSummary, error) {
	if err := e.custody.Transfer(e.market.CollateralAsset, owner, e.account, deposit); err != nil {
		return nil, fmt.Errorf("pull deposit: %w", err)
	}

	err := e.lending.FlashBorrow(ctx, e.market.DebtAsset, sizing.LoanAmount,
		e.strategy.DebtOnBehalf(owner), func() error {
			// No per-swap minimum: solvency is judged by the final health
			// check, which distinguishes a bad swap from a bad leverage
			// choice by the same bottom line.
			swapped, err := e.swap.SwapExactIn(ctx, e.market.DebtAsset, e.market.CollateralAsset,
				sizing.LoanAmount, nil)
			if err != nil {
				return fmt.Errorf("swap loan to collateral: %w", err)
			}
			supply := new(big.Int).Add(deposit, swapped)
			if err := e.lending.SupplyCollateral(ctx, owner, supply); err != nil {
				return fmt.Errorf("supply collateral: %w", err)
			}
			return e.strategy.SettleOpen(ctx, e.lending, owner, sizing.LoanAmount)
		})
	if err != nil {
		return nil, err
	}

	collateral, _, debtAssets, err := e.lending.Position(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("read position: %w", err)
	}
	report := ComputeHealth(collateral, debtAssets, rate, e.market.LiquidationThreshold)
	if err := ValidateHealth(report, true); err != nil {
		return nil, err
	}
	if err := e.drained(); err != nil {
		return nil, err
	}

	// realized leverage = value / (value - debt), the equity multiple the
	// position actually achieved after swap execution.
	equity := new(big.Int).Sub(report.CollateralValue, debtAssets)
	realized := wad.MulDiv(report.CollateralValue, wad.One, equity, wad.RoundDown)

	return &PositionSummary{
		Owner:            owner,
		Collateral:       collateral,
		Debt:             debtAssets,
		LoanAmount:       new(big.Int).Set(sizing.LoanAmount),
		RealizedLeverage: realized,
		HealthFactor:     report.Factor,
	}, nil
}

// ClosePosition fully unwinds the caller's position: flash-borrow the debt
// reading, repay by exact shares, withdraw all collateral, swap just enough
// of it to square the loan, and return the remainder to the caller. Debt
// shares end at exactly zero regardless of interest accrued since the read.
func (e *Engine) ClosePosition(ctx context.Context, caller string) (*UnwindSummary, error) {
	if caller == "" {
		return nil, fmt.Errorf("%w: caller must be named", ErrInvalidCaller)
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	collateral, debtShares, debtOwed, err := e.lending.Position(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("read position: %w", err)
	}
	if collateral.Sign() == 0 && debtShares.Sign() == 0 {
		return nil, fmt.Errorf("%w: owner %s has nothing to unwind", ErrNoDebtPosition, caller)
	}

	// Both settlement variants unwind through the owner's position, so the
	// standing authorization is required before anything moves.
	authorized, err := e.lending.IsAuthorized(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("read authorization: %w", err)
	}
	if !authorized {
		return nil, fmt.Errorf("%w: owner %s has not authorized the engine", ErrAuthorizationNotGranted, caller)
	}

	snaps := e.capture()
	summary, err := e.closeFunded(ctx, caller, debtShares, debtOwed)
	if err != nil {
		e.restore(snaps)
		e.log.Debug().Err(err).Str("owner", caller).Msg("close rolled back")
		return nil, err
	}

	e.log.Info().
		Str("owner", caller).
		Str("debt_repaid", summary.DebtRepaid.String()).
		Str("returned", summary.Returned.String()).
		Msg("position closed")
	return summary, nil
}

func (e *Engine) closeFunded(ctx context.Context, owner string, debtShares, debtOwed *big.Int) (*UnwindSummary, error) {
	// Debt-free position: nothing to flash, just hand the collateral back.
	if debtShares.Sign() == 0 {
		withdrawn, err := e.lending.WithdrawAllCollateral(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("withdraw collateral: %w", err)
		}
		if err := e.custody.Transfer(e.market.CollateralAsset, e.account, owner, withdrawn); err != nil {
			return nil, fmt.Errorf("return collateral: %w", err)
		}
		if err := e.drained(); err != nil {
			return nil, err
		}
		return &UnwindSummary{
			Owner:               owner,
			DebtRepaid:          big.NewInt(0),
			CollateralWithdrawn: withdrawn,
			Returned:            withdrawn,
		}, nil
	}

	rate, err := e.oracle.Rate()
	if err != nil {
		return nil, fmt.Errorf("read oracle rate: %w", err)
	}
	loan := e.strategy.CloseLoanAmount(debtOwed, e.cfg.CloseLoanBuffer)

	var repaid, withdrawn *big.Int
	err = e.lending.FlashBorrow(ctx, e.market.DebtAsset, loan, "", func() error {
		// Clearing by exact shares, not the asset estimate, is what leaves
		// zero residual under interest accrual.
		var err error
		repaid, err = e.lending.RepayShares(ctx, owner, debtShares)
		if err != nil {
			return fmt.Errorf("repay debt shares: %w", err)
		}
		withdrawn, err = e.lending.WithdrawAllCollateral(ctx, owner)
		if err != nil {
			return fmt.Errorf("withdraw collateral: %w", err)
		}
		return e.coverLoan(ctx, loan, rate)
	})
	if err != nil {
		return nil, err
	}

	returned := e.custody.Balance(e.market.CollateralAsset, e.account)
	if err := e.custody.Transfer(e.market.CollateralAsset, e.account, owner, returned); err != nil {
		return nil, fmt.Errorf("return collateral: %w", err)
	}

	_, sharesLeft, _, err := e.lending.Position(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("read position: %w", err)
	}
	if sharesLeft.Sign() != 0 {
		return nil, fmt.Errorf("close left %s debt shares on %s", sharesLeft, owner)
	}
	if err := e.drained(); err != nil {
		return nil, err
	}

	return &UnwindSummary{
		Owner:               owner,
		DebtRepaid:          repaid,
		CollateralWithdrawn: withdrawn,
		Returned:            returned,
	}, nil
}

// coverLoan swaps withdrawn collateral into enough of the debt asset to
// square the flash loan, then converts any surplus back so the owner
// receives one unified asset.
func (e *Engine) coverLoan(ctx context.Context, loan, rate *big.Int) error {
	need := new(big.Int).Sub(loan, e.custody.Balance(e.market.DebtAsset, e.account))
	if need.Sign() > 0 {
		held := e.custody.Balance(e.market.CollateralAsset, e.account)

		// Oracle-implied input plus the slippage buffer, capped at what we
		// actually hold.
		buffered := new(big.Int).Add(wad.One, e.cfg.SlippageBuffer)
		sell := wad.MulDiv(need, buffered, rate, wad.RoundUp)
		if sell.Cmp(held) > 0 {
			sell.Set(held)
		}
		if sell.Sign() > 0 {
			if _, err := e.swap.SwapExactIn(ctx, e.market.CollateralAsset, e.market.DebtAsset, sell, nil); err != nil {
				return fmt.Errorf("swap collateral for repayment: %w", err)
			}
		}

		// Fallback: dump all remaining collateral before giving up.
		if e.custody.Balance(e.market.DebtAsset, e.account).Cmp(loan) < 0 {
			rest := e.custody.Balance(e.market.CollateralAsset, e.account)
			if rest.Sign() > 0 {
				if _, err := e.swap.SwapExactIn(ctx, e.market.CollateralAsset, e.market.DebtAsset, rest, nil); err != nil {
					return fmt.Errorf("fallback swap: %w", err)
				}
			}
		}
		if got := e.custody.Balance(e.market.DebtAsset, e.account); got.Cmp(loan) < 0 {
			return fmt.Errorf("%w: hold %s of the debt asset, loan needs %s",
				ErrInsufficientSwapOutput, got, loan)
		}
	}

	surplus := new(big.Int).Sub(e.custody.Balance(e.market.DebtAsset, e.account), loan)
	if surplus.Sign() > 0 {
		if _, err := e.swap.SwapExactIn(ctx, e.market.DebtAsset, e.market.CollateralAsset, surplus, nil); err != nil {
			return fmt.Errorf("convert surplus: %w", err)
		}
	}
	return nil
}
