package engine

import (
	"fmt"
	"math/big"

	"LoopEngine/internal/wad"
)

// MarketParams is the immutable market the engine serves: one collateral
// asset levered against one debt asset under a single liquidation threshold.
type MarketParams struct {
	CollateralAsset string
	DebtAsset       string

	// LiquidationThreshold is the WAD fraction of collateral value the
	// market counts toward solvency, 0 < t < 1.
	LiquidationThreshold *big.Int
}

func (p MarketParams) Validate() error {
	if p.CollateralAsset == "" || p.DebtAsset == "" {
		return fmt.Errorf("market params: both assets must be named")
	}
	if p.CollateralAsset == p.DebtAsset {
		return fmt.Errorf("market params: collateral and debt asset must differ")
	}
	if p.LiquidationThreshold == nil || p.LiquidationThreshold.Sign() <= 0 || p.LiquidationThreshold.Cmp(wad.One) >= 0 {
		return fmt.Errorf("market params: liquidation threshold must be in (0, 1), got %s", wad.Format(p.LiquidationThreshold))
	}
	return nil
}

// Config is the engine's administrative state and tunables.
type Config struct {
	// Owner may pause and unpause the engine.
	Owner string

	// SafetyMargin is the WAD share of theoretical leverage headroom the
	// engine retains, so the advertised maximum absorbs price movement
	// between preview and execution.
	SafetyMargin *big.Int

	// SlippageBuffer is the WAD fraction added on top of the oracle-implied
	// collateral amount when sizing the unwind swap.
	SlippageBuffer *big.Int

	// CloseLoanBuffer is the WAD fraction added to the unwind flash loan
	// under self-repay settlement, covering interest accrued between the
	// position read and the repay.
	CloseLoanBuffer *big.Int
}

// DefaultConfig retains 93% of theoretical leverage headroom, sizes unwind
// swaps with a 2% slippage buffer, and pads self-repay unwind loans by 0.1%.
func DefaultConfig(owner string) Config {
	return Config{
		Owner:           owner,
		SafetyMargin:    wad.MustParse("0.93"),
		SlippageBuffer:  wad.MustParse("0.02"),
		CloseLoanBuffer: wad.MustParse("0.001"),
	}
}

func (c Config) Validate() error {
	if c.Owner == "" {
		return fmt.Errorf("config: owner must be set")
	}
	if c.SafetyMargin == nil || c.SafetyMargin.Sign() <= 0 || c.SafetyMargin.Cmp(wad.One) > 0 {
		return fmt.Errorf("config: safety margin must be in (0, 1], got %s", wad.Format(c.SafetyMargin))
	}
	if c.SlippageBuffer == nil || c.SlippageBuffer.Sign() < 0 {
		return fmt.Errorf("config: slippage buffer must be non-negative")
	}
	if c.CloseLoanBuffer == nil || c.CloseLoanBuffer.Sign() < 0 {
		return fmt.Errorf("config: close loan buffer must be non-negative")
	}
	return nil
}
