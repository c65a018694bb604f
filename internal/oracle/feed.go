package oracle

import (
	"fmt"
	"math/big"
	"sync"
)

// Feed is a mutable price feed. Rate is the WAD-scaled price of one unit of
// the collateral asset denominated in the debt asset. Operators (and tests)
// move it to simulate drift between preview and execution.
type Feed struct {
	mu   sync.RWMutex
	rate *big.Int
}

func NewFeed(rate *big.Int) (*Feed, error) {
	if rate == nil || rate.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: rate must be positive, got %s", rate)
	}
	return &Feed{rate: new(big.Int).Set(rate)}, nil
}

// Rate returns the current collateral price in debt units (WAD).
func (f *Feed) Rate() (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(big.Int).Set(f.rate), nil
}

// SetRate replaces the price. Rejects zero and negative rates.
func (f *Feed) SetRate(rate *big.Int) error {
	if rate == nil || rate.Sign() <= 0 {
		return fmt.Errorf("oracle: rate must be positive, got %s", rate)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate.Set(rate)
	return nil
}
