package token

import (
	"fmt"
	"math/big"
	"sync"
)

// Book tracks asset balances for every account the engine touches: position
// owners, the engine's own custody account, the lending market's pool and the
// swap pool. Having one book for all of them means every transfer an
// operation performs is observable, which is what the custody-drain
// invariant is asserted against.
type Book struct {
	mu       sync.RWMutex
	balances map[string]*big.Int // "asset/account" -> balance
}

func NewBook() *Book {
	return &Book{balances: make(map[string]*big.Int)}
}

func balanceKey(asset, account string) string {
	return asset + "/" + account
}

// Mint credits an account out of thin air. Used for genesis and test setup.
func (b *Book) Mint(asset, account string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(asset, account, amount)
}

// Transfer moves amount of asset between two accounts. A zero amount is a
// no-op; a negative amount or an overdraft is an error and nothing moves.
func (b *Book) Transfer(asset, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token: negative transfer of %s", asset)
	}
	if amount.Sign() == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[balanceKey(asset, from)]
	if bal == nil || bal.Cmp(amount) < 0 {
		have := big.NewInt(0)
		if bal != nil {
			have = bal
		}
		return fmt.Errorf("token: %s has %s %s, transfer needs %s", from, have, asset, amount)
	}

	bal.Sub(bal, amount)
	b.credit(asset, to, amount)
	return nil
}

func (b *Book) credit(asset, account string, amount *big.Int) {
	key := balanceKey(asset, account)
	if cur := b.balances[key]; cur != nil {
		cur.Add(cur, amount)
		return
	}
	b.balances[key] = new(big.Int).Set(amount)
}

// Balance returns a copy of the account's balance for the asset.
func (b *Book) Balance(asset, account string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal := b.balances[balanceKey(asset, account)]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Snapshot captures all balances for later restore.
func (b *Book) Snapshot() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := make(map[string]*big.Int, len(b.balances))
	for k, v := range b.balances {
		snap[k] = new(big.Int).Set(v)
	}
	return snap
}

// Restore replaces all balances with a previously captured snapshot.
func (b *Book) Restore(snap any) {
	balances, ok := snap.(map[string]*big.Int)
	if !ok {
		panic(fmt.Sprintf("token: restore with %T snapshot", snap))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = make(map[string]*big.Int, len(balances))
	for k, v := range balances {
		b.balances[k] = new(big.Int).Set(v)
	}
}
