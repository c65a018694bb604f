package market

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"LoopEngine/internal/token"
	"LoopEngine/internal/wad"
)

// Market is a simulated lending protocol for one collateral/debt asset pair.
// Debt is tracked in shares over a growing asset total so interest accrual
// between a read and a repay behaves like the real thing. Collateral does not
// accrue.
type Market struct {
	mu sync.Mutex

	book    *token.Book
	account string // the market's own token-book account

	collateralAsset string
	debtAsset       string

	collateral map[string]*big.Int // owner -> collateral assets
	debtShares map[string]*big.Int // owner -> debt shares

	totalDebtAssets *big.Int
	totalDebtShares *big.Int

	// authorized[owner][operator]: operator may borrow against and withdraw
	// the owner's position.
	authorized map[string]map[string]bool

	// delegated[owner][operator]: remaining debt amount the operator may
	// place on the owner at flash-loan settlement.
	delegated map[string]map[string]*big.Int
}

func NewMarket(book *token.Book, account, collateralAsset, debtAsset string) *Market {
	return &Market{
		book:            book,
		account:         account,
		collateralAsset: collateralAsset,
		debtAsset:       debtAsset,
		collateral:      make(map[string]*big.Int),
		debtShares:      make(map[string]*big.Int),
		totalDebtAssets: big.NewInt(0),
		totalDebtShares: big.NewInt(0),
		authorized:      make(map[string]map[string]bool),
		delegated:       make(map[string]map[string]*big.Int),
	}
}

// FundLiquidity mints debt-asset lending liquidity into the market account.
func (m *Market) FundLiquidity(amount *big.Int) {
	m.book.Mint(m.debtAsset, m.account, amount)
}

func (m *Market) add(table map[string]*big.Int, key string, amount *big.Int) {
	if cur := table[key]; cur != nil {
		cur.Add(cur, amount)
		return
	}
	table[key] = new(big.Int).Set(amount)
}

func (m *Market) get(table map[string]*big.Int, key string) *big.Int {
	if cur := table[key]; cur != nil {
		return cur
	}
	return big.NewInt(0)
}

// SetAuthorization grants or revokes the operator's standing right to borrow
// against and withdraw the owner's position.
func (m *Market) SetAuthorization(owner, operator string, granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authorized[owner] == nil {
		m.authorized[owner] = make(map[string]bool)
	}
	m.authorized[owner][operator] = granted
}

func (m *Market) IsAuthorized(owner, operator string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authorized[owner][operator]
}

// ApproveDelegation sets the remaining debt amount the operator may place on
// the owner at flash-loan settlement. It replaces any prior allowance.
func (m *Market) ApproveDelegation(owner, operator string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delegated[owner] == nil {
		m.delegated[owner] = make(map[string]*big.Int)
	}
	m.delegated[owner][operator] = new(big.Int).Set(amount)
}

func (m *Market) DelegatedAllowance(owner, operator string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.get(m.delegated[owner], operator))
}

// SupplyCollateral pulls amount of the collateral asset from caller and
// credits it to onBehalf's position.
func (m *Market) SupplyCollateral(caller, onBehalf string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("market: supply amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.book.Transfer(m.collateralAsset, caller, m.account, amount); err != nil {
		return fmt.Errorf("market: supply: %w", err)
	}
	m.add(m.collateral, onBehalf, amount)
	return nil
}

// Borrow mints debt shares on onBehalf and pays the borrowed debt asset to
// the caller. Callers other than the owner need standing authorization.
func (m *Market) Borrow(caller, onBehalf string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("market: borrow amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != onBehalf && !m.authorized[onBehalf][caller] {
		return fmt.Errorf("market: %s not authorized to borrow for %s", caller, onBehalf)
	}
	if err := m.book.Transfer(m.debtAsset, m.account, caller, amount); err != nil {
		return fmt.Errorf("market: borrow: %w", err)
	}
	m.mintDebt(onBehalf, amount)
	return nil
}

// mintDebt records amount of new debt on owner. Shares round up so the
// market never under-records debt.
func (m *Market) mintDebt(owner string, amount *big.Int) {
	shares := wad.ToShares(amount, m.totalDebtAssets, m.totalDebtShares, wad.RoundUp)
	m.add(m.debtShares, owner, shares)
	m.totalDebtShares.Add(m.totalDebtShares, shares)
	m.totalDebtAssets.Add(m.totalDebtAssets, amount)
}

// RepayShares burns exactly shares of onBehalf's debt, pulling the
// corresponding asset amount (rounded up) from the caller. Repaying by exact
// shares is what guarantees a position can be cleared to zero even after
// interest accrued since the debt was read.
func (m *Market) RepayShares(caller, onBehalf string, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, fmt.Errorf("market: repay shares must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.get(m.debtShares, onBehalf)
	if held.Cmp(shares) < 0 {
		return nil, fmt.Errorf("market: %s owes %s shares, repay asked %s", onBehalf, held, shares)
	}
	assets := wad.ToAssets(shares, m.totalDebtAssets, m.totalDebtShares, wad.RoundUp)
	if err := m.book.Transfer(m.debtAsset, caller, m.account, assets); err != nil {
		return nil, fmt.Errorf("market: repay: %w", err)
	}
	held.Sub(held, shares)
	m.totalDebtShares.Sub(m.totalDebtShares, shares)
	m.totalDebtAssets.Sub(m.totalDebtAssets, assets)
	if m.totalDebtAssets.Sign() < 0 {
		m.totalDebtAssets.SetInt64(0)
	}
	return assets, nil
}

// WithdrawAllCollateral moves the owner's entire collateral to the caller.
// Callers other than the owner need standing authorization.
func (m *Market) WithdrawAllCollateral(caller, owner string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != owner && !m.authorized[owner][caller] {
		return nil, fmt.Errorf("market: %s not authorized to withdraw for %s", caller, owner)
	}
	held := m.get(m.collateral, owner)
	if held.Sign() == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int).Set(held)
	if err := m.book.Transfer(m.collateralAsset, m.account, caller, amount); err != nil {
		return nil, fmt.Errorf("market: withdraw: %w", err)
	}
	held.SetInt64(0)
	return amount, nil
}

// Position reports the owner's collateral assets, debt shares and the debt
// asset amount those shares convert to right now (rounded up).
func (m *Market) Position(owner string) (collateral, debtShares, debtAssets *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	collateral = new(big.Int).Set(m.get(m.collateral, owner))
	debtShares = new(big.Int).Set(m.get(m.debtShares, owner))
	debtAssets = wad.ToAssets(debtShares, m.totalDebtAssets, m.totalDebtShares, wad.RoundUp)
	return
}

// MarketTotals reports the debt pool totals.
func (m *Market) MarketTotals() (totalDebtAssets, totalDebtShares *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.totalDebtAssets), new(big.Int).Set(m.totalDebtShares)
}

// AccrueInterest grows total debt assets by the WAD factor, e.g. 1.01e18 for
// one percent. Shares stay fixed, so every borrower's debt grows pro rata.
func (m *Market) AccrueInterest(factor *big.Int) error {
	if factor == nil || factor.Cmp(wad.One) < 0 {
		return fmt.Errorf("market: accrual factor must be >= 1, got %s", factor)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDebtAssets = wad.Mul(m.totalDebtAssets, factor, wad.RoundUp)
	return nil
}

// FlashBorrow lends amount of asset to the caller for the duration of fn and
// settles when fn returns. With an empty debtOnBehalf the caller repays from
// its own balance. With a debt owner named, settlement instead consumes that
// owner's delegated allowance and mints the loan as debt shares on them, so
// the caller keeps the funds it ended the callback with.
func (m *Market) FlashBorrow(caller, asset string, amount *big.Int, debtOnBehalf string, fn func() error) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("market: flash amount must be positive")
	}
	if asset != m.debtAsset {
		return fmt.Errorf("market: flash asset %s not lent here", asset)
	}

	if err := m.book.Transfer(asset, m.account, caller, amount); err != nil {
		return fmt.Errorf("market: flash disburse: %w", err)
	}
	if err := fn(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if debtOnBehalf == "" {
		if err := m.book.Transfer(asset, caller, m.account, amount); err != nil {
			return fmt.Errorf("market: flash repay: %w", err)
		}
		return nil
	}

	allowance := m.get(m.delegated[debtOnBehalf], caller)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("market: delegation from %s to %s is %s, loan needs %s",
			debtOnBehalf, caller, allowance, amount)
	}
	allowance.Sub(allowance, amount)
	m.mintDebt(debtOnBehalf, amount)
	return nil
}

// Snapshot captures all positions, totals and grants. The token book
// snapshots separately.
func (m *Market) Snapshot() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &snapshot{
		collateral:      copyTable(m.collateral),
		debtShares:      copyTable(m.debtShares),
		totalDebtAssets: new(big.Int).Set(m.totalDebtAssets),
		totalDebtShares: new(big.Int).Set(m.totalDebtShares),
		authorized:      make(map[string]map[string]bool, len(m.authorized)),
		delegated:       make(map[string]map[string]*big.Int, len(m.delegated)),
	}
	for owner, ops := range m.authorized {
		inner := make(map[string]bool, len(ops))
		for op, ok := range ops {
			inner[op] = ok
		}
		s.authorized[owner] = inner
	}
	for owner, ops := range m.delegated {
		s.delegated[owner] = copyTable(ops)
	}
	return s
}

func (m *Market) Restore(snap any) {
	s, ok := snap.(*snapshot)
	if !ok {
		panic(fmt.Sprintf("market: restore with %T snapshot", snap))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collateral = copyTable(s.collateral)
	m.debtShares = copyTable(s.debtShares)
	m.totalDebtAssets = new(big.Int).Set(s.totalDebtAssets)
	m.totalDebtShares = new(big.Int).Set(s.totalDebtShares)
	m.authorized = make(map[string]map[string]bool, len(s.authorized))
	for owner, ops := range s.authorized {
		inner := make(map[string]bool, len(ops))
		for op, ok := range ops {
			inner[op] = ok
		}
		m.authorized[owner] = inner
	}
	m.delegated = make(map[string]map[string]*big.Int, len(s.delegated))
	for owner, ops := range s.delegated {
		m.delegated[owner] = copyTable(ops)
	}
}

type snapshot struct {
	collateral      map[string]*big.Int
	debtShares      map[string]*big.Int
	totalDebtAssets *big.Int
	totalDebtShares *big.Int
	authorized      map[string]map[string]bool
	delegated       map[string]map[string]*big.Int
}

func copyTable(src map[string]*big.Int) map[string]*big.Int {
	dst := make(map[string]*big.Int, len(src))
	for k, v := range src {
		dst[k] = new(big.Int).Set(v)
	}
	return dst
}

// Client binds the market to one caller account. The bound client satisfies
// the engine's LendingProtocol interface.
func (m *Market) Client(account string) *Client {
	return &Client{market: m, account: account}
}

// Client is a market handle acting as one token-book account.
type Client struct {
	market  *Market
	account string
}

func (c *Client) SupplyCollateral(ctx context.Context, onBehalf string, amount *big.Int) error {
	return c.market.SupplyCollateral(c.account, onBehalf, amount)
}

func (c *Client) Borrow(ctx context.Context, onBehalf string, amount *big.Int) error {
	return c.market.Borrow(c.account, onBehalf, amount)
}

func (c *Client) RepayShares(ctx context.Context, onBehalf string, shares *big.Int) (*big.Int, error) {
	return c.market.RepayShares(c.account, onBehalf, shares)
}

func (c *Client) WithdrawAllCollateral(ctx context.Context, owner string) (*big.Int, error) {
	return c.market.WithdrawAllCollateral(c.account, owner)
}

func (c *Client) Position(ctx context.Context, owner string) (collateral, debtShares, debtAssets *big.Int, err error) {
	collateral, debtShares, debtAssets = c.market.Position(owner)
	return collateral, debtShares, debtAssets, nil
}

func (c *Client) MarketTotals(ctx context.Context) (totalDebtAssets, totalDebtShares *big.Int, err error) {
	totalDebtAssets, totalDebtShares = c.market.MarketTotals()
	return totalDebtAssets, totalDebtShares, nil
}

func (c *Client) IsAuthorized(ctx context.Context, owner string) (bool, error) {
	return c.market.IsAuthorized(owner, c.account), nil
}

func (c *Client) DelegatedAllowance(ctx context.Context, owner string) (*big.Int, error) {
	return c.market.DelegatedAllowance(owner, c.account), nil
}

func (c *Client) FlashBorrow(ctx context.Context, asset string, amount *big.Int, debtOnBehalf string, fn func() error) error {
	return c.market.FlashBorrow(c.account, asset, amount, debtOnBehalf, fn)
}
