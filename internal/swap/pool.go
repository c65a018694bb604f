package swap

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"LoopEngine/internal/token"
	"LoopEngine/internal/wad"
)

// Pool is a two-asset constant-product venue with a basis-point fee taken on
// the input side. It settles against the shared token book so price impact
// and balances are real in tests and in the local simulation mode.
type Pool struct {
	mu       sync.Mutex
	book     *token.Book
	account  string
	feeBps   int64
	reserves map[string]*big.Int
}

func NewPool(book *token.Book, account string, feeBps int64) (*Pool, error) {
	if feeBps < 0 || feeBps >= 10_000 {
		return nil, fmt.Errorf("swap: fee %d bps out of range [0, 10000)", feeBps)
	}
	return &Pool{
		book:     book,
		account:  account,
		feeBps:   feeBps,
		reserves: make(map[string]*big.Int),
	}, nil
}

// AddLiquidity mints amount of asset into the pool's account and grows its
// reserve. Genesis/test setup only.
func (p *Pool) AddLiquidity(asset string, amount *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.book.Mint(asset, p.account, amount)
	if r := p.reserves[asset]; r != nil {
		r.Add(r, amount)
		return
	}
	p.reserves[asset] = new(big.Int).Set(amount)
}

// Reserve returns a copy of the current reserve for asset.
func (p *Pool) Reserve(asset string) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.reserves[asset]; r != nil {
		return new(big.Int).Set(r)
	}
	return big.NewInt(0)
}

// quoteLocked computes the constant-product output for amountIn.
// out = reserveOut * inAfterFee / (reserveIn + inAfterFee)
func (p *Pool) quoteLocked(tokenIn, tokenOut string, amountIn *big.Int) (*big.Int, error) {
	reserveIn := p.reserves[tokenIn]
	reserveOut := p.reserves[tokenOut]
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, fmt.Errorf("swap: no liquidity for %s -> %s", tokenIn, tokenOut)
	}
	if amountIn == nil || amountIn.Sign() < 0 {
		return nil, fmt.Errorf("swap: negative input")
	}

	inAfterFee := new(big.Int).Mul(amountIn, big.NewInt(10_000-p.feeBps))
	inAfterFee.Div(inAfterFee, big.NewInt(10_000))

	denom := new(big.Int).Add(reserveIn, inAfterFee)
	return wad.MulDiv(reserveOut, inAfterFee, denom, wad.RoundDown), nil
}

// Quote is the read-only estimate used by the preview service.
func (p *Pool) Quote(tokenIn, tokenOut string, amountIn *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quoteLocked(tokenIn, tokenOut, amountIn)
}

// Snapshot captures the reserves. The token book snapshots separately.
func (p *Pool) Snapshot() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := make(map[string]*big.Int, len(p.reserves))
	for k, v := range p.reserves {
		snap[k] = new(big.Int).Set(v)
	}
	return snap
}

func (p *Pool) Restore(snap any) {
	reserves, ok := snap.(map[string]*big.Int)
	if !ok {
		panic(fmt.Sprintf("swap: restore with %T snapshot", snap))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserves = make(map[string]*big.Int, len(reserves))
	for k, v := range reserves {
		p.reserves[k] = new(big.Int).Set(v)
	}
}

// Client binds the pool to a trader account. The bound client satisfies the
// engine's SwapVenue interface.
func (p *Pool) Client(account string) *Client {
	return &Client{pool: p, account: account}
}

// Client is a pool handle that trades on behalf of one token-book account.
type Client struct {
	pool    *Pool
	account string
}

// SwapExactIn swaps amountIn of tokenIn for tokenOut. The output must meet
// minOut or the swap fails and nothing moves.
func (c *Client) SwapExactIn(ctx context.Context, tokenIn, tokenOut string, amountIn, minOut *big.Int) (*big.Int, error) {
	p := c.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	out, err := p.quoteLocked(tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("swap: output %s below minimum %s", out, minOut)
	}

	if err := p.book.Transfer(tokenIn, c.account, p.account, amountIn); err != nil {
		return nil, err
	}
	if err := p.book.Transfer(tokenOut, p.account, c.account, out); err != nil {
		return nil, err
	}

	p.reserves[tokenIn].Add(p.reserves[tokenIn], amountIn)
	p.reserves[tokenOut].Sub(p.reserves[tokenOut], out)
	return out, nil
}

// Quote satisfies the venue interface on the bound client.
func (c *Client) Quote(tokenIn, tokenOut string, amountIn *big.Int) (*big.Int, error) {
	return c.pool.Quote(tokenIn, tokenOut, amountIn)
}
