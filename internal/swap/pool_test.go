package swap

import (
	"context"
	"math/big"
	"testing"

	"LoopEngine/internal/token"
)

func newTestPool(t *testing.T, feeBps int64) (*token.Book, *Pool) {
	t.Helper()
	book := token.NewBook()
	pool, err := NewPool(book, "pool", feeBps)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.AddLiquidity("WETH", big.NewInt(1_000_000))
	pool.AddLiquidity("WSTETH", big.NewInt(1_000_000))
	return book, pool
}

func TestQuoteConstantProduct(t *testing.T) {
	_, pool := newTestPool(t, 0)

	// out = 1_000_000 * 1000 / (1_000_000 + 1000)
	out, err := pool.Quote("WETH", "WSTETH", big.NewInt(1000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if out.Int64() != 999 {
		t.Errorf("quote = %d, want 999", out.Int64())
	}
}

func TestQuoteAppliesFee(t *testing.T) {
	_, noFee := newTestPool(t, 0)
	_, withFee := newTestPool(t, 30)

	in := big.NewInt(10_000)
	outFree, _ := noFee.Quote("WETH", "WSTETH", in)
	outPaid, _ := withFee.Quote("WETH", "WSTETH", in)

	if outPaid.Cmp(outFree) >= 0 {
		t.Errorf("fee quote %d not below free quote %d", outPaid.Int64(), outFree.Int64())
	}
}

func TestSwapExactInMovesFunds(t *testing.T) {
	book, pool := newTestPool(t, 0)
	book.Mint("WETH", "alice", big.NewInt(1000))

	out, err := pool.Client("alice").SwapExactIn(context.Background(), "WETH", "WSTETH", big.NewInt(1000), nil)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got := book.Balance("WETH", "alice").Int64(); got != 0 {
		t.Errorf("alice WETH = %d, want 0", got)
	}
	if got := book.Balance("WSTETH", "alice"); got.Cmp(out) != 0 {
		t.Errorf("alice WSTETH = %s, want %s", got, out)
	}
	if got := pool.Reserve("WETH").Int64(); got != 1_001_000 {
		t.Errorf("WETH reserve = %d, want 1001000", got)
	}
}

func TestSwapExactInMinOut(t *testing.T) {
	book, pool := newTestPool(t, 0)
	book.Mint("WETH", "alice", big.NewInt(1000))

	_, err := pool.Client("alice").SwapExactIn(context.Background(), "WETH", "WSTETH",
		big.NewInt(1000), big.NewInt(1_000_000))
	if err == nil {
		t.Fatal("expected min-out failure")
	}
	if got := book.Balance("WETH", "alice").Int64(); got != 1000 {
		t.Errorf("failed swap moved funds: alice WETH = %d, want 1000", got)
	}
}

func TestSwapNoLiquidity(t *testing.T) {
	book := token.NewBook()
	pool, _ := NewPool(book, "pool", 0)
	if _, err := pool.Quote("WETH", "WSTETH", big.NewInt(1)); err == nil {
		t.Error("expected error for empty pool")
	}
}

func TestSnapshotRestoreReserves(t *testing.T) {
	book, pool := newTestPool(t, 0)
	book.Mint("WETH", "alice", big.NewInt(5000))

	snap := pool.Snapshot()
	if _, err := pool.Client("alice").SwapExactIn(context.Background(), "WETH", "WSTETH", big.NewInt(5000), nil); err != nil {
		t.Fatalf("swap: %v", err)
	}
	pool.Restore(snap)

	if got := pool.Reserve("WETH").Int64(); got != 1_000_000 {
		t.Errorf("WETH reserve after restore = %d, want 1000000", got)
	}
	if got := pool.Reserve("WSTETH").Int64(); got != 1_000_000 {
		t.Errorf("WSTETH reserve after restore = %d, want 1000000", got)
	}
}
