package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"LoopEngine/internal/testutil"
)

func sampleRow(owner, kind string) OperationRow {
	return OperationRow{
		ID:           uuid.New().String(),
		Owner:        owner,
		Kind:         kind,
		Settlement:   "delegated-debt",
		Status:       "ok",
		Deposit:      "1000000000000000000",
		Leverage:     "2000000000000000000",
		LoanAmount:   "1100000000000000000",
		Collateral:   "1998900000000000000",
		Debt:         "1100000000000000000",
		HealthFactor: "1.618",
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestWriteBatchAndReadBack(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	w := NewOperationWriter(db)
	ctx := context.Background()

	rows := []OperationRow{
		sampleRow("alice", "open"),
		sampleRow("alice", "close"),
		sampleRow("bob", "open"),
	}
	if err := w.WriteBatch(ctx, rows); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	got, err := w.RecentOperations(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows for alice = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.Owner != "alice" {
			t.Errorf("owner = %q, want alice", r.Owner)
		}
	}
}

func TestWriteBatchConflictIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	w := NewOperationWriter(db)
	ctx := context.Background()

	row := sampleRow("carol", "open")
	if err := w.WriteBatch(ctx, []OperationRow{row}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// A retry replays the same ID; the duplicate must be silently skipped.
	if err := w.WriteBatch(ctx, []OperationRow{row}); err != nil {
		t.Fatalf("replay write: %v", err)
	}

	got, err := w.RecentOperations(ctx, "carol", 10)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("rows after replay = %d, want 1", len(got))
	}
}

func TestWriteBatchEmptyIsNoOp(t *testing.T) {
	w := NewOperationWriter(nil)
	if err := w.WriteBatch(context.Background(), nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}
