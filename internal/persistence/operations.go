package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// OperationRow is one completed (or failed) engine operation in the
// engine_log.operations audit table. Amount columns are decimal strings so
// big.Int values survive the round trip exactly.
type OperationRow struct {
	ID           string
	Owner        string
	Kind         string
	Settlement   string
	Status       string // "ok" or "error"
	ErrorKind    string
	Deposit      string
	Leverage     string
	LoanAmount   string
	Collateral   string
	Debt         string
	HealthFactor string
	Returned     string
	CreatedAt    time.Time
}

// OperationWriter batch-writes operation rows using multi-row INSERT.
type OperationWriter struct {
	db *sql.DB
}

func NewOperationWriter(db *sql.DB) *OperationWriter {
	return &OperationWriter{db: db}
}

// WriteBatch inserts a batch of operation rows. Conflicting IDs are skipped
// so replays after a retry stay idempotent.
func (w *OperationWriter) WriteBatch(ctx context.Context, rows []OperationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO engine_log.operations
		(id, owner, kind, settlement, status, error_kind, deposit, leverage,
		 loan_amount, collateral, debt, health_factor, returned, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*14)

	for i, r := range rows {
		base := i * 14
		ph := make([]string, 14)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			r.ID, r.Owner, r.Kind, r.Settlement, r.Status, r.ErrorKind,
			r.Deposit, r.Leverage, r.LoanAmount, r.Collateral, r.Debt,
			r.HealthFactor, r.Returned, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// RecentOperations reads the newest rows for an owner, most recent first.
func (w *OperationWriter) RecentOperations(ctx context.Context, owner string, limit int) ([]OperationRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, owner, kind, settlement, status, error_kind, deposit, leverage,
		       loan_amount, collateral, debt, health_factor, returned, created_at
		FROM engine_log.operations
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationRow
	for rows.Next() {
		var r OperationRow
		if err := rows.Scan(&r.ID, &r.Owner, &r.Kind, &r.Settlement, &r.Status,
			&r.ErrorKind, &r.Deposit, &r.Leverage, &r.LoanAmount, &r.Collateral,
			&r.Debt, &r.HealthFactor, &r.Returned, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
