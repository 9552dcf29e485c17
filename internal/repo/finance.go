package repo

import (
	"context"
	"database/sql"

	"declflow/internal/domain"
)

// State payments are append-only: rows are inserted and read, never updated.

func (r Repo) InsertStatePayment(ctx context.Context, p domain.StatePayment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO state_payments(id,branch_id,worker_price,certificate_fee,customs_fee,effective_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.BranchID, p.WorkerPrice, p.CertificateFee, p.CustomsFee, p.EffectiveAt)
	return err
}

func (r Repo) ListStatePayments(ctx context.Context, branchID string) ([]domain.StatePayment, error) {
	query := `SELECT id,branch_id,worker_price,certificate_fee,customs_fee,effective_at FROM state_payments`
	var args []any
	if branchID != "" {
		query += ` WHERE branch_id=?`
		args = append(args, branchID)
	}
	query += ` ORDER BY effective_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatePayment
	for rows.Next() {
		var p domain.StatePayment
		if err := rows.Scan(&p.ID, &p.BranchID, &p.WorkerPrice, &p.CertificateFee, &p.CustomsFee, &p.EffectiveAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func scanStatePayment(scan func(dest ...any) error) (domain.StatePayment, error) {
	var p domain.StatePayment
	err := scan(&p.ID, &p.BranchID, &p.WorkerPrice, &p.CertificateFee, &p.CustomsFee, &p.EffectiveAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// LatestStatePaymentAsOfTx returns the branch rate in effect at asOf: the row
// with the greatest effective_at that is still <= asOf.
func (r Repo) LatestStatePaymentAsOfTx(ctx context.Context, tx *sql.Tx, branchID, asOf string) (domain.StatePayment, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,branch_id,worker_price,certificate_fee,customs_fee,effective_at
FROM state_payments WHERE branch_id=? AND effective_at<=? ORDER BY effective_at DESC, id DESC LIMIT 1`, branchID, asOf)
	return scanStatePayment(row.Scan)
}

// LatestStatePaymentTx returns the branch's most recent rate regardless of timing.
func (r Repo) LatestStatePaymentTx(ctx context.Context, tx *sql.Tx, branchID string) (domain.StatePayment, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,branch_id,worker_price,certificate_fee,customs_fee,effective_at
FROM state_payments WHERE branch_id=? ORDER BY effective_at DESC, id DESC LIMIT 1`, branchID)
	return scanStatePayment(row.Scan)
}

// --- transactions ---

func (r Repo) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO transactions(id,task_id,kind,currency,exchange_rate,original_amount,base_amount,note,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TaskID, t.Kind, t.Currency, nullableFloatPtr(t.ExchangeRate), nullableFloatPtr(t.OriginalAmount),
		nullableFloatPtr(t.BaseAmount), nullable(t.Note), t.CreatedAt)
	return err
}

func (r Repo) ListTransactionsByTask(ctx context.Context, taskID string) ([]domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,kind,currency,exchange_rate,original_amount,base_amount,COALESCE(note,''),created_at
FROM transactions WHERE task_id=? ORDER BY created_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var rate, orig, base sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.TaskID, &t.Kind, &t.Currency, &rate, &orig, &base, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		if rate.Valid {
			t.ExchangeRate = &rate.Float64
		}
		if orig.Valid {
			t.OriginalAmount = &orig.Float64
		}
		if base.Valid {
			t.BaseAmount = &base.Float64
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
