// Package pricing resolves the worker price snapshot frozen onto a task at
// creation time.
package pricing

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rs/zerolog"

	"declflow/internal/repo"
)

// Snapshot is the price captured for a task. Fallback is set when no rate was
// in effect at the task's creation time and the branch's latest rate was used
// instead.
type Snapshot struct {
	WorkerPrice    float64
	CertificateFee float64
	CustomsFee     float64
	EffectiveAt    string
	Fallback       bool
}

type Resolver struct {
	Repo repo.Repo
	Log  zerolog.Logger
}

// Resolve picks the state payment rate in effect at createdAt for the branch.
// When the branch has rates but none predate createdAt, the branch's latest
// rate is returned with Fallback set. A branch with no rates at all yields
// repo.ErrNotFound; the caller decides whether that blocks task creation.
func (r Resolver) Resolve(ctx context.Context, tx *sql.Tx, branchID, createdAt string) (Snapshot, error) {
	p, err := r.Repo.LatestStatePaymentAsOfTx(ctx, tx, branchID, createdAt)
	if err == nil {
		return Snapshot{
			WorkerPrice:    p.WorkerPrice,
			CertificateFee: p.CertificateFee,
			CustomsFee:     p.CustomsFee,
			EffectiveAt:    p.EffectiveAt,
		}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return Snapshot{}, err
	}

	p, err = r.Repo.LatestStatePaymentTx(ctx, tx, branchID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			r.Log.Warn().Str("branch_id", branchID).Msg("no state payment history for branch, price snapshot unset")
			return Snapshot{}, repo.ErrNotFound
		}
		return Snapshot{}, err
	}
	r.Log.Warn().
		Str("branch_id", branchID).
		Str("effective_at", p.EffectiveAt).
		Str("task_created_at", createdAt).
		Msg("no rate in effect at task creation, falling back to latest branch rate")
	return Snapshot{
		WorkerPrice:    p.WorkerPrice,
		CertificateFee: p.CertificateFee,
		CustomsFee:     p.CustomsFee,
		EffectiveAt:    p.EffectiveAt,
		Fallback:       true,
	}, nil
}
