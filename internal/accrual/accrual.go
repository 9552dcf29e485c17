// Package accrual maintains the KPI ledger: one row per (worker, task, stage)
// crediting completed stage work at the configured price.
package accrual

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"declflow/internal/config"
	"declflow/internal/domain"
	"declflow/internal/repo"
)

type Engine struct {
	Repo     repo.Repo
	FlatRate config.FlatRateRule
	Log      zerolog.Logger
	Now      func() time.Time
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// StageCompleted carries everything Post needs about a finished stage.
type StageCompleted struct {
	TaskID     string
	StageName  domain.StageName
	WorkerID   string
	OccurredAt string
}

// Post writes the accrual rows for a completed stage inside the caller's
// transaction, so the ledger entry and the stage transition commit together.
// Posting the same completion twice is a no-op.
func (e Engine) Post(ctx context.Context, tx *sql.Tx, ev StageCompleted) error {
	if e.FlatRate.Applies(ev.StageName) {
		return e.postFlatRate(ctx, tx, ev)
	}
	if ev.WorkerID == "" {
		e.Log.Warn().
			Str("task_id", ev.TaskID).
			Str("stage", string(ev.StageName)).
			Msg("stage completed without an assigned worker, no accrual posted")
		return nil
	}
	price := e.stagePrice(ctx, tx, ev.StageName, ev.TaskID)
	return e.creditOnce(ctx, tx, ev.WorkerID, ev.TaskID, ev.StageName, price)
}

// postFlatRate pays the configured fixed amount to every member of the group,
// by name, regardless of who is assigned to the stage.
func (e Engine) postFlatRate(ctx context.Context, tx *sql.Tx, ev StageCompleted) error {
	for _, name := range e.FlatRate.Workers {
		w, err := e.Repo.GetWorkerByNameTx(ctx, tx, name)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				e.Log.Warn().
					Str("worker_name", name).
					Str("stage", string(ev.StageName)).
					Msg("flat rate group member not found, skipping")
				continue
			}
			return err
		}
		if err := e.creditOnce(ctx, tx, w.ID, ev.TaskID, ev.StageName, e.FlatRate.Amount); err != nil {
			return err
		}
	}
	return nil
}

// stagePrice returns the configured price for a stage, or zero with a warning
// when the stage has no price row.
func (e Engine) stagePrice(ctx context.Context, tx *sql.Tx, stage domain.StageName, taskID string) float64 {
	cfg, err := e.Repo.GetKpiConfigTx(ctx, tx, stage)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.Log.Warn().
				Str("stage", string(stage)).
				Str("task_id", taskID).
				Msg("no price configured for stage, accruing zero")
			return 0
		}
		e.Log.Error().Err(err).Str("stage", string(stage)).Msg("price lookup failed, accruing zero")
		return 0
	}
	return cfg.Price
}

// creditOnce inserts a ledger row unless one already exists for the triple.
func (e Engine) creditOnce(ctx context.Context, tx *sql.Tx, workerID, taskID string, stage domain.StageName, amount float64) error {
	_, err := e.Repo.GetKpiLogTx(ctx, tx, workerID, taskID, stage)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return e.Repo.InsertKpiLogTx(ctx, tx, domain.KpiLog{
		ID:        uuid.NewString(),
		WorkerID:  workerID,
		TaskID:    taskID,
		StageName: stage,
		Amount:    amount,
		CreatedAt: e.now(),
	})
}

// ReconcileOptions narrows a reconcile run. Zero value reconciles everything.
type ReconcileOptions struct {
	StageName string
	TaskIDs   []string
	Limit     int
}

// ReconcileReport summarizes what a run changed.
type ReconcileReport struct {
	Scanned  int `json:"scanned"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Warnings int `json:"warnings"`
}

// Reconcile walks completed stages and repairs the ledger: missing rows are
// backfilled and rows whose amount drifted from the current price table are
// updated in place. It never creates a second row for a triple.
func (e Engine) Reconcile(ctx context.Context, opts ReconcileOptions) (ReconcileReport, error) {
	var report ReconcileReport
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	stages, err := e.Repo.ListCompletedStagesTx(ctx, tx, repo.CompletedStageFilters{
		StageName: opts.StageName,
		TaskIDs:   opts.TaskIDs,
		Limit:     opts.Limit,
	})
	if err != nil {
		return report, err
	}

	for _, s := range stages {
		report.Scanned++
		if e.FlatRate.Applies(s.Name) {
			created, warned, err := e.reconcileFlatRate(ctx, tx, s)
			if err != nil {
				return report, err
			}
			report.Created += created
			report.Warnings += warned
			continue
		}
		if s.AssignedTo == nil || *s.AssignedTo == "" {
			report.Warnings++
			e.Log.Warn().
				Str("task_id", s.TaskID).
				Str("stage", string(s.Name)).
				Msg("completed stage has no assigned worker, cannot reconcile")
			continue
		}
		price := e.stagePrice(ctx, tx, s.Name, s.TaskID)
		existing, err := e.Repo.GetKpiLogTx(ctx, tx, *s.AssignedTo, s.TaskID, s.Name)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if err := e.creditOnce(ctx, tx, *s.AssignedTo, s.TaskID, s.Name, price); err != nil {
				return report, err
			}
			report.Created++
		case err != nil:
			return report, err
		case existing.Amount != price:
			if err := e.Repo.UpdateKpiLogAmountTx(ctx, tx, existing.ID, price); err != nil {
				return report, err
			}
			report.Updated++
		default:
			report.Skipped++
		}
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	return report, nil
}

func (e Engine) reconcileFlatRate(ctx context.Context, tx *sql.Tx, s domain.TaskStage) (created, warned int, err error) {
	for _, name := range e.FlatRate.Workers {
		w, err := e.Repo.GetWorkerByNameTx(ctx, tx, name)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				warned++
				continue
			}
			return created, warned, err
		}
		_, err = e.Repo.GetKpiLogTx(ctx, tx, w.ID, s.TaskID, s.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return created, warned, err
		}
		if err := e.creditOnce(ctx, tx, w.ID, s.TaskID, s.Name, e.FlatRate.Amount); err != nil {
			return created, warned, err
		}
		created++
	}
	return created, warned, nil
}
