// Package engine drives the declaration workflow: task creation with price
// snapshots, stage transitions, status rollup, and the financial side effects
// that must commit atomically with them.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"declflow/internal/accrual"
	"declflow/internal/config"
	"declflow/internal/currency"
	"declflow/internal/domain"
	"declflow/internal/events"
	"declflow/internal/pricing"
	"declflow/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   *events.Writer
	Accrual  accrual.Engine
	Pricing  pricing.Resolver
	Currency currency.Validator
	Config   *config.Config
	Log      zerolog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) *Engine {
	r := repo.Repo{DB: db}
	return &Engine{
		DB:       db,
		Repo:     r,
		Events:   events.NewWriter(),
		Accrual:  accrual.Engine{Repo: r, FlatRate: cfg.KPI.FlatRate, Log: log},
		Pricing:  pricing.Resolver{Repo: r, Log: log},
		Currency: currency.New(cfg.Currency.Base),
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
	}
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

type CreateTaskInput struct {
	BranchID    string
	ClientID    string
	Title       string
	Comments    string
	DriverPhone string
	HasPSR      bool
	ActorID     string
}

// CreateTask creates a task with the full stage catalog and freezes the price
// snapshot from the branch's rate history, all in one transaction.
func (e *Engine) CreateTask(ctx context.Context, in CreateTaskInput) (domain.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Task{}, &ValidationError{Message: "title is required"}
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetBranch(ctx, in.BranchID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("branch %s: %w", in.BranchID, repo.ErrNotFound)
		}
		return domain.Task{}, err
	}
	client, err := e.Repo.GetClientTx(ctx, tx, in.ClientID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("client %s: %w", in.ClientID, repo.ErrNotFound)
		}
		return domain.Task{}, err
	}

	task := domain.Task{
		ID:          uuid.NewString(),
		BranchID:    in.BranchID,
		ClientID:    in.ClientID,
		Title:       strings.TrimSpace(in.Title),
		Comments:    in.Comments,
		DriverPhone: in.DriverPhone,
		HasPSR:      in.HasPSR,
		Status:      domain.TaskNotStarted,
		CreatedBy:   in.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	task.SnapshotDealAmount = client.DealAmount

	snap, err := e.Pricing.Resolve(ctx, tx, in.BranchID, now)
	switch {
	case err == nil:
		price := snap.WorkerPrice
		task.SnapshotWorkerPrice = &price
		task.SnapshotPriceFallback = snap.Fallback
	case errors.Is(err, repo.ErrNotFound):
		// No rate history yet. The task is still created; the snapshot
		// stays unset until rates exist and the task is repriced.
	default:
		return domain.Task{}, err
	}

	if err := e.Repo.InsertTaskTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	for i, name := range domain.StageCatalog {
		stage := domain.TaskStage{
			ID:         uuid.NewString(),
			TaskID:     task.ID,
			Name:       name,
			StageOrder: i + 1,
			Status:     domain.StageNotStarted,
		}
		if err := e.Repo.InsertStageTx(ctx, tx, stage); err != nil {
			return domain.Task{}, err
		}
	}

	err = e.Events.Append(ctx, tx, events.Record{
		Type: "task.created", EntityKind: "task", EntityID: task.ID, TaskID: task.ID, ActorID: in.ActorID,
		Payload: map[string]any{"title": task.Title, "branch_id": task.BranchID, "price_fallback": task.SnapshotPriceFallback},
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

type UpdateTaskInput struct {
	Title       *string
	Comments    *string
	DriverPhone *string
	HasPSR      *bool
	ActorID     string
}

// UpdateTask changes descriptive fields only. Status and snapshots are owned
// by the rollup and pricing paths.
func (e *Engine) UpdateTask(ctx context.Context, taskID string, in UpdateTaskInput) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if in.Title != nil {
		if strings.TrimSpace(*in.Title) == "" {
			return domain.Task{}, &ValidationError{Message: "title cannot be empty"}
		}
		task.Title = strings.TrimSpace(*in.Title)
	}
	if in.Comments != nil {
		task.Comments = *in.Comments
	}
	if in.DriverPhone != nil {
		task.DriverPhone = *in.DriverPhone
	}
	if in.HasPSR != nil {
		task.HasPSR = *in.HasPSR
	}
	task.UpdatedAt = e.now()

	if err := e.Repo.UpdateTaskFieldsTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	err = e.Events.Append(ctx, tx, events.Record{
		Type: "task.updated", EntityKind: "task", EntityID: task.ID, TaskID: task.ID, ActorID: in.ActorID,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// AssignStage sets or replaces the worker responsible for a stage. A stage
// that is already ready keeps its historical assignee.
func (e *Engine) AssignStage(ctx context.Context, stageID, workerID, actorID string) (domain.TaskStage, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskStage{}, err
	}
	defer tx.Rollback()

	stage, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.TaskStage{}, err
	}
	if stage.Status == domain.StageReady {
		return domain.TaskStage{}, &InvalidTransitionError{Entity: "stage " + string(stage.Name), From: string(stage.Status), To: "assigned"}
	}
	if _, err := e.Repo.GetWorkerTx(ctx, tx, workerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskStage{}, fmt.Errorf("worker %s: %w", workerID, repo.ErrNotFound)
		}
		return domain.TaskStage{}, err
	}
	if err := e.Repo.AssignStageTx(ctx, tx, stageID, workerID); err != nil {
		return domain.TaskStage{}, err
	}
	stage.AssignedTo = &workerID

	err = e.Events.Append(ctx, tx, events.Record{
		Type: "stage.assigned", EntityKind: "stage", EntityID: stage.ID, TaskID: stage.TaskID, ActorID: actorID,
		Payload: map[string]any{"stage": stage.Name, "worker_id": workerID},
	})
	if err != nil {
		return domain.TaskStage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskStage{}, err
	}
	return stage, nil
}

// StartStage moves a stage into in_progress. Starting a stage that is already
// in progress is a no-op; starting a finished stage is rejected.
func (e *Engine) StartStage(ctx context.Context, stageID, actorID string) (domain.TaskStage, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskStage{}, err
	}
	defer tx.Rollback()

	affected, err := e.Repo.MarkStageInProgressTx(ctx, tx, stageID, now)
	if err != nil {
		return domain.TaskStage{}, err
	}
	stage, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.TaskStage{}, err
	}
	if affected == 0 {
		switch stage.Status {
		case domain.StageInProgress:
			// Already started, keep the original started_at.
			return stage, nil
		default:
			return domain.TaskStage{}, &InvalidTransitionError{Entity: "stage " + string(stage.Name), From: string(stage.Status), To: string(domain.StageInProgress)}
		}
	}

	if err := e.rollupTaskTx(ctx, tx, stage.TaskID, actorID); err != nil {
		return domain.TaskStage{}, err
	}
	err = e.Events.Append(ctx, tx, events.Record{
		Type: "stage.started", EntityKind: "stage", EntityID: stage.ID, TaskID: stage.TaskID, ActorID: actorID,
		Payload: map[string]any{"stage": stage.Name},
	})
	if err != nil {
		return domain.TaskStage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskStage{}, err
	}
	return stage, nil
}

// CompleteStage finishes a stage and, atomically with the transition, posts
// the KPI accrual and rolls the task status up. A non-nil at backdates the
// completion instead of stamping the current time. Completing a stage that is
// already ready returns it unchanged. When two callers race, the guarded
// update lets exactly one through; the loser takes the idempotent path.
func (e *Engine) CompleteStage(ctx context.Context, stageID, actorID string, at *time.Time) (domain.TaskStage, error) {
	now := e.now()
	if at != nil {
		now = at.UTC().Format(time.RFC3339)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskStage{}, err
	}
	defer tx.Rollback()

	before, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.TaskStage{}, err
	}
	if before.Status == domain.StageReady {
		return before, nil
	}

	var duration *int
	if before.StartedAt != nil {
		if started, perr := time.Parse(time.RFC3339, *before.StartedAt); perr == nil {
			if completed, perr := time.Parse(time.RFC3339, now); perr == nil && !completed.Before(started) {
				mins := int(completed.Sub(started) / time.Minute)
				duration = &mins
			}
		}
	}

	affected, err := e.Repo.MarkStageReadyTx(ctx, tx, stageID, now, duration)
	if err != nil {
		return domain.TaskStage{}, err
	}
	if affected == 0 {
		stage, err := e.Repo.GetStageTx(ctx, tx, stageID)
		if err != nil {
			return domain.TaskStage{}, err
		}
		if stage.Status == domain.StageReady {
			return stage, nil
		}
		return domain.TaskStage{}, &ConflictError{Message: "stage was modified concurrently, retry"}
	}

	workerID := ""
	if before.AssignedTo != nil {
		workerID = *before.AssignedTo
	}
	err = e.Accrual.Post(ctx, tx, accrual.StageCompleted{
		TaskID:     before.TaskID,
		StageName:  before.Name,
		WorkerID:   workerID,
		OccurredAt: now,
	})
	if err != nil {
		return domain.TaskStage{}, err
	}

	if err := e.rollupTaskTx(ctx, tx, before.TaskID, actorID); err != nil {
		return domain.TaskStage{}, err
	}

	stage, err := e.Repo.GetStageTx(ctx, tx, stageID)
	if err != nil {
		return domain.TaskStage{}, err
	}
	err = e.Events.Append(ctx, tx, events.Record{
		Type: "stage.completed", EntityKind: "stage", EntityID: stage.ID, TaskID: stage.TaskID, ActorID: actorID,
		Payload: map[string]any{"stage": stage.Name, "worker_id": workerID},
	})
	if err != nil {
		return domain.TaskStage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskStage{}, err
	}
	return stage, nil
}

// rollupTaskTx recomputes the task status from its stages and persists a
// change, emitting a status event when the status actually moves.
func (e *Engine) rollupTaskTx(ctx context.Context, tx *sql.Tx, taskID, actorID string) error {
	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	stages, err := e.Repo.ListStagesByTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	next := domain.RollupTaskStatus(task.Status, stages)
	if next == task.Status {
		return nil
	}
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, taskID, next, e.now()); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.Record{
		Type: "task.status_changed", EntityKind: "task", EntityID: taskID, TaskID: taskID, ActorID: actorID,
		Payload: map[string]any{"from": task.Status, "to": next},
	})
}

// SetTaskStatus performs the operator-driven part of the task lifecycle:
// ready -> verified -> delivered -> closed, one step at a time. Verification
// additionally requires every stage to be ready, guarding against a task
// whose status predates a stage being reopened by a migration or fix-up.
func (e *Engine) SetTaskStatus(ctx context.Context, taskID string, next domain.TaskStatus, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status == next {
		return task, nil
	}
	if !domain.OperatorTransitionAllowed(task.Status, next) {
		return domain.Task{}, &InvalidTransitionError{Entity: "task", From: string(task.Status), To: string(next)}
	}
	if next == domain.TaskVerified {
		stages, err := e.Repo.ListStagesByTaskTx(ctx, tx, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		for _, s := range stages {
			if s.Status != domain.StageReady {
				return domain.Task{}, &InvalidTransitionError{Entity: "task", From: string(task.Status), To: string(next)}
			}
		}
	}

	now := e.now()
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, taskID, next, now); err != nil {
		return domain.Task{}, err
	}
	err = e.Events.Append(ctx, tx, events.Record{
		Type: "task.status_changed", EntityKind: "task", EntityID: taskID, TaskID: taskID, ActorID: actorID,
		Payload: map[string]any{"from": task.Status, "to": next},
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	task.Status = next
	task.UpdatedAt = now
	return task, nil
}

type TransactionInput struct {
	TaskID         string
	Kind           string
	Currency       string
	ExchangeRate   *float64
	OriginalAmount *float64
	BaseAmount     *float64
	Note           string
	ActorID        string
}

// RecordTransaction validates the monetary input against the base currency
// and persists the row. Validation failures carry the full issue list.
func (e *Engine) RecordTransaction(ctx context.Context, in TransactionInput) (domain.Transaction, currency.Result, error) {
	// Base-currency rows may carry only the original amount; the converted
	// amount is the same number, filled in before validation.
	baseAmount := in.BaseAmount
	if baseAmount == nil && in.Currency == e.Currency.Base {
		baseAmount = in.OriginalAmount
	}
	res := e.Currency.ValidateTransaction(currency.Input{
		Currency:       in.Currency,
		ExchangeRate:   in.ExchangeRate,
		OriginalAmount: in.OriginalAmount,
		BaseAmount:     baseAmount,
	})
	if !res.Valid {
		return domain.Transaction{}, res, &ValidationError{Message: "currency validation failed"}
	}
	if in.Kind != "income" && in.Kind != "expense" {
		return domain.Transaction{}, res, &ValidationError{Message: "kind must be income or expense"}
	}
	if _, err := e.Repo.GetTask(ctx, in.TaskID); err != nil {
		return domain.Transaction{}, res, err
	}

	txn := domain.Transaction{
		ID:             uuid.NewString(),
		TaskID:         in.TaskID,
		Kind:           in.Kind,
		Currency:       in.Currency,
		ExchangeRate:   in.ExchangeRate,
		OriginalAmount: in.OriginalAmount,
		BaseAmount:     baseAmount,
		Note:           in.Note,
		CreatedAt:      e.now(),
	}
	if err := e.Repo.InsertTransaction(ctx, txn); err != nil {
		return domain.Transaction{}, res, err
	}
	return txn, res, nil
}

type PenaltyInput struct {
	TaskID    string
	StageName domain.StageName
	WorkerID  string
	Amount    float64
	Comment   string
	ActorID   string
}

// AddPenalty records a fine against a worker for a task stage.
func (e *Engine) AddPenalty(ctx context.Context, in PenaltyInput) (domain.TaskPenalty, error) {
	if !domain.ValidStageName(in.StageName) {
		return domain.TaskPenalty{}, &ValidationError{Message: fmt.Sprintf("unknown stage %q", in.StageName)}
	}
	if in.Amount <= 0 {
		return domain.TaskPenalty{}, &ValidationError{Message: "amount must be positive"}
	}
	if _, err := e.Repo.GetTask(ctx, in.TaskID); err != nil {
		return domain.TaskPenalty{}, err
	}
	if _, err := e.Repo.GetWorker(ctx, in.WorkerID); err != nil {
		return domain.TaskPenalty{}, err
	}
	return e.Repo.InsertPenalty(ctx, domain.TaskPenalty{
		ID:         uuid.NewString(),
		TaskID:     in.TaskID,
		StageName:  in.StageName,
		WorkerID:   in.WorkerID,
		Amount:     in.Amount,
		Comment:    in.Comment,
		OccurredAt: e.now(),
	})
}

// AddStatePayment appends a new rate row to a branch's history.
func (e *Engine) AddStatePayment(ctx context.Context, p domain.StatePayment) (domain.StatePayment, error) {
	if p.WorkerPrice < 0 || p.CertificateFee < 0 || p.CustomsFee < 0 {
		return domain.StatePayment{}, &ValidationError{Message: "rates must be non-negative"}
	}
	if _, err := e.Repo.GetBranch(ctx, p.BranchID); err != nil {
		return domain.StatePayment{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.EffectiveAt == "" {
		p.EffectiveAt = e.now()
	} else if _, err := time.Parse(time.RFC3339, p.EffectiveAt); err != nil {
		return domain.StatePayment{}, &ValidationError{Message: "effective_at must be RFC3339"}
	}
	if err := e.Repo.InsertStatePayment(ctx, p); err != nil {
		return domain.StatePayment{}, err
	}
	return p, nil
}
