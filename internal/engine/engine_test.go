package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"declflow/internal/config"
	"declflow/internal/domain"
	"declflow/internal/migrate"
	"declflow/internal/repo"
)

type fixture struct {
	t      *testing.T
	db     *sql.DB
	engine *Engine
	branch string
	client string
	worker string
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.Migrate(db))

	cfg := config.Default()
	f := &fixture{t: t, db: db, clock: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	e := New(db, cfg, zerolog.Nop())
	e.Now = func() time.Time { return f.clock }
	e.Events.Now = e.Now
	e.Accrual.Now = e.Now
	f.engine = e

	f.branch = uuid.NewString()
	f.client = uuid.NewString()
	f.worker = uuid.NewString()
	_, err = db.Exec(`INSERT INTO branches(id,name,created_at) VALUES (?,?,?)`, f.branch, "hq", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO clients(id,name,deal_amount,created_at) VALUES (?,?,?,?)`, f.client, "acme", 1500.0, "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO workers(id,name,role,created_at) VALUES (?,?,?,?)`, f.worker, "dina", "worker", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	return f
}

func (f *fixture) addRate(price float64, effectiveAt string) {
	f.t.Helper()
	_, err := f.db.Exec(`INSERT INTO state_payments(id,branch_id,worker_price,certificate_fee,customs_fee,effective_at) VALUES (?,?,?,1.25,1.0,?)`,
		uuid.NewString(), f.branch, price, effectiveAt)
	require.NoError(f.t, err)
}

func (f *fixture) createTask() domain.Task {
	f.t.Helper()
	task, err := f.engine.CreateTask(context.Background(), CreateTaskInput{
		BranchID: f.branch, ClientID: f.client, Title: "cargo from tashkent", ActorID: f.worker,
	})
	require.NoError(f.t, err)
	return task
}

func (f *fixture) stages(taskID string) []domain.TaskStage {
	f.t.Helper()
	stages, err := f.engine.Repo.ListStagesByTask(context.Background(), taskID)
	require.NoError(f.t, err)
	return stages
}

func (f *fixture) stageByName(taskID string, name domain.StageName) domain.TaskStage {
	f.t.Helper()
	for _, s := range f.stages(taskID) {
		if s.Name == name {
			return s
		}
	}
	f.t.Fatalf("stage %s not found", name)
	return domain.TaskStage{}
}

func (f *fixture) assign(stageID string) {
	f.t.Helper()
	_, err := f.engine.AssignStage(context.Background(), stageID, f.worker, f.worker)
	require.NoError(f.t, err)
}

func (f *fixture) complete(stageID string) domain.TaskStage {
	f.t.Helper()
	s, err := f.engine.CompleteStage(context.Background(), stageID, f.worker, nil)
	require.NoError(f.t, err)
	return s
}

func TestCreateTaskBuildsStageCatalog(t *testing.T) {
	f := newFixture(t)
	f.addRate(2.5, "2024-01-01T00:00:00Z")

	task := f.createTask()
	assert.Equal(t, domain.TaskNotStarted, task.Status)
	require.NotNil(t, task.SnapshotWorkerPrice)
	assert.Equal(t, 2.5, *task.SnapshotWorkerPrice)
	assert.False(t, task.SnapshotPriceFallback)
	require.NotNil(t, task.SnapshotDealAmount)
	assert.Equal(t, 1500.0, *task.SnapshotDealAmount)

	stages := f.stages(task.ID)
	require.Len(t, stages, len(domain.StageCatalog))
	for i, s := range stages {
		assert.Equal(t, domain.StageCatalog[i], s.Name)
		assert.Equal(t, i+1, s.StageOrder)
		assert.Equal(t, domain.StageNotStarted, s.Status)
	}
}

func TestCreateTaskFallbackSnapshot(t *testing.T) {
	f := newFixture(t)
	// The only rate postdates the task's creation instant.
	f.addRate(3.0, "2030-01-01T00:00:00Z")

	task := f.createTask()
	require.NotNil(t, task.SnapshotWorkerPrice)
	assert.Equal(t, 3.0, *task.SnapshotWorkerPrice)
	assert.True(t, task.SnapshotPriceFallback)
}

func TestCreateTaskNoRateHistory(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	assert.Nil(t, task.SnapshotWorkerPrice)
	assert.False(t, task.SnapshotPriceFallback)
}

func TestCreateTaskUnknownClient(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateTask(context.Background(), CreateTaskInput{
		BranchID: f.branch, ClientID: uuid.NewString(), Title: "cargo", ActorID: f.worker,
	})
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestStartStageIdempotent(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	stage := f.stageByName(task.ID, domain.StageIntake)

	first, err := f.engine.StartStage(context.Background(), stage.ID, f.worker)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInProgress, first.Status)
	require.NotNil(t, first.StartedAt)

	f.clock = f.clock.Add(10 * time.Minute)
	second, err := f.engine.StartStage(context.Background(), stage.ID, f.worker)
	require.NoError(t, err)
	assert.Equal(t, *first.StartedAt, *second.StartedAt)
}

func TestStartFinishedStageRejected(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	stage := f.stageByName(task.ID, domain.StageIntake)
	f.assign(stage.ID)
	f.complete(stage.ID)

	_, err := f.engine.StartStage(context.Background(), stage.ID, f.worker)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "ready", ite.From)
}

func TestCompleteStageIdempotent(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	stage := f.stageByName(task.ID, domain.StageDeclaration)
	f.assign(stage.ID)

	first := f.complete(stage.ID)
	require.NotNil(t, first.CompletedAt)

	f.clock = f.clock.Add(time.Hour)
	second := f.complete(stage.ID)
	assert.Equal(t, *first.CompletedAt, *second.CompletedAt)

	// Only one ledger row despite two completion calls.
	logs, err := f.engine.Repo.ListKpiLogs(context.Background(), repo.KpiLogFilters{TaskID: task.ID})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestCompleteStageRecordsDuration(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	stage := f.stageByName(task.ID, domain.StageDeclaration)
	f.assign(stage.ID)

	_, err := f.engine.StartStage(context.Background(), stage.ID, f.worker)
	require.NoError(t, err)
	f.clock = f.clock.Add(45 * time.Minute)

	done := f.complete(stage.ID)
	require.NotNil(t, done.DurationMin)
	assert.Equal(t, 45, *done.DurationMin)
}

func TestCompleteStageBackdated(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	stage := f.stageByName(task.ID, domain.StageDeclaration)
	f.assign(stage.ID)

	_, err := f.engine.StartStage(context.Background(), stage.ID, f.worker)
	require.NoError(t, err)
	f.clock = f.clock.Add(2 * time.Hour)

	// The paperwork was actually finished half an hour after the start.
	at := f.clock.Add(-90 * time.Minute)
	done, err := f.engine.CompleteStage(context.Background(), stage.ID, f.worker, &at)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, at.UTC().Format(time.RFC3339), *done.CompletedAt)
	require.NotNil(t, done.DurationMin)
	assert.Equal(t, 30, *done.DurationMin)
}

func TestCompleteStagePostsAccrual(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Repo.UpsertKpiConfig(context.Background(), domain.StageDeclaration, 2.0, "2024-01-01T00:00:00Z"))
	task := f.createTask()
	stage := f.stageByName(task.ID, domain.StageDeclaration)
	f.assign(stage.ID)
	f.complete(stage.ID)

	logs, err := f.engine.Repo.ListKpiLogs(context.Background(), repo.KpiLogFilters{WorkerID: f.worker, TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2.0, logs[0].Amount)
	assert.Equal(t, domain.StageDeclaration, logs[0].StageName)
}

func TestRollupOrderings(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()

	get := func() domain.Task {
		got, err := f.engine.Repo.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		return got
	}

	assert.Equal(t, domain.TaskNotStarted, get().Status)

	// One stage moving puts the whole task in progress.
	first := f.stageByName(task.ID, domain.StageIntake)
	_, err := f.engine.StartStage(context.Background(), first.ID, f.worker)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, get().Status)

	// Completing all but one keeps it in progress.
	for _, name := range domain.StageCatalog[:len(domain.StageCatalog)-1] {
		s := f.stageByName(task.ID, name)
		f.assign(s.ID)
		f.complete(s.ID)
	}
	assert.Equal(t, domain.TaskInProgress, get().Status)

	// The last stage flips the task to ready.
	last := f.stageByName(task.ID, domain.StageCatalog[len(domain.StageCatalog)-1])
	f.assign(last.ID)
	f.complete(last.ID)
	assert.Equal(t, domain.TaskReady, get().Status)
}

func (f *fixture) completeAllStages(taskID string) {
	f.t.Helper()
	for _, name := range domain.StageCatalog {
		s := f.stageByName(taskID, name)
		f.assign(s.ID)
		f.complete(s.ID)
	}
}

func TestOperatorLifecycle(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	f.completeAllStages(task.ID)
	ctx := context.Background()

	for _, next := range []domain.TaskStatus{domain.TaskVerified, domain.TaskDelivered, domain.TaskClosed} {
		got, err := f.engine.SetTaskStatus(ctx, task.ID, next, f.worker)
		require.NoError(t, err)
		assert.Equal(t, next, got.Status)
	}
}

func TestOperatorCannotSkipSteps(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	f.completeAllStages(task.ID)
	ctx := context.Background()

	_, err := f.engine.SetTaskStatus(ctx, task.ID, domain.TaskDelivered, f.worker)
	var ite *InvalidTransitionError
	assert.ErrorAs(t, err, &ite)

	_, err = f.engine.SetTaskStatus(ctx, task.ID, domain.TaskClosed, f.worker)
	assert.ErrorAs(t, err, &ite)
}

func TestVerifyRequiresAllStagesReady(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	ctx := context.Background()

	_, err := f.engine.SetTaskStatus(ctx, task.ID, domain.TaskVerified, f.worker)
	var ite *InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestSetTaskStatusIdempotent(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	f.completeAllStages(task.ID)
	ctx := context.Background()

	_, err := f.engine.SetTaskStatus(ctx, task.ID, domain.TaskVerified, f.worker)
	require.NoError(t, err)
	got, err := f.engine.SetTaskStatus(ctx, task.ID, domain.TaskVerified, f.worker)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskVerified, got.Status)
}

func TestRollupNeverRegressesOperatorStates(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	f.completeAllStages(task.ID)
	ctx := context.Background()

	_, err := f.engine.SetTaskStatus(ctx, task.ID, domain.TaskVerified, f.worker)
	require.NoError(t, err)

	// A rollup triggered later keeps the operator state.
	tx, err := f.db.Begin()
	require.NoError(t, err)
	require.NoError(t, f.engine.rollupTaskTx(ctx, tx, task.ID, f.worker))
	require.NoError(t, tx.Commit())

	got, err := f.engine.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskVerified, got.Status)
}

func fl(v float64) *float64 { return &v }

func TestRecordTransactionBaseCurrency(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()

	txn, res, err := f.engine.RecordTransaction(context.Background(), TransactionInput{
		TaskID: task.ID, Kind: "income", Currency: "UZS", OriginalAmount: fl(500000), ActorID: f.worker,
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	require.NotNil(t, txn.BaseAmount)
	assert.Equal(t, 500000.0, *txn.BaseAmount)

	// A base-currency row with no amount at all has nothing to backfill from.
	_, res, err = f.engine.RecordTransaction(context.Background(), TransactionInput{
		TaskID: task.ID, Kind: "income", Currency: "UZS", ActorID: f.worker,
	})
	require.Error(t, err)
	require.False(t, res.Valid)
	assert.Equal(t, "base_required", res.Errors[0].Code)
}

func TestRecordTransactionForeignCurrencyGate(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	ctx := context.Background()

	// Mismatched conversion is rejected with the issue list populated.
	_, res, err := f.engine.RecordTransaction(ctx, TransactionInput{
		TaskID: task.ID, Kind: "income", Currency: "USD",
		ExchangeRate: fl(12650), OriginalAmount: fl(100), BaseAmount: fl(999),
		ActorID: f.worker,
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Errors)

	// A consistent conversion passes.
	txn, res, err := f.engine.RecordTransaction(ctx, TransactionInput{
		TaskID: task.ID, Kind: "income", Currency: "USD",
		ExchangeRate: fl(12650), OriginalAmount: fl(100), BaseAmount: fl(1265000),
		ActorID: f.worker,
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "USD", txn.Currency)
}

func TestAddPenaltyValidation(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	ctx := context.Background()

	_, err := f.engine.AddPenalty(ctx, PenaltyInput{
		TaskID: task.ID, StageName: "bogus", WorkerID: f.worker, Amount: 1, ActorID: f.worker,
	})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	p, err := f.engine.AddPenalty(ctx, PenaltyInput{
		TaskID: task.ID, StageName: domain.StageDeclaration, WorkerID: f.worker, Amount: 2.5, Comment: "late filing", ActorID: f.worker,
	})
	require.NoError(t, err)
	assert.Equal(t, 2.5, p.Amount)
}

func TestEventsWrittenWithMutations(t *testing.T) {
	f := newFixture(t)
	task := f.createTask()
	stage := f.stageByName(task.ID, domain.StageIntake)
	f.assign(stage.ID)
	f.complete(stage.ID)

	evs, err := f.engine.Repo.ListEvents(context.Background(), 50, "", task.ID)
	require.NoError(t, err)
	types := make(map[string]int)
	for _, ev := range evs {
		types[ev.Type]++
	}
	assert.Equal(t, 1, types["task.created"])
	assert.Equal(t, 1, types["stage.assigned"])
	assert.Equal(t, 1, types["stage.completed"])
	assert.GreaterOrEqual(t, types["task.status_changed"], 1)
}
