package accrual

import (
	"context"
	"database/sql"
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
	db     *sql.DB
	repo   repo.Repo
	branch string
	client string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.Migrate(db))

	f := &fixture{db: db, repo: repo.Repo{DB: db}, branch: uuid.NewString(), client: uuid.NewString()}
	_, err = db.Exec(`INSERT INTO branches(id,name,created_at) VALUES (?,?,?)`, f.branch, "hq", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO clients(id,name,created_at) VALUES (?,?,?)`, f.client, "acme", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	return f
}

func (f *fixture) addWorker(t *testing.T, name string) string {
	t.Helper()
	id := uuid.NewString()
	_, err := f.db.Exec(`INSERT INTO workers(id,name,role,created_at) VALUES (?,?,?,?)`, id, name, "worker", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	return id
}

func (f *fixture) addTask(t *testing.T, creator string) string {
	t.Helper()
	id := uuid.NewString()
	_, err := f.db.Exec(`INSERT INTO tasks(id,branch_id,client_id,title,has_psr,status,snapshot_price_fallback,created_by,created_at,updated_at)
VALUES (?,?,?,?,0,?,0,?,?,?)`,
		id, f.branch, f.client, "cargo", "in_progress", creator, "2024-02-01T00:00:00Z", "2024-02-01T00:00:00Z")
	require.NoError(t, err)
	return id
}

func (f *fixture) addReadyStage(t *testing.T, taskID string, name domain.StageName, order int, assignedTo string) string {
	t.Helper()
	id := uuid.NewString()
	var assigned any
	if assignedTo != "" {
		assigned = assignedTo
	}
	_, err := f.db.Exec(`INSERT INTO task_stages(id,task_id,name,stage_order,status,assigned_to,completed_at)
VALUES (?,?,?,?,?,?,?)`,
		id, taskID, string(name), order, "ready", assigned, "2024-02-02T00:00:00Z")
	require.NoError(t, err)
	return id
}

func (f *fixture) setPrice(t *testing.T, stage domain.StageName, price float64) {
	t.Helper()
	require.NoError(t, f.repo.UpsertKpiConfig(context.Background(), stage, price, "2024-01-01T00:00:00Z"))
}

func (f *fixture) engine(flatRate config.FlatRateRule) Engine {
	return Engine{
		Repo:     f.repo,
		FlatRate: flatRate,
		Log:      zerolog.Nop(),
		Now:      func() time.Time { return time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC) },
	}
}

func (f *fixture) post(t *testing.T, e Engine, ev StageCompleted) {
	t.Helper()
	tx, err := f.db.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Post(context.Background(), tx, ev))
	require.NoError(t, tx.Commit())
}

func (f *fixture) logs(t *testing.T, workerID string) []domain.KpiLog {
	t.Helper()
	logs, err := f.repo.ListKpiLogs(context.Background(), repo.KpiLogFilters{WorkerID: workerID})
	require.NoError(t, err)
	return logs
}

func TestPostCreditsAssignedWorker(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, "dina")
	task := f.addTask(t, worker)
	f.setPrice(t, domain.StageDeclaration, 2.0)
	e := f.engine(config.FlatRateRule{})

	f.post(t, e, StageCompleted{TaskID: task, StageName: domain.StageDeclaration, WorkerID: worker})

	logs := f.logs(t, worker)
	require.Len(t, logs, 1)
	assert.Equal(t, 2.0, logs[0].Amount)
	assert.Equal(t, domain.StageDeclaration, logs[0].StageName)
	assert.Equal(t, task, logs[0].TaskID)
}

func TestPostIsIdempotent(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, "dina")
	task := f.addTask(t, worker)
	f.setPrice(t, domain.StageDeclaration, 2.0)
	e := f.engine(config.FlatRateRule{})

	ev := StageCompleted{TaskID: task, StageName: domain.StageDeclaration, WorkerID: worker}
	f.post(t, e, ev)
	f.post(t, e, ev)

	assert.Len(t, f.logs(t, worker), 1)
}

func TestPostMissingPriceAccruesZero(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, "dina")
	task := f.addTask(t, worker)
	e := f.engine(config.FlatRateRule{})

	f.post(t, e, StageCompleted{TaskID: task, StageName: domain.StageInspection, WorkerID: worker})

	logs := f.logs(t, worker)
	require.Len(t, logs, 1)
	assert.Equal(t, 0.0, logs[0].Amount)
}

func TestPostFlatRatePaysWholeGroup(t *testing.T) {
	f := newFixture(t)
	a := f.addWorker(t, "alia")
	b := f.addWorker(t, "bek")
	c := f.addWorker(t, "ceci")
	assignee := f.addWorker(t, "dina")
	task := f.addTask(t, assignee)
	// Table price for intake exists but the flat rule takes precedence.
	f.setPrice(t, domain.StageIntake, 3.0)
	e := f.engine(config.FlatRateRule{Stage: domain.StageIntake, Amount: 5, Workers: []string{"alia", "bek", "ceci"}})

	f.post(t, e, StageCompleted{TaskID: task, StageName: domain.StageIntake, WorkerID: assignee})

	for _, id := range []string{a, b, c} {
		logs := f.logs(t, id)
		require.Len(t, logs, 1)
		assert.Equal(t, 5.0, logs[0].Amount)
	}
	// The formally assigned worker is not in the group and gets nothing.
	assert.Empty(t, f.logs(t, assignee))
}

func TestPostFlatRateSkipsUnknownMember(t *testing.T) {
	f := newFixture(t)
	a := f.addWorker(t, "alia")
	task := f.addTask(t, a)
	e := f.engine(config.FlatRateRule{Stage: domain.StageIntake, Amount: 5, Workers: []string{"alia", "ghost"}})

	f.post(t, e, StageCompleted{TaskID: task, StageName: domain.StageIntake, WorkerID: a})

	assert.Len(t, f.logs(t, a), 1)
}

func TestReconcileBackfillsMissingRows(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, "dina")
	task := f.addTask(t, worker)
	f.setPrice(t, domain.StageDeclaration, 2.0)
	f.addReadyStage(t, task, domain.StageDeclaration, 5, worker)
	e := f.engine(config.FlatRateRule{})

	report, err := e.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Created)

	logs := f.logs(t, worker)
	require.Len(t, logs, 1)
	assert.Equal(t, 2.0, logs[0].Amount)
}

func TestReconcileUpdatesDriftedAmounts(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, "dina")
	task := f.addTask(t, worker)
	f.setPrice(t, domain.StageDeclaration, 2.0)
	f.addReadyStage(t, task, domain.StageDeclaration, 5, worker)
	e := f.engine(config.FlatRateRule{})

	f.post(t, e, StageCompleted{TaskID: task, StageName: domain.StageDeclaration, WorkerID: worker})
	f.setPrice(t, domain.StageDeclaration, 2.5)

	report, err := e.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	logs := f.logs(t, worker)
	require.Len(t, logs, 1)
	assert.Equal(t, 2.5, logs[0].Amount)
}

func TestReconcileIsRepeatable(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, "dina")
	task := f.addTask(t, worker)
	f.setPrice(t, domain.StageDeclaration, 2.0)
	f.addReadyStage(t, task, domain.StageDeclaration, 5, worker)
	e := f.engine(config.FlatRateRule{})

	_, err := e.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	report, err := e.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, f.logs(t, worker), 1)
}

func TestReconcileBackfillsFlatRateGroup(t *testing.T) {
	f := newFixture(t)
	a := f.addWorker(t, "alia")
	b := f.addWorker(t, "bek")
	assignee := f.addWorker(t, "dina")
	task := f.addTask(t, assignee)
	f.addReadyStage(t, task, domain.StageIntake, 1, assignee)
	e := f.engine(config.FlatRateRule{Stage: domain.StageIntake, Amount: 5, Workers: []string{"alia", "bek"}})

	report, err := e.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)

	for _, id := range []string{a, b} {
		logs := f.logs(t, id)
		require.Len(t, logs, 1)
		assert.Equal(t, 5.0, logs[0].Amount)
	}
}

func TestReconcileUnassignedStageWarns(t *testing.T) {
	f := newFixture(t)
	worker := f.addWorker(t, "dina")
	task := f.addTask(t, worker)
	f.setPrice(t, domain.StageDeclaration, 2.0)
	f.addReadyStage(t, task, domain.StageDeclaration, 5, "")
	e := f.engine(config.FlatRateRule{})

	report, err := e.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warnings)
	assert.Equal(t, 0, report.Created)
}
