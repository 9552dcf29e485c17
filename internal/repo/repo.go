package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"declflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,branch_id,client_id,title,COALESCE(comments,''),COALESCE(driver_phone,''),has_psr,status,snapshot_deal_amount,snapshot_worker_price,snapshot_price_fallback,created_by,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var status string
	var dealAmount, workerPrice sql.NullFloat64
	var fallback int
	err := scan(&t.ID, &t.BranchID, &t.ClientID, &t.Title, &t.Comments, &t.DriverPhone, &t.HasPSR,
		&status, &dealAmount, &workerPrice, &fallback, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	if dealAmount.Valid {
		t.SnapshotDealAmount = &dealAmount.Float64
	}
	if workerPrice.Valid {
		t.SnapshotWorkerPrice = &workerPrice.Float64
	}
	t.SnapshotPriceFallback = fallback != 0
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,branch_id,client_id,title,comments,driver_phone,has_psr,status,snapshot_deal_amount,snapshot_worker_price,snapshot_price_fallback,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.BranchID, t.ClientID, t.Title, nullable(t.Comments), nullable(t.DriverPhone), boolInt(t.HasPSR),
		string(t.Status), nullableFloatPtr(t.SnapshotDealAmount), nullableFloatPtr(t.SnapshotWorkerPrice),
		boolInt(t.SnapshotPriceFallback), t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// UpdateTaskFieldsTx updates the mutable descriptive fields only; status and
// snapshots are owned by the engine and never written through this path.
func (r Repo) UpdateTaskFieldsTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, comments=?, driver_phone=?, has_psr=?, client_id=?, branch_id=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Comments), nullable(t.DriverPhone), boolInt(t.HasPSR), t.ClientID, t.BranchID, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.TaskStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, string(status), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	BranchID        string
	ClientID        string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.BranchID != "" {
		clauses = append(clauses, "branch_id=?")
		args = append(args, f.BranchID)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, branchID string) (map[string]int, error) {
	query := `SELECT status, count(*) FROM tasks`
	var args []any
	if branchID != "" {
		query += ` WHERE branch_id=?`
		args = append(args, branchID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- stages ---

const stageColumns = `id,task_id,name,stage_order,status,assigned_to,started_at,completed_at,duration_min`

func scanStage(scan func(dest ...any) error) (domain.TaskStage, error) {
	var s domain.TaskStage
	var name, status string
	var assigned, started, completed sql.NullString
	var duration sql.NullInt64
	err := scan(&s.ID, &s.TaskID, &name, &s.StageOrder, &status, &assigned, &started, &completed, &duration)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Name = domain.StageName(name)
	s.Status = domain.StageStatus(status)
	if assigned.Valid {
		s.AssignedTo = &assigned.String
	}
	if started.Valid {
		s.StartedAt = &started.String
	}
	if completed.Valid {
		s.CompletedAt = &completed.String
	}
	if duration.Valid {
		d := int(duration.Int64)
		s.DurationMin = &d
	}
	return s, nil
}

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.TaskStage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_stages(id,task_id,name,stage_order,status,assigned_to,started_at,completed_at,duration_min)
VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, string(s.Name), s.StageOrder, string(s.Status), nullableStringPtr(s.AssignedTo),
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt), nullableIntPtr(s.DurationMin))
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.TaskStage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM task_stages WHERE id=?`, id)
	return scanStage(row.Scan)
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskStage, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM task_stages WHERE id=?`, id)
	return scanStage(row.Scan)
}

func (r Repo) ListStagesByTask(ctx context.Context, taskID string) ([]domain.TaskStage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageColumns+` FROM task_stages WHERE task_id=? ORDER BY stage_order ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStages(rows)
}

func (r Repo) ListStagesByTaskTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.TaskStage, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+stageColumns+` FROM task_stages WHERE task_id=? ORDER BY stage_order ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStages(rows)
}

func collectStages(rows *sql.Rows) ([]domain.TaskStage, error) {
	var res []domain.TaskStage
	for rows.Next() {
		s, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) AssignStageTx(ctx context.Context, tx *sql.Tx, stageID, workerID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_stages SET assigned_to=? WHERE id=?`, workerID, stageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStageInProgressTx performs the guarded not_started -> in_progress
// transition and reports how many rows changed.
func (r Repo) MarkStageInProgressTx(ctx context.Context, tx *sql.Tx, stageID, startedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE task_stages SET status=?, started_at=COALESCE(started_at,?) WHERE id=? AND status=?`,
		string(domain.StageInProgress), startedAt, stageID, string(domain.StageNotStarted))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkStageReadyTx performs the guarded transition into ready. The WHERE
// clause serializes concurrent completion attempts on the same stage: only
// one caller observes an affected row, later callers see zero and take the
// idempotent path.
func (r Repo) MarkStageReadyTx(ctx context.Context, tx *sql.Tx, stageID, completedAt string, durationMin *int) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE task_stages SET status=?, completed_at=?, started_at=COALESCE(started_at,?), duration_min=? WHERE id=? AND status<>?`,
		string(domain.StageReady), completedAt, completedAt, nullableIntPtr(durationMin), stageID, string(domain.StageReady))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type CompletedStageFilters struct {
	StageName string
	TaskIDs   []string
	Limit     int
}

// ListCompletedStagesTx returns ready stages for reconciliation, newest tasks first.
func (r Repo) ListCompletedStagesTx(ctx context.Context, tx *sql.Tx, f CompletedStageFilters) ([]domain.TaskStage, error) {
	clauses := []string{"s.status=?"}
	args := []any{string(domain.StageReady)}
	if f.StageName != "" {
		clauses = append(clauses, "s.name=?")
		args = append(args, f.StageName)
	}
	if len(f.TaskIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.TaskIDs)), ",")
		clauses = append(clauses, "s.task_id IN ("+placeholders+")")
		for _, id := range f.TaskIDs {
			args = append(args, id)
		}
	}
	query := fmt.Sprintf(`SELECT s.id,s.task_id,s.name,s.stage_order,s.status,s.assigned_to,s.started_at,s.completed_at,s.duration_min
FROM task_stages s JOIN tasks t ON t.id=s.task_id
WHERE %s ORDER BY t.created_at DESC, s.stage_order ASC`, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStages(rows)
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, limit int, evtType, taskID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(task_id,''),COALESCE(actor_id,''),COALESCE(payload_json,'') FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.TaskID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(task_id,''),COALESCE(actor_id,''),COALESCE(payload_json,'') FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.TaskID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
