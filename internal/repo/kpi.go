package repo

import (
	"context"
	"database/sql"
	"strings"

	"declflow/internal/domain"
)

func (r Repo) GetKpiConfig(ctx context.Context, stage domain.StageName) (domain.KpiConfig, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT stage_name,price,updated_at FROM kpi_configs WHERE stage_name=?`, string(stage))
	return scanKpiConfig(row.Scan)
}

func (r Repo) GetKpiConfigTx(ctx context.Context, tx *sql.Tx, stage domain.StageName) (domain.KpiConfig, error) {
	row := tx.QueryRowContext(ctx, `SELECT stage_name,price,updated_at FROM kpi_configs WHERE stage_name=?`, string(stage))
	return scanKpiConfig(row.Scan)
}

func scanKpiConfig(scan func(dest ...any) error) (domain.KpiConfig, error) {
	var c domain.KpiConfig
	var name string
	err := scan(&name, &c.Price, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.StageName = domain.StageName(name)
	return c, err
}

func (r Repo) UpsertKpiConfig(ctx context.Context, stage domain.StageName, price float64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kpi_configs(stage_name,price,updated_at) VALUES (?,?,?)
ON CONFLICT(stage_name) DO UPDATE SET price=excluded.price, updated_at=excluded.updated_at`, string(stage), price, now)
	return err
}

// SeedKpiConfigs inserts default prices without overwriting administrative updates.
func (r Repo) SeedKpiConfigs(ctx context.Context, prices map[domain.StageName]float64, now string) error {
	for stage, price := range prices {
		if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO kpi_configs(stage_name,price,updated_at) VALUES (?,?,?)`,
			string(stage), price, now); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListKpiConfigs(ctx context.Context) ([]domain.KpiConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage_name,price,updated_at FROM kpi_configs ORDER BY stage_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KpiConfig
	for rows.Next() {
		c, err := scanKpiConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const kpiLogColumns = `id,worker_id,task_id,stage_name,amount,created_at`

func scanKpiLog(scan func(dest ...any) error) (domain.KpiLog, error) {
	var l domain.KpiLog
	var name string
	err := scan(&l.ID, &l.WorkerID, &l.TaskID, &name, &l.Amount, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	l.StageName = domain.StageName(name)
	return l, err
}

// GetKpiLogTx looks up the single ledger row for a (worker, task, stage) triple.
func (r Repo) GetKpiLogTx(ctx context.Context, tx *sql.Tx, workerID, taskID string, stage domain.StageName) (domain.KpiLog, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+kpiLogColumns+` FROM kpi_logs WHERE worker_id=? AND task_id=? AND stage_name=?`,
		workerID, taskID, string(stage))
	return scanKpiLog(row.Scan)
}

func (r Repo) InsertKpiLogTx(ctx context.Context, tx *sql.Tx, l domain.KpiLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO kpi_logs(id,worker_id,task_id,stage_name,amount,created_at) VALUES (?,?,?,?,?,?)`,
		l.ID, l.WorkerID, l.TaskID, string(l.StageName), l.Amount, l.CreatedAt)
	return err
}

func (r Repo) UpdateKpiLogAmountTx(ctx context.Context, tx *sql.Tx, id string, amount float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE kpi_logs SET amount=? WHERE id=?`, amount, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type KpiLogFilters struct {
	WorkerID string
	TaskID   string
	From     string
	To       string
	Limit    int
}

func (r Repo) ListKpiLogs(ctx context.Context, f KpiLogFilters) ([]domain.KpiLog, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.From != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "created_at<?")
		args = append(args, f.To)
	}
	query := `SELECT ` + kpiLogColumns + ` FROM kpi_logs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KpiLog
	for rows.Next() {
		l, err := scanKpiLog(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// WorkerAccrual is a payroll report line: gross accruals minus penalties.
type WorkerAccrual struct {
	WorkerID  string  `json:"worker_id"`
	Accrued   float64 `json:"accrued"`
	Penalties float64 `json:"penalties"`
	Rows      int     `json:"rows"`
}

// SumAccrualsByWorker aggregates the ledger per worker over [from, to).
func (r Repo) SumAccrualsByWorker(ctx context.Context, from, to string) ([]WorkerAccrual, error) {
	clauses := []string{"1=1"}
	var args []any
	if from != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, from)
	}
	if to != "" {
		clauses = append(clauses, "created_at<?")
		args = append(args, to)
	}
	where := strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT worker_id, SUM(amount), COUNT(*) FROM kpi_logs WHERE `+where+` GROUP BY worker_id ORDER BY worker_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []WorkerAccrual
	for rows.Next() {
		var a WorkerAccrual
		if err := rows.Scan(&a.WorkerID, &a.Accrued, &a.Rows); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		var penalties sql.NullFloat64
		pArgs := []any{res[i].WorkerID}
		pClauses := []string{"worker_id=?"}
		if from != "" {
			pClauses = append(pClauses, "occurred_at>=?")
			pArgs = append(pArgs, from)
		}
		if to != "" {
			pClauses = append(pClauses, "occurred_at<?")
			pArgs = append(pArgs, to)
		}
		err := r.DB.QueryRowContext(ctx, `SELECT SUM(amount) FROM task_penalties WHERE `+strings.Join(pClauses, " AND "), pArgs...).Scan(&penalties)
		if err != nil {
			return nil, err
		}
		if penalties.Valid {
			res[i].Penalties = penalties.Float64
		}
	}
	return res, nil
}
