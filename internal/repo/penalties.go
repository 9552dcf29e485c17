package repo

import (
	"context"
	"database/sql"

	"declflow/internal/domain"
)

func (r Repo) InsertPenalty(ctx context.Context, p domain.TaskPenalty) (domain.TaskPenalty, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskPenalty{}, err
	}
	defer tx.Rollback()
	created, err := r.InsertPenaltyTx(ctx, tx, p)
	if err != nil {
		return domain.TaskPenalty{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskPenalty{}, err
	}
	return created, nil
}

func (r Repo) InsertPenaltyTx(ctx context.Context, tx *sql.Tx, p domain.TaskPenalty) (domain.TaskPenalty, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_penalties(id,task_id,stage_name,worker_id,amount,comment,occurred_at)
VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, string(p.StageName), p.WorkerID, p.Amount, nullable(p.Comment), p.OccurredAt)
	if err != nil {
		return domain.TaskPenalty{}, err
	}
	return p, nil
}

func (r Repo) GetPenalty(ctx context.Context, id string) (domain.TaskPenalty, error) {
	var p domain.TaskPenalty
	var name string
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_id,stage_name,worker_id,amount,COALESCE(comment,''),occurred_at
FROM task_penalties WHERE id=?`, id).
		Scan(&p.ID, &p.TaskID, &name, &p.WorkerID, &p.Amount, &p.Comment, &p.OccurredAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.StageName = domain.StageName(name)
	return p, err
}

func (r Repo) ListPenaltiesByTask(ctx context.Context, taskID string) ([]domain.TaskPenalty, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,stage_name,worker_id,amount,COALESCE(comment,''),occurred_at
FROM task_penalties WHERE task_id=? ORDER BY occurred_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskPenalty
	for rows.Next() {
		var p domain.TaskPenalty
		var name string
		if err := rows.Scan(&p.ID, &p.TaskID, &name, &p.WorkerID, &p.Amount, &p.Comment, &p.OccurredAt); err != nil {
			return nil, err
		}
		p.StageName = domain.StageName(name)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeletePenalty(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM task_penalties WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
