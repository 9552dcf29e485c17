package repo

import (
	"context"
	"database/sql"

	"declflow/internal/domain"
)

func (r Repo) InsertBranch(ctx context.Context, b domain.Branch) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO branches(id,name,created_at) VALUES (?,?,?)`, b.ID, b.Name, b.CreatedAt)
	return err
}

func (r Repo) GetBranch(ctx context.Context, id string) (domain.Branch, error) {
	var b domain.Branch
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM branches WHERE id=?`, id).
		Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM branches ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Branch
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) InsertClient(ctx context.Context, c domain.Client) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO clients(id,name,phone,deal_amount,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Name, nullable(c.Phone), nullableFloatPtr(c.DealAmount), c.CreatedAt)
	return err
}

func (r Repo) GetClient(ctx context.Context, id string) (domain.Client, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(phone,''),deal_amount,created_at FROM clients WHERE id=?`, id)
	return scanClient(row.Scan)
}

func (r Repo) GetClientTx(ctx context.Context, tx *sql.Tx, id string) (domain.Client, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,name,COALESCE(phone,''),deal_amount,created_at FROM clients WHERE id=?`, id)
	return scanClient(row.Scan)
}

func scanClient(scan func(dest ...any) error) (domain.Client, error) {
	var c domain.Client
	var deal sql.NullFloat64
	err := scan(&c.ID, &c.Name, &c.Phone, &deal, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if deal.Valid {
		c.DealAmount = &deal.Float64
	}
	return c, err
}

func (r Repo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(phone,''),deal_amount,created_at FROM clients ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		c, err := scanClient(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertWorker(ctx context.Context, w domain.Worker) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workers(id,name,email,role,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.Name, nullable(w.Email), w.Role, w.CreatedAt)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),role,created_at FROM workers WHERE id=?`, id)
	return scanWorker(row.Scan)
}

func (r Repo) GetWorkerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Worker, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),role,created_at FROM workers WHERE id=?`, id)
	return scanWorker(row.Scan)
}

// GetWorkerByNameTx resolves a worker by display name; used by the flat-rate
// accrual group, which is configured by name.
func (r Repo) GetWorkerByNameTx(ctx context.Context, tx *sql.Tx, name string) (domain.Worker, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),role,created_at FROM workers WHERE name=? LIMIT 1`, name)
	return scanWorker(row.Scan)
}

func scanWorker(scan func(dest ...any) error) (domain.Worker, error) {
	var w domain.Worker
	err := scan(&w.ID, &w.Name, &w.Email, &w.Role, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(email,''),role,created_at FROM workers ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
