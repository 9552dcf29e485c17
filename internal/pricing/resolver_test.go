package pricing

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"declflow/internal/migrate"
	"declflow/internal/repo"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.Migrate(db))
	return db
}

func seedBranch(t *testing.T, db *sql.DB) string {
	t.Helper()
	id := uuid.NewString()
	_, err := db.Exec(`INSERT INTO branches(id,name,created_at) VALUES (?,?,?)`, id, "test-branch-"+id[:8], "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	return id
}

func addRate(t *testing.T, db *sql.DB, branchID string, price float64, effectiveAt string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO state_payments(id,branch_id,worker_price,certificate_fee,customs_fee,effective_at) VALUES (?,?,?,?,1.0,?)`,
		uuid.NewString(), branchID, price, 1.25, effectiveAt)
	require.NoError(t, err)
}

func resolve(t *testing.T, db *sql.DB, r Resolver, branchID, createdAt string) (Snapshot, error) {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	return r.Resolve(context.Background(), tx, branchID, createdAt)
}

func TestResolvePicksRateInEffect(t *testing.T) {
	db := openTestDB(t)
	branch := seedBranch(t, db)
	r := Resolver{Repo: repo.Repo{DB: db}, Log: zerolog.Nop()}

	addRate(t, db, branch, 2.0, "2024-03-01T00:00:00Z")
	addRate(t, db, branch, 2.5, "2024-06-01T00:00:00Z")
	addRate(t, db, branch, 3.0, "2024-09-01T00:00:00Z")

	snap, err := resolve(t, db, r, branch, "2024-07-15T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2.5, snap.WorkerPrice)
	assert.False(t, snap.Fallback)
	assert.Equal(t, "2024-06-01T00:00:00Z", snap.EffectiveAt)
}

func TestResolveExactBoundary(t *testing.T) {
	db := openTestDB(t)
	branch := seedBranch(t, db)
	r := Resolver{Repo: repo.Repo{DB: db}, Log: zerolog.Nop()}

	addRate(t, db, branch, 2.0, "2024-06-01T00:00:00Z")

	// A rate taking effect at the task's own creation instant applies.
	snap, err := resolve(t, db, r, branch, "2024-06-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2.0, snap.WorkerPrice)
	assert.False(t, snap.Fallback)
}

func TestResolveFallsBackToLatestRate(t *testing.T) {
	db := openTestDB(t)
	branch := seedBranch(t, db)
	r := Resolver{Repo: repo.Repo{DB: db}, Log: zerolog.Nop()}

	// Every rate postdates the task; the latest one is used and flagged.
	addRate(t, db, branch, 2.0, "2024-06-01T00:00:00Z")
	addRate(t, db, branch, 2.5, "2024-09-01T00:00:00Z")

	snap, err := resolve(t, db, r, branch, "2024-01-15T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2.5, snap.WorkerPrice)
	assert.True(t, snap.Fallback)
}

func TestResolveNoHistory(t *testing.T) {
	db := openTestDB(t)
	branch := seedBranch(t, db)
	r := Resolver{Repo: repo.Repo{DB: db}, Log: zerolog.Nop()}

	_, err := resolve(t, db, r, branch, "2024-01-15T00:00:00Z")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestResolveIgnoresOtherBranches(t *testing.T) {
	db := openTestDB(t)
	branchA := seedBranch(t, db)
	branchB := seedBranch(t, db)
	r := Resolver{Repo: repo.Repo{DB: db}, Log: zerolog.Nop()}

	addRate(t, db, branchA, 2.0, "2024-01-01T00:00:00Z")
	addRate(t, db, branchB, 9.0, "2024-01-01T00:00:00Z")

	snap, err := resolve(t, db, r, branchA, "2024-06-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2.0, snap.WorkerPrice)
}
