package database_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/koba/db-sandbox/internal/commit"
	"github.com/koba/db-sandbox/internal/database"
	"github.com/koba/db-sandbox/internal/schema"
)

// liteDB satisfies database.Database over a local SQLite handle so the
// executor runs against a real transaction engine.
type liteDB struct {
	db *sql.DB
}

func (l *liteDB) Connect(context.Context) error { return nil }
func (l *liteDB) Close() error                  { return l.db.Close() }
func (l *liteDB) DB() *sql.DB                   { return l.db }

func (l *liteDB) TableSchema(context.Context, schema.TableRef) (*schema.TableSchema, error) {
	return nil, database.ErrTableNotFound
}

func (l *liteDB) TableData(context.Context, schema.TableRef, int) ([]string, []schema.Row, error) {
	return nil, nil, nil
}

func openExecutorDB(t *testing.T) *liteDB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	_, err = db.Exec("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	return &liteDB{db: db}
}

func insertChange(id int, name string) commit.Change {
	return commit.Change{
		ChangeType: "insert",
		Namespace:  schema.Namespace{Database: "app"},
		TableName:  "users",
		NewValues:  schema.Row{"id": id, "name": name},
	}
}

func countUsers(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&n))
	return n
}

func TestExecutorAppliesAtomicBatch(t *testing.T) {
	ldb := openExecutorDB(t)
	executor := database.NewExecutor(ldb, "mysql")

	result, err := executor.Apply(context.Background(), []commit.Change{
		insertChange(1, "Ana"),
		insertChange(2, "Ben"),
	}, true)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.AppliedCount)
	assert.Empty(t, result.FailedChanges)
	assert.Equal(t, 2, countUsers(t, ldb.db))
}

func TestExecutorAtomicFailureRollsBackEverything(t *testing.T) {
	ldb := openExecutorDB(t)
	executor := database.NewExecutor(ldb, "mysql")

	result, err := executor.Apply(context.Background(), []commit.Change{
		insertChange(1, "Ana"),
		insertChange(1, "Dup"), // primary key collision
		insertChange(3, "Cy"),
	}, true)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.AppliedCount)
	require.Len(t, result.FailedChanges, 1)
	assert.Equal(t, 1, result.FailedChanges[0].Index)
	assert.Equal(t, 0, countUsers(t, ldb.db), "rolled-back batch leaves no rows")
}

func TestExecutorSequentialReportsPerChangeFailures(t *testing.T) {
	ldb := openExecutorDB(t)
	executor := database.NewExecutor(ldb, "mysql")

	result, err := executor.Apply(context.Background(), []commit.Change{
		insertChange(1, "Ana"),
		insertChange(1, "Dup"),
		insertChange(3, "Cy"),
	}, false)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 2, result.AppliedCount)
	require.Len(t, result.FailedChanges, 1)
	assert.Equal(t, 1, result.FailedChanges[0].Index)
	assert.Contains(t, result.Error, "1 of 3")
	assert.Equal(t, 2, countUsers(t, ldb.db))
}

func TestExecutorSurfacesSkippedChangeWarnings(t *testing.T) {
	ldb := openExecutorDB(t)
	executor := database.NewExecutor(ldb, "mysql")

	noop := commit.Change{
		ChangeType: "update",
		Namespace:  schema.Namespace{Database: "app"},
		TableName:  "users",
		PrimaryKey: &commit.PrimaryKey{Columns: schema.Row{"id": 1}},
		OldValues:  schema.Row{"id": 1, "name": "Ana"},
		NewValues:  schema.Row{"name": "Ana"},
	}

	result, err := executor.Apply(context.Background(), []commit.Change{
		insertChange(1, "Ana"),
		noop,
	}, true)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.AppliedCount)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "change 1")
	assert.Contains(t, result.Warnings[0], "no changed columns")
}
