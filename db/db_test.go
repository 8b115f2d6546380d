package db

import (
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/ixpipe/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database with pragmas", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		if err == nil && db != nil {
			err = db.Ping()
			db.Close()
		}
		assert.Error(t, err)
	})
}

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(SQLite, dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "watermarks", "job_runs", "task_states", "job_failures"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist after migrations", table)
	}

	// Second run is a no-op
	require.NoError(t, Migrate(db, SQLite, zaptest.NewLogger(t).Sugar()))

	status, err := Status(db, SQLite)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	assert.Equal(t, "000", status[0].Version)
	for _, m := range status {
		assert.True(t, m.Applied, "migration %s should be applied", m.File)
	}
}

func TestDialect(t *testing.T) {
	d, err := ParseDialect("postgresql")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	assert.Equal(t, "postgres", d.DriverName())
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", d.Rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	d, err = ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)
	assert.Equal(t, "sqlite3", d.DriverName())
	assert.Equal(t, "x = ?", d.Rebind("x = ?"))

	_, err = ParseDialect("oracle")
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestMigratePostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files, err := migrationFiles()
	require.NoError(t, err)

	for _, f := range files {
		mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM schema_migrations WHERE version = \$1\)`).
			WithArgs(versionOf(f)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	}

	require.NoError(t, Migrate(db, Postgres, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
