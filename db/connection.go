package db

import (
	"database/sql"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/ixpipe/errors"
)

// SQLiteBusyTimeoutMS is how long sqlite waits on a locked database.
const SQLiteBusyTimeoutMS = 5000

// Open opens a SQLite database at the specified path with WAL, foreign keys
// and a busy timeout. If logger is provided, logs database operations;
// otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "driver", "sqlite", "path", path)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to %s", p.what)
		}
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"driver", "sqlite",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenPostgres opens a postgres database from a lib/pq DSN and verifies the
// connection.
func OpenPostgres(dsn string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WithHint(errors.Wrap(err, "failed to connect to postgres"),
			"check database.dsn in am.toml or IXPIPE_DATABASE_DSN")
	}
	if logger != nil {
		logger.Infow("Database opened successfully", "driver", "postgres")
	}
	return db, nil
}

// OpenDialect opens target (a sqlite path or postgres DSN) for d.
func OpenDialect(d Dialect, target string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if d == Postgres {
		return OpenPostgres(target, logger)
	}
	return Open(target, logger)
}

// OpenWithMigrations opens target and applies pending migrations.
func OpenWithMigrations(d Dialect, target string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := OpenDialect(d, target, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := Migrate(db, d, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return db, nil
}
