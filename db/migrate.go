package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/ixpipe/errors"
)

// Migrations use only types and syntax both sqlite and postgres accept, so
// one set serves either dialect.
//
//go:embed migrations/*.sql
var migrations embed.FS

// Migration describes one embedded migration file.
type Migration struct {
	Version string
	File    string
	Applied bool
}

func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func versionOf(filename string) string {
	return strings.Split(filename, "_")[0]
}

func applied(db *sql.DB, d Dialect, version string) (bool, error) {
	var exists bool
	err := db.QueryRow(d.Rebind("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)"), version).Scan(&exists)
	return exists, err
}

// Status lists every embedded migration and whether it has been applied.
func Status(db *sql.DB, d Dialect) ([]Migration, error) {
	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(files))
	for _, f := range files {
		m := Migration{Version: versionOf(f), File: f}
		ok, err := applied(db, d, m.Version)
		if err == nil {
			m.Applied = ok
		}
		out = append(out, m)
	}
	return out, nil
}

// Migrate runs all pending migrations.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, d Dialect, logger *zap.SugaredLogger) error {
	files, err := migrationFiles()
	if err != nil {
		return err
	}

	appliedCount := 0
	for _, filename := range files {
		version := versionOf(filename)

		// schema_migrations is created by 000
		exists, err := applied(db, d, version)
		if err != nil {
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", filename, "version", version)
			}
			continue
		}

		sqlBytes, err := migrations.ReadFile(path.Join("migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", filename, "version", version)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.Exec(d.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
		appliedCount++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"dialect", d.String(),
			"total_migrations", len(files),
			"applied", appliedCount,
		)
	}

	return nil
}
