package commands

import (
	"database/sql"

	"github.com/teranos/ixpipe/am"
	"github.com/teranos/ixpipe/db"
	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/logger"
)

// loadConfig returns the validated process configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured state store.
func openDatabase(cfg *am.Config) (*sql.DB, db.Dialect, error) {
	dialect, err := db.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, dialect, err
	}

	target := cfg.GetDatabasePath()
	if dialect == db.Postgres {
		target = cfg.Database.DSN
	}

	database, err := db.OpenWithMigrations(dialect, target, logger.Logger.Named("db"))
	if err != nil {
		return nil, dialect, errors.Wrapf(err, "failed to open %s database", dialect)
	}
	return database, dialect, nil
}

// describeDatabase names the store without leaking credentials.
func describeDatabase(cfg *am.Config) string {
	if d, _ := db.ParseDialect(cfg.Database.Driver); d == db.Postgres {
		return "postgres (dsn from config)"
	}
	return "sqlite " + cfg.GetDatabasePath()
}
