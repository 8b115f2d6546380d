package am

import (
	"path/filepath"

	"go.uber.org/zap/zapcore"

	"github.com/teranos/ixpipe/db"
	"github.com/teranos/ixpipe/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	dialect, err := db.ParseDialect(c.Database.Driver)
	if err != nil {
		return err
	}
	if dialect == db.Postgres && c.Database.DSN == "" {
		return errors.WithHint(
			errors.Wrap(errors.ErrInvalidConfig, "database.dsn is required for the postgres driver"),
			"set "+EnvKey("database.dsn")+" or database.dsn in am.toml")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	// Pools: 0 = job default, negative = invalid
	if c.Pool.Executor < 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "pool.executor must be >= 0, got %d", c.Pool.Executor)
	}
	if c.Pool.Retry < 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "pool.retry must be >= 0, got %d", c.Pool.Retry)
	}

	if c.Publish.Root != "" && filepath.Clean(c.Publish.Root) == filepath.Clean(c.Publish.Staging) {
		return errors.Wrapf(errors.ErrInvalidConfig, "publish.root and publish.staging are both %q", c.Publish.Root)
	}

	if c.Jobs.HistoryLimit < 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "jobs.history_limit must be >= 0, got %d", c.Jobs.HistoryLimit)
	}

	return nil
}

// ParseLevel maps log.level to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel, errors.WithHint(
			errors.Wrapf(errors.ErrInvalidConfig, "log.level %q is not a log level", level),
			"use debug, info, warn or error")
	}
	return l, nil
}
