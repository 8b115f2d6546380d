package am

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/teranos/ixpipe/props"
)

// Defaults
const (
	DefaultDatabaseDriver = "sqlite"
	DefaultDatabasePath   = "ixpipe.db"
	DefaultLogLevel       = "info"
	DefaultHistoryLimit   = 20
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("database.dsn", "")

	// Logging
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", DefaultLogLevel)

	// Task pools, applied to job files that leave them unset
	v.SetDefault("pool.executor", props.DefaultTaskExecutorPoolSize)
	v.SetDefault("pool.retry", props.DefaultTaskRetryPoolSize)

	// Publishing
	v.SetDefault("publish.root", "published")
	v.SetDefault("publish.staging", "staging")
	v.SetDefault("publish.err_dir", "")

	v.SetDefault("jobs.dir", ".")
	v.SetDefault("jobs.history_limit", DefaultHistoryLimit)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Postgres credentials usually come from the environment
	v.BindEnv("database.dsn", EnvPrefix+"_DATABASE_DSN")
	v.BindEnv("database.path", EnvPrefix+"_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetHistoryLimit returns jobs.history_limit, defaulting when unset
func (c *Config) GetHistoryLimit() int {
	if c.Jobs.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}
	return c.Jobs.HistoryLimit
}

// JobDefaults returns the job properties this process supplies to every job
// file. Job file values take precedence.
func (c *Config) JobDefaults() props.Props {
	p := props.Props{}
	if c.Pool.Executor > 0 {
		p[props.TaskExecutorPoolSize] = fmt.Sprint(c.Pool.Executor)
	}
	if c.Pool.Retry > 0 {
		p[props.TaskRetryPoolSize] = fmt.Sprint(c.Pool.Retry)
	}
	if c.Publish.ErrDir != "" {
		p[props.RowErrFile] = c.Publish.ErrDir
	}
	return p
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: {Driver: %s, Path: %s}, Pool: {Executor: %d, Retry: %d}, Publish: {Root: %s}}",
		c.Database.Driver, c.GetDatabasePath(), c.Pool.Executor, c.Pool.Retry, c.Publish.Root)
}
