// Package am holds ixpipe's process configuration: where the state store
// lives, how the CLI logs, and the pool and publish defaults applied to job
// files that do not set them.
package am

// Config represents the core ixpipe configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
	Pool     PoolConfig     `mapstructure:"pool" toml:"pool"`
	Publish  PublishConfig  `mapstructure:"publish" toml:"publish"`
	Jobs     JobsConfig     `mapstructure:"jobs" toml:"jobs"`
}

// DatabaseConfig configures the state store (watermarks, run history)
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"` // sqlite (default) or postgres
	Path   string `mapstructure:"path" toml:"path"`     // sqlite file path
	DSN    string `mapstructure:"dsn" toml:"dsn"`       // postgres connection string
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"` // debug, info, warn, error
}

// PoolConfig sizes the task pools when a job file leaves them unset
type PoolConfig struct {
	Executor int `mapstructure:"executor" toml:"executor"` // taskexecutor.threadpool.size
	Retry    int `mapstructure:"retry" toml:"retry"`       // taskretry.threadpool.coresize
}

// PublishConfig configures the directory publisher
type PublishConfig struct {
	Root    string `mapstructure:"root" toml:"root"`       // published datasets land under Root/<dataset>/...
	Staging string `mapstructure:"staging" toml:"staging"` // writers stage branch output here
	ErrDir  string `mapstructure:"err_dir" toml:"err_dir"` // default qualitychecker.row.err.file
}

// JobsConfig configures run-history retention and job file lookup
type JobsConfig struct {
	Dir          string `mapstructure:"dir" toml:"dir"`                     // relative job file paths resolve here
	HistoryLimit int    `mapstructure:"history_limit" toml:"history_limit"` // rows shown by `jobs history`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
