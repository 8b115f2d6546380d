package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/props"
)

// isolate points HOME and the working directory at empty temp dirs so no
// real configuration leaks into a test.
func isolate(t *testing.T) (home, project string) {
	t.Helper()
	Reset()
	t.Cleanup(Reset)

	home = t.TempDir()
	project = t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(project)
	return home, project
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), DefaultDirPermissions))
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))
}

func TestLoad_Defaults(t *testing.T) {
	// Create isolated viper instance without loading user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Path != DefaultDatabasePath {
		t.Errorf("expected default database path %q, got %q", DefaultDatabasePath, cfg.Database.Path)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected default driver sqlite, got %q", cfg.Database.Driver)
	}
	if cfg.Pool.Executor != props.DefaultTaskExecutorPoolSize {
		t.Errorf("expected default executor pool %d, got %d", props.DefaultTaskExecutorPoolSize, cfg.Pool.Executor)
	}
	if cfg.GetHistoryLimit() != DefaultHistoryLimit {
		t.Errorf("expected history limit %d, got %d", DefaultHistoryLimit, cfg.GetHistoryLimit())
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"zero value is valid", Config{}, false},
		{"postgres with dsn", Config{Database: DatabaseConfig{Driver: "postgres", DSN: "postgres://ix@db/ixpipe"}}, false},
		{"postgres without dsn", Config{Database: DatabaseConfig{Driver: "postgres"}}, true},
		{"unknown driver", Config{Database: DatabaseConfig{Driver: "mysql"}}, true},
		{"zero pools use job defaults", Config{Pool: PoolConfig{Executor: 0, Retry: 0}}, false},
		{"negative executor pool", Config{Pool: PoolConfig{Executor: -1}}, true},
		{"negative retry pool", Config{Pool: PoolConfig{Retry: -2}}, true},
		{"bad log level", Config{Log: LogConfig{Level: "loud"}}, true},
		{"negative history limit", Config{Jobs: JobsConfig{HistoryLimit: -1}}, true},
		{"separate publish dirs", Config{Publish: PublishConfig{Root: "published", Staging: "staging"}}, false},
		{"staging is the publish root", Config{Publish: PublishConfig{Root: "out", Staging: "./out/"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, l)

	l, err = ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, l)
}

func TestJobDefaults(t *testing.T) {
	cfg := &Config{Pool: PoolConfig{Executor: 8}, Publish: PublishConfig{ErrDir: "/var/lib/ixpipe/errors"}}
	p := cfg.JobDefaults()

	assert.Equal(t, "8", p[props.TaskExecutorPoolSize])
	assert.False(t, p.Has(props.TaskRetryPoolSize))
	assert.Equal(t, "/var/lib/ixpipe/errors", p[props.RowErrFile])

	job := props.Props{props.TaskExecutorPoolSize: "3"}
	merged := p.Merge(job)
	assert.Equal(t, "3", merged[props.TaskExecutorPoolSize], "job file wins")
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("walks up to am.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test1", "subdir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		writeFile(t, filepath.Join(tmpDir, "test1", "am.toml"), "")

		t.Chdir(subDir)

		result := findProjectConfig()
		require.NotEmpty(t, result)
		assert.True(t, filepath.IsAbs(result))
		assert.Equal(t, "am.toml", filepath.Base(result))
	})

	t.Run("no config found", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test2", "subdir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		t.Chdir(subDir)

		assert.Empty(t, findProjectConfig())
	})
}

func TestLoadMergesLevels(t *testing.T) {
	home, project := isolate(t)

	writeFile(t, filepath.Join(home, ".ixpipe", ConfigFileName), `
[database]
path = "/var/lib/ixpipe/user.db"

[pool]
executor = 4
retry = 2
`)
	writeFile(t, filepath.Join(project, ConfigFileName), `
[pool]
executor = 6
`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ixpipe/user.db", cfg.Database.Path)
	assert.Equal(t, 6, cfg.Pool.Executor, "project overrides user")
	assert.Equal(t, 2, cfg.Pool.Retry)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	assert.Equal(t, SourceUser, ConfigSources["database.path"].Source)
	assert.Contains(t, ConfigSources["database.path"].Path, ".ixpipe")
	assert.Equal(t, SourceProject, ConfigSources["pool.executor"].Source)
	assert.Equal(t, SourceDefault, ConfigSources["log.level"].Source)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	_, project := isolate(t)
	writeFile(t, filepath.Join(project, ConfigFileName), `
[database]
path = "project.db"
`)
	t.Setenv("IXPIPE_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("IXPIPE_POOL_RETRY", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Pool.Retry)

	intro, err := GetConfigIntrospection()
	require.NoError(t, err)
	found := false
	for _, s := range intro.Settings {
		if s.Key == "database.path" {
			found = true
			assert.Equal(t, SourceEnvironment, s.Source)
			assert.Equal(t, "IXPIPE_DATABASE_PATH", s.SourcePath)
		}
	}
	assert.True(t, found)
}

func TestIntrospectionRedactsDSN(t *testing.T) {
	isolate(t)
	t.Setenv("IXPIPE_DATABASE_DSN", "postgres://ix:secret@db/ixpipe")

	intro, err := GetConfigIntrospection()
	require.NoError(t, err)
	for _, s := range intro.Settings {
		if s.Key == "database.dsn" {
			assert.Equal(t, "********", s.Value)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.toml")
	writeFile(t, path, `
[database]
driver = "postgres"
dsn = "postgres://ix@db/ixpipe"

[log]
json = true
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, SourceProject, ConfigSources["database.driver"].Source)
	assert.NoError(t, cfg.Validate())

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestWriteConfigRotatesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".ixpipe", ConfigFileName)

	for i := 1; i <= 5; i++ {
		cfg := &Config{Pool: PoolConfig{Executor: i}, Database: DatabaseConfig{DSN: "postgres://ix:secret@db/ixpipe"}}
		require.NoError(t, WriteConfig(cfg, path))
	}

	got, err := ReadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Pool.Executor)
	assert.Equal(t, "postgres://ix:secret@db/ixpipe", got.Database.DSN, "written config keeps secrets")

	back1, err := ReadConfigFile(path + ".back1")
	require.NoError(t, err)
	assert.Equal(t, 4, back1.Pool.Executor)
	back3, err := ReadConfigFile(path + ".back3")
	require.NoError(t, err)
	assert.Equal(t, 2, back3.Pool.Executor)

	_, err = os.Stat(path + ".back4")
	assert.True(t, os.IsNotExist(err))
}

func TestRenderRedacts(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Driver: "postgres", DSN: "postgres://ix:secret@db/ixpipe"}}

	data, err := Render(cfg, false)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), "[database]")
	assert.Equal(t, "postgres://ix:secret@db/ixpipe", cfg.Database.DSN, "caller's config untouched")
}
