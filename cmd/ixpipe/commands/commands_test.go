package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/ixpipe/am"
	"github.com/teranos/ixpipe/commit"
	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/watermark"
)

const orderJob = `
[job]
name = "orders"

[dataset]
urn = "db.orders"

[source.querybased]
start.value = 0
end.value = 300
partition.interval = 100
low.watermark.backup.secs = 0
`

// useConfig points the process configuration at a fresh sqlite file and a
// jobs directory under a temp dir.
func useConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	jobsDir := filepath.Join(dir, "jobs")
	require.NoError(t, os.MkdirAll(jobsDir, 0o755))

	cfgPath := filepath.Join(dir, "am.toml")
	content := `
[database]
driver = "sqlite"
path = "` + filepath.Join(dir, "state.db") + `"

[pool]
executor = 4

[publish]
root = "` + filepath.Join(dir, "published") + `"
staging = "` + filepath.Join(dir, "staging") + `"

[jobs]
dir = "` + jobsDir + `"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	am.Reset()
	t.Cleanup(am.Reset)
	_, err := am.LoadFromFile(cfgPath)
	require.NoError(t, err)
	return jobsDir
}

func runWm(t *testing.T, args ...string) error {
	t.Helper()
	WmCmd.SetArgs(args)
	return WmCmd.ExecuteContext(context.Background())
}

func storedWatermark(t *testing.T, key string) (watermark.Watermark, bool) {
	t.Helper()
	store, closeDB, err := openWatermarks()
	require.NoError(t, err)
	defer closeDB()

	w, ok, err := store.PreviousHighWatermark(context.Background(), key)
	require.NoError(t, err)
	return w, ok
}

func TestResolveJobFile(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		path string
		want string
	}{
		{"relative under jobs dir", "/srv/jobs", "orders.toml", "/srv/jobs/orders.toml"},
		{"absolute path kept", "/srv/jobs", "/tmp/orders.toml", "/tmp/orders.toml"},
		{"current dir", ".", "orders.toml", "orders.toml"},
		{"unset dir", "", "orders.toml", "orders.toml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &am.Config{}
			cfg.Jobs.Dir = tt.dir
			assert.Equal(t, tt.want, resolveJobFile(cfg, tt.path))
		})
	}
}

func TestWmSetAndReset(t *testing.T) {
	useConfig(t)

	require.NoError(t, runWm(t, "set", "db.orders", "300"))
	w, ok := storedWatermark(t, "db.orders")
	require.True(t, ok)
	assert.Equal(t, watermark.Watermark(300), w)

	// an operator override may move the watermark backwards
	require.NoError(t, runWm(t, "set", "db.orders", "100"))
	w, _ = storedWatermark(t, "db.orders")
	assert.Equal(t, watermark.Watermark(100), w)

	require.NoError(t, runWm(t, "ls", "db."))

	require.NoError(t, runWm(t, "reset", "db.orders"))
	_, ok = storedWatermark(t, "db.orders")
	assert.False(t, ok)
}

func TestWmSetRejectsBadValue(t *testing.T) {
	for _, value := range []string{"-5", "yesterday"} {
		err := runWmSet(wmSetCmd, []string{"db.orders", value})
		require.Error(t, err, value)
		assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
	}
}

func TestLoadJobAppliesProcessDefaults(t *testing.T) {
	jobsDir := useConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(jobsDir, "orders.toml"), []byte(orderJob), 0o644))

	cfg, err := loadConfig()
	require.NoError(t, err)
	p, err := loadJob(cfg, "orders.toml")
	require.NoError(t, err)

	assert.Equal(t, "orders", p.String(props.JobName, ""))
	assert.Equal(t, "300", p.String(props.EndValue, ""))
	assert.Equal(t, 4, p.Int(props.TaskExecutorPoolSize, 0))
}

func TestValidateAndPlanJobFile(t *testing.T) {
	jobsDir := useConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(jobsDir, "orders.toml"), []byte(orderJob), 0o644))

	require.NoError(t, runValidate(ValidateCmd, []string{"orders.toml"}))

	require.NoError(t, runWm(t, "set", "db.orders", "100"))
	require.NoError(t, runPlan(PlanCmd, []string{"orders.toml"}))
}

func TestValidateRejectsMissingJobName(t *testing.T) {
	jobsDir := useConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(jobsDir, "bad.yaml"), []byte("dataset:\n  urn: db.orders\n"), 0o644))

	err := runValidate(ValidateCmd, []string{"bad.yaml"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestNewLauncherUsesPublishDirs(t *testing.T) {
	useConfig(t)
	cfg, err := loadConfig()
	require.NoError(t, err)
	database, dialect, err := openDatabase(cfg)
	require.NoError(t, err)
	defer database.Close()

	l := newLauncher(cfg, database, dialect)
	pub, ok := l.Publisher.(commit.DirPublisher)
	require.True(t, ok)
	assert.Equal(t, cfg.Publish.Root, pub.Root)
	assert.Equal(t, cfg.Publish.Staging, pub.Staging)
	assert.NotNil(t, l.Watermarks)
	assert.NotNil(t, l.Store)
}
