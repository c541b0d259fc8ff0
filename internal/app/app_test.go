//go:build unix

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/config"
	logx "taskrunner/pkg/logx"
)

func writeTasks(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Tasks.File = "tasks.json"
	cfg.Tasks.InitialDir = dir
	cfg.Tasks.ReloadDir = dir
	cfg.Runner.Shell = "sh"
	cfg.Storage.Path = filepath.Join(dir, "logs")
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg, dir
}

func TestAppStartReconcileStop(t *testing.T) {
	cfg, dir := testConfig(t)
	writeTasks(t, filepath.Join(dir, "tasks.json"), `{"tasks": {
		"hello": {"bash_script": "echo hi", "run_on_load": true, "schedule": "0 0 1 1 *"},
		"broken": {"schedule": "0 0 1 1 *"}
	}}`)

	a, err := New(context.Background(), cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	snap := a.Scheduler().Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "hello", snap.Jobs[0].ID)

	st, ok := a.Monitor().Stats("hello")
	require.True(t, ok)
	assert.Equal(t, 1, st.TotalExecutions)
	assert.Equal(t, 1, st.SuccessfulExecutions)

	// add a task and trigger a pass the way the watcher does
	writeTasks(t, filepath.Join(dir, "tasks.json"), `{"tasks": {
		"hello": {"bash_script": "echo hi", "schedule": "0 0 1 1 *"},
		"second": {"bash_script": "true", "schedule": "0 0 2 1 *"}
	}}`)
	a.requestPass("test")
	require.Eventually(t, func() bool { return len(a.Scheduler().Snapshot().Jobs) == 2 }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))

	_, err = os.Stat(filepath.Join(cfg.Storage.Path, "task-stats-final.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.Storage.Path, "task-monitor.log"))
	assert.NoError(t, err)
}

func TestAppStartWithMissingTaskFile(t *testing.T) {
	cfg, _ := testConfig(t)

	a, err := New(context.Background(), cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.Empty(t, a.Scheduler().Snapshot().Jobs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, a.Stop(ctx))
}

func TestAppStopPastDeadline(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Storage.Driver = "none"

	a, err := New(context.Background(), cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Stop(ctx), ErrShutdownTimeout)
}

func TestAppStopKillsInFlightCronRun(t *testing.T) {
	cfg, dir := testConfig(t)
	writeTasks(t, filepath.Join(dir, "tasks.json"), `{"tasks": {
		"slow": {"bash_script": "sleep 60", "schedule": "* * * * * *"}
	}}`)

	a, err := New(context.Background(), cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return a.Runner().ActiveCount() > 0 }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, a.Stop(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, a.Runner().ActiveCount())
}

func TestAppRunsWithoutWritableStorage(t *testing.T) {
	cfg, dir := testConfig(t)
	blocker := filepath.Join(dir, "notadir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Storage.Path = filepath.Join(blocker, "logs")
	writeTasks(t, filepath.Join(dir, "tasks.json"), `{"tasks": {
		"hello": {"bash_script": "true", "run_on_load": true, "no_schedule": true}
	}}`)

	a, err := New(context.Background(), cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	st, ok := a.Monitor().Stats("hello")
	require.True(t, ok)
	assert.Equal(t, 1, st.SuccessfulExecutions)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, a.Stop(ctx))
}

func TestMapStorageSQLitePath(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = "logs"
	assert.Equal(t, filepath.Join("logs", "taskrunner.db"), mapStorage(cfg).Path)

	cfg.Storage.Path = "/var/lib/taskrunner/state.db"
	assert.Equal(t, "/var/lib/taskrunner/state.db", mapStorage(cfg).Path)
}
