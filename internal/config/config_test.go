package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procmon/internal/launcher"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "processlist.json", c.Inventory)
	assert.Equal(t, 10*time.Second, c.MonitoringInterval)
	assert.Equal(t, 30*time.Second, c.ErrorBackoff)
	assert.Equal(t, 5*time.Minute, c.CacheTTL)
	assert.Equal(t, 500*time.Millisecond, c.ReloadDebounce)
	assert.True(t, c.EnablePathValidation)
	assert.Equal(t, launcher.DefaultMaxConcurrentStarts, c.MaxConcurrentStarts)
	assert.Equal(t, launcher.WindowHidden, c.WindowPreference())
	assert.False(t, c.DailyRearm)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, uint64(100), c.Health.MinFreeMB)
	assert.Equal(t, 5*time.Second, c.Metrics.Process.Interval)
	assert.Empty(t, c.History.Sinks)
}

func TestLoadTOML(t *testing.T) {
	p := writeFile(t, "procmon.toml", `
inventory = "conf/processlist.json"
monitoring_interval = "2s"
allowed_paths = ["/opt/apps", "/usr/local/bin"]
max_concurrent_starts = 2
window = "new"
daily_rearm = true
env = ["REGION=eu"]

[log]
level = "debug"
format = "json"
file = "/var/log/procmon/procmon.log"
max_size_mb = 20

[process_log]
dir = "/var/log/procmon/apps"
compress = true

[history]
sinks = ["sqlite:///var/lib/procmon/events.db"]

[http]
listen = ":9180"
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(p), "conf", "processlist.json"), c.Inventory)
	assert.Equal(t, 2*time.Second, c.MonitoringInterval)
	assert.Equal(t, []string{"/opt/apps", "/usr/local/bin"}, c.AllowedPaths)
	assert.Equal(t, 2, c.MaxConcurrentStarts)
	assert.Equal(t, launcher.WindowNew, c.WindowPreference())
	assert.True(t, c.DailyRearm)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 20, c.Log.Rotation.MaxSizeMB)
	assert.Equal(t, "/var/log/procmon/apps", c.ProcessLog.Dir)
	assert.True(t, c.ProcessLog.Rotation.Compress)
	assert.Equal(t, []string{"sqlite:///var/lib/procmon/events.db"}, c.History.Sinks)
	assert.Equal(t, ":9180", c.HTTP.Listen)

	vo := c.ValidatorOptions()
	assert.True(t, vo.EnablePathValidation)
	assert.Len(t, vo.AllowedPaths, 2)
}

func TestLoadYAMLAbsoluteInventory(t *testing.T) {
	inv := filepath.Join(t.TempDir(), "list.json")
	p := writeFile(t, "procmon.yaml", "inventory: "+inv+"\nenable_path_validation: false\n")
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, inv, c.Inventory)
	assert.False(t, c.EnablePathValidation)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROCMON_MONITORING_INTERVAL", "3s")
	t.Setenv("PROCMON_LOG_LEVEL", "warn")
	t.Setenv("PROCMON_ALLOWED_PATHS", "/a,/b")
	t.Setenv("PROCMON_DAILY_REARM", "true")

	p := writeFile(t, "procmon.toml", "monitoring_interval = \"20s\"\n")
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.MonitoringInterval, "environment wins over file")
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, []string{"/a", "/b"}, c.AllowedPaths)
	assert.True(t, c.DailyRearm)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	p := writeFile(t, "bad.toml", "monitoring_interval = \"0s\"\nmax_concurrent_starts = 0\nwindow = \"maximized\"\n")
	_, err = Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring_interval")
	assert.Contains(t, err.Error(), "max_concurrent_starts")
	assert.Contains(t, err.Error(), "maximized")
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("PROCMON_TEST_OS", "os")
	envFile := writeFile(t, "app.env", "# comment\nFROM_FILE=1\nSHARED=file\n")
	c := &Config{Env: []string{"SHARED=list"}, EnvFiles: []string{envFile}}

	e, err := c.BuildEnv()
	require.NoError(t, err)
	out := e.Merge(nil)
	assert.Contains(t, out, "FROM_FILE=1")
	assert.Contains(t, out, "SHARED=list")
	assert.NotContains(t, out, "PROCMON_TEST_OS=os", "OS env only when use_os_env is set")

	c.UseOSEnv = true
	e, err = c.BuildEnv()
	require.NoError(t, err)
	assert.Contains(t, e.Merge(nil), "PROCMON_TEST_OS=os")

	c.EnvFiles = []string{filepath.Join(t.TempDir(), "nope.env")}
	_, err = c.BuildEnv()
	assert.Error(t, err)
}
