package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, int64(100<<30), cfg.Quota.MaxBytes)
	assert.Equal(t, 80.0, cfg.Quota.ThresholdWarn)
	assert.Equal(t, 90.0, cfg.Quota.ThresholdAggressive)
	assert.Equal(t, 95.0, cfg.Quota.ThresholdEmergency)
	assert.Equal(t, 5*time.Minute, cfg.Retention.ConvertedAfter)
	assert.Equal(t, 24*time.Hour, cfg.Retention.DownloadedAfter)
	assert.Equal(t, 200*time.Millisecond, cfg.Progress.UpdateInterval)
	assert.Contains(t, cfg.Upload.AllowedExtensions, ".mp4")
	assert.Greater(t, cfg.Queue.MaxConcurrentConversions, 0, "defaults to the CPU count")
	assert.NotEmpty(t, cfg.Database.DatabasePath, "sqlite path is derived from the data dir")
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
queue:
  max_concurrent_conversions: 3
quota:
  max_bytes: 53687091200
`), 0o644))

	m := NewManager()
	require.NoError(t, m.Load(path))

	cfg := m.Get()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrentConversions)
	assert.Equal(t, int64(50<<30), cfg.Quota.MaxBytes)
	assert.Equal(t, path, m.Path())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	t.Setenv("CONVERTRA_PORT", "7070")
	t.Setenv("maxConcurrentConversions", "2")
	t.Setenv("queueCheckIntervalSeconds", "15")

	m := NewManager()
	require.NoError(t, m.Load(path))

	cfg := m.Get()
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Queue.MaxConcurrentConversions)
	assert.Equal(t, 15*time.Second, cfg.Queue.CheckInterval, "bare integers parse as seconds")
}

func TestEnvDurationUnitsFollowOptionNames(t *testing.T) {
	t.Setenv("retentionDownloadedH", "24")
	t.Setenv("retentionConvertedMin", "10")
	t.Setenv("retentionFailedD", "7")
	t.Setenv("cleanupIntervalMinutes", "60")
	t.Setenv("progressUpdateIntervalMs", "250")
	t.Setenv("queueStallTimeout", "5m")

	m := NewManager()
	require.NoError(t, m.Load(""))

	cfg := m.Get()
	assert.Equal(t, 24*time.Hour, cfg.Retention.DownloadedAfter, "H option counts hours")
	assert.Equal(t, 10*time.Minute, cfg.Retention.ConvertedAfter, "Min option counts minutes")
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.FailedAfter, "D option counts days")
	assert.Equal(t, time.Hour, cfg.Quota.CleanupInterval, "Minutes option counts minutes")
	assert.Equal(t, 250*time.Millisecond, cfg.Progress.UpdateInterval, "Ms option counts milliseconds")
	assert.Equal(t, 5*time.Minute, cfg.Queue.StallTimeout, "duration strings are taken as-is")
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := Default()
	cfg.Quota.ThresholdWarn = 92
	cfg.Quota.ThresholdAggressive = 91
	assert.Error(t, cfg.Validate(), "aggressive must be at least warn")

	cfg = Default()
	cfg.Quota.ThresholdEmergency = cfg.Quota.ThresholdAggressive
	assert.Error(t, cfg.Validate(), "emergency must exceed aggressive")

	assert.NoError(t, Default().Validate())
}

func TestValidateQuotaBounds(t *testing.T) {
	cfg := Default()
	cfg.Quota.ReservedBytes = cfg.Quota.MaxBytes
	assert.Error(t, cfg.Validate(), "max must exceed reserved")

	cfg = Default()
	cfg.Quota.MaxBytes = 100
	assert.Error(t, cfg.Validate(), "both bounds are at least 1 GiB")
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestWatcherNotifiedOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	m := NewManager()
	notified := make(chan int, 1)
	m.AddWatcher(func(oldConfig, newConfig *Config) {
		notified <- newConfig.Server.Port
	})
	require.NoError(t, m.Load(path))

	select {
	case port := <-notified:
		assert.Equal(t, 9090, port)
	case <-time.After(time.Second):
		t.Fatal("watcher was not notified")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644))

	m := NewManager()
	assert.Error(t, m.Load(path))
	assert.Equal(t, 8080, m.Get().Server.Port, "a failed load keeps the previous config")
}
