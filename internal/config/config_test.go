package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_RepositoryConfig(t *testing.T) {
	t.Setenv("DB_PASSWORD", "")
	cfg, err := LoadFrom("local", filepath.Join("..", "..", "config"))
	require.NoError(t, err)

	assert.Equal(t, "inviteflow", cfg.DB.Password)
	assert.Equal(t, 100, cfg.Ingestion.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Ingestion.Interval)
	assert.Equal(t, 0.8, cfg.Automation.Threshold)
	assert.Equal(t, "09:00", cfg.Automation.WorkStart)
	assert.Equal(t, "17:00", cfg.Automation.WorkEnd)
	assert.Equal(t, 15, cfg.Automation.MinDurationMinutes)
	assert.Equal(t, 5*time.Second, cfg.Agent.Timeout)
}

func TestLoadFrom_DefaultsAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("db:\n  host: localhost\n"), 0o600))
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("AGENT_URL", "http://agent:9000")

	cfg, err := LoadFrom("test", dir)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, "http://agent:9000", cfg.Agent.URL)
	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, 4, cfg.Ingestion.Concurrency)
	assert.Equal(t, 0.8, cfg.Automation.Threshold)
	assert.Equal(t, "file", cfg.Credentials.Backend)
}

func TestLoadFrom_RejectsBadAutomationSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(`
automation:
  threshold: 1.5
  work_start: "18:00"
  work_end: "09:00"
  timezone: Mars/Olympus
`), 0o600))

	_, err := LoadFrom("test", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")
	assert.Contains(t, err.Error(), "work_start")
	assert.Contains(t, err.Error(), "Mars/Olympus")
}
