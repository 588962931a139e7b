package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfig_MergesEnvironmentOverBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
server:
  port: ":8080"
`)
	writeFile(t, dir, "production.yaml", `
db:
  host: db.internal
`)

	cfg, err := LoadConfig("production", dir)
	require.NoError(t, err)

	db := cfg["db"].(map[string]interface{})
	assert.Equal(t, "db.internal", db["host"])
	assert.Equal(t, 5432, db["port"])
	assert.Equal(t, ":8080", cfg["server"].(map[string]interface{})["port"])
}

func TestLoadConfig_MissingEnvironmentFileUsesBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "mq:\n  url: amqp://localhost\n")

	cfg, err := LoadConfig("staging", dir)
	require.NoError(t, err)
	assert.Equal(t, "amqp://localhost", cfg["mq"].(map[string]interface{})["url"])
}

func TestLoadConfig_MissingBaseFails(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base.yaml")
}

func TestLoadConfig_SubstitutesSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  password: ${INVITEFLOW_TEST_DB_PASSWORD}
  user: ${INVITEFLOW_TEST_UNKNOWN}
`)
	writeFile(t, dir, "secrets.env", "# comment\nINVITEFLOW_TEST_DB_PASSWORD=\"s3cret\"\n")

	cfg, err := LoadConfig("local", dir)
	require.NoError(t, err)

	db := cfg["db"].(map[string]interface{})
	assert.Equal(t, "s3cret", db["password"])
	assert.Equal(t, "${INVITEFLOW_TEST_UNKNOWN}", db["user"])
}

func TestLoadConfig_ProcessEnvironmentWinsOverSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "redis:\n  password: ${INVITEFLOW_TEST_REDIS_PASSWORD}\n")
	writeFile(t, dir, "secrets.env", "INVITEFLOW_TEST_REDIS_PASSWORD=from-file\n")
	t.Setenv("INVITEFLOW_TEST_REDIS_PASSWORD", "from-env")

	cfg, err := LoadConfig("local", dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg["redis"].(map[string]interface{})["password"])
}

func TestDecode_ParsesDurations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  slow_query: 250ms
`)

	var out struct {
		DB DBConfig `yaml:"db"`
	}
	require.NoError(t, Decode("local", dir, &out))
	assert.Equal(t, "localhost", out.DB.Host)
	assert.Equal(t, 5432, out.DB.Port)
	assert.Equal(t, 250*time.Millisecond, out.DB.SlowQuery)
}

func TestOverrideDBFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "override")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_PORT_IGNORED", "x")

	cfg := DBConfig{Host: "localhost", Port: 5432}
	OverrideDBFromEnv(&cfg)

	assert.Equal(t, "override", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
}
