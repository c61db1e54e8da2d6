// ABOUTME: Tests for configuration loading and validation
// ABOUTME: Covers YAML parsing, env expansion, durations, defaults, validation errors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loomd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9999"
database:
  path: "/tmp/loom-test.db"
engine:
  base_url: "http://engine:11434"
  drain_timeout: "5s"
  persist_attempts: 7
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/loom-test.db", cfg.Database.Path)
	assert.Equal(t, "http://engine:11434", cfg.Engine.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Engine.DrainTimeout)
	assert.Equal(t, 7, cfg.Engine.PersistAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/loom-test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8486", cfg.Server.HTTPAddr)
	assert.Equal(t, "http://127.0.0.1:11434", cfg.Engine.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Engine.DrainTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("LOOM_TEST_DB", "/data/expanded.db")

	path := writeConfig(t, `
database:
  path: "${LOOM_TEST_DB}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/expanded.db", cfg.Database.Path)
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "${LOOM_DEFINITELY_UNSET_VAR}"
`)

	_, err := Load(path)
	// Empty path fails validation
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/loom-test.db"
engine:
  drain_timeout: "three seconds"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain_timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: a map")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Server.HTTPAddr = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.BaseURL = ""
	assert.Error(t, cfg.Validate())
}
