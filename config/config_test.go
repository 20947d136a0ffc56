package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "data/knowledge", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Retrieval.Limit)
	assert.Equal(t, "rules", cfg.Oracle.Backend)
	assert.Equal(t, 10*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  path: /var/lib/engram
retrieval:
  limit: 8
log:
  level: debug
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/engram", cfg.Store.Path)
	assert.Equal(t, 8, cfg.Retrieval.Limit)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, "rules", cfg.Oracle.Backend)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	t.Setenv("ENGRAM_LOG_LEVEL", "error")
	t.Setenv("ENGRAM_RETRIEVAL_SIMILARITY_FLOOR", "0.4")
	t.Setenv("ENGRAM_STORE_IN_MEMORY", "true")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Log.Level)
	assert.InDelta(t, 0.4, cfg.Retrieval.SimilarityFloor, 1e-9)
	assert.True(t, cfg.Store.InMemory)
}

func TestLoad_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"oracle": {"timeout": "30s"}}`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Oracle.Timeout)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("ENGRAM_RETRIEVAL_LIMIT", "0")
	_, err := config.Load("")
	require.Error(t, err)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("ENGRAM_ORACLE_BACKEND", "tarot")
	_, err := config.Load("")
	require.Error(t, err)
}

func TestLoad_RejectsUnknownFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}
