package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 7654, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Sync.ChunkSize)
	assert.Equal(t, 4, cfg.Sync.PartitionConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Sync.AckTimeout)
	assert.Equal(t, "/var/lib/driftsync", cfg.Storage.DataDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	content := `
server:
  port: 9000
sync:
  chunk_size: 50
  ack_timeout: 5s
storage:
  data_dir: /tmp/syncdata
logging:
  level: debug
  format: console
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Sync.ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.Sync.AckTimeout)
	assert.Equal(t, "/tmp/syncdata", cfg.Storage.DataDir)
	assert.Equal(t, "/tmp/syncdata/driftsync.db", cfg.Storage.DatabaseFile, "derived from data dir")
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unspecified values still default.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 4, cfg.Sync.PartitionConcurrency)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Sync.ChunkSize = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.DatabaseFile = ""
	assert.Error(t, cfg.Validate())
}
