package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKUP_DRIVER", "")
	t.Setenv("INITHOST_OFFLOAD", "")

	cfg := Load()
	assert.Equal(t, "s3", cfg.BackupDriver)
	assert.True(t, cfg.InitHostOffload)
	assert.Equal(t, "2.2", cfg.RPCVersionPin)
	assert.NotEmpty(t, cfg.Host)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HOST", "backup-node-1")
	t.Setenv("INITHOST_OFFLOAD", "false")
	t.Setenv("MAX_CONCURRENT_DELETES", "8")
	t.Setenv("DEVICE_SCAN_ATTEMPTS", "not-a-number")

	cfg := Load()
	assert.Equal(t, "backup-node-1", cfg.Host)
	assert.False(t, cfg.InitHostOffload)
	assert.Equal(t, 8, cfg.MaxConcurrentDeletes)
	assert.Equal(t, 3, cfg.DeviceScanAttempts)
}

func TestChunkSizeBytes(t *testing.T) {
	cfg := &Config{S3ChunkSize: "16MB"}
	n, err := cfg.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(16<<20), n)

	cfg.S3ChunkSize = "lots"
	_, err = cfg.ChunkSizeBytes()
	assert.Error(t, err)

	cfg.S3ChunkSize = "0B"
	_, err = cfg.ChunkSizeBytes()
	assert.Error(t, err)
}
