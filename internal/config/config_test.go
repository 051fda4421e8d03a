package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 6*time.Hour, cfg.JobTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ProgressStall)
	assert.Equal(t, int64(10737418240), cfg.MaxInputBytes)
	assert.Equal(t, 256, cfg.ProgressRingSize)
	assert.True(t, cfg.LockTTL < cfg.QueueVisibility)
	assert.True(t, cfg.IsDev())
}

func TestLoadRejectsLockTTLAboveVisibility(t *testing.T) {
	t.Setenv("LOCK_TTL", "8h")
	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "7h")
	_, err := Load()
	require.Error(t, err)
}

func TestStorageRootsSeparator(t *testing.T) {
	t.Setenv("STORAGE_ROOTS", "/mnt/a,/mnt/b")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"/mnt/a", "/mnt/b"}, cfg.StorageRoots)
}

func TestRetentionCutoff(t *testing.T) {
	cfg := Config{RetentionWindow: 24 * time.Hour}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(-24*time.Hour), cfg.RetentionCutoff(now))
}
