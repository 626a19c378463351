package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, -28.0, cfg.SignalCriticalDBm)
	assert.Equal(t, -25.0, cfg.SignalWarningDBm)
	assert.Equal(t, 15*time.Minute, cfg.SignalCooldown)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("SIGNAL_CRITICAL_DBM", "-30.5")
	t.Setenv("SIGNAL_COOLDOWN", "90s")
	t.Setenv("EVIDENCE_S3_PATH_STYLE", "true")
	t.Setenv("WORKER_COUNT", "not-a-number")

	cfg := Load()

	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, -30.5, cfg.SignalCriticalDBm)
	assert.Equal(t, 90*time.Second, cfg.SignalCooldown)
	assert.True(t, cfg.EvidenceS3PathStyle)
	assert.Equal(t, 8, cfg.WorkerCount)
}
