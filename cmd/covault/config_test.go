package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "* * * * *", cfg.SweepSchedule)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("COVAULT_DB_PATH", "/tmp/test.db")
	t.Setenv("COVAULT_LOG_LEVEL", "debug")
	t.Setenv("COVAULT_POOL_SIZE", "8")
	t.Setenv("COVAULT_SWEEP_SCHEDULE", "*/5 * * * *")
	t.Setenv("COVAULT_MASTER_KEY", "00112233")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, "*/5 * * * *", cfg.SweepSchedule)
	assert.Equal(t, "00112233", cfg.MasterKeyHex)
}

func TestLoadConfigBadPoolSizeIgnored(t *testing.T) {
	t.Setenv("COVAULT_POOL_SIZE", "not-a-number")
	cfg := loadConfig()
	assert.Equal(t, defaultConfig().PoolSize, cfg.PoolSize)
}
