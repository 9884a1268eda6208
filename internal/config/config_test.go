package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "projmgr.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	assert.True(t, cfg.ResumeRetainedCheckpoints)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, 256, cfg.ReadBatch)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PROJMGR_DB", "/tmp/p.db")
	t.Setenv("PROJMGR_STOP_TIMEOUT", "250ms")
	t.Setenv("PROJMGR_RESUME_RETAINED_CHECKPOINTS", "false")
	t.Setenv("PROJMGR_METRICS_ADDR", ":9090")
	t.Setenv("PROJMGR_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/p.db", cfg.DBPath)
	assert.Equal(t, 250*time.Millisecond, cfg.StopTimeout)
	assert.False(t, cfg.ResumeRetainedCheckpoints)
	assert.Equal(t, ":9090", cfg.MetricsAddr)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_ParseError(t *testing.T) {
	t.Setenv("PROJMGR_STOP_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	cfg := Config{DBPath: "", StopTimeout: 0, ReadBatch: -1, LogLevel: "loud"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROJMGR_DB")
	assert.Contains(t, err.Error(), "PROJMGR_STOP_TIMEOUT")
	assert.Contains(t, err.Error(), "PROJMGR_READ_BATCH")
	assert.Contains(t, err.Error(), "PROJMGR_LOG_LEVEL")
}

func TestDefault_IgnoresEnvironment(t *testing.T) {
	t.Setenv("PROJMGR_STOP_TIMEOUT", "not-a-duration")

	cfg := Default()
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	assert.Equal(t, "projmgr.db", cfg.DBPath)
	assert.NoError(t, cfg.Validate())
}
