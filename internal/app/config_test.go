package app

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.SyncMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.SyncStaleAfter)
	assert.Equal(t, time.Minute, cfg.SyncRetryBackoff)
	assert.Equal(t, 2*time.Hour, cfg.SyncTicketTTL)
	assert.Equal(t, "*/5 * * * *", cfg.SyncSweepCron)
	assert.Equal(t, 40.0, cfg.OvertimeWeeklyHours)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("SYNC_MAX_ATTEMPTS", "3")
	t.Setenv("SYNC_STALE_AFTER", "5m")
	t.Setenv("OVERTIME_WEEKLY_HOURS", "37.5")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 3, cfg.SyncMaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.SyncStaleAfter)
	assert.Equal(t, 37.5, cfg.OvertimeWeeklyHours)
}

func TestLoadConfigRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"zero attempts":    {"SYNC_MAX_ATTEMPTS": "0"},
		"short lease":      {"SYNC_STALE_AFTER": "10s"},
		"negative backoff": {"SYNC_RETRY_BACKOFF": "-1s"},
		"ticket too short": {"SYNC_TICKET_TTL": "5m"},
		"bad cron":         {"SYNC_SWEEP_CRON": "every five minutes"},
		"no overtime":      {"OVERTIME_WEEKLY_HOURS": "0"},
		"malformed number": {"SYNC_MAX_ATTEMPTS": "many"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestNilConfigIsNotProduction(t *testing.T) {
	var cfg *Config
	assert.False(t, cfg.IsProduction())
}

func TestInTestModeFollowsEnvironment(t *testing.T) {
	t.Setenv(testModeEnv, "true")
	assert.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	assert.False(t, InTestMode())
	t.Setenv(testModeEnv, "garbage")
	assert.False(t, InTestMode())
}
