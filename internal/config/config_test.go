package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/worklens/worklens/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 8090, cfg.Server.Port)
	require.Equal(t, 200, cfg.Ingest.RateLimit)
	require.Equal(t, time.Minute, cfg.Ingest.RateWindow)
	require.Equal(t, 3, cfg.Ingest.ViolationThreshold)
	require.Equal(t, 5*time.Minute, cfg.Ingest.Cooldown)
	require.Equal(t, 5*time.Minute, cfg.Presence.TTL)
	require.Empty(t, cfg.Presence.RedisAddr)
	require.True(t, cfg.Audit.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port too low", func(c *config.Config) { c.Server.Port = 0 }},
		{"port too high", func(c *config.Config) { c.Server.Port = 70000 }},
		{"empty host", func(c *config.Config) { c.Server.Host = "" }},
		{"zero rate limit", func(c *config.Config) { c.Ingest.RateLimit = 0 }},
		{"zero rate window", func(c *config.Config) { c.Ingest.RateWindow = 0 }},
		{"zero violation threshold", func(c *config.Config) { c.Ingest.ViolationThreshold = 0 }},
		{"negative cooldown", func(c *config.Config) { c.Ingest.Cooldown = -time.Second }},
		{"zero presence ttl", func(c *config.Config) { c.Presence.TTL = 0 }},
		{"audit enabled without interval", func(c *config.Config) { c.Audit.Interval = 0 }},
		{"empty pid file", func(c *config.Config) { c.Daemon.PIDFile = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WORKLENS_DB_PATH", "/tmp/test.db")
	t.Setenv("WORKLENS_HOST", "0.0.0.0")
	t.Setenv("WORKLENS_PORT", "9191")
	t.Setenv("WORKLENS_RATE_LIMIT", "50")
	t.Setenv("WORKLENS_VIOLATION_THRESHOLD", "5")
	t.Setenv("WORKLENS_RATE_COOLDOWN", "120")
	t.Setenv("WORKLENS_PRESENCE_TTL", "60")
	t.Setenv("WORKLENS_REDIS_ADDR", "localhost:6379")
	t.Setenv("WORKLENS_AUDIT_ENABLED", "false")
	t.Setenv("WORKLENS_PID_FILE", "/tmp/test.pid")

	cfg := config.New()
	require.Equal(t, "/tmp/test.db", cfg.Database.Path)
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 9191, cfg.Server.Port)
	require.Equal(t, 50, cfg.Ingest.RateLimit)
	require.Equal(t, 5, cfg.Ingest.ViolationThreshold)
	require.Equal(t, 2*time.Minute, cfg.Ingest.Cooldown)
	require.Equal(t, time.Minute, cfg.Presence.TTL)
	require.Equal(t, "localhost:6379", cfg.Presence.RedisAddr)
	require.False(t, cfg.Audit.Enabled)
	require.Equal(t, "/tmp/test.pid", cfg.Daemon.PIDFile)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("WORKLENS_PORT", "not-a-port")
	t.Setenv("WORKLENS_RATE_LIMIT", "-10")

	cfg := config.New()
	require.Equal(t, 8090, cfg.Server.Port)
	require.Equal(t, 200, cfg.Ingest.RateLimit)
}
