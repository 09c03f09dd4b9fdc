package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv loads configuration from environment variables
// Environment variables override default values
func LoadFromEnv(cfg *Config) {
	// Database configuration
	if dbPath := os.Getenv("WORKLENS_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	// Server configuration
	if host := os.Getenv("WORKLENS_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("WORKLENS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p <= 65535 {
			cfg.Server.Port = p
		}
	}

	// Ingest configuration
	if limit := os.Getenv("WORKLENS_RATE_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			cfg.Ingest.RateLimit = n
		}
	}

	if threshold := os.Getenv("WORKLENS_VIOLATION_THRESHOLD"); threshold != "" {
		if n, err := strconv.Atoi(threshold); err == nil && n > 0 {
			cfg.Ingest.ViolationThreshold = n
		}
	}

	if cooldown := os.Getenv("WORKLENS_RATE_COOLDOWN"); cooldown != "" {
		if seconds, err := strconv.Atoi(cooldown); err == nil && seconds > 0 {
			cfg.Ingest.Cooldown = time.Duration(seconds) * time.Second
		}
	}

	if ipLimit := os.Getenv("WORKLENS_IP_RATE_LIMIT"); ipLimit != "" {
		if n, err := strconv.Atoi(ipLimit); err == nil && n > 0 {
			cfg.Ingest.IPRateLimit = n
		}
	}

	// Presence configuration
	if ttl := os.Getenv("WORKLENS_PRESENCE_TTL"); ttl != "" {
		if seconds, err := strconv.Atoi(ttl); err == nil && seconds > 0 {
			cfg.Presence.TTL = time.Duration(seconds) * time.Second
		}
	}

	if addr := os.Getenv("WORKLENS_REDIS_ADDR"); addr != "" {
		cfg.Presence.RedisAddr = addr
	}

	// Audit configuration
	if enabled := os.Getenv("WORKLENS_AUDIT_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			cfg.Audit.Enabled = val
		}
	}

	if interval := os.Getenv("WORKLENS_AUDIT_INTERVAL"); interval != "" {
		if seconds, err := strconv.Atoi(interval); err == nil && seconds > 0 {
			cfg.Audit.Interval = time.Duration(seconds) * time.Second
		}
	}

	// Daemon configuration
	if pidFile := os.Getenv("WORKLENS_PID_FILE"); pidFile != "" {
		cfg.Daemon.PIDFile = pidFile
	}
}

// New creates a new Config with default values and loads from environment
func New() *Config {
	cfg := Default()
	LoadFromEnv(cfg)
	return cfg
}
