package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Database configuration
	Database DatabaseConfig

	// HTTP server configuration
	Server ServerConfig

	// Event ingestion configuration
	Ingest IngestConfig

	// Presence cache configuration
	Presence PresenceConfig

	// Integrity audit configuration
	Audit AuditConfig

	// Daemon configuration
	Daemon DaemonConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Path string // Path to SQLite database file
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string // Host to bind the API server to
	Port int    // Port for the API server
}

// IngestConfig holds rate-limiting and circuit-breaker configuration
type IngestConfig struct {
	RateLimit          int           // Ordinary events per device per window
	RateWindow         time.Duration // Counting window
	ViolationThreshold int           // Over-limit windows before the breaker opens
	Cooldown           time.Duration // How long an open breaker rejects ordinary events
	IPRateLimit        int           // Coarse per-IP requests per minute on the whole API
}

// PresenceConfig holds presence cache configuration
type PresenceConfig struct {
	TTL       time.Duration // Freshness window for cached entries and online status
	RedisAddr string        // Optional distributed tier; empty disables it
}

// AuditConfig holds the data-integrity sweeper configuration
type AuditConfig struct {
	Enabled  bool
	Interval time.Duration // How often the sweeper runs
	Lookback time.Duration // How far back closed sessions are re-checked
}

// DaemonConfig holds daemon process configuration
type DaemonConfig struct {
	PIDFile string // Path to PID file for daemon management
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "", // Empty means use default ~/.config/worklens/worklens.db
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Ingest: IngestConfig{
			RateLimit:          200,
			RateWindow:         time.Minute,
			ViolationThreshold: 3,
			Cooldown:           5 * time.Minute,
			IPRateLimit:        600,
		},
		Presence: PresenceConfig{
			TTL:       5 * time.Minute,
			RedisAddr: "",
		},
		Audit: AuditConfig{
			Enabled:  true,
			Interval: 15 * time.Minute,
			Lookback: 24 * time.Hour,
		},
		Daemon: DaemonConfig{
			PIDFile: fmt.Sprintf("/tmp/worklens-%d.pid", os.Getuid()),
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if c.Ingest.RateLimit < 1 {
		return fmt.Errorf("ingest rate limit must be positive, got %d", c.Ingest.RateLimit)
	}

	if c.Ingest.RateWindow <= 0 {
		return fmt.Errorf("ingest rate window must be positive, got %v", c.Ingest.RateWindow)
	}

	if c.Ingest.ViolationThreshold < 1 {
		return fmt.Errorf("ingest violation threshold must be positive, got %d", c.Ingest.ViolationThreshold)
	}

	if c.Ingest.Cooldown <= 0 {
		return fmt.Errorf("ingest cooldown must be positive, got %v", c.Ingest.Cooldown)
	}

	if c.Presence.TTL <= 0 {
		return fmt.Errorf("presence TTL must be positive, got %v", c.Presence.TTL)
	}

	if c.Audit.Enabled && c.Audit.Interval <= 0 {
		return fmt.Errorf("audit interval must be positive, got %v", c.Audit.Interval)
	}

	if c.Daemon.PIDFile == "" {
		return fmt.Errorf("PID file path cannot be empty")
	}

	return nil
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(`Configuration:
  Database:
    Path: %s
  Server:
    Host: %s
    Port: %d
  Ingest:
    Rate Limit: %d/%v
    Violation Threshold: %d
    Cooldown: %v
  Presence:
    TTL: %v
    Redis: %s
  Audit:
    Enabled: %v
    Interval: %v
  Daemon:
    PID File: %s`,
		c.Database.Path,
		c.Server.Host,
		c.Server.Port,
		c.Ingest.RateLimit,
		c.Ingest.RateWindow,
		c.Ingest.ViolationThreshold,
		c.Ingest.Cooldown,
		c.Presence.TTL,
		redisAddrOrDisabled(c.Presence.RedisAddr),
		c.Audit.Enabled,
		c.Audit.Interval,
		c.Daemon.PIDFile,
	)
}

func redisAddrOrDisabled(addr string) string {
	if addr == "" {
		return "(disabled)"
	}
	return addr
}
