// Package config loads daemon and collector settings from a YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all claude-pulse settings. Durations are written as Go
// duration strings ("500ms", "30s") in the YAML file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Collector CollectorConfig `yaml:"collector"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
	Format string `yaml:"format"` // "console" | "json"
}

// DaemonConfig configures the log-tailing daemon.
type DaemonConfig struct {
	WatchPath         string        `yaml:"watch_path"`
	CollectorURL      string        `yaml:"collector_url"`
	LockPath          string        `yaml:"lock_path"`
	MaxSessions       int           `yaml:"max_sessions"`
	MaxPending        int           `yaml:"max_pending"`
	PushInterval      time.Duration `yaml:"push_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	IdleAfter         time.Duration `yaml:"idle_after"`
	EvictAfter        time.Duration `yaml:"evict_after"`
	RootWait          time.Duration `yaml:"root_wait"`
	Compress          bool          `yaml:"compress"`
}

// CollectorConfig configures the collector HTTP service.
type CollectorConfig struct {
	Addr              string        `yaml:"addr"`
	MaxSessions       int           `yaml:"max_sessions"`
	MaxSubscribers    int           `yaml:"max_subscribers"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	LivenessInterval  time.Duration `yaml:"liveness_interval"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	IdleAfter         time.Duration `yaml:"idle_after"`
	EvictAfter        time.Duration `yaml:"evict_after"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	watch := ""
	lock := filepath.Join(os.TempDir(), "claude-pulse.lock")
	if home, err := os.UserHomeDir(); err == nil {
		watch = filepath.Join(home, ".claude", "projects")
		lock = filepath.Join(home, ".claude-pulse", "daemon.lock")
	}

	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Daemon: DaemonConfig{
			WatchPath:         watch,
			CollectorURL:      "http://localhost:8421",
			LockPath:          lock,
			MaxSessions:       1000,
			MaxPending:        2000,
			PushInterval:      500 * time.Millisecond,
			HeartbeatInterval: 10 * time.Second,
			SweepInterval:     30 * time.Second,
			IdleAfter:         5 * time.Minute,
			EvictAfter:        30 * time.Minute,
			RootWait:          5 * time.Minute,
			Compress:          true,
		},
		Collector: CollectorConfig{
			Addr:              ":8421",
			MaxSessions:       10000,
			MaxSubscribers:    50,
			MaxBodyBytes:      5 << 20,
			HeartbeatTimeout:  30 * time.Second,
			LivenessInterval:  10 * time.Second,
			KeepaliveInterval: 15 * time.Second,
			SweepInterval:     30 * time.Second,
			IdleAfter:         5 * time.Minute,
			EvictAfter:        30 * time.Minute,
		},
	}
}

// Load reads the YAML file at path on top of Defaults. An empty path or
// a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ParseError{Path: path, Err: err}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PULSE_* environment variables.
// Unparsable numeric values are ignored.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PULSE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PULSE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("PULSE_WATCH_PATH"); v != "" {
		c.Daemon.WatchPath = v
	}
	if v := os.Getenv("PULSE_COLLECTOR_URL"); v != "" {
		c.Daemon.CollectorURL = v
	}
	if v := os.Getenv("PULSE_LOCK_PATH"); v != "" {
		c.Daemon.LockPath = v
	}
	if v := os.Getenv("PULSE_DAEMON_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Daemon.MaxSessions = n
		}
	}
	if v := os.Getenv("PULSE_ADDR"); v != "" {
		c.Collector.Addr = v
	}
	if v := os.Getenv("PULSE_COLLECTOR_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Collector.MaxSessions = n
		}
	}
	if v := os.Getenv("PULSE_MAX_SUBSCRIBERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Collector.MaxSubscribers = n
		}
	}
}

// Validate reports the first nonsensical setting.
func (c *Config) Validate() error {
	switch {
	case c.Daemon.MaxSessions <= 0:
		return fmt.Errorf("daemon.max_sessions must be positive")
	case c.Daemon.MaxPending <= 0:
		return fmt.Errorf("daemon.max_pending must be positive")
	case c.Daemon.PushInterval <= 0 || c.Daemon.HeartbeatInterval <= 0 || c.Daemon.SweepInterval <= 0:
		return fmt.Errorf("daemon intervals must be positive")
	case c.Daemon.EvictAfter < c.Daemon.IdleAfter:
		return fmt.Errorf("daemon.evict_after must not be shorter than daemon.idle_after")
	case c.Collector.MaxSessions <= 0:
		return fmt.Errorf("collector.max_sessions must be positive")
	case c.Collector.MaxSubscribers <= 0:
		return fmt.Errorf("collector.max_subscribers must be positive")
	case c.Collector.MaxBodyBytes <= 0:
		return fmt.Errorf("collector.max_body_bytes must be positive")
	case c.Collector.HeartbeatTimeout <= 0 || c.Collector.LivenessInterval <= 0 ||
		c.Collector.KeepaliveInterval <= 0 || c.Collector.SweepInterval <= 0:
		return fmt.Errorf("collector intervals must be positive")
	}
	return nil
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
