package config

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr          = "127.0.0.1:18790"
	DefaultSessionCookieName = "taskdag_session"
	DefaultMaxBodyBytes      = 1 << 20
	DefaultRetentionSchedule = "@daily"
)

// CORSConfig controls browser cross-origin access to the API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig configures per-session token buckets.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// TelemetryConfig mirrors otel.Config so config.yaml can carry it.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RetentionConfig drives the idle-session sweeper. A zero day count keeps
// that category forever.
type RetentionConfig struct {
	Schedule        string `yaml:"schedule"`
	IdleSessionDays int    `yaml:"idle_session_days"`
	AuditLogDays    int    `yaml:"audit_log_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
	CookieSecure      bool   `yaml:"cookie_secure"`
	SessionCookieName string `yaml:"session_cookie_name"`

	// Bounded drain timeout (seconds) on shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Retention RetentionConfig `yaml:"retention"`

	// NoConfigFile is set when config.yaml did not exist at load time.
	NoConfigFile bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|body=%d|cookie=%s:%t|cors=%t:%v|rl=%t:%d:%d|ret=%s:%d:%d",
		c.BindAddr, c.LogLevel, c.DBPath, c.MaxBodyBytes, c.SessionCookieName, c.CookieSecure,
		c.CORS.Enabled, c.CORS.AllowedOrigins, c.RateLimit.Enabled, c.RateLimit.RequestsPerMinute, c.RateLimit.BurstSize,
		c.Retention.Schedule, c.Retention.IdleSessionDays, c.Retention.AuditLogDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            DefaultBindAddr,
		LogLevel:            "info",
		MaxBodyBytes:        DefaultMaxBodyBytes,
		SessionCookieName:   DefaultSessionCookieName,
		DrainTimeoutSeconds: 5,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			BurstSize:         50,
		},
		Retention: RetentionConfig{
			Schedule:        DefaultRetentionSchedule,
			IdleSessionDays: 30,
			AuditLogDays:    365,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKDAG_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskdag")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskdag home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NoConfigFile = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes the default config.yaml into homeDir unless one exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create taskdag home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskdag.db")
	} else if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.HomeDir, cfg.DBPath)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.SessionCookieName) == "" {
		cfg.SessionCookieName = DefaultSessionCookieName
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 50
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = DefaultRetentionSchedule
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "taskdag"
	}
}

// Validate rejects settings the server cannot start with.
func Validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (want debug, info, warn or error)", cfg.LogLevel)
	}
	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr %q: %w", cfg.BindAddr, err)
	}
	if cfg.Retention.IdleSessionDays < 0 || cfg.Retention.AuditLogDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	if _, err := cronlib.ParseStandard(cfg.Retention.Schedule); err != nil {
		return fmt.Errorf("invalid retention.schedule %q: %w", cfg.Retention.Schedule, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKDAG_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKDAG_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKDAG_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKDAG_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKDAG_COOKIE_SECURE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.CookieSecure = v
		}
	}
}
