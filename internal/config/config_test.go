package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskdag/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "taskdag")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKDAG_HOME", home)
	return home
}

func TestLoad_FromTaskdagHome(t *testing.T) {
	home := writeConfig(t, "bind_addr: 127.0.0.1:9000\nlog_level: DEBUG\nrate_limit:\n  enabled: true\n  requests_per_minute: 30\n")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected normalized log_level=debug, got %q", cfg.LogLevel)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 30 || cfg.RateLimit.BurstSize != 50 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.NoConfigFile {
		t.Fatal("NoConfigFile should be false when config.yaml exists")
	}
}

func TestLoad_DefaultHomeUnderUserHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("TASKDAG_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != filepath.Join(home, ".taskdag") {
		t.Fatalf("home = %q", cfg.HomeDir)
	}
	if !cfg.NoConfigFile {
		t.Fatal("expected NoConfigFile when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := writeConfig(t, "{}\n")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != config.DefaultBindAddr {
		t.Fatalf("bind_addr = %q, want %q", cfg.BindAddr, config.DefaultBindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log_level = %q, want info", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(home, "taskdag.db") {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
	if cfg.SessionCookieName != "taskdag_session" {
		t.Fatalf("session_cookie_name = %q", cfg.SessionCookieName)
	}
	if cfg.MaxBodyBytes != config.DefaultMaxBodyBytes {
		t.Fatalf("max_body_bytes = %d", cfg.MaxBodyBytes)
	}
	if cfg.Retention.Schedule != "@daily" || cfg.Retention.IdleSessionDays != 30 {
		t.Fatalf("unexpected retention %+v", cfg.Retention)
	}
	if cfg.Telemetry.Enabled || cfg.Telemetry.ServiceName != "taskdag" {
		t.Fatalf("unexpected telemetry %+v", cfg.Telemetry)
	}
}

func TestLoad_RelativeDBPathResolvedUnderHome(t *testing.T) {
	home := writeConfig(t, "db_path: data/graph.db\n")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBPath != filepath.Join(home, "data", "graph.db") {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	writeConfig(t, "bind_addr: 127.0.0.1:9000\nlog_level: info\n")
	t.Setenv("TASKDAG_BIND_ADDR", "0.0.0.0:7000")
	t.Setenv("TASKDAG_LOG_LEVEL", "warn")
	t.Setenv("TASKDAG_DB_PATH", "/tmp/override.db")
	t.Setenv("TASKDAG_COOKIE_SECURE", "true")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:7000" || cfg.LogLevel != "warn" || cfg.DBPath != "/tmp/override.db" || !cfg.CookieSecure {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"log level": "log_level: chatty\n",
		"bind addr": "bind_addr: nowhere\n",
		"schedule":  "retention:\n  schedule: every tuesday\n",
		"days":      "retention:\n  idle_session_days: -1\n",
		"yaml":      "bind_addr: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			writeConfig(t, body)
			if _, err := config.Load(); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	writeConfig(t, "{}\n")
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint %q", a.Fingerprint())
	}
	b.LogLevel = "debug"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with log_level")
	}
}

func TestWriteDefault(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	if err := config.WriteDefault(home); err != nil {
		t.Fatalf("write default: %v", err)
	}
	data, err := os.ReadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "bind_addr:") || !strings.Contains(string(data), "18790") {
		t.Fatalf("default config missing bind_addr:\n%s", data)
	}

	// Existing files are left alone.
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := config.WriteDefault(home); err != nil {
		t.Fatalf("second write default: %v", err)
	}
	data, _ = os.ReadFile(config.ConfigPath(home))
	if string(data) != "log_level: debug\n" {
		t.Fatalf("WriteDefault overwrote existing config: %q", data)
	}

	t.Setenv("TASKDAG_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
}
