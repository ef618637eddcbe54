package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/basket/taskdag/internal/config"
	"github.com/basket/taskdag/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkBindAddr,
		checkTelemetry,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := config.Validate(*cfg); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration invalid", Detail: err.Error()}
	}
	if cfg.NoConfigFile {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults",
			Detail: fmt.Sprintf("Run taskdag once to write %s", config.ConfigPath(cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail: "fingerprint=" + cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir not creatable: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	counts, err := store.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Count failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("sessions=%d tasks=%d dependencies=%d", counts.Sessions, counts.Tasks, counts.Dependencies),
	}
}

// checkBindAddr tries to listen on the configured address. An address in use
// is only a warning because it is usually a running server.
func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Bind Address", Status: "WARN", Message: fmt.Sprintf("%s already in use", cfg.BindAddr),
				Detail: "Another taskdag instance may be running"}
		}
		return CheckResult{Name: "Bind Address", Status: "FAIL", Message: fmt.Sprintf("Cannot listen on %s: %v", cfg.BindAddr, err)}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}

// checkTelemetry dials the OTLP collector when the otlp-http exporter is on.
func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Config missing"}
	}
	tc := cfg.Telemetry
	if !tc.Enabled {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Telemetry disabled"}
	}
	if tc.Exporter != "" && tc.Exporter != "otlp-http" {
		return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("Exporter %q needs no collector", tc.Exporter)}
	}
	endpoint := tc.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", endpoint)
	if err != nil {
		return CheckResult{Name: "Telemetry", Status: "WARN", Message: fmt.Sprintf("Collector %s unreachable", endpoint), Detail: err.Error()}
	}
	_ = conn.Close()
	return CheckResult{Name: "Telemetry", Status: "PASS",
		Message: fmt.Sprintf("Collector %s reachable (%dms)", endpoint, time.Since(start).Milliseconds())}
}
