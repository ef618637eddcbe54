package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskdag/internal/audit"
	"github.com/basket/taskdag/internal/bus"
	"github.com/basket/taskdag/internal/config"
	"github.com/basket/taskdag/internal/cron"
	"github.com/basket/taskdag/internal/gateway"
	otelPkg "github.com/basket/taskdag/internal/otel"
	"github.com/basket/taskdag/internal/persistence"
	"github.com/basket/taskdag/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	name := "taskdag"
	fmt.Fprintf(w, `Usage of %s:

SERVER (default):
  %s                          Start the task graph API server

SUBCOMMANDS:
  %s status                   Show server health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
  -quiet                      Log to <home>/logs/system.jsonl only

ENVIRONMENT VARIABLES:
  TASKDAG_HOME                Data directory (default: ~/.taskdag)
  TASKDAG_BIND_ADDR           Override bind_addr
  TASKDAG_LOG_LEVEL           Override log_level
  TASKDAG_DB_PATH             Override db_path
`, name, name, name, name)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", args[0])
			printUsage(os.Stderr)
			os.Exit(2)
		}
	}

	// Interactive terminals get a banner; everything else logs to stdout too.
	interactive := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	runServer(ctx, *quiet, interactive)
}

func runServer(ctx context.Context, quiet, interactive bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so E_LOGGER_INIT failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logging, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logging.Close()
	logger := logging.Logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_hash", cfg.Fingerprint())

	if cfg.NoConfigFile {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("default config.yaml written", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.CookieSecure {
			logger.Warn("session cookie is not marked Secure on a non-loopback bind", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.FromConfig(cfg.Telemetry))
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	sched, err := cron.NewScheduler(cron.Config{Store: store, Logger: logger, Retention: cfg.Retention})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "retention_scheduled", "next_run", sched.NextRun())

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			applyConfigReload(logger, logging, sched, ev)
		}
	}()

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		SessionCookieName: cfg.SessionCookieName,
		CookieSecure:      cfg.CookieSecure,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		CORS:              cfg.CORS,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.RateLimiter().StartEviction(ctx, 5*time.Minute, 10*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	if interactive && !quiet {
		printBanner(os.Stdout, ln.Addr().String())
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake, then give in-flight requests and event streams the
	// configured drain window before the store closes.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("drain timeout exceeded; closing remaining connections", "error", err)
		_ = server.Close()
	}
	logger.Info("shutdown complete")
}

// applyConfigReload re-reads config.yaml and applies the settings that can
// change without a restart: log level and retention policy. An invalid
// file is logged and the running settings stay in place.
func applyConfigReload(logger *slog.Logger, logging *telemetry.Logging, sched *cron.Scheduler, ev config.ReloadEvent) {
	logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
	next, err := config.Load()
	if err != nil {
		logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
		return
	}
	if logging.SetLevel(next.LogLevel) {
		logger.Info("log level hot-reloaded", "level", next.LogLevel)
	}
	if err := sched.SetPolicy(next.Retention); err != nil {
		logger.Error("retention policy reload rejected", "error", err)
		return
	}
	logger.Info("config.yaml hot-reloaded", "config_hash", next.Fingerprint(), "next_retention_run", sched.NextRun())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"taskdag","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command
