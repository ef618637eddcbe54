package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/taskdag/internal/bus"
	"github.com/basket/taskdag/internal/config"
	otelPkg "github.com/basket/taskdag/internal/otel"
	"github.com/basket/taskdag/internal/persistence"
	"github.com/basket/taskdag/internal/shared"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// retryAfterSeconds is sent with 503 when the store stays contended.
	retryAfterSeconds = "1"
	msgInternal       = "Internal server error"
	msgBadBody        = "Invalid request body"
	msgBadTaskID      = "Invalid task id"
)

type Config struct {
	Store *persistence.Store
	Bus   *bus.Bus

	SessionCookieName string
	CookieSecure      bool
	MaxBodyBytes      int64
	CORS              config.CORSConfig
	RateLimit         config.RateLimitConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg       Config
	schemas   *requestSchemas
	limiter   *RateLimitMiddleware
	startedAt time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = config.DefaultSessionCookieName
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if cfg.Metrics == nil {
		m, err := otelPkg.NewMetrics(metricnoop.NewMeterProvider().Meter(otelPkg.MeterName))
		if err != nil {
			return nil, err
		}
		cfg.Metrics = m
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		schemas:   schemas,
		limiter:   NewRateLimitMiddleware(cfg.RateLimit, cfg.SessionCookieName, cfg.Metrics.RateLimitRejects),
		startedAt: time.Now(),
	}, nil
}

// RateLimiter exposes the limiter so the caller can run its eviction loop.
func (s *Server) RateLimiter() *RateLimitMiddleware {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/dependencies", s.handleAddDependency)
	mux.HandleFunc("GET /api/tasks/{id}/dependencies", s.handleListDependencies)
	mux.HandleFunc("DELETE /api/tasks/{id}/dependencies/{depends_on_id}", s.handleRemoveDependency)
	mux.HandleFunc("GET /api/tasks/{id}/dependents", s.handleListDependents)

	var h http.Handler = s.instrument(mux)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.sessionMiddleware(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return traceMiddleware(h)
}

// traceMiddleware assigns every request a trace id, honoring an inbound
// X-Trace-ID header.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" || len(traceID) > 128 {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrade reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument wraps the mux directly so the matched route pattern is known
// once the handler returns.
func (s *Server) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otelPkg.StartServerSpan(r.Context(), s.cfg.Tracer, r.Method+" "+r.URL.Path,
			otelPkg.AttrSessionID.String(shared.SessionID(r.Context())),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		req := r.WithContext(ctx)
		mux.ServeHTTP(rec, req)

		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		span.SetName(route)
		span.SetAttributes(otelPkg.AttrRoute.String(route), otelPkg.AttrStatusCode.Int(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otelPkg.AttrRoute.String(route), otelPkg.AttrStatusCode.Int(status)))
	})
}

// session resolves the caller's session handle from the request context.
func (s *Server) session(r *http.Request) (*persistence.Session, error) {
	return s.cfg.Store.Session(r.Context(), shared.SessionID(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps a store error kind onto its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, persistence.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, persistence.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, persistence.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, persistence.ErrTransient):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", retryAfterSeconds)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	detail := persistence.Detail(err)
	if detail == "" {
		detail = msgInternal
		if status == http.StatusServiceUnavailable {
			detail = "Request cancelled"
		}
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.cfg.Logger.Log(r.Context(), level, "request failed",
		"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	writeDetail(w, status, detail)
}

// pathID parses a positive integer path parameter.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// countOp records one mutation outcome.
func (s *Server) countOp(ctx context.Context, op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrValidation):
		outcome = "invalid"
	case errors.Is(err, persistence.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, persistence.ErrConflict):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	s.cfg.Metrics.TaskOperations.Add(ctx, 1, metric.WithAttributes(
		otelPkg.AttrOperation.String(op),
		otelPkg.AttrOutcome.String(outcome),
	))
}
