package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/basket/taskdag/internal/audit"
	"github.com/basket/taskdag/internal/persistence"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.cfg.Store.Ping(ctx) == nil
	var counts persistence.Counts
	if dbOK {
		var err error
		if counts, err = s.cfg.Store.Counts(ctx); err != nil {
			dbOK = false
		}
	}
	subscribers := 0
	if s.cfg.Bus != nil {
		subscribers = s.cfg.Bus.SubscriberCount()
	}

	payload := map[string]any{
		"healthy":           dbOK,
		"db_ok":             dbOK,
		"config_hash":       s.cfg.ConfigFingerprint,
		"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
		"sessions":          counts.Sessions,
		"tasks":             counts.Tasks,
		"dependencies":      counts.Dependencies,
		"event_subscribers": subscribers,
		"policy_deny_total": audit.DenyCount(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.Counts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	var dropped int64
	if s.cfg.Bus != nil {
		dropped = s.cfg.Bus.Dropped()
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n", name, help, name, name, v)
	}
	counter := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %v\n", name, help, name, name, v)
	}
	gauge("taskdag_sessions", "Number of known sessions.", counts.Sessions)
	gauge("taskdag_tasks", "Number of tasks across all sessions.", counts.Tasks)
	gauge("taskdag_dependencies", "Number of dependency edges.", counts.Dependencies)
	fmt.Fprintf(w, "# HELP taskdag_tasks_by_status Number of tasks per status.\n# TYPE taskdag_tasks_by_status gauge\n")
	fmt.Fprintf(w, "taskdag_tasks_by_status{status=%q} %d\n", "pending", counts.Pending)
	fmt.Fprintf(w, "taskdag_tasks_by_status{status=%q} %d\n", "running", counts.Running)
	fmt.Fprintf(w, "taskdag_tasks_by_status{status=%q} %d\n", "completed", counts.Completed)
	counter("taskdag_policy_deny_total", "Total denied mutations (cycles, self-loops, deletes with edges).", audit.DenyCount())
	counter("taskdag_events_dropped_total", "Graph events dropped for slow subscribers.", dropped)
	gauge("taskdag_alloc_bytes", "Current allocated memory in bytes.", mem.Alloc)
}
