package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/basket/taskdag/internal/dag"
	otelPkg "github.com/basket/taskdag/internal/otel"
	"github.com/basket/taskdag/internal/persistence"
	"github.com/basket/taskdag/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"
)

type createTaskRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

type updateTaskRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

type addDependencyRequest struct {
	DependsOnID int64 `json:"depends_on_id"`
}

// readBody decodes a schema-checked JSON body, writing the 4xx itself on
// failure.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) bool {
	err := decodeBody(r.Body, schema, dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeDetail(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	s.cfg.Logger.InfoContext(r.Context(), "rejected request body", "path", r.URL.Path, "error", err)
	writeDetail(w, http.StatusBadRequest, msgBadBody)
	return false
}

// taskRequest resolves the session and the {id} path value shared by all
// per-task routes.
func (s *Server) taskRequest(w http.ResponseWriter, r *http.Request) (*persistence.Session, int64, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, msgBadTaskID)
		return nil, 0, false
	}
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return nil, 0, false
	}
	return sess, id, true
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !s.readBody(w, r, s.schemas.createTask, &req) {
		return
	}
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in := persistence.TaskInput{Name: req.Name, Description: req.Description}
	if req.Status != nil {
		in.Status = *req.Status
	}
	task, err := sess.CreateTask(r.Context(), in)
	s.countOp(r.Context(), "task.create", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tasks, err := sess.ListTasks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := s.taskRequest(w, r)
	if !ok {
		return
	}
	task, err := sess.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := s.taskRequest(w, r)
	if !ok {
		return
	}
	var req updateTaskRequest
	if !s.readBody(w, r, s.schemas.updateTask, &req) {
		return
	}
	ctx := shared.WithTaskID(r.Context(), id)
	task, err := sess.UpdateTask(ctx, id, persistence.TaskPatch{
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
	})
	s.countOp(ctx, "task.update", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := s.taskRequest(w, r)
	if !ok {
		return
	}
	ctx := shared.WithTaskID(r.Context(), id)
	err := sess.DeleteTask(ctx, id)
	s.countOp(ctx, "task.delete", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeDetail(w, http.StatusOK, "Task deleted successfully")
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := s.taskRequest(w, r)
	if !ok {
		return
	}
	var req addDependencyRequest
	if !s.readBody(w, r, s.schemas.addDependency, &req) {
		return
	}
	ctx := shared.WithTaskID(r.Context(), id)
	start := time.Now()
	task, err := sess.AddDependency(ctx, id, req.DependsOnID)
	s.countOp(ctx, "dependency.add", err)
	// Only insertions that reached the cycle check are measured; unknown
	// tasks fail before it.
	if err == nil || errors.Is(err, persistence.ErrConflict) {
		s.cfg.Metrics.CycleChecks.Add(ctx, 1)
		s.cfg.Metrics.CycleCheckTime.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			reason := "cycle"
			if errors.Is(err, dag.ErrSelfLoop) {
				reason = "self_loop"
			}
			s.cfg.Metrics.EdgeRejections.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrReason.String(reason)))
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRemoveDependency(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := s.taskRequest(w, r)
	if !ok {
		return
	}
	dependsOn, ok := pathID(r, "depends_on_id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, msgBadTaskID)
		return
	}
	ctx := shared.WithTaskID(r.Context(), id)
	task, err := sess.RemoveDependency(ctx, id, dependsOn)
	s.countOp(ctx, "dependency.remove", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListDependencies(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := s.taskRequest(w, r)
	if !ok {
		return
	}
	tasks, err := sess.ListDependencies(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleListDependents(w http.ResponseWriter, r *http.Request) {
	sess, id, ok := s.taskRequest(w, r)
	if !ok {
		return
	}
	tasks, err := sess.ListDependents(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}
