package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskdag/internal/audit"
	"github.com/basket/taskdag/internal/bus"
	"github.com/basket/taskdag/internal/dag"
	"github.com/basket/taskdag/internal/shared"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/basket/taskdag/internal/persistence"

const (
	msgCycle    = "Adding this dependency creates a cycle"
	msgSelfLoop = "Task cannot depend on itself"
)

// txEdges reads outgoing edges through an open transaction so the cycle
// check sees exactly the state the insert will commit against.
type txEdges struct {
	tx *sql.Tx
}

func (e txEdges) OutgoingEdges(ctx context.Context, taskID int64) ([]int64, error) {
	return edgeIDs(ctx, e.tx, `SELECT to_task_id FROM dependencies WHERE from_task_id = ? ORDER BY to_task_id;`, taskID)
}

// AddDependency records that from depends on to and returns the updated
// from task. Both tasks must belong to the session. A self-loop or an edge
// that would close a cycle yields ErrConflict and leaves the graph
// untouched. Re-adding an existing edge is a no-op.
func (s *Session) AddDependency(ctx context.Context, from, to int64) (*Task, error) {
	const op = "add dependency"
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dag.add_dependency")
	span.SetAttributes(
		attribute.String("taskdag.session.id", s.id),
		attribute.Int64("taskdag.task.id", from),
		attribute.Int64("taskdag.dependency.id", to),
	)
	defer span.End()

	var (
		task     *Task
		inserted bool
	)
	err := s.store.withWriteTx(ctx, op, func(tx *sql.Tx) error {
		inserted = false
		if err := s.requireTask(ctx, tx, op, from); err != nil {
			return err
		}
		if err := s.requireTask(ctx, tx, op, to); err != nil {
			return err
		}

		if err := dag.CheckEdge(ctx, txEdges{tx: tx}, from, to); err != nil {
			switch {
			case errors.Is(err, dag.ErrSelfLoop):
				return conflictErr(op, msgSelfLoop, err)
			case errors.Is(err, dag.ErrCycle):
				return conflictErr(op, msgCycle, err)
			}
			return err
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO dependencies (from_task_id, to_task_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(from_task_id, to_task_id) DO NOTHING;
		`, from, to, now)
		if err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		if inserted {
			if err := s.touch(ctx, tx, now); err != nil {
				return err
			}
		}
		task, err = s.loadTask(ctx, tx, op, from)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrConflict) {
			reason := "cycle"
			if errors.Is(err, dag.ErrSelfLoop) {
				reason = "self_loop"
			}
			audit.Record(shared.WithSessionID(ctx, s.id), audit.Deny, "dependency.add", reason, fmt.Sprintf("task %d -> %d", from, to))
		}
		return nil, err
	}
	span.SetAttributes(attribute.Bool("taskdag.dependency.inserted", inserted))
	if inserted {
		s.store.publish(bus.TopicDependencyAdded, bus.GraphEvent{SessionID: s.id, TaskID: from, DependsOnID: to})
	}
	return task, nil
}

// RemoveDependency deletes the edge from -> to and returns the updated from
// task.
func (s *Session) RemoveDependency(ctx context.Context, from, to int64) (*Task, error) {
	const op = "remove dependency"
	var task *Task
	err := s.store.withWriteTx(ctx, op, func(tx *sql.Tx) error {
		if err := s.requireTask(ctx, tx, op, from); err != nil {
			return err
		}
		if err := s.requireTask(ctx, tx, op, to); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM dependencies WHERE from_task_id = ? AND to_task_id = ?;
		`, from, to)
		if err != nil {
			return fmt.Errorf("delete dependency: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFoundErr(op, msgDepNotFound)
		}
		if err := s.touch(ctx, tx, time.Now().UTC()); err != nil {
			return err
		}
		task, err = s.loadTask(ctx, tx, op, from)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.store.publish(bus.TopicDependencyRemoved, bus.GraphEvent{SessionID: s.id, TaskID: from, DependsOnID: to})
	return task, nil
}

// OutgoingEdges returns the ids task id depends on. It makes a Session
// usable as a dag.EdgeSource scoped to one session.
func (s *Session) OutgoingEdges(ctx context.Context, id int64) ([]int64, error) {
	const op = "list dependencies"
	if err := s.requireTask(ctx, s.store.db, op, id); err != nil {
		return nil, err
	}
	return edgeIDs(ctx, s.store.db, `SELECT to_task_id FROM dependencies WHERE from_task_id = ? ORDER BY to_task_id;`, id)
}

// IncomingEdges returns the ids of tasks that depend on task id.
func (s *Session) IncomingEdges(ctx context.Context, id int64) ([]int64, error) {
	const op = "list dependents"
	if err := s.requireTask(ctx, s.store.db, op, id); err != nil {
		return nil, err
	}
	return edgeIDs(ctx, s.store.db, `SELECT from_task_id FROM dependencies WHERE to_task_id = ? ORDER BY from_task_id;`, id)
}

// ListDependencies returns the full records of the tasks id depends on.
func (s *Session) ListDependencies(ctx context.Context, id int64) ([]Task, error) {
	return s.listNeighbours(ctx, "list dependencies", id, `
		SELECT t.id, t.session_id, t.name, t.description, t.status, t.created_at, t.updated_at
		FROM dependencies d
		JOIN tasks t ON t.id = d.to_task_id
		WHERE d.from_task_id = ? AND t.session_id = ?
		ORDER BY t.id;
	`)
}

// ListDependents returns the full records of the tasks that depend on id.
func (s *Session) ListDependents(ctx context.Context, id int64) ([]Task, error) {
	return s.listNeighbours(ctx, "list dependents", id, `
		SELECT t.id, t.session_id, t.name, t.description, t.status, t.created_at, t.updated_at
		FROM dependencies d
		JOIN tasks t ON t.id = d.from_task_id
		WHERE d.to_task_id = ? AND t.session_id = ?
		ORDER BY t.id;
	`)
}

func (s *Session) listNeighbours(ctx context.Context, op string, id int64, query string) ([]Task, error) {
	if err := s.requireTask(ctx, s.store.db, op, id); err != nil {
		return nil, err
	}
	rows, err := s.store.db.QueryContext(ctx, query, id, s.id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachSessionEdges(ctx, s.store.db, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}
