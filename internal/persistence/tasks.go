package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/taskdag/internal/audit"
	"github.com/basket/taskdag/internal/bus"
	"github.com/basket/taskdag/internal/shared"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
)

// ParseTaskStatus accepts exactly the three lowercase status names.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted:
		return TaskStatus(s), true
	}
	return "", false
}

// Task is a task row plus the ids on both sides of its edges.
type Task struct {
	ID           int64      `json:"id"`
	SessionID    string     `json:"session_id"`
	Name         string     `json:"name"`
	Description  *string    `json:"description"`
	Status       TaskStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Dependencies []int64    `json:"dependencies"`
	Dependents   []int64    `json:"dependents"`
}

// TaskInput is the payload of CreateTask. An empty Status means pending.
type TaskInput struct {
	Name        string
	Description *string
	Status      string
}

// TaskPatch is a partial update; nil fields are left unchanged.
type TaskPatch struct {
	Name        *string
	Description *string
	Status      *string
}

const taskColumns = `id, session_id, name, description, status, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var desc sql.NullString
	var status string
	if err := scanFn(&task.ID, &task.SessionID, &task.Name, &desc, &status, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return err
	}
	if desc.Valid {
		d := desc.String
		task.Description = &d
	}
	task.Status = TaskStatus(status)
	task.Dependencies = []int64{}
	task.Dependents = []int64{}
	return nil
}

func validateName(op, name string) error {
	if strings.TrimSpace(name) == "" {
		return validationErr(op, msgEmptyName)
	}
	return nil
}

func (s *Session) CreateTask(ctx context.Context, in TaskInput) (*Task, error) {
	const op = "create task"
	if err := validateName(op, in.Name); err != nil {
		return nil, err
	}
	status := TaskStatusPending
	if in.Status != "" {
		parsed, ok := ParseTaskStatus(in.Status)
		if !ok {
			return nil, validationErr(op, msgInvalidStatus)
		}
		status = parsed
	}

	var task *Task
	err := s.store.withWriteTx(ctx, op, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if err := s.touch(ctx, tx, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (session_id, name, description, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, s.id, in.Name, in.Description, string(status), now, now)
		if err != nil {
			if isForeignKeyViolation(err) {
				return notFoundErr(op, msgSessionNotFound)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task id: %w", err)
		}
		task, err = s.loadTask(ctx, tx, op, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.store.publish(bus.TopicTaskCreated, bus.GraphEvent{SessionID: s.id, TaskID: task.ID, Status: string(task.Status)})
	return task, nil
}

func (s *Session) GetTask(ctx context.Context, id int64) (*Task, error) {
	return s.loadTask(ctx, s.store.db, "get task", id)
}

// ListTasks returns every task of the session in creation order.
func (s *Session) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC;
	`, s.id)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
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

// UpdateTask applies patch atomically: an invalid field rejects the whole
// update and nothing is written.
func (s *Session) UpdateTask(ctx context.Context, id int64, patch TaskPatch) (*Task, error) {
	const op = "update task"
	var task *Task
	err := s.store.withWriteTx(ctx, op, func(tx *sql.Tx) error {
		current, err := s.loadTask(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			if err := validateName(op, *patch.Name); err != nil {
				return err
			}
			current.Name = *patch.Name
		}
		if patch.Status != nil {
			status, ok := ParseTaskStatus(*patch.Status)
			if !ok {
				return validationErr(op, msgInvalidStatus)
			}
			current.Status = status
		}
		if patch.Description != nil {
			d := *patch.Description
			current.Description = &d
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET name = ?, description = ?, status = ?, updated_at = ?
			WHERE id = ? AND session_id = ?;
		`, current.Name, current.Description, string(current.Status), now, id, s.id); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if err := s.touch(ctx, tx, now); err != nil {
			return err
		}
		task, err = s.loadTask(ctx, tx, op, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.store.publish(bus.TopicTaskUpdated, bus.GraphEvent{SessionID: s.id, TaskID: task.ID, Status: string(task.Status)})
	return task, nil
}

// DeleteTask removes a task that has no incident edges. Edges are never
// cascaded; a task with dependencies or dependents yields ErrConflict.
func (s *Session) DeleteTask(ctx context.Context, id int64) error {
	const op = "delete task"
	err := s.store.withWriteTx(ctx, op, func(tx *sql.Tx) error {
		if err := s.requireTask(ctx, tx, op, id); err != nil {
			return err
		}
		var edges int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM dependencies WHERE from_task_id = ? OR to_task_id = ?;
		`, id, id).Scan(&edges); err != nil {
			return fmt.Errorf("count edges: %w", err)
		}
		if edges > 0 {
			return conflictErr(op, msgDeleteHasEdges, nil)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND session_id = ?;`, id, s.id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return s.touch(ctx, tx, time.Now().UTC())
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			audit.Record(shared.WithSessionID(ctx, s.id), audit.Deny, "task.delete", "has_edges", fmt.Sprintf("task %d", id))
		}
		return err
	}
	s.store.publish(bus.TopicTaskDeleted, bus.GraphEvent{SessionID: s.id, TaskID: id})
	return nil
}

// loadTask reads one task of this session with its edge ids.
func (s *Session) loadTask(ctx context.Context, q querier, op string, id int64) (*Task, error) {
	var task Task
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND session_id = ?;`, id, s.id)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundErr(op, msgTaskNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	deps, err := edgeIDs(ctx, q, `SELECT to_task_id FROM dependencies WHERE from_task_id = ? ORDER BY to_task_id;`, id)
	if err != nil {
		return nil, err
	}
	dependents, err := edgeIDs(ctx, q, `SELECT from_task_id FROM dependencies WHERE to_task_id = ? ORDER BY from_task_id;`, id)
	if err != nil {
		return nil, err
	}
	task.Dependencies = deps
	task.Dependents = dependents
	return &task, nil
}

func (s *Session) requireTask(ctx context.Context, q querier, op string, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ? AND session_id = ?;`, id, s.id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundErr(op, msgTaskNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup task: %w", err)
	}
	return nil
}

// collectTasks drains and closes rows. Callers must not issue other queries
// until it returns: the pool holds a single connection.
func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	out := []Task{}
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// attachSessionEdges fills edge ids for tasks with one query over the session.
func (s *Session) attachSessionEdges(ctx context.Context, q querier, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT d.from_task_id, d.to_task_id
		FROM dependencies d
		JOIN tasks t ON t.id = d.from_task_id
		WHERE t.session_id = ?
		ORDER BY d.from_task_id, d.to_task_id;
	`, s.id)
	if err != nil {
		return fmt.Errorf("list session edges: %w", err)
	}
	defer rows.Close()

	index := make(map[int64]int, len(tasks))
	for i := range tasks {
		index[tasks[i].ID] = i
	}
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return fmt.Errorf("scan edge: %w", err)
		}
		if i, ok := index[from]; ok {
			tasks[i].Dependencies = append(tasks[i].Dependencies, to)
		}
		if i, ok := index[to]; ok {
			tasks[i].Dependents = append(tasks[i].Dependents, from)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("edge rows: %w", err)
	}
	for i := range tasks {
		slices.Sort(tasks[i].Dependents)
	}
	return nil
}

func edgeIDs(ctx context.Context, q querier, query string, id int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()
	out := []int64{}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edge rows: %w", err)
	}
	return out, nil
}
