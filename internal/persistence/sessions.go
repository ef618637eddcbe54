package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is the explicit handle every task operation runs through. All
// reads and writes made via a Session are scoped to its id.
type Session struct {
	store *Store
	id    string
}

// Session validates sessionID and makes sure the session row exists,
// creating it on first use. Opening an existing session marks it active so
// read-only sessions are not swept as idle.
func (s *Store) Session(ctx context.Context, sessionID string) (*Session, error) {
	parsed, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, &Error{Kind: ErrValidation, Op: "open session", Detail: msgInvalidSession, Err: err}
	}
	id := parsed.String()
	now := time.Now().UTC()
	err = retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, created_at, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at;
		`, id, now, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Session{store: s, id: id}, nil
}

// ID returns the canonical session id.
func (s *Session) ID() string {
	return s.id
}

// touch marks the session active; the retention sweeper keys off updated_at.
// A session purged since the handle was opened yields ErrNotFound.
func (s *Session) touch(ctx context.Context, q querier, now time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?;`, now, s.id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("touch session", msgSessionNotFound)
	}
	return nil
}

// SessionInfo is a row of the sessions table with its task count.
type SessionInfo struct {
	ID        string    `json:"id"`
	TaskCount int       `json:"task_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListSessions returns the most recently active sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.updated_at, COUNT(t.id)
		FROM sessions s
		LEFT JOIN tasks t ON t.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var si SessionInfo
		if err := rows.Scan(&si.ID, &si.CreatedAt, &si.UpdatedAt, &si.TaskCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, si)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}
