package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedSessions  int64 `json:"purged_sessions"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention purges sessions idle for more than idleSessionDays and audit
// rows older than auditLogDays. A zero window disables that category. The
// job is idempotent.
func (s *Store) RunRetention(ctx context.Context, idleSessionDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if idleSessionDays > 0 {
		n, err := s.PurgeIdleSessions(ctx, time.Duration(idleSessionDays)*24*time.Hour)
		if err != nil {
			return result, err
		}
		result.PurgedSessions = n
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		err := retryOnBusy(ctx, defaultBusyRetries, func() error {
			res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.Format("2006-01-02 15:04:05"))
			if err != nil {
				return fmt.Errorf("purge audit_log: %w", err)
			}
			result.PurgedAuditLogs, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// PurgeIdleSessions removes sessions whose last write is older than idleFor,
// along with their tasks and edges. It returns how many sessions were removed.
func (s *Store) PurgeIdleSessions(ctx context.Context, idleFor time.Duration) (int64, error) {
	if idleFor <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-idleFor)
	var purged int64
	err := s.withWriteTx(ctx, "purge sessions", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM dependencies
			WHERE from_task_id IN (
				SELECT t.id FROM tasks t JOIN sessions s ON s.id = t.session_id WHERE s.updated_at < ?
			) OR to_task_id IN (
				SELECT t.id FROM tasks t JOIN sessions s ON s.id = t.session_id WHERE s.updated_at < ?
			);
		`, cutoff, cutoff); err != nil {
			return fmt.Errorf("purge dependencies: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE session_id IN (SELECT id FROM sessions WHERE updated_at < ?);
		`, cutoff); err != nil {
			return fmt.Errorf("purge tasks: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
