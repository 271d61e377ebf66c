package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/platform/logger"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/scheduler"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/store"
)

// defaultListLimit caps ListTasks results when the caller does not set one.
const defaultListLimit = 100

// taskColumns is the column list shared by every query that scans a full
// task row.
const taskColumns = `id, task_type, status, priority, payload, result, error_message,
	progress, retry_count, max_retries, scheduled_at, started_at, completed_at,
	lease_owner, lease_at, rollback_payload, needs_rollback, created_at`

// PostgresTaskStore implements scheduler.TaskStore using PostgreSQL.
// Claiming relies on FOR UPDATE SKIP LOCKED, so any number of workers and
// any number of service instances can share one tasks table.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{db: db}
}

var _ scheduler.TaskStore = (*PostgresTaskStore)(nil)

// CreateTask persists a new task record.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, rec *scheduler.TaskRecord) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO tasks (id, task_type, status, priority, payload, result,
			error_message, progress, retry_count, max_retries, scheduled_at,
			rollback_payload, needs_rollback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Type,
		rec.Status,
		rec.Priority,
		nullableJSON(rec.Payload),
		nullableJSON(rec.Result),
		rec.ErrorMessage,
		rec.Progress,
		rec.RetryCount,
		rec.MaxRetries,
		rec.ScheduledAt,
		nullableJSON(rec.RollbackPayload),
		rec.NeedsRollback,
		rec.CreatedAt,
	)
	if err != nil {
		log.Error("failed to insert task",
			"task_id", rec.ID,
			"task_type", rec.Type,
			"error", err)
		return fmt.Errorf("failed to insert task: %w", MapError(err))
	}
	return nil
}

// GetTask returns the task with the given id.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id string) (*scheduler.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	rec, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, scheduler.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return rec, nil
}

// ClaimNext atomically claims the most urgent due candidate. The inner
// SELECT takes a row lock with SKIP LOCKED, so two workers claiming
// concurrently can never receive the same task; the UPDATE then moves the
// row to processing under that lock.
func (s *PostgresTaskStore) ClaimNext(
	ctx context.Context,
	workerID string,
	candidateIDs []string,
	leaseTimeout time.Duration,
) (*scheduler.TaskRecord, error) {
	if len(candidateIDs) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	leaseCutoff := now.Add(-leaseTimeout)

	query := `
		WITH candidate AS (
			SELECT id FROM tasks
			WHERE id = ANY($1)
			  AND scheduled_at <= $2
			  AND (status = 'pending'
			       OR (status = 'processing' AND lease_at IS NOT NULL AND lease_at < $3))
			ORDER BY priority ASC, scheduled_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'processing',
		    lease_owner = $4,
		    lease_at = $2,
		    started_at = $2,
		    progress = 10
		FROM candidate c
		WHERE t.id = c.id
		RETURNING ` + prefixColumns("t.", taskColumns)

	rec, err := scanTask(s.db.QueryRowContext(ctx, query, candidateIDs, now, leaseCutoff, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim task: %w", MapError(err))
	}
	return rec, nil
}

// UpdateProgress records an observability progress checkpoint.
func (s *PostgresTaskStore) UpdateProgress(ctx context.Context, id string, progress float64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET progress = $1 WHERE id = $2`, progress, id)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", MapError(err))
	}
	if err := CheckRowsAffected(result, "task"); err != nil {
		return scheduler.ErrTaskNotFound
	}
	return nil
}

// CompleteTask marks a processing task completed, stores the result, and
// clears the lease. The status guard keeps a completion write from
// resurrecting a task that was cancelled while the worker was executing it.
func (s *PostgresTaskStore) CompleteTask(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'completed', result = $2, progress = 100,
		    completed_at = $3, lease_owner = NULL, lease_at = NULL
		WHERE id = $1 AND status = 'processing'
	`
	res, err := s.db.ExecContext(ctx, query, id, nullableJSON(result), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to complete task: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// FailTask marks a processing task permanently failed and flags it for
// rollback.
func (s *PostgresTaskStore) FailTask(ctx context.Context, id string, errMsg string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'failed', error_message = $2, needs_rollback = TRUE,
		    completed_at = $3, lease_owner = NULL, lease_at = NULL
		WHERE id = $1 AND status = 'processing'
	`
	res, err := s.db.ExecContext(ctx, query, id, errMsg, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark task failed: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// RescheduleRetry moves a processing task back to pending with the new
// retry count and due time.
func (s *PostgresTaskStore) RescheduleRetry(
	ctx context.Context,
	id string,
	errMsg string,
	retryCount int,
	scheduledAt time.Time,
) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'pending', error_message = $2, retry_count = $3,
		    scheduled_at = $4, progress = 0, started_at = NULL,
		    lease_owner = NULL, lease_at = NULL
		WHERE id = $1 AND status = 'processing'
	`
	res, err := s.db.ExecContext(ctx, query, id, errMsg, retryCount, scheduledAt)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule task: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// CancelTask cancels a pending or processing task.
func (s *PostgresTaskStore) CancelTask(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'cancelled', completed_at = $2,
		    lease_owner = NULL, lease_at = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')
	`
	res, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ResetForRetry moves a failed task back to pending.
func (s *PostgresTaskStore) ResetForRetry(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'pending', error_message = '', progress = 0,
		    scheduled_at = $2, started_at = NULL, completed_at = NULL,
		    lease_owner = NULL, lease_at = NULL
		WHERE id = $1 AND status = 'failed'
	`
	res, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to reset task: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteTask removes a task record.
func (s *PostgresTaskStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete task: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ListTasks returns tasks matching the filter, most urgent first.
func (s *PostgresTaskStore) ListTasks(
	ctx context.Context,
	filter scheduler.ListFilter,
) ([]*scheduler.TaskRecord, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.TaskType != "" {
		args = append(args, filter.TaskType)
		conditions = append(conditions, fmt.Sprintf("task_type = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority ASC, scheduled_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Skip > 0 {
		args = append(args, filter.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*scheduler.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return tasks, nil
}

// CountByStatus returns the number of tasks in each status.
func (s *PostgresTaskStore) CountByStatus(ctx context.Context) (map[scheduler.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[scheduler.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[scheduler.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}
	return counts, nil
}

// CountPending returns how many of the given tasks are pending and due.
func (s *PostgresTaskStore) CountPending(ctx context.Context, candidateIDs []string) (int, error) {
	if len(candidateIDs) == 0 {
		return 0, nil
	}

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE id = ANY($1) AND status = 'pending' AND scheduled_at <= $2
	`, candidateIDs, time.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", MapError(err))
	}
	return n, nil
}

// RecoverOrphans resets processing tasks with expired (or missing) leases
// back to pending and returns their ids.
func (s *PostgresTaskStore) RecoverOrphans(
	ctx context.Context,
	leaseTimeout time.Duration,
) ([]string, error) {
	log := logger.FromContext(ctx)
	cutoff := time.Now().UTC().Add(-leaseTimeout)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks
		SET status = 'pending', progress = 0, started_at = NULL,
		    lease_owner = NULL, lease_at = NULL
		WHERE status = 'processing' AND (lease_at IS NULL OR lease_at < $1)
		RETURNING id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to recover orphaned tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan recovered task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recovered tasks: %w", err)
	}

	if len(ids) > 0 {
		log.Info("reset orphaned processing tasks", "count", len(ids))
	}
	return ids, nil
}

// DeleteFinishedBefore removes completed and cancelled tasks finished
// before the cutoff.
func (s *PostgresTaskStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed', 'cancelled') AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished tasks: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask maps one task row onto a TaskRecord, converting the nullable
// columns.
func scanTask(row rowScanner) (*scheduler.TaskRecord, error) {
	var rec scheduler.TaskRecord
	var payload, result, rollback []byte
	var errMsg, leaseOwner sql.NullString
	var startedAt, completedAt, leaseAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.Type,
		&rec.Status,
		&rec.Priority,
		&payload,
		&result,
		&errMsg,
		&rec.Progress,
		&rec.RetryCount,
		&rec.MaxRetries,
		&rec.ScheduledAt,
		&startedAt,
		&completedAt,
		&leaseOwner,
		&leaseAt,
		&rollback,
		&rec.NeedsRollback,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Payload = payload
	rec.Result = result
	rec.RollbackPayload = rollback
	rec.ErrorMessage = errMsg.String
	rec.LeaseOwner = leaseOwner.String
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if leaseAt.Valid {
		rec.LeaseAt = &leaseAt.Time
	}
	return &rec, nil
}

// nullableJSON turns an empty blob into NULL so the jsonb columns stay
// NULL instead of holding empty strings pg would reject.
func nullableJSON(blob json.RawMessage) any {
	if len(blob) == 0 {
		return nil
	}
	return []byte(blob)
}

// prefixColumns qualifies each column in a comma-separated list with the
// given table alias, for RETURNING clauses that join a CTE.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
