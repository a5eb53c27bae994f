package async

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
)

// Store handles persistence of tasks
type Store struct {
	db *sql.DB
}

// NewStore creates a new task store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// utcTime normalizes ETAs so the driver's text encoding compares in order.
func utcTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateTask inserts a new task into the database
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO async_tasks (
			id, handler_name, class_path, queue, kwargs, user, schedule_id,
			status, eta, soft_time_limit, time_limit, error, retry_count,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.HandlerName,
		task.ClassPath,
		task.Queue,
		nullString(string(task.Kwargs)),
		task.User,
		nullString(task.ScheduleID),
		task.Status,
		utcTime(task.ETA),
		util.ToSeconds(task.SoftTimeLimit),
		util.ToSeconds(task.TimeLimit),
		nullString(task.Error),
		task.RetryCount,
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create task")
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns() + ` FROM async_tasks WHERE id = ?`

	var task Task
	err := ScanTask(s.db.QueryRowContext(ctx, query, id), &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}
	return &task, nil
}

// UpdateTask updates the mutable columns of an existing task
func (s *Store) UpdateTask(ctx context.Context, task *Task) error {
	query := `
		UPDATE async_tasks
		SET status = ?,
		    eta = ?,
		    error = ?,
		    retry_count = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		task.Status,
		utcTime(task.ETA),
		nullString(task.Error),
		task.RetryCount,
		task.StartedAt,
		task.CompletedAt,
		task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("task %s", task.ID)
	}
	return nil
}

// ClaimNext marks the oldest due task on one of queues as running and returns
// it, or nil when nothing is due. The claim is a conditional update, so two
// workers never run the same task.
func (s *Store) ClaimNext(ctx context.Context, queues []string, now time.Time) (*Task, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(queues)), ",")
	args := make([]interface{}, 0, len(queues)+1)
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, now.UTC())

	query := `SELECT ` + StandardTaskSelectColumns() + `
		FROM async_tasks
		WHERE status = 'queued'
		  AND queue IN (` + placeholders + `)
		  AND (eta IS NULL OR eta <= ?)
		ORDER BY created_at ASC
		LIMIT 1`

	var task Task
	err := ScanTask(s.db.QueryRowContext(ctx, query, args...), &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select next task")
	}

	task.Start()
	res, err := s.db.ExecContext(ctx,
		`UPDATE async_tasks SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
		task.Status, task.StartedAt, task.UpdatedAt, task.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another worker won the claim
		return nil, nil
	}
	return &task, nil
}

// ListTasks returns tasks newest first, optionally filtered by status
func (s *Store) ListTasks(ctx context.Context, status *TaskStatus, limit int) ([]*Task, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + StandardTaskSelectColumns() + ` FROM async_tasks`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	return scanTasks(rows, "tasks")
}

// ListRunningOnQueues returns tasks left running on the given queues.
func (s *Store) ListRunningOnQueues(ctx context.Context, queues []string, limit int) ([]*Task, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(queues)), ",")
	args := make([]interface{}, 0, len(queues)+1)
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+StandardTaskSelectColumns()+`
		FROM async_tasks
		WHERE status = 'running' AND queue IN (`+placeholders+`)
		ORDER BY started_at ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running tasks")
	}
	defer rows.Close()

	return scanTasks(rows, "running tasks")
}

// scanTasks scans every row into tasks
func scanTasks(rows *sql.Rows, context string) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		var task Task
		if err := ScanTask(rows, &task); err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, &task)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return tasks, nil
}

// CountByStatus returns the number of tasks per status
func (s *Store) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM async_tasks GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count tasks")
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan task count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteTask removes a task from the database
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM async_tasks WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete task")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("task %s", id)
	}
	return nil
}

// CleanupOldTasks removes finished tasks older than the specified duration
func (s *Store) CleanupOldTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM async_tasks
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old tasks")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
