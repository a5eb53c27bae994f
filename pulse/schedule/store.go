package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
)

// Store handles persistence of scheduled jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// maxDueBatch bounds one tick so a backlog cannot starve the worker pool.
const maxDueBatch = 100

const scheduledJobColumns = `
	id, name, user, class_path, task_queue, interval, crontab, start_time,
	next_run_at, last_run_at, total_run_count, kwargs, approval_required,
	approved_by, approved_at, enabled, created_at, updated_at`

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledJob(row rowScanner) (*ScheduledJob, error) {
	var j ScheduledJob
	var nextRunAt, lastRunAt, approvedAt sql.NullTime
	var kwargs, approvedBy sql.NullString
	err := row.Scan(
		&j.ID,
		&j.Name,
		&j.User,
		&j.ClassPath,
		&j.TaskQueue,
		&j.Interval,
		&j.Crontab,
		&j.StartTime,
		&nextRunAt,
		&lastRunAt,
		&j.TotalRunCount,
		&kwargs,
		&j.ApprovalRequired,
		&approvedBy,
		&approvedAt,
		&j.Enabled,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if nextRunAt.Valid {
		j.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		j.LastRunAt = &lastRunAt.Time
	}
	if approvedAt.Valid {
		j.ApprovedAt = &approvedAt.Time
	}
	j.ApprovedBy = approvedBy.String
	if kwargs.Valid {
		if err := util.UnmarshalJSON([]byte(kwargs.String), &j.Kwargs); err != nil {
			return nil, errors.WithDetail(errors.Wrap(err, "failed to decode schedule kwargs"), "schedule_id: "+j.ID)
		}
	}
	return &j, nil
}

func scanScheduledJobs(rows *sql.Rows) ([]*ScheduledJob, error) {
	defer rows.Close()
	var jobs []*ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating scheduled jobs")
	}
	return jobs, nil
}

// CreateJob inserts a new scheduled job
func (s *Store) CreateJob(ctx context.Context, j *ScheduledJob) error {
	var kwargs sql.NullString
	if j.Kwargs != nil {
		b, err := json.Marshal(j.Kwargs)
		if err != nil {
			return errors.Wrap(err, "failed to encode schedule kwargs")
		}
		kwargs = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_jobs (`+scheduledJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		j.Name,
		j.User,
		j.ClassPath,
		j.TaskQueue,
		j.Interval,
		j.Crontab,
		j.StartTime.UTC(),
		utc(j.NextRunAt),
		utc(j.LastRunAt),
		j.TotalRunCount,
		kwargs,
		j.ApprovalRequired,
		sql.NullString{String: j.ApprovedBy, Valid: j.ApprovedBy != ""},
		utc(j.ApprovedAt),
		j.Enabled,
		j.CreatedAt.UTC(),
		j.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to create scheduled job"), "class_path: "+j.ClassPath)
	}
	return nil
}

// GetJob retrieves a scheduled job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanScheduledJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("scheduled job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scheduled job")
	}
	return j, nil
}

// ListJobsDue returns enabled, approved schedules whose next run is at or
// before now, oldest first.
func (s *Store) ListJobsDue(ctx context.Context, now time.Time) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduledJobColumns+`
		FROM scheduled_jobs
		WHERE enabled = 1
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= ?
		  AND (approval_required = 0 OR approved_at IS NOT NULL)
		ORDER BY next_run_at ASC
		LIMIT ?`, now.UTC(), maxDueBatch)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due scheduled jobs")
	}
	return scanScheduledJobs(rows)
}

// ListJobs returns every schedule, optionally only those awaiting approval.
func (s *Store) ListJobs(ctx context.Context, pendingApprovalOnly bool) ([]*ScheduledJob, error) {
	query := `SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs`
	if pendingApprovalOnly {
		query += ` WHERE approval_required = 1 AND approved_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled jobs")
	}
	return scanScheduledJobs(rows)
}

// GetNextScheduledJob returns the enabled, approved schedule due soonest, or nil.
func (s *Store) GetNextScheduledJob(ctx context.Context) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledJobColumns+`
		FROM scheduled_jobs
		WHERE enabled = 1
		  AND next_run_at IS NOT NULL
		  AND (approval_required = 0 OR approved_at IS NOT NULL)
		ORDER BY next_run_at ASC
		LIMIT 1`)
	j, err := scanScheduledJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next scheduled job")
	}
	return j, nil
}

// MarkApproved records the approver. It only succeeds while the schedule is
// still awaiting approval.
func (s *Store) MarkApproved(ctx context.Context, id, user string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET approved_by = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND approval_required = 1 AND approved_at IS NULL`,
		user, at.UTC(), at.UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to approve scheduled job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return errors.Wrapf(errors.ErrConflict, "scheduled job %s is not awaiting approval", id)
	}
	return nil
}

// AdvanceJob records a fire at ranAt and moves next_run_at forward. The
// update is conditional on the previous next_run_at so that a schedule is
// advanced once per due time.
func (s *Store) AdvanceJob(ctx context.Context, id string, due, ranAt, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET next_run_at = ?,
		    last_run_at = ?,
		    total_run_count = total_run_count + 1,
		    updated_at = ?
		WHERE id = ? AND next_run_at = ?`,
		next.UTC(), ranAt.UTC(), ranAt.UTC(), id, due.UTC())
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to advance scheduled job"), "schedule_id: "+id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteJob removes a schedule and reports whether it existed.
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete scheduled job")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetEnabled toggles whether the ticker considers the schedule.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to update scheduled job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("scheduled job %s", id)
	}
	return nil
}
