package result

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
	"github.com/teranos/jobkit/job"
)

// Store persists results and log entries.
type Store struct {
	db *sql.DB
}

// NewStore creates a result store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ job.LogSink = (*Store)(nil)

const resultColumns = `id, class_path, name, status, user, task_kwargs, result, schedule_id, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*Result, error) {
	var r Result
	var kwargs, value, scheduleID sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.ClassPath, &r.Name, &r.Status, &r.User,
		&kwargs, &value, &scheduleID, &r.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	if kwargs.Valid {
		if err := util.UnmarshalJSON([]byte(kwargs.String), &r.TaskKwargs); err != nil {
			return nil, errors.Wrapf(err, "failed to decode kwargs of result %s", r.ID)
		}
	}
	if value.Valid {
		r.Value = json.RawMessage(value.String)
	}
	r.ScheduleID = scheduleID.String
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

// Start creates the running result for a task, or returns the existing one
// when the task is redelivered. created reports whether a row was inserted.
func (s *Store) Start(ctx context.Context, r *Result) (_ *Result, created bool, err error) {
	var kwargs sql.NullString
	if r.TaskKwargs != nil {
		raw, err := json.Marshal(r.TaskKwargs)
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to encode kwargs")
		}
		kwargs = sql.NullString{String: string(raw), Valid: true}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO job_results
		(id, class_path, name, status, user, task_kwargs, schedule_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ClassPath, r.Name, StatusRunning, r.User, kwargs,
		sql.NullString{String: r.ScheduleID, Valid: r.ScheduleID != ""}, r.CreatedAt)
	if err != nil {
		return nil, false, errors.WithDetail(errors.Wrap(err, "failed to create result"), "task_id: "+r.ID)
	}
	n, _ := res.RowsAffected()

	stored, err := s.Get(ctx, r.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

// Get loads a result by id.
func (s *Store) Get(ctx context.Context, id string) (*Result, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM job_results WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job result %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job result")
	}
	return r, nil
}

// Filter narrows List.
type Filter struct {
	ClassPath string
	Status    Status
	Limit     int
}

// List returns results, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Result, error) {
	query := `SELECT ` + resultColumns + ` FROM job_results WHERE 1 = 1`
	var args []any
	if f.ClassPath != "" {
		query += ` AND class_path = ?`
		args = append(args, f.ClassPath)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job results")
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job result")
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job results")
	}
	return results, nil
}

// Complete writes the terminal status and return value. Only the first
// terminal write succeeds; later ones get errors.ErrAlreadyTerminal.
func (s *Store) Complete(ctx context.Context, id string, status Status, value any) error {
	if !status.IsTerminal() {
		return errors.Newf("%s is not a terminal status", status)
	}
	var raw sql.NullString
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return errors.Wrap(err, "failed to encode job return value")
		}
		raw = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `UPDATE job_results SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		status, raw, time.Now(), id)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to complete job result"), "result_id: "+id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notWritable(ctx, id)
	}
	return nil
}

func (s *Store) notWritable(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errors.WithDetail(errors.Wrapf(errors.ErrAlreadyTerminal, "job result %s", id), "status: "+string(current.Status))
}

// AppendLog inserts a log entry immediately. Entries are only accepted while
// the result is running.
func (s *Store) AppendLog(ctx context.Context, resultID string, e job.Entry) error {
	level := e.Level
	if level == "" {
		level = job.LevelDefault
	}
	var objType, objPK, objDisplay sql.NullString
	if e.Object != nil {
		objType = sql.NullString{String: e.Object.Type, Valid: true}
		objPK = sql.NullString{String: e.Object.PK, Valid: true}
		objDisplay = sql.NullString{String: e.Object.Display, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO job_log_entries
		(id, result_id, seq, created_at, level, grouping, message, object_type, object_pk, object_display)
		SELECT ?, r.id,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM job_log_entries WHERE result_id = r.id),
			?, ?, ?, ?, ?, ?, ?
		FROM job_results r WHERE r.id = ? AND r.status = 'running'`,
		uuid.NewString(), time.Now(), level, e.Grouping, e.Message, objType, objPK, objDisplay, resultID)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to append job log"), "result_id: "+resultID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notWritable(ctx, resultID)
	}
	return nil
}

// Logs returns a result's entries ordered by time then sequence.
func (s *Store) Logs(ctx context.Context, resultID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, result_id, seq, created_at, level, grouping, message,
			object_type, object_pk, object_display
		FROM job_log_entries WHERE result_id = ? ORDER BY created_at, seq`, resultID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job logs")
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var objType, objPK, objDisplay sql.NullString
		if err := rows.Scan(&e.ID, &e.ResultID, &e.Seq, &e.CreatedAt, &e.Level, &e.Grouping, &e.Message,
			&objType, &objPK, &objDisplay); err != nil {
			return nil, errors.Wrap(err, "failed to scan job log")
		}
		e.ObjectType, e.ObjectPK, e.ObjectDisplay = objType.String, objPK.String, objDisplay.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job logs")
	}
	return entries, nil
}

// DeleteBefore prunes terminal results completed before cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_results
		WHERE status IN ('success', 'failure', 'errored') AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune job results")
	}
	return res.RowsAffected()
}
