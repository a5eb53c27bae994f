package async

import (
	"database/sql"
	"time"

	"github.com/teranos/jobkit/internal/util"
)

// TaskScanArgs holds the nullable columns scanned for a task row.
type TaskScanArgs struct {
	Kwargs        sql.NullString
	ScheduleID    sql.NullString
	ErrorMsg      sql.NullString
	ETA           sql.NullTime
	SoftTimeLimit float64
	TimeLimit     float64
	StartedAt     sql.NullTime
	CompletedAt   sql.NullTime
}

// GetTaskScanTargets returns scan destinations in StandardTaskSelectColumns order.
func GetTaskScanTargets(task *Task, args *TaskScanArgs) []interface{} {
	return []interface{}{
		&task.ID,
		&task.HandlerName,
		&task.ClassPath,
		&task.Queue,
		&args.Kwargs,
		&task.User,
		&args.ScheduleID,
		&task.Status,
		&args.ETA,
		&args.SoftTimeLimit,
		&args.TimeLimit,
		&args.ErrorMsg,
		&task.RetryCount,
		&task.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&task.UpdatedAt,
	}
}

// ProcessTaskScanArgs copies the scanned nullable values onto the task.
func ProcessTaskScanArgs(task *Task, args *TaskScanArgs) {
	if args.Kwargs.Valid {
		task.Kwargs = []byte(args.Kwargs.String)
	}
	task.ScheduleID = args.ScheduleID.String
	task.Error = args.ErrorMsg.String
	task.SoftTimeLimit = util.Seconds(args.SoftTimeLimit)
	task.TimeLimit = util.Seconds(args.TimeLimit)
	task.ETA = nullTime(args.ETA)
	task.StartedAt = nullTime(args.StartedAt)
	task.CompletedAt = nullTime(args.CompletedAt)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ScanTask scans a single task from a row or rows cursor.
func ScanTask(row rowScanner, task *Task) error {
	args := &TaskScanArgs{}
	if err := row.Scan(GetTaskScanTargets(task, args)...); err != nil {
		return err
	}
	ProcessTaskScanArgs(task, args)
	return nil
}

// StandardTaskSelectColumns returns the standard column list for task SELECT queries
func StandardTaskSelectColumns() string {
	return `id, handler_name, class_path, queue, kwargs, user, schedule_id, status,
		eta, soft_time_limit, time_limit, error, retry_count,
		created_at, started_at, completed_at, updated_at`
}
