// Package async provides the sqlite-backed task queue and worker pool that
// executes job runs.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid TaskStatus
func IsValidStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// RunJobHandler is the handler name for job executions.
const RunJobHandler = "jobs.run_job"

// DefaultQueueName is the queue used when nothing else is configured.
const DefaultQueueName = "default"

// EnqueueRequest describes a unit of work to put on a queue.
type EnqueueRequest struct {
	// HandlerName defaults to RunJobHandler.
	HandlerName string
	ClassPath   string
	Kwargs      map[string]any
	Queue       string
	// ETA delays execution until the given time.
	ETA        *time.Time
	User       string
	SoftLimit  time.Duration
	HardLimit  time.Duration
	ScheduleID string
}

// Task is one queued execution.
//
// The queue is domain-agnostic: HandlerName routes the task and Kwargs is
// handler-owned JSON.
type Task struct {
	ID            string          `json:"id"`
	HandlerName   string          `json:"handler_name"`
	ClassPath     string          `json:"class_path,omitempty"`
	Queue         string          `json:"queue"`
	Kwargs        json.RawMessage `json:"kwargs,omitempty"`
	User          string          `json:"user,omitempty"`
	ScheduleID    string          `json:"schedule_id,omitempty"`
	Status        TaskStatus      `json:"status"`
	ETA           *time.Time      `json:"eta,omitempty"`
	SoftTimeLimit time.Duration   `json:"soft_time_limit,omitempty"`
	TimeLimit     time.Duration   `json:"time_limit,omitempty"`
	Error         string          `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewTask builds a queued task from a request.
func NewTask(req EnqueueRequest) (*Task, error) {
	handler := req.HandlerName
	if handler == "" {
		handler = RunJobHandler
	}
	if req.Queue == "" {
		return nil, errors.New("queue cannot be empty")
	}
	if req.SoftLimit < 0 || req.HardLimit < 0 {
		return nil, errors.New("time limits cannot be negative")
	}

	var kwargs json.RawMessage
	if req.Kwargs != nil {
		raw, err := json.Marshal(req.Kwargs)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal kwargs")
		}
		kwargs = raw
	}

	now := time.Now()
	return &Task{
		ID:            uuid.NewString(),
		HandlerName:   handler,
		ClassPath:     req.ClassPath,
		Queue:         req.Queue,
		Kwargs:        kwargs,
		User:          req.User,
		ScheduleID:    req.ScheduleID,
		Status:        TaskStatusQueued,
		ETA:           req.ETA,
		SoftTimeLimit: req.SoftLimit,
		TimeLimit:     req.HardLimit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// DecodeKwargs unmarshals the task's kwargs into a map.
func (t *Task) DecodeKwargs() (map[string]any, error) {
	if len(t.Kwargs) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := util.UnmarshalJSON(t.Kwargs, &out); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal kwargs for task %s", t.ID)
	}
	return out, nil
}

// Start marks the task as running
func (t *Task) Start() {
	now := time.Now()
	t.Status = TaskStatusRunning
	t.StartedAt = &now
	t.UpdatedAt = now
}

// Complete marks the task as completed
func (t *Task) Complete() {
	now := time.Now()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// Fail marks the task as failed with an error message
func (t *Task) Fail(err error) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.Error = err.Error()
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// Cancel marks the task as cancelled with a reason
func (t *Task) Cancel(reason string) {
	now := time.Now()
	t.Status = TaskStatusCancelled
	t.Error = reason
	t.CompletedAt = &now
	t.UpdatedAt = now
}
