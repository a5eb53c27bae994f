// Package result persists job results and their log entries.
package result

import (
	"encoding/json"
	"time"

	"github.com/teranos/jobkit/job"
)

// Status is the lifecycle state of a job result.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusErrored Status = "errored"
)

// IsTerminal reports whether s is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusErrored:
		return true
	}
	return false
}

// StatusFor maps an outcome kind to the terminal status it produces.
func StatusFor(k job.OutcomeKind) Status {
	switch k {
	case job.OutcomeSuccess:
		return StatusSuccess
	case job.OutcomeFailure:
		return StatusFailure
	default:
		return StatusErrored
	}
}

// Result is the durable record of one execution. Its id is the task id.
type Result struct {
	ID          string
	ClassPath   string
	Name        string
	Status      Status
	User        string
	TaskKwargs  map[string]any
	Value       json.RawMessage
	ScheduleID  string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// LogEntry is one persisted log line of a result.
type LogEntry struct {
	ID            string
	ResultID      string
	Seq           int
	CreatedAt     time.Time
	Level         job.LogLevel
	Grouping      string
	Message       string
	ObjectType    string
	ObjectPK      string
	ObjectDisplay string
}
