// Package schedule turns run requests into queued tasks or persisted
// schedules, and fires due schedules on a ticker.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/jobkit/errors"
)

// Interval is how a submitted job recurs.
type Interval string

const (
	IntervalImmediately Interval = "immediately"
	IntervalFuture      Interval = "future"
	IntervalHourly      Interval = "hourly"
	IntervalDaily       Interval = "daily"
	IntervalWeekly      Interval = "weekly"
	IntervalCustom      Interval = "custom"
)

// Valid reports whether i is a known interval.
func (i Interval) Valid() bool {
	switch i {
	case IntervalImmediately, IntervalFuture, IntervalHourly, IntervalDaily, IntervalWeekly, IntervalCustom:
		return true
	}
	return false
}

// Recurring reports whether a schedule with this interval survives a fire.
func (i Interval) Recurring() bool {
	switch i {
	case IntervalHourly, IntervalDaily, IntervalWeekly, IntervalCustom:
		return true
	}
	return false
}

// Period is the fixed spacing of hourly, daily and weekly schedules.
func (i Interval) Period() time.Duration {
	switch i {
	case IntervalHourly:
		return time.Hour
	case IntervalDaily:
		return 24 * time.Hour
	case IntervalWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// ScheduledJob is a persisted deferred, recurring or pending-approval run.
type ScheduledJob struct {
	ID            string
	Name          string
	User          string
	ClassPath     string
	TaskQueue     string
	Interval      Interval
	Crontab       string
	StartTime     time.Time
	NextRunAt     *time.Time // nil once a one-shot has fired
	LastRunAt     *time.Time
	TotalRunCount int
	// Kwargs holds serialized variable values, never typed ones.
	Kwargs           map[string]any
	ApprovalRequired bool
	ApprovedBy       string
	ApprovedAt       *time.Time
	Enabled          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Approved reports whether the schedule may fire.
func (j *ScheduledJob) Approved() bool {
	return !j.ApprovalRequired || j.ApprovedAt != nil
}

// crontabParser accepts the classic five-field form.
var crontabParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCrontab parses a five-field crontab expression.
func ParseCrontab(spec string) (cron.Schedule, error) {
	s, err := crontabParser.Parse(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid crontab %q", spec)
	}
	return s, nil
}

// firstRun returns the first fire time at or after start.
func (j *ScheduledJob) firstRun() (time.Time, error) {
	if j.Interval != IntervalCustom {
		return j.StartTime, nil
	}
	s, err := ParseCrontab(j.Crontab)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(j.StartTime.Add(-time.Second)), nil
}

// nextRunAfter returns the fire time following due that lies after now.
// Missed periods are skipped instead of fired in a burst.
func (j *ScheduledJob) nextRunAfter(due, now time.Time) (time.Time, error) {
	if j.Interval == IntervalCustom {
		s, err := ParseCrontab(j.Crontab)
		if err != nil {
			return time.Time{}, err
		}
		next := s.Next(due)
		for !next.After(now) {
			next = s.Next(next)
		}
		return next, nil
	}
	period := j.Interval.Period()
	if period <= 0 {
		return time.Time{}, errors.Newf("interval %s does not recur", j.Interval)
	}
	next := due.Add(period)
	if !next.After(now) {
		skipped := now.Sub(next)/period + 1
		next = next.Add(skipped * period)
	}
	return next, nil
}
