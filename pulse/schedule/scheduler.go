package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/logger"
	"github.com/teranos/jobkit/pulse/async"
	"github.com/teranos/jobkit/vars"
)

// Validation messages reported on request fields.
const (
	MsgScheduleName    = "Please provide a name for the job schedule."
	MsgStartTime       = "Please enter a valid date and time greater than or equal to the current date and time."
	MsgCrontab         = "Please enter a valid crontab."
	MsgSensitiveDefer  = "Unable to schedule job: Job may have sensitive input variables."
	msgInvalidInterval = "%q is not a valid choice."
	msgInvalidQueue    = "%q is not a valid choice."
)

// Registry is the discovered job catalogue the scheduler resolves against.
type Registry interface {
	ListClassPaths() map[string]struct{}
	GetJob(classPath string) *job.Definition
}

// ModelSource loads persisted job policy.
type ModelSource interface {
	GetByClassPath(ctx context.Context, classPath string) (*job.Model, error)
}

// Spec describes when a submitted job should run.
type Spec struct {
	Name      string
	StartTime *time.Time
	Interval  Interval
	Crontab   string
}

// Request is a run request for one job.
type Request struct {
	ClassPath string
	Data      map[string]any
	// Files maps file variable names to uploaded content.
	Files     map[string]vars.Upload
	TaskQueue string
	// Schedule nil means run immediately.
	Schedule *Spec
}

// Options configures a Scheduler.
type Options struct {
	Registry     Registry
	Models       ModelSource
	Store        *Store
	Enqueuer     job.Enqueuer
	Backends     vars.Backends
	DefaultQueue string
	Logger       *zap.SugaredLogger
}

// Scheduler accepts run requests and owns persisted schedules.
type Scheduler struct {
	registry     Registry
	models       ModelSource
	store        *Store
	enqueuer     job.Enqueuer
	backends     vars.Backends
	defaultQueue string
	log          *zap.SugaredLogger
	now          func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	queue := opts.DefaultQueue
	if queue == "" {
		queue = async.DefaultQueueName
	}
	return &Scheduler{
		registry:     opts.Registry,
		models:       opts.Models,
		store:        opts.Store,
		enqueuer:     opts.Enqueuer,
		backends:     opts.Backends,
		defaultQueue: queue,
		log:          logger.AddScheduleSymbol(log.Named("schedule")),
		now:          time.Now,
	}
}

// Store returns the schedule store.
func (s *Scheduler) Store() *Store { return s.store }

// Submit validates req and either enqueues it, returning the task id, or
// persists it as a ScheduledJob.
func (s *Scheduler) Submit(ctx context.Context, req Request, user string) (*ScheduledJob, string, error) {
	def, model, err := s.resolve(ctx, req.ClassPath)
	if err != nil {
		return nil, "", err
	}
	if err := model.Validate(); err != nil {
		return nil, "", err
	}

	cleaned, err := def.Variables().ValidateData(ctx, s.backends, requestData(req))
	if err != nil {
		return nil, "", err
	}

	queue, err := s.resolveQueue(model, req.TaskQueue)
	if err != nil {
		return nil, "", err
	}

	spec := Spec{Interval: IntervalImmediately}
	if req.Schedule != nil {
		spec = *req.Schedule
		if spec.Interval == "" {
			spec.Interval = IntervalImmediately
		}
	}
	now := s.now()
	if err := s.validateSpec(&spec, model, now); err != nil {
		return nil, "", err
	}

	kwargs, err := def.Variables().Serialize(ctx, s.backends, cleaned)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to serialize data for %s", req.ClassPath)
	}

	if spec.Interval == IntervalImmediately && !model.ApprovalRequired {
		taskID, err := s.enqueue(ctx, model, req.ClassPath, kwargs, queue, user, "")
		if err != nil {
			s.discardFiles(ctx, def, kwargs)
			return nil, "", err
		}
		return nil, taskID, nil
	}

	sj := &ScheduledJob{
		ID:               uuid.NewString(),
		Name:             spec.Name,
		User:             user,
		ClassPath:        req.ClassPath,
		TaskQueue:        queue,
		Interval:         spec.Interval,
		Crontab:          spec.Crontab,
		StartTime:        *spec.StartTime,
		Kwargs:           kwargs,
		ApprovalRequired: model.ApprovalRequired,
		Enabled:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if sj.Name == "" {
		sj.Name = fmt.Sprintf("%s - %s", def.Name(), now.UTC().Format(time.RFC3339))
	}
	first, err := sj.firstRun()
	if err != nil {
		s.discardFiles(ctx, def, kwargs)
		return nil, "", errors.NewValidationError("crontab", MsgCrontab)
	}
	sj.NextRunAt = &first

	if err := s.store.CreateJob(ctx, sj); err != nil {
		s.discardFiles(ctx, def, kwargs)
		return nil, "", err
	}
	s.log.Infow("Job scheduled",
		logger.FieldScheduleID, sj.ID,
		logger.FieldClassPath, sj.ClassPath,
		"interval", sj.Interval,
		logger.FieldNextRun, first,
		"approval_required", sj.ApprovalRequired)
	return sj, "", nil
}

// discardFiles deletes uploads stored by Serialize for a submission that
// never reached the queue or the schedule table.
func (s *Scheduler) discardFiles(ctx context.Context, def *job.Definition, kwargs map[string]any) {
	if s.backends.Files == nil {
		return
	}
	for _, handle := range def.Variables().FileHandles(kwargs) {
		if _, err := s.backends.Files.Delete(context.WithoutCancel(ctx), handle); err != nil {
			s.log.Warnw("Failed to delete orphaned job file", logger.FieldFile, handle, logger.FieldError, err)
		}
	}
}

func requestData(req Request) any {
	if req.Data == nil && len(req.Files) == 0 {
		return nil
	}
	data := make(map[string]any, len(req.Data)+len(req.Files))
	for k, v := range req.Data {
		data[k] = v
	}
	for k, f := range req.Files {
		data[k] = f
	}
	return data
}

// resolve finds the definition and its runnable model.
func (s *Scheduler) resolve(ctx context.Context, classPath string) (*job.Definition, *job.Model, error) {
	if _, ok := s.registry.ListClassPaths()[classPath]; !ok {
		return nil, nil, errors.NewNotFoundError("job %s", classPath)
	}
	def := s.registry.GetJob(classPath)
	if def == nil {
		return nil, nil, errors.NewNotFoundError("job %s", classPath)
	}
	model, err := s.models.GetByClassPath(ctx, classPath)
	if errors.IsNotFoundError(err) {
		return nil, nil, errors.Wrapf(errors.ErrJobDisabled, "job %s has no model", classPath)
	}
	if err != nil {
		return nil, nil, err
	}
	if !model.Runnable() {
		return nil, nil, errors.Wrapf(errors.ErrJobDisabled, "job %s is not enabled to be run", classPath)
	}
	return def, model, nil
}

func (s *Scheduler) resolveQueue(model *job.Model, requested string) (string, error) {
	if requested == "" {
		return model.DefaultQueue(s.defaultQueue), nil
	}
	if !model.AllowsQueue(requested, s.defaultQueue) {
		return "", errors.NewValidationError("task_queue", fmt.Sprintf(msgInvalidQueue, requested))
	}
	return requested, nil
}

// validateSpec checks the schedule fields and fills in the start time.
func (s *Scheduler) validateSpec(spec *Spec, model *job.Model, now time.Time) error {
	if !spec.Interval.Valid() {
		return errors.NewValidationError("interval", fmt.Sprintf(msgInvalidInterval, spec.Interval))
	}
	if model.HasSensitiveVariables && spec.Interval != IntervalImmediately {
		return errors.NewValidationError("interval", MsgSensitiveDefer)
	}
	if spec.Interval == IntervalImmediately {
		spec.StartTime = &now
		return nil
	}

	if spec.Name == "" {
		return errors.NewValidationError("name", MsgScheduleName)
	}
	if spec.StartTime == nil && spec.Interval == IntervalCustom {
		spec.StartTime = &now
	}
	if spec.StartTime == nil || spec.StartTime.Before(now.Truncate(time.Second)) {
		return errors.NewValidationError("start_time", MsgStartTime)
	}
	if spec.Interval == IntervalCustom {
		if spec.Crontab == "" {
			return errors.NewValidationError("crontab", MsgCrontab)
		}
		if _, err := ParseCrontab(spec.Crontab); err != nil {
			return errors.NewValidationError("crontab", err.Error())
		}
	}
	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, model *job.Model, classPath string, kwargs map[string]any, queue, user, scheduleID string) (string, error) {
	req := async.EnqueueRequest{
		ClassPath:  classPath,
		Kwargs:     kwargs,
		Queue:      queue,
		User:       user,
		ScheduleID: scheduleID,
	}
	if model != nil {
		req.SoftLimit = util.Seconds(model.SoftTimeLimit)
		req.HardLimit = util.Seconds(model.TimeLimit)
	}
	taskID, err := s.enqueuer.Enqueue(ctx, req)
	if err != nil {
		return "", errors.WithDetail(errors.Wrap(err, "failed to enqueue job"), "class_path: "+classPath)
	}
	s.log.Infow("Job enqueued",
		logger.FieldTaskID, taskID,
		logger.FieldClassPath, classPath,
		logger.FieldQueue, queue,
		logger.FieldUser, user)
	return taskID, nil
}

// Approve records user's approval. A one-shot schedule that is already due
// is fired at once and its task id returned.
func (s *Scheduler) Approve(ctx context.Context, id, user string) (string, error) {
	now := s.now()
	if err := s.store.MarkApproved(ctx, id, user, now); err != nil {
		return "", err
	}
	sj, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	s.log.Infow("Scheduled job approved", logger.FieldScheduleID, id, logger.FieldUser, user)

	if sj.Interval.Recurring() || sj.NextRunAt == nil || sj.NextRunAt.After(now) {
		return "", nil
	}
	taskID, fired, err := s.Fire(ctx, sj, now)
	if err != nil || !fired {
		return "", err
	}
	return taskID, nil
}

// Deny discards a schedule that is awaiting approval.
func (s *Scheduler) Deny(ctx context.Context, id string) error {
	sj, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if sj.Approved() {
		return errors.Wrapf(errors.ErrConflict, "scheduled job %s is not awaiting approval", id)
	}
	if err := s.delete(ctx, id); err != nil {
		return err
	}
	s.log.Infow("Scheduled job denied", logger.FieldScheduleID, id)
	return nil
}

// Cancel deletes a schedule.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.delete(ctx, id); err != nil {
		return err
	}
	s.log.Infow("Scheduled job cancelled", logger.FieldScheduleID, id)
	return nil
}

func (s *Scheduler) delete(ctx context.Context, id string) error {
	ok, err := s.store.DeleteJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFoundError("scheduled job %s", id)
	}
	return nil
}

// Fire claims the due run of sj and enqueues it. Recurring schedules are
// advanced, one-shots are deleted. fired is false when another process
// claimed the run first.
func (s *Scheduler) Fire(ctx context.Context, sj *ScheduledJob, now time.Time) (taskID string, fired bool, err error) {
	if sj.NextRunAt == nil {
		return "", false, errors.Newf("scheduled job %s has no pending run", sj.ID)
	}
	due := *sj.NextRunAt

	if sj.Interval.Recurring() {
		next, err := sj.nextRunAfter(due, now)
		if err != nil {
			return "", false, err
		}
		claimed, err := s.store.AdvanceJob(ctx, sj.ID, due, now, next)
		if err != nil || !claimed {
			return "", false, err
		}
	} else {
		claimed, err := s.store.DeleteJob(ctx, sj.ID)
		if err != nil || !claimed {
			return "", false, err
		}
	}

	model, err := s.models.GetByClassPath(ctx, sj.ClassPath)
	if err != nil && !errors.IsNotFoundError(err) {
		return "", false, err
	}
	taskID, err = s.enqueue(ctx, model, sj.ClassPath, sj.Kwargs, sj.TaskQueue, sj.User, sj.ID)
	if err != nil {
		return "", false, err
	}
	return taskID, true, nil
}
