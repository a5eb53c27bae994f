// Package execution runs a single job task from pickup to its terminal result.
package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobkit/changes"
	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/logger"
	"github.com/teranos/jobkit/pulse/async"
	"github.com/teranos/jobkit/result"
	"github.com/teranos/jobkit/vars"
)

// Registry resolves a class path to its loaded definition, or nil.
type Registry interface {
	GetJob(classPath string) *job.Definition
}

// ModelSource loads the persisted execution policy for a job.
type ModelSource interface {
	GetByClassPath(ctx context.Context, classPath string) (*job.Model, error)
}

// Options configures a Controller.
type Options struct {
	Registry Registry
	Models   ModelSource
	Results  *result.Store
	Backends vars.Backends
	Logger   *zap.SugaredLogger
	// Worker-wide limits used when the job model leaves its own at zero.
	DefaultSoftTimeLimit time.Duration
	DefaultTimeLimit     time.Duration
}

// Controller is the async handler for job runs.
type Controller struct {
	registry Registry
	models   ModelSource
	results  *result.Store
	backends vars.Backends
	log      *zap.SugaredLogger

	defaultSoft time.Duration
	defaultHard time.Duration
}

// NewController creates a Controller.
func NewController(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	return &Controller{
		registry:    opts.Registry,
		models:      opts.Models,
		results:     opts.Results,
		backends:    opts.Backends,
		log:         logger.AddJobSymbol(log.Named("execution")),
		defaultSoft: opts.DefaultSoftTimeLimit,
		defaultHard: opts.DefaultTimeLimit,
	}
}

// Name implements async.TaskHandler.
func (c *Controller) Name() string { return async.RunJobHandler }

// Execute runs the job carried by task. Job-level outcomes (failure,
// errored) are recorded on the result and return nil; only infrastructure
// problems are returned.
func (c *Controller) Execute(ctx context.Context, task *async.Task) error {
	log := c.log.With(logger.FieldTaskID, task.ID, logger.FieldClassPath, task.ClassPath)

	def := c.registry.GetJob(task.ClassPath)
	name := task.ClassPath
	if def != nil {
		name = def.Name()
	}

	kwargs, kwargsErr := task.DecodeKwargs()

	res, created, err := c.results.Start(ctx, &result.Result{
		ID:         task.ID,
		ClassPath:  task.ClassPath,
		Name:       name,
		User:       task.User,
		TaskKwargs: kwargs,
		ScheduleID: task.ScheduleID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to start job result")
	}
	if res.Status.IsTerminal() {
		log.Infow("Skipping task whose result is already final", logger.FieldStatus, res.Status)
		return nil
	}
	if !created {
		log.Warnw("Resuming redelivered task")
	}

	var dir string
	if def != nil {
		dir = def.Dir
	}
	jc := job.NewContext(ctx, job.ContextOptions{
		ResultID:  task.ID,
		ClassPath: task.ClassPath,
		User:      task.User,
		Backends:  c.backends,
		Sink:      c.results,
		Logger:    c.log,
		SoftLimit: async.SoftLimit(ctx),
		Dir:       dir,
	})

	outcome := c.run(ctx, jc, def, name, kwargs, kwargsErr)
	if outcome.Kind == job.OutcomeErrored {
		jc.Log(job.LevelFailure, nil, "An exception occurred: %v\n```\n%+v\n```", outcome.Err, outcome.Err)
	}
	c.cleanup(jc, def, kwargs)
	return c.finish(ctx, jc, outcome, log)
}

// run covers initialization and the job body.
func (c *Controller) run(ctx context.Context, jc *job.Context, def *job.Definition, name string, kwargs map[string]any, kwargsErr error) job.Outcome {
	model, err := c.models.GetByClassPath(ctx, jc.ClassPath)
	if err != nil && !errors.IsNotFoundError(err) {
		return job.Errored(errors.Wrap(err, "failed to load job model"))
	}
	if def == nil || model == nil || !model.Runnable() {
		if model != nil {
			name = model.Name
		}
		return jc.LogFailure("Job %s is not enabled to be run!", name)
	}

	soft := durationOr(model.SoftTimeLimit, c.defaultSoft)
	hard := durationOr(model.TimeLimit, c.defaultHard)
	if hard > 0 && hard <= soft {
		jc.LogWarning("The hard time limit of %g seconds is less than or equal to the soft time limit of %g seconds. "+
			"This job will fail silently after %g seconds.",
			util.ToSeconds(hard), util.ToSeconds(soft), util.ToSeconds(hard))
	}

	jc.LogInfo("Running job")

	if kwargsErr != nil {
		return jc.LogFailure("Error initializing job:\n```\n%+v\n```", kwargsErr)
	}
	data, err := def.Variables().Deserialize(ctx, c.backends, kwargs)
	if err != nil {
		return jc.LogFailure("Error initializing job:\n```\n%+v\n```", err)
	}

	jc.SetPhase(job.PhaseRun)

	kind := changes.ContextJob
	if def.IsHookReceiver() {
		kind = changes.ContextJobHook
	}
	jc.WithContext(changes.WithScope(ctx, changes.Scope{
		Kind:   kind,
		Detail: jc.ClassPath,
		User:   jc.User,
	}))

	return invoke(jc, def.Runner(), data)
}

// invoke calls the job body, turning a panic into an errored outcome.
func invoke(jc *job.Context, run job.RunFunc, data map[string]any) (out job.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = job.Errored(errors.Newf("job panicked: %v", r))
		}
	}()
	return run(jc, data)
}

// cleanup deletes every stored upload referenced by the task's kwargs once,
// then logs completion. Failures are only logged.
func (c *Controller) cleanup(jc *job.Context, def *job.Definition, kwargs map[string]any) {
	if def != nil && c.backends.Files != nil {
		seen := make(map[string]bool)
		for _, handle := range def.Variables().FileHandles(kwargs) {
			if seen[handle] {
				continue
			}
			seen[handle] = true
			if _, err := c.backends.Files.Delete(context.WithoutCancel(jc.Context()), handle); err != nil {
				c.log.Warnw("Failed to delete job file",
					logger.FieldResultID, jc.ResultID,
					logger.FieldFile, handle,
					logger.FieldError, err)
			}
		}
	}
	jc.LogInfo("Job completed")
}

// finish writes the terminal status. A result already closed by the timeout
// callback is left as it is.
func (c *Controller) finish(ctx context.Context, jc *job.Context, outcome job.Outcome, log *zap.SugaredLogger) error {
	status := result.StatusFor(outcome.Kind)
	if status == result.StatusSuccess && jc.Failed() {
		status = result.StatusFailure
	}
	var value any
	if status == result.StatusSuccess {
		value = outcome.Value
	}

	err := c.results.Complete(context.WithoutCancel(ctx), jc.ResultID, status, value)
	if errors.Is(err, errors.ErrAlreadyTerminal) {
		log.Debugw("Result was closed before the job returned", logger.FieldError, err)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to record job outcome")
	}
	log.Infow("Job finished", logger.FieldStatus, status)
	return nil
}

// OnTimeout implements async.TimeoutHandler. It closes the result as
// errored; the job body may still be unwinding.
func (c *Controller) OnTimeout(ctx context.Context, task *async.Task, cause error) {
	log := c.log.With(logger.FieldTaskID, task.ID, logger.FieldClassPath, task.ClassPath)

	entry := job.Entry{
		Level:    job.LevelFailure,
		Message:  fmt.Sprintf("Job exceeded its hard time limit: %v", cause),
		Grouping: job.PhaseRun,
	}
	if err := c.results.AppendLog(ctx, task.ID, entry); err != nil {
		log.Debugw("Could not append timeout entry", logger.FieldError, err)
	}

	err := c.results.Complete(ctx, task.ID, result.StatusErrored, nil)
	switch {
	case err == nil:
		log.Warnw("Job result marked errored after hard time limit")
	case errors.Is(err, errors.ErrAlreadyTerminal):
		log.Debugw("Job finished before the timeout was recorded")
	default:
		log.Errorw("Failed to mark timed out job result", logger.FieldError, err)
	}
}

func durationOr(seconds float64, fallback time.Duration) time.Duration {
	if seconds > 0 {
		return util.Seconds(seconds)
	}
	return fallback
}
