package hooks

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/jobkit/changes"
	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/logger"
	"github.com/teranos/jobkit/pulse/schedule"
	"github.com/teranos/jobkit/vars"
)

// Submitter accepts job run requests.
type Submitter interface {
	Submit(ctx context.Context, req schedule.Request, user string) (*schedule.ScheduledJob, string, error)
}

// Registry resolves class paths to loaded definitions.
type Registry interface {
	GetJob(classPath string) *job.Definition
}

// Options configures a Dispatcher.
type Options struct {
	Store     *Store
	Registry  Registry
	Submitter Submitter
	Tracked   *changes.Registry
	Objects   vars.ObjectResolver
	Logger    *zap.SugaredLogger
}

// Dispatcher submits receiver jobs for hooks and buttons.
type Dispatcher struct {
	store     *Store
	registry  Registry
	submitter Submitter
	tracked   *changes.Registry
	objects   vars.ObjectResolver
	log       *zap.SugaredLogger
}

// NewDispatcher creates a Dispatcher. Subscribe it to a changes.Recorder to
// run hooks.
func NewDispatcher(opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	return &Dispatcher{
		store:     opts.Store,
		registry:  opts.Registry,
		submitter: opts.Submitter,
		tracked:   opts.Tracked,
		objects:   opts.Objects,
		log:       logger.AddHookSymbol(log.Named("hooks")),
	}
}

var _ changes.Listener = (*Dispatcher)(nil)

// OnChange submits every hook matching e. Changes made by hook receivers
// themselves never trigger hooks.
func (d *Dispatcher) OnChange(ctx context.Context, e changes.Event) {
	if e.Context == changes.ContextJobHook {
		return
	}
	if !d.tracked.IsTrackable(e.ObjectType) {
		return
	}

	hooks, err := d.store.MatchingHooks(ctx, e.ObjectType, e.Action)
	if err != nil {
		d.log.Errorw("Failed to load job hooks",
			"object_type", e.ObjectType, "action", e.Action, logger.FieldError, err)
		return
	}

	for _, h := range hooks {
		_, taskID, err := d.submitter.Submit(ctx, schedule.Request{
			ClassPath: h.ClassPath,
			Data:      map[string]any{job.VarObjectChange: e.ID},
		}, e.User)
		if err != nil {
			d.log.Errorw("Failed to submit job hook",
				logger.FieldHookID, h.ID,
				logger.FieldClassPath, h.ClassPath,
				"object_change", e.ID,
				logger.FieldError, err)
			continue
		}
		d.log.Infow("Job hook submitted",
			logger.FieldHookID, h.ID,
			logger.FieldClassPath, h.ClassPath,
			logger.FieldTaskID, taskID,
			"action", e.Action,
			"object_type", e.ObjectType)
	}
}

// PressButton runs the button's receiver job against one object and returns
// the task id. Nothing is queued when the object cannot be resolved.
func (d *Dispatcher) PressButton(ctx context.Context, buttonID, objectType, objectPK, user string) (string, error) {
	b, err := d.store.GetButton(ctx, buttonID)
	if err != nil {
		return "", err
	}
	if !b.Enabled {
		return "", errors.Wrapf(errors.ErrJobDisabled, "job button %s is disabled", b.Name)
	}
	if !b.AppliesTo(objectType) {
		return "", errors.NewInvalidRequestError("job button %s does not apply to %s", b.Name, objectType)
	}
	if d.objects == nil {
		return "", errors.New("no object resolver configured")
	}
	if _, err := d.objects.Get(ctx, objectType, objectPK); err != nil {
		return "", errors.Wrapf(err, "job button %s", b.Name)
	}

	_, taskID, err := d.submitter.Submit(ctx, schedule.Request{
		ClassPath: b.ClassPath,
		Data: map[string]any{
			job.VarObjectPK:        objectPK,
			job.VarObjectModelName: objectType,
		},
	}, user)
	if err != nil {
		return "", err
	}
	d.log.Infow("Job button pressed",
		logger.FieldButtonID, b.ID,
		logger.FieldClassPath, b.ClassPath,
		logger.FieldTaskID, taskID,
		logger.FieldUser, user)
	return taskID, nil
}

// AddHook validates and stores a new hook.
func (d *Dispatcher) AddHook(ctx context.Context, h *Hook) error {
	verr := &errors.ValidationError{}
	if strings.TrimSpace(h.Name) == "" {
		verr.Add("name", "This field is required.")
	}
	if len(h.ContentTypes) == 0 {
		verr.Add("content_types", "This field is required.")
	}
	if !h.TypeCreate && !h.TypeUpdate && !h.TypeDelete {
		verr.Add("type_create", "You must select at least one object action.")
	}
	if def := d.registry.GetJob(h.ClassPath); def == nil || !def.IsHookReceiver() {
		verr.Add("job", "A job hook must run a job hook receiver.")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}

	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	if err := d.store.CreateHook(ctx, h); err != nil {
		return err
	}
	d.log.Infow("Job hook created", logger.FieldHookID, h.ID, logger.FieldClassPath, h.ClassPath)
	return nil
}

// AddButton validates and stores a new button.
func (d *Dispatcher) AddButton(ctx context.Context, b *Button) error {
	verr := &errors.ValidationError{}
	if strings.TrimSpace(b.Name) == "" {
		verr.Add("name", "This field is required.")
	}
	if len(b.ContentTypes) == 0 {
		verr.Add("content_types", "This field is required.")
	}
	if def := d.registry.GetJob(b.ClassPath); def == nil || !def.IsButtonReceiver() {
		verr.Add("job", "A job button must run a job button receiver.")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Text == "" {
		b.Text = b.Name
	}
	if b.Weight == 0 {
		b.Weight = 100
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	if err := d.store.CreateButton(ctx, b); err != nil {
		return err
	}
	d.log.Infow("Job button created", logger.FieldButtonID, b.ID, logger.FieldClassPath, b.ClassPath)
	return nil
}
