package hooks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/jobkit/changes"
	"github.com/teranos/jobkit/errors"
	jobtest "github.com/teranos/jobkit/internal/testing"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/objects"
	"github.com/teranos/jobkit/pulse/async"
	"github.com/teranos/jobkit/pulse/schedule"
	"github.com/teranos/jobkit/vars"
)

// Test universe: a greenhouse whose plants and sensors are watched by hooks
// and poked by buttons.

const plantType = "garden.plant"

type registry map[string]*job.Definition

func (r registry) ListClassPaths() map[string]struct{} {
	out := make(map[string]struct{}, len(r))
	for cp := range r {
		out[cp] = struct{}{}
	}
	return out
}

func (r registry) GetJob(classPath string) *job.Definition { return r[classPath] }

type greenhouse struct {
	t          *testing.T
	registry   registry
	models     *job.ModelStore
	store      *Store
	queue      *async.Queue
	recorder   *changes.Recorder
	objects    *objects.Store
	dispatcher *Dispatcher
}

func newGreenhouse(t *testing.T) *greenhouse {
	t.Helper()
	db := jobtest.CreateTestDB(t)
	recorder := changes.NewRecorder(db)
	g := &greenhouse{
		t:        t,
		registry: registry{},
		models:   job.NewModelStore(db),
		store:    NewStore(db),
		queue:    async.NewQueue(db),
		recorder: recorder,
		objects:  objects.NewStore(db, recorder),
	}
	sched := schedule.NewScheduler(schedule.Options{
		Registry: g.registry,
		Models:   g.models,
		Store:    schedule.NewStore(db),
		Enqueuer: g.queue,
		Backends: vars.Backends{Objects: g.objects},
		Logger:   zap.NewNop().Sugar(),
	})
	g.dispatcher = NewDispatcher(Options{
		Store:     g.store,
		Registry:  g.registry,
		Submitter: sched,
		Tracked:   changes.NewRegistry(plantType),
		Objects:   g.objects,
		Logger:    zap.NewNop().Sugar(),
	})
	recorder.Subscribe(g.dispatcher)
	return g
}

func (g *greenhouse) install(def *job.Definition, enabled bool) string {
	g.t.Helper()
	bound := def.Bind(job.SourceLocal, "greenhouse", "")
	cp := bound.ClassPath().String()
	g.registry[cp] = bound
	m := job.NewModel(bound)
	m.Enabled = enabled
	require.NoError(g.t, g.models.Create(context.Background(), m))
	return cp
}

func noopHook(*job.Context, vars.Object, string, *vars.Object) job.Outcome { return job.Success(nil) }

func noopButton(*job.Context, vars.Object) job.Outcome { return job.Success(nil) }

func (g *greenhouse) kwargs() []map[string]any {
	g.t.Helper()
	tasks, err := g.queue.ListTasks(context.Background(), nil, 100)
	require.NoError(g.t, err)
	out := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		var kw map[string]any
		require.NoError(g.t, json.Unmarshal(task.Kwargs, &kw))
		out = append(out, kw)
	}
	return out
}

func (g *greenhouse) plant(pk string) {
	g.t.Helper()
	_, err := g.objects.Save(context.Background(), vars.Object{Type: plantType, PK: pk, Display: pk})
	require.NoError(g.t, err)
}

func TestChangeSubmitsMatchingHooks(t *testing.T) {
	g := newGreenhouse(t)
	ctx := context.Background()
	cp := g.install(job.HookReceiver("WaterLog", nil, noopHook), true)
	require.NoError(t, g.dispatcher.AddHook(ctx, &Hook{
		Name:         "log watering",
		ClassPath:    cp,
		ContentTypes: []string{plantType},
		Enabled:      true,
		TypeCreate:   true,
		TypeUpdate:   true,
	}))

	scoped := changes.WithScope(ctx, changes.Scope{Kind: changes.ContextWeb, User: "gardener"})
	e, err := g.recorder.Record(scoped, changes.Event{Action: changes.ActionCreate, ObjectType: plantType, ObjectID: "fern"})
	require.NoError(t, err)

	tasks, err := g.queue.ListTasks(ctx, nil, 100)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, cp, tasks[0].ClassPath)
	assert.Equal(t, "gardener", tasks[0].User)
	assert.JSONEq(t, `{"object_change":"`+e.ID+`"}`, string(tasks[0].Kwargs))

	_, err = g.recorder.Record(scoped, changes.Event{Action: changes.ActionDelete, ObjectType: plantType, ObjectID: "fern"})
	require.NoError(t, err)
	assert.Len(t, g.kwargs(), 1, "delete is not selected on the hook")
}

func TestHookReceiverChangesDoNotRetrigger(t *testing.T) {
	g := newGreenhouse(t)
	ctx := context.Background()
	cp := g.install(job.HookReceiver("WaterLog", nil, noopHook), true)
	require.NoError(t, g.dispatcher.AddHook(ctx, &Hook{
		Name: "log", ClassPath: cp, ContentTypes: []string{plantType}, Enabled: true, TypeUpdate: true,
	}))

	hookCtx := changes.WithScope(ctx, changes.Scope{Kind: changes.ContextJobHook, Detail: cp})
	_, err := g.recorder.Record(hookCtx, changes.Event{Action: changes.ActionUpdate, ObjectType: plantType, ObjectID: "fern"})
	require.NoError(t, err)

	_, err = g.recorder.Record(ctx, changes.Event{Action: changes.ActionUpdate, ObjectType: "garden.sensor", ObjectID: "t1"})
	require.NoError(t, err)

	assert.Empty(t, g.kwargs())
}

func TestOneFailingHookDoesNotStopOthers(t *testing.T) {
	g := newGreenhouse(t)
	ctx := context.Background()
	dormant := g.install(job.HookReceiver("Dormant", nil, noopHook), false)
	active := g.install(job.HookReceiver("Prune", nil, noopHook), true)
	for name, cp := range map[string]string{"a dormant": dormant, "b prune": active} {
		require.NoError(t, g.dispatcher.AddHook(ctx, &Hook{
			Name: name, ClassPath: cp, ContentTypes: []string{plantType}, Enabled: true, TypeCreate: true,
		}))
	}

	g.plant("rose")

	tasks, err := g.queue.ListTasks(ctx, nil, 100)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, active, tasks[0].ClassPath)
}

func TestPressButton(t *testing.T) {
	g := newGreenhouse(t)
	ctx := context.Background()
	cp := g.install(job.ButtonReceiver("Mist", nil, noopButton), true)
	b := &Button{Name: "mist", ClassPath: cp, ContentTypes: []string{plantType}, Enabled: true}
	require.NoError(t, g.dispatcher.AddButton(ctx, b))
	assert.Equal(t, "mist", b.Text)
	g.plant("orchid")

	taskID, err := g.dispatcher.PressButton(ctx, b.ID, plantType, "orchid", "gardener")
	require.NoError(t, err)
	task, err := g.queue.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"object_pk":"orchid","object_model_name":"garden.plant"}`, string(task.Kwargs))
	assert.Equal(t, "gardener", task.User)

	_, err = g.dispatcher.PressButton(ctx, b.ID, plantType, "cactus", "gardener")
	assert.True(t, errors.IsNotFoundError(err), "got %v", err)

	_, err = g.dispatcher.PressButton(ctx, b.ID, "garden.sensor", "orchid", "gardener")
	assert.True(t, errors.IsInvalidRequestError(err))

	assert.Len(t, g.kwargs(), 1, "failed presses queue nothing")
}

func TestPressDisabledButton(t *testing.T) {
	g := newGreenhouse(t)
	ctx := context.Background()
	cp := g.install(job.ButtonReceiver("Mist", nil, noopButton), true)
	b := &Button{Name: "mist", ClassPath: cp, ContentTypes: []string{plantType}}
	require.NoError(t, g.dispatcher.AddButton(ctx, b))
	g.plant("orchid")

	_, err := g.dispatcher.PressButton(ctx, b.ID, plantType, "orchid", "gardener")
	assert.True(t, errors.Is(err, errors.ErrJobDisabled))
}

func TestAddHookAndButtonValidation(t *testing.T) {
	g := newGreenhouse(t)
	ctx := context.Background()
	plain := g.install(&job.Definition{Class: "Repot"}, true)
	button := g.install(job.ButtonReceiver("Mist", nil, noopButton), true)

	err := g.dispatcher.AddHook(ctx, &Hook{Name: "repot", ClassPath: button, ContentTypes: []string{plantType}})
	verr, ok := errors.AsValidationError(err)
	require.True(t, ok)
	assert.True(t, verr.HasField("job"))
	assert.True(t, verr.HasField("type_create"))

	err = g.dispatcher.AddButton(ctx, &Button{Name: "repot", ClassPath: plain})
	verr, ok = errors.AsValidationError(err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"content_types", "job"}, verr.FieldNames())
}
