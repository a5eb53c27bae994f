package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/jobkit/changes"
	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/filestore"
	jobtest "github.com/teranos/jobkit/internal/testing"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/objects"
	"github.com/teranos/jobkit/pulse/async"
	"github.com/teranos/jobkit/result"
	"github.com/teranos/jobkit/vars"
)

type staticRegistry map[string]*job.Definition

func (r staticRegistry) GetJob(classPath string) *job.Definition { return r[classPath] }

type harness struct {
	t        *testing.T
	db       *sql.DB
	registry staticRegistry
	models   *job.ModelStore
	results  *result.Store
	files    *filestore.Store
	objects  *objects.Store
	recorder *changes.Recorder
	ctrl     *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := jobtest.CreateTestDB(t)
	recorder := changes.NewRecorder(db)
	h := &harness{
		t:        t,
		db:       db,
		registry: staticRegistry{},
		models:   job.NewModelStore(db),
		results:  result.NewStore(db),
		files:    filestore.NewStore(db),
		objects:  objects.NewStore(db, recorder),
		recorder: recorder,
	}
	h.ctrl = NewController(Options{
		Registry:             h.registry,
		Models:               h.models,
		Results:              h.results,
		Backends:             vars.Backends{Objects: h.objects, Files: h.files},
		Logger:               zap.NewNop().Sugar(),
		DefaultSoftTimeLimit: 300 * time.Second,
		DefaultTimeLimit:     600 * time.Second,
	})
	return h
}

// install binds def under local/tests and persists its model.
func (h *harness) install(def *job.Definition, enabled bool) *job.Definition {
	h.t.Helper()
	bound := def.Bind(job.SourceLocal, "tests", "")
	h.registry[bound.ClassPath().String()] = bound

	m := job.NewModel(bound)
	m.Enabled = enabled
	m.HasSensitiveVariables = false
	require.NoError(h.t, h.models.Create(context.Background(), m))
	return bound
}

func (h *harness) task(def *job.Definition, kwargs map[string]any) *async.Task {
	h.t.Helper()
	raw, err := json.Marshal(kwargs)
	require.NoError(h.t, err)
	return &async.Task{
		ID:          uuid.NewString(),
		HandlerName: async.RunJobHandler,
		ClassPath:   def.ClassPath().String(),
		Queue:       "default",
		Kwargs:      raw,
		User:        "alice",
		Status:      async.TaskStatusRunning,
	}
}

func (h *harness) execute(task *async.Task) (*result.Result, []string) {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Execute(context.Background(), task))
	return h.load(task.ID)
}

func (h *harness) load(id string) (*result.Result, []string) {
	h.t.Helper()
	res, err := h.results.Get(context.Background(), id)
	require.NoError(h.t, err)
	entries, err := h.results.Logs(context.Background(), id)
	require.NoError(h.t, err)
	msgs := make([]string, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, string(e.Level)+": "+e.Message)
	}
	return res, msgs
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t)
	def := h.install(&job.Definition{
		Class: "Hello",
		Vars:  []vars.Variable{vars.String("name")},
		Run: func(jc *job.Context, data map[string]any) job.Outcome {
			jc.LogSuccess("Hello %s", data["name"])
			return job.Success(map[string]any{"greeted": data["name"]})
		},
	}, true)

	res, logs := h.execute(h.task(def, map[string]any{"name": "world"}))

	assert.Equal(t, result.StatusSuccess, res.Status)
	assert.Equal(t, "Hello", res.Name)
	assert.Equal(t, "alice", res.User)
	assert.JSONEq(t, `{"greeted":"world"}`, string(res.Value))
	assert.NotNil(t, res.CompletedAt)
	assert.Equal(t, []string{
		"info: Running job",
		"success: Hello world",
		"info: Job completed",
	}, logs)
}

func TestExecuteDisabledJob(t *testing.T) {
	h := newHarness(t)
	var runs atomic.Int32
	def := h.install(&job.Definition{
		Class: "Dormant",
		Run: func(*job.Context, map[string]any) job.Outcome {
			runs.Add(1)
			return job.Success(nil)
		},
	}, false)

	res, logs := h.execute(h.task(def, nil))

	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Contains(t, logs, "failure: Job Dormant is not enabled to be run!")
	assert.Contains(t, logs, "info: Job completed")
	assert.Equal(t, int32(0), runs.Load())
}

func TestExecuteUnknownJob(t *testing.T) {
	h := newHarness(t)
	task := &async.Task{ID: uuid.NewString(), ClassPath: "local/tests/Gone", Queue: "default"}

	res, logs := h.execute(task)
	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Contains(t, logs, "failure: Job local/tests/Gone is not enabled to be run!")
}

func TestSuccessAfterLogFailureCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	def := h.install(&job.Definition{
		Class: "HalfBroken",
		Run: func(jc *job.Context, _ map[string]any) job.Outcome {
			jc.LogFailure("device %s unreachable", "ams1-edge")
			return job.Success("done anyway")
		},
	}, true)

	res, logs := h.execute(h.task(def, nil))
	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Empty(t, res.Value)
	assert.Contains(t, logs, "failure: device ams1-edge unreachable")
}

func TestErroredAndPanickingJobs(t *testing.T) {
	h := newHarness(t)
	errored := h.install(&job.Definition{
		Class: "Broken",
		Run: func(*job.Context, map[string]any) job.Outcome {
			return job.Errored(errors.New("connection refused"))
		},
	}, true)
	panicking := h.install(&job.Definition{
		Class: "Panicky",
		Run: func(*job.Context, map[string]any) job.Outcome {
			panic("nil map write")
		},
	}, true)

	for def, want := range map[*job.Definition]string{errored: "connection refused", panicking: "job panicked: nil map write"} {
		res, logs := h.execute(h.task(def, nil))
		assert.Equal(t, result.StatusErrored, res.Status, def.Class)

		var trace string
		for _, l := range logs {
			if strings.HasPrefix(l, "failure: An exception occurred") {
				trace = l
			}
		}
		assert.Contains(t, trace, want)
		assert.Equal(t, "info: Job completed", logs[len(logs)-1])
		assert.True(t, strings.HasPrefix(logs[len(logs)-2], "failure: An exception occurred"), "logs: %v", logs)
	}
}

func TestInitializationErrorIsFailure(t *testing.T) {
	h := newHarness(t)
	var runs atomic.Int32
	def := h.install(&job.Definition{
		Class: "NeedsDevice",
		Vars:  []vars.Variable{vars.ObjectRef("device", "dcim.device")},
		Run: func(*job.Context, map[string]any) job.Outcome {
			runs.Add(1)
			return job.Success(nil)
		},
	}, true)

	// The device was deleted while the task sat on the queue
	res, logs := h.execute(h.task(def, map[string]any{"device": "dev-404"}))

	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Equal(t, int32(0), runs.Load())
	var found bool
	for _, l := range logs {
		found = found || strings.HasPrefix(l, "failure: Error initializing job:")
	}
	assert.True(t, found, "logs: %v", logs)
}

func TestFileHandlesDeletedAfterRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.install(&job.Definition{
		Class: "Import",
		Vars:  []vars.Variable{vars.File("csv")},
		Run: func(jc *job.Context, data map[string]any) job.Outcome {
			fv := data["csv"].(vars.FileValue)
			jc.LogInfo("read %d bytes from %s", len(fv.Data), fv.Name)
			return job.Success(nil)
		},
	}, true)

	handle, err := h.files.Store(ctx, "devices.csv", []byte("name\nams1-edge\n"))
	require.NoError(t, err)

	res, logs := h.execute(h.task(def, map[string]any{"csv": handle}))
	assert.Equal(t, result.StatusSuccess, res.Status)
	assert.Contains(t, logs, "info: read 15 bytes from devices.csv")

	_, _, err = h.files.Load(ctx, handle)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestTimeLimitWarning(t *testing.T) {
	h := newHarness(t)
	def := h.install(&job.Definition{
		Class: "Slow",
		Meta:  &job.Meta{SoftTimeLimit: 60 * time.Second, TimeLimit: 30 * time.Second},
		Run:   func(*job.Context, map[string]any) job.Outcome { return job.Success(nil) },
	}, true)

	_, logs := h.execute(h.task(def, nil))
	assert.Contains(t, logs, "warning: The hard time limit of 30 seconds is less than or equal to the soft time limit of 60 seconds. "+
		"This job will fail silently after 30 seconds.")
}

func TestChangesAttributedToJob(t *testing.T) {
	h := newHarness(t)
	def := h.install(&job.Definition{
		Class: "Rename",
		Run: func(jc *job.Context, _ map[string]any) job.Outcome {
			_, err := h.objects.Save(jc.Context(), vars.Object{Type: "dcim.device", PK: "dev-1", Display: "ams1-edge"})
			if err != nil {
				return job.Errored(err)
			}
			return job.Success(nil)
		},
	}, true)

	res, _ := h.execute(h.task(def, nil))
	require.Equal(t, result.StatusSuccess, res.Status)

	events, err := h.recorder.ListForObject(context.Background(), "dcim.device", "dev-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, changes.ContextJob, events[0].Context)
	assert.Equal(t, "local/tests/Rename", events[0].ContextDetail)
	assert.Equal(t, "alice", events[0].User)
}

func TestHookReceiverRunsInHookScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var gotAction string
	def := h.install(job.HookReceiver("AuditDevice", nil, func(jc *job.Context, change vars.Object, action string, changed *vars.Object) job.Outcome {
		gotAction = action
		_, err := h.objects.Save(jc.Context(), vars.Object{Type: "dcim.audit", PK: change.PK, Display: "audit"})
		if err != nil {
			return job.Errored(err)
		}
		return job.Success(changed.Display)
	}), true)

	_, err := h.objects.Save(ctx, vars.Object{Type: "dcim.device", PK: "dev-7", Display: "ams1-core"})
	require.NoError(t, err)
	events, err := h.recorder.ListForObject(ctx, "dcim.device", "dev-7")
	require.NoError(t, err)
	require.Len(t, events, 1)

	res, _ := h.execute(h.task(def, map[string]any{job.VarObjectChange: events[0].ID}))
	require.Equal(t, result.StatusSuccess, res.Status)
	assert.JSONEq(t, `"ams1-core"`, string(res.Value))
	assert.Equal(t, string(changes.ActionCreate), gotAction)

	audits, err := h.recorder.ListForObject(ctx, "dcim.audit", events[0].ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, changes.ContextJobHook, audits[0].Context)
}

func TestRedeliveredFinishedTaskIsSkipped(t *testing.T) {
	h := newHarness(t)
	var runs atomic.Int32
	def := h.install(&job.Definition{
		Class: "Once",
		Run: func(*job.Context, map[string]any) job.Outcome {
			runs.Add(1)
			return job.Success(nil)
		},
	}, true)

	task := h.task(def, nil)
	h.execute(task)
	res, _ := h.execute(task)

	assert.Equal(t, result.StatusSuccess, res.Status)
	assert.Equal(t, int32(1), runs.Load())
}

func TestTimeoutWinsOverLateReturn(t *testing.T) {
	h := newHarness(t)
	var task *async.Task
	def := h.install(&job.Definition{
		Class: "Overrun",
		Run: func(jc *job.Context, _ map[string]any) job.Outcome {
			// The pool fires the timeout while the body is still going
			h.ctrl.OnTimeout(context.Background(), task, async.ErrHardTimeLimit)
			jc.LogInfo("still here")
			return job.Success("late")
		},
	}, true)
	task = h.task(def, nil)

	res, logs := h.execute(task)
	assert.Equal(t, result.StatusErrored, res.Status)
	assert.Empty(t, res.Value)
	assert.Contains(t, logs, "failure: Job exceeded its hard time limit: hard time limit exceeded")
	assert.NotContains(t, logs, "info: still here")

	// A second timeout for the same task is harmless
	h.ctrl.OnTimeout(context.Background(), task, async.ErrHardTimeLimit)
}

func TestWorkerPoolHardLimitErrorsResult(t *testing.T) {
	h := newHarness(t)
	def := h.install(&job.Definition{
		Class: "Stuck",
		Meta:  &job.Meta{TimeLimit: 50 * time.Millisecond},
		Run: func(jc *job.Context, _ map[string]any) job.Outcome {
			<-jc.Context().Done()
			return job.Errored(jc.Context().Err())
		},
	}, true)

	registry := async.NewHandlerRegistry()
	registry.Register(h.ctrl)
	pool := async.NewWorkerPool(context.Background(), h.db, async.WorkerPoolConfig{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		Queues:       []string{"default"},
	}, zap.NewNop().Sugar(), registry, nil)

	taskID, err := pool.GetQueue().Enqueue(context.Background(), async.EnqueueRequest{
		ClassPath: def.ClassPath().String(),
		Queue:     "default",
		HardLimit: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		res, err := h.results.Get(context.Background(), taskID)
		return err == nil && res.Status == result.StatusErrored
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		task, err := pool.GetQueue().GetTask(context.Background(), taskID)
		return err == nil && task.Status == async.TaskStatusFailed
	}, 3*time.Second, 10*time.Millisecond)
}

func TestLargeIntegerReachesJobIntact(t *testing.T) {
	h := newHarness(t)
	var got any
	def := h.install(&job.Definition{
		Class: "Serial",
		Vars:  []vars.Variable{vars.Integer("serial")},
		Run: func(_ *job.Context, data map[string]any) job.Outcome {
			got = data["serial"]
			return job.Success(data["serial"])
		},
	}, true)

	res, _ := h.execute(h.task(def, map[string]any{"serial": int64(9007199254740993)}))
	require.Equal(t, result.StatusSuccess, res.Status)
	assert.Equal(t, int64(9007199254740993), got)
	assert.Equal(t, "9007199254740993", string(res.Value))
	assert.Equal(t, json.Number("9007199254740993"), res.TaskKwargs["serial"])
}

func TestRunReturningLogFailure(t *testing.T) {
	h := newHarness(t)
	def := h.install(&job.Definition{
		Class: "GiveUp",
		Run: func(jc *job.Context, _ map[string]any) job.Outcome {
			return jc.LogFailure("boom")
		},
	}, true)

	res, logs := h.execute(h.task(def, nil))
	assert.Equal(t, result.StatusFailure, res.Status)
	assert.Empty(t, res.Value)
	var last string
	for _, l := range logs {
		if strings.HasPrefix(l, "failure: ") {
			last = l
		}
	}
	assert.Equal(t, "failure: boom", last)
	assert.Equal(t, "info: Job completed", logs[len(logs)-1])
}

// countingFiles wraps the file store and counts deletes per handle.
type countingFiles struct {
	vars.FileStore
	mu      sync.Mutex
	deletes map[string]int
}

func (c *countingFiles) Delete(ctx context.Context, handle string) (bool, error) {
	c.mu.Lock()
	c.deletes[handle]++
	c.mu.Unlock()
	return c.FileStore.Delete(ctx, handle)
}

func TestFileHandlesDeletedOnceOnEveryPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	files := &countingFiles{FileStore: h.files, deletes: map[string]int{}}
	h.ctrl = NewController(Options{
		Registry: h.registry,
		Models:   h.models,
		Results:  h.results,
		Backends: vars.Backends{Objects: h.objects, Files: files},
		Logger:   zap.NewNop().Sugar(),
	})

	fileVars := []vars.Variable{vars.File("manifest"), vars.File("invoice"), vars.ObjectRef("device", "dcim.device")}
	cases := []struct {
		class   string
		enabled bool
		run     job.RunFunc
		device  string
		want    result.Status
	}{
		{"Ship", true, func(*job.Context, map[string]any) job.Outcome { return job.Success(nil) }, "", result.StatusSuccess},
		{"Reject", true, func(jc *job.Context, _ map[string]any) job.Outcome { return jc.LogFailure("bad manifest") }, "", result.StatusFailure},
		{"Crash", true, func(*job.Context, map[string]any) job.Outcome { return job.Errored(errors.New("disk full")) }, "", result.StatusErrored},
		{"Explode", true, func(*job.Context, map[string]any) job.Outcome { panic("index out of range") }, "", result.StatusErrored},
		{"Orphan", true, func(*job.Context, map[string]any) job.Outcome { return job.Success(nil) }, "dev-404", result.StatusFailure},
		{"Parked", false, func(*job.Context, map[string]any) job.Outcome { return job.Success(nil) }, "", result.StatusFailure},
	}

	for _, tc := range cases {
		t.Run(tc.class, func(t *testing.T) {
			def := h.install(&job.Definition{Class: tc.class, Vars: fileVars, Run: tc.run}, tc.enabled)

			manifest, err := h.files.Store(ctx, "manifest.csv", []byte("sku\n"))
			require.NoError(t, err)
			invoice, err := h.files.Store(ctx, "invoice.pdf", []byte("%PDF"))
			require.NoError(t, err)

			kwargs := map[string]any{"manifest": manifest, "invoice": invoice}
			if tc.device != "" {
				kwargs["device"] = tc.device
			} else {
				_, err := h.objects.Save(ctx, vars.Object{Type: "dcim.device", PK: "dev-" + tc.class, Display: tc.class})
				require.NoError(t, err)
				kwargs["device"] = "dev-" + tc.class
			}

			res, _ := h.execute(h.task(def, kwargs))
			assert.Equal(t, tc.want, res.Status)

			files.mu.Lock()
			defer files.mu.Unlock()
			assert.Equal(t, 1, files.deletes[manifest])
			assert.Equal(t, 1, files.deletes[invoice])

			_, _, err = h.files.Load(ctx, manifest)
			assert.True(t, errors.IsNotFoundError(err))
		})
	}
}
