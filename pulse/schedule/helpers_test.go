package schedule

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/jobkit/filestore"
	jobtest "github.com/teranos/jobkit/internal/testing"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/pulse/async"
	"github.com/teranos/jobkit/vars"
)

// Test universe: the lighthouse keepers of the northern coast. Jobs turn
// lamps, sound fog horns and log the tide.

type catalogue map[string]*job.Definition

func (c catalogue) ListClassPaths() map[string]struct{} {
	out := make(map[string]struct{}, len(c))
	for cp := range c {
		out[cp] = struct{}{}
	}
	return out
}

func (c catalogue) GetJob(classPath string) *job.Definition { return c[classPath] }

type fixture struct {
	t         *testing.T
	db        *sql.DB
	catalogue catalogue
	models    *job.ModelStore
	store     *Store
	queue     *async.Queue
	files     *filestore.Store
	sched     *Scheduler
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := jobtest.CreateTestDB(t)
	f := &fixture{
		t:         t,
		db:        db,
		catalogue: catalogue{},
		models:    job.NewModelStore(db),
		store:     NewStore(db),
		queue:     async.NewQueue(db),
		files:     filestore.NewStore(db),
		now:       time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC),
	}
	f.sched = NewScheduler(Options{
		Registry: f.catalogue,
		Models:   f.models,
		Store:    f.store,
		Enqueuer: f.queue,
		Backends: vars.Backends{Files: f.files},
		Logger:   zap.NewNop().Sugar(),
	})
	f.sched.now = func() time.Time { return f.now }
	return f
}

var notSensitive = false

// install registers def under local/lighthouse and stores an enabled model.
// tweak may adjust the model before it is saved.
func (f *fixture) install(def *job.Definition, tweak func(*job.Model)) string {
	f.t.Helper()
	bound := def.Bind(job.SourceLocal, "lighthouse", "")
	cp := bound.ClassPath().String()
	f.catalogue[cp] = bound

	m := job.NewModel(bound)
	m.Enabled = true
	if tweak != nil {
		tweak(m)
	}
	require.NoError(f.t, f.models.Create(context.Background(), m))
	return cp
}

func lampJob() *job.Definition {
	return &job.Definition{
		Class: "RotateLamp",
		Meta:  &job.Meta{Name: "Rotate lamp", HasSensitiveVariables: &notSensitive},
		Vars:  []vars.Variable{vars.String("beam")},
		Run:   func(*job.Context, map[string]any) job.Outcome { return job.Success(nil) },
	}
}

func (f *fixture) taskCount() int {
	f.t.Helper()
	stats, err := f.queue.GetStats(context.Background())
	require.NoError(f.t, err)
	return stats.Total
}

func (f *fixture) tasks() []*async.Task {
	f.t.Helper()
	tasks, err := f.queue.ListTasks(context.Background(), nil, 100)
	require.NoError(f.t, err)
	return tasks
}
