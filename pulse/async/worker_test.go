package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobkit/errors"
)

// ============================================================================
// TAS Bot (Tool-Assisted Speedrun) & Kirby Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: Frame-perfect coordinator who enqueues tasks with precise limits
//   - Kirby: The worker who swallows tasks and runs them ('Poyo!')
//   - Cronos: Greek god of time, appears for time-limit tests
// ============================================================================

func TestKirbyCompletesTask(t *testing.T) {
	var runs atomic.Int32
	kirby := &funcHandler{name: RunJobHandler, fn: func(_ context.Context, task *Task) error {
		runs.Add(1)
		return nil
	}}
	pool, q := newTestPool(t, WorkerPoolConfig{Workers: 2}, kirby)

	id := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/Inhale"})
	pool.Start()
	defer pool.Stop()

	task := waitForStatus(t, q, id, TaskStatusCompleted)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, int32(1), runs.Load())
}

func TestKirbyIgnoresOtherQueues(t *testing.T) {
	var runs atomic.Int32
	kirby := &funcHandler{name: RunJobHandler, fn: func(context.Context, *Task) error {
		runs.Add(1)
		return nil
	}}
	pool, q := newTestPool(t, WorkerPoolConfig{Queues: []string{"dreamland"}}, kirby)

	other := enqueue(t, q, EnqueueRequest{ClassPath: "local/popstar/Elsewhere", Queue: "popstar"})
	mine := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/Home", Queue: "dreamland"})
	pool.Start()
	defer pool.Stop()

	waitForStatus(t, q, mine, TaskStatusCompleted)
	got, err := q.GetTask(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusQueued, got.Status)
	assert.Equal(t, int32(1), runs.Load())
}

func TestKirbyFailsOnHandlerError(t *testing.T) {
	kirby := &funcHandler{name: RunJobHandler, fn: func(context.Context, *Task) error {
		return errors.New("copy ability lost")
	}}
	pool, q := newTestPool(t, WorkerPoolConfig{}, kirby)

	id := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/Spit"})
	pool.Start()
	defer pool.Stop()

	task := waitForStatus(t, q, id, TaskStatusFailed)
	assert.Equal(t, "copy ability lost", task.Error)
	assert.Equal(t, 0, task.RetryCount)
}

func TestKirbySurvivesPanics(t *testing.T) {
	kirby := &funcHandler{name: RunJobHandler, fn: func(context.Context, *Task) error {
		panic("poyo")
	}}
	pool, q := newTestPool(t, WorkerPoolConfig{}, kirby)

	id := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/Panic"})
	pool.Start()
	defer pool.Stop()

	task := waitForStatus(t, q, id, TaskStatusFailed)
	assert.Contains(t, task.Error, "panicked: poyo")
}

func TestKirbyRetriesLockedDatabase(t *testing.T) {
	var runs atomic.Int32
	kirby := &funcHandler{name: RunJobHandler, fn: func(context.Context, *Task) error {
		runs.Add(1)
		return errors.New("database is locked")
	}}
	pool, q := newTestPool(t, WorkerPoolConfig{}, kirby)

	id := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/Locked"})
	pool.Start()
	defer pool.Stop()

	task := waitForStatus(t, q, id, TaskStatusFailed)
	assert.Equal(t, MaxRetries, task.RetryCount)
	assert.Equal(t, int32(MaxRetries+1), runs.Load())
}

func TestCronosHardTimeLimit(t *testing.T) {
	t.Log("⏳ Cronos sets a 50ms hard limit and waits")

	kirby := &funcHandler{name: RunJobHandler, fn: func(ctx context.Context, _ *Task) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	pool, q := newTestPool(t, WorkerPoolConfig{}, kirby)

	id := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/Sleep", HardLimit: 50 * time.Millisecond})
	pool.Start()
	defer pool.Stop()

	task := waitForStatus(t, q, id, TaskStatusFailed)
	assert.Equal(t, "hard time limit exceeded", task.Error)
	assert.Equal(t, []string{id}, kirby.timedOut())
}

func TestCronosSoftTimeLimit(t *testing.T) {
	var sawSoft atomic.Bool
	kirby := &funcHandler{name: RunJobHandler, fn: func(ctx context.Context, _ *Task) error {
		select {
		case <-SoftLimit(ctx):
			sawSoft.Store(true)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	pool, q := newTestPool(t, WorkerPoolConfig{
		SoftTimeLimit: 20 * time.Millisecond,
		TimeLimit:     5 * time.Second,
	}, kirby)

	id := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/Nap"})
	pool.Start()
	defer pool.Stop()

	waitForStatus(t, q, id, TaskStatusCompleted)
	assert.True(t, sawSoft.Load())
	assert.Empty(t, kirby.timedOut())
}

func TestSoftLimitOutsideWorker(t *testing.T) {
	assert.Nil(t, SoftLimit(context.Background()))

	ctx, stop := withSoftLimit(context.Background(), 0)
	defer stop()
	select {
	case <-SoftLimit(ctx):
		t.Fatal("zero soft limit must never fire")
	default:
	}
}

func TestTASBotRecoversOrphanedTasks(t *testing.T) {
	kirby := &funcHandler{name: RunJobHandler, fn: func(context.Context, *Task) error { return nil }}
	pool, q := newTestPool(t, WorkerPoolConfig{}, kirby)
	ctx := context.Background()

	id := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/Crashed"})
	claimed, err := q.Dequeue(ctx, []string{"default"})
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	// The previous process died with the task still running
	pool.Start()
	defer pool.Stop()

	waitForStatus(t, q, id, TaskStatusCompleted)
}

func TestTASBotStopRequeuesRunningTask(t *testing.T) {
	started := make(chan struct{})
	kirby := &funcHandler{name: RunJobHandler, fn: func(ctx context.Context, _ *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	pool, q := newTestPool(t, WorkerPoolConfig{}, kirby)

	id := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/Interrupted"})
	pool.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	start := time.Now()
	pool.Stop()
	assert.Less(t, time.Since(start), 3*time.Second)

	task, err := q.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusQueued, task.Status)
	assert.Empty(t, kirby.timedOut())
}

type denyingLimiter struct{ calls atomic.Int32 }

func (l *denyingLimiter) Allow() error {
	l.calls.Add(1)
	return ErrRateLimited
}

func (l *denyingLimiter) Stats() (int, int) { return 60, 0 }

func TestRateLimitedTasksStayQueued(t *testing.T) {
	var runs atomic.Int32
	kirby := &funcHandler{name: RunJobHandler, fn: func(context.Context, *Task) error {
		runs.Add(1)
		return nil
	}}
	pool, q := newTestPool(t, WorkerPoolConfig{}, kirby)
	limiter := &denyingLimiter{}
	pool.rateLimiter = limiter

	id := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/Throttled"})
	pool.Start()

	require.Eventually(t, func() bool { return limiter.calls.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	pool.Stop()

	task, err := q.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusQueued, task.Status)
	assert.Equal(t, int32(0), runs.Load())
}

func TestPoolRestartAfterStop(t *testing.T) {
	kirby := &funcHandler{name: RunJobHandler, fn: func(context.Context, *Task) error { return nil }}
	pool, q := newTestPool(t, WorkerPoolConfig{}, kirby)

	pool.Start()
	pool.Stop()

	id := enqueue(t, q, EnqueueRequest{ClassPath: "local/dreamland/SecondRun"})
	pool.Start()
	defer pool.Stop()

	waitForStatus(t, q, id, TaskStatusCompleted)
}
