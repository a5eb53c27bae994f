package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	jobtest "github.com/teranos/jobkit/internal/testing"
)

// funcHandler adapts a function to TaskHandler
type funcHandler struct {
	name string
	fn   func(ctx context.Context, task *Task) error

	mu       sync.Mutex
	timeouts []string
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Execute(ctx context.Context, task *Task) error {
	return h.fn(ctx, task)
}

func (h *funcHandler) OnTimeout(_ context.Context, task *Task, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeouts = append(h.timeouts, task.ID)
}

func (h *funcHandler) timedOut() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.timeouts...)
}

func createTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// newTestPool builds a fast-polling pool over a fresh database
func newTestPool(t *testing.T, cfg WorkerPoolConfig, handlers ...TaskHandler) (*WorkerPool, *Queue) {
	t.Helper()
	db := jobtest.CreateTestDB(t)

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"default"}
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}

	registry := NewHandlerRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}
	pool := NewWorkerPool(context.Background(), db, cfg, createTestLogger(), registry, nil)
	return pool, pool.GetQueue()
}

func enqueue(t *testing.T, q *Queue, req EnqueueRequest) string {
	t.Helper()
	if req.Queue == "" {
		req.Queue = "default"
	}
	id, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return id
}

func waitForStatus(t *testing.T, q *Queue, id string, status TaskStatus) *Task {
	t.Helper()
	var task *Task
	require.Eventually(t, func() bool {
		var err error
		task, err = q.GetTask(context.Background(), id)
		return err == nil && task.Status == status
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, status)
	return task
}
