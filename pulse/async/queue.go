package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/jobkit/errors"
)

const (
	// MaxTasksLimit bounds task listings
	MaxTasksLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the task queue shared by producers and the worker pool.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Task // Channels to notify of task updates
	now         func() time.Time
}

// NewQueue creates a new task queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Task, 0),
		now:         time.Now,
	}
}

// Enqueue builds a task from req, persists it and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	task, err := NewTask(req)
	if err != nil {
		err = errors.Wrap(err, "invalid enqueue request")
		err = errors.WithDetail(err, fmt.Sprintf("Class path: %s", req.ClassPath))
		return "", errors.Mark(err, errors.ErrInvalidRequest)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.CreateTask(ctx, task); err != nil {
		err = errors.Wrap(err, "failed to enqueue task")
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", task.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", task.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", task.Queue))
		return "", err
	}

	// Notify subscribers of new task
	q.notifySubscribers(task)

	return task.ID, nil
}

// Dequeue claims the next due task on one of queues. Returns nil when
// nothing is due.
func (q *Queue) Dequeue(ctx context.Context, queues []string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.ClaimNext(ctx, queues, q.now())
	if err != nil {
		err = errors.Wrap(err, "failed to dequeue task")
		err = errors.WithDetail(err, fmt.Sprintf("Queues: %v", queues))
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	// Notify subscribers of task update
	q.notifySubscribers(task)

	return task, nil
}

// GetTask retrieves a task by ID
func (q *Queue) GetTask(ctx context.Context, id string) (*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetTask(ctx, id)
}

// UpdateTask persists a task's state
func (q *Queue) UpdateTask(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateTask(ctx, task); err != nil {
		err = errors.Wrap(err, "failed to update task")
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", task.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", task.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", task.Status))
		return err
	}

	// Notify subscribers of task update
	q.notifySubscribers(task)

	return nil
}

// transition loads a task, applies fn and saves it.
func (q *Queue) transition(ctx context.Context, id, verb string, fn func(*Task)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		err = errors.Wrapf(err, "failed to %s task %s", verb, id)
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", id))
		return err
	}

	fn(task)

	if err := q.store.UpdateTask(ctx, task); err != nil {
		err = errors.Wrapf(err, "failed to %s task", verb)
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", task.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", task.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", task.Queue))
		return err
	}

	// Notify subscribers of task update
	q.notifySubscribers(task)

	return nil
}

// CompleteTask marks a task as completed
func (q *Queue) CompleteTask(ctx context.Context, id string) error {
	return q.transition(ctx, id, "complete", func(t *Task) { t.Complete() })
}

// FailTask marks a task as failed with an error
func (q *Queue) FailTask(ctx context.Context, id string, taskErr error) error {
	return q.transition(ctx, id, "fail", func(t *Task) { t.Fail(taskErr) })
}

// CancelTask cancels a queued task. Running or finished tasks are left alone.
func (q *Queue) CancelTask(ctx context.Context, id string, reason string) error {
	task, err := q.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != TaskStatusQueued {
		err := errors.Newf("task %s is not queued (status: %s)", id, task.Status)
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Current status: %s", task.Status))
		return errors.Mark(err, errors.ErrConflict)
	}
	return q.transition(ctx, id, "cancel", func(t *Task) { t.Cancel(reason) })
}

// Requeue puts a claimed task back on its queue without counting a retry.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.transition(ctx, id, "requeue", func(t *Task) {
		t.Status = TaskStatusQueued
		t.StartedAt = nil
		t.UpdatedAt = time.Now()
	})
}

// ListTasks returns tasks, optionally filtered by status
func (q *Queue) ListTasks(ctx context.Context, status *TaskStatus, limit int) ([]*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListTasks(ctx, status, limit)
}

// Subscribe returns a channel that receives task updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Task, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it themselves
// after unsubscribing if needed. This prevents double-close panics.
func (q *Queue) Unsubscribe(ch chan *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends task updates to all subscribers.
// REQUIRES: q.mu must be held by caller (either Lock or RLock).
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(task *Task) {
	snapshot := *task
	for _, ch := range q.subscribers {
		select {
		case ch <- &snapshot:
		default:
			// Channel full, skip (non-blocking)
		}
	}
}

// Cleanup removes old finished tasks
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.CleanupOldTasks(ctx, olderThan)
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to collect queue stats")
	}

	stats := &QueueStats{
		Queued:    counts[TaskStatusQueued],
		Running:   counts[TaskStatusRunning],
		Completed: counts[TaskStatusCompleted],
		Failed:    counts[TaskStatusFailed],
		Cancelled: counts[TaskStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// GetTaskCounts returns quick counts of queued and running tasks (for system metrics)
func (q *Queue) GetTaskCounts(ctx context.Context) (queued int, running int, err error) {
	stats, err := q.GetStats(ctx)
	if err != nil {
		return 0, 0, err
	}
	return stats.Queued, stats.Running, nil
}
