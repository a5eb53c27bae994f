package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobkit/db"
	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/logger"
)

const (
	// MaxOrphanedTasksToRecover limits how many orphaned tasks we'll attempt to recover
	// on startup to prevent overwhelming the system after a crash
	MaxOrphanedTasksToRecover = 1000

	// MaxRetries is the maximum number of retry attempts for infrastructure failures
	MaxRetries = 2
)

// ErrHardTimeLimit fails a task whose hard time limit expired.
var ErrHardTimeLimit = errors.Mark(errors.New("hard time limit exceeded"), errors.ErrTimeout)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPool runs queued tasks on a fixed set of workers
type WorkerPool struct {
	queue          *Queue
	rateLimiter    RateLimiter // optional
	poolConfig     WorkerPoolConfig
	workers        int
	parentCtx      context.Context // Parent context from which worker context is derived
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	registry       *HandlerRegistry
	executor       *RegistryExecutor
	tasksProcessed int         // Track tasks processed for gradual startup
	activeWorkers  int         // Track currently active workers (executing tasks)
	startTime      time.Time   // Track when daemon started
	logger         pulseLogger // Structured logger for Pulse operations
	mu             sync.Mutex
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often to check for new tasks; 0 = gradual ramp-up
	Queues       []string      `json:"queues"`        // Queues this pool consumes
	// Fallback limits for tasks that carry none. Zero disables the limit.
	SoftTimeLimit time.Duration `json:"soft_time_limit"`
	TimeLimit     time.Duration `json:"time_limit"`
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:       1,
		PollInterval:  time.Second,
		Queues:        []string{DefaultQueueName},
		SoftTimeLimit: 300 * time.Second,
		TimeLimit:     600 * time.Second,
	}
}

// NewWorkerPool creates a worker pool over db. Register handlers on registry
// before calling Start. rateLimiter may be nil.
//
// The pool derives its worker context from ctx, so cancelling ctx stops
// every worker as Stop would.
func NewWorkerPool(ctx context.Context, database *sql.DB, poolCfg WorkerPoolConfig, log *zap.SugaredLogger, registry *HandlerRegistry, rateLimiter RateLimiter) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)

	if registry == nil {
		registry = NewHandlerRegistry()
	}
	if log == nil {
		log = logger.Logger
	}

	return &WorkerPool{
		queue:       NewQueue(database),
		rateLimiter: rateLimiter,
		poolConfig:  poolCfg,
		workers:     poolCfg.Workers,
		parentCtx:   ctx,
		ctx:         workerCtx,
		cancel:      cancel,
		registry:    registry,
		executor:    NewRegistryExecutor(registry),
		logger:      pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))},
	}
}

// Start begins processing tasks with the worker pool
// ✿ Opening: Recover orphaned tasks before starting workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()

	// Check if context was cancelled (after Stop()) - if so, create new one
	// This must happen BEFORE spawning workers to avoid races
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}

	wp.startTime = time.Now()
	wp.tasksProcessed = 0
	wp.mu.Unlock()

	// ✿ Opening: recover tasks orphaned by a crash
	if err := wp.recoverOrphanedTasks(); err != nil {
		wp.logger.Warnw("Failed to recover orphaned tasks", logger.FieldError, err)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Starting("Worker pool started", "workers", wp.workers, "queues", wp.poolConfig.Queues)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// recoverOrphanedTasks puts tasks left running on this pool's queues by an
// ungraceful shutdown back on their queue.
func (wp *WorkerPool) recoverOrphanedTasks() error {
	orphaned, err := wp.queue.store.ListRunningOnQueues(wp.ctx, wp.poolConfig.Queues, MaxOrphanedTasksToRecover)
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}
	if len(orphaned) == 0 {
		return nil
	}

	wp.logger.Starting("Opening - found orphaned tasks from previous crash", logger.FieldCount, len(orphaned))

	recovered := 0
	for _, task := range orphaned {
		if err := wp.queue.Requeue(wp.ctx, task.ID); err != nil {
			wp.logger.Warnw("Failed to recover orphaned task", logger.FieldTaskID, task.ID, logger.FieldError, err)
			continue
		}
		recovered++
		wp.logger.Starting("Recovered orphaned task", logger.FieldTaskID, task.ID, logger.FieldClassPath, task.ClassPath)
	}
	wp.logger.Starting("Orphan recovery complete", "recovered", recovered, "total", len(orphaned))
	return nil
}

// Stop gracefully stops the worker pool
// ❀ Closing: running tasks see their context cancelled and are requeued
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Pulse("❀ WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running", "timeout", timeout)
	}
}

// worker processes tasks from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	wp.mu.Lock()
	ctx := wp.ctx
	wp.mu.Unlock()

	interval := wp.getWorkerInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNextTask(ctx); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					if db.IsDatabaseClosed(err) {
						// Database closed during shutdown
						return
					}
					errorCount++
					wp.logger.Errorw("Worker error processing task",
						"worker_id", id,
						logger.FieldError, err,
						"consecutive_errors", errorCount)

					if errorCount >= maxConsecutiveErrors {
						wp.logger.Warnw("Worker backing off due to consecutive errors",
							"worker_id", id,
							"backoff", backoffDuration,
							"consecutive_errors", errorCount)
						select {
						case <-ctx.Done():
							return
						case <-time.After(backoffDuration):
						}
						backoffDuration = min(backoffDuration*2, maxBackoff)
					}
				}
			} else {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						"worker_id", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
			}

			newInterval := wp.getWorkerInterval()
			if newInterval != interval {
				ticker.Reset(newInterval)
				interval = newInterval
			}
		}
	}
}

// getWorkerInterval returns the current worker polling interval
// Starts at 1 second for gradual ramp-up, increases to 5 seconds after warmup
// If PollInterval is explicitly configured, use that instead of gradual ramp-up
func (wp *WorkerPool) getWorkerInterval() time.Duration {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.poolConfig.PollInterval > 0 {
		return wp.poolConfig.PollInterval
	}

	elapsed := time.Since(wp.startTime)
	if wp.tasksProcessed < 20 || elapsed < 2*time.Minute {
		return 1 * time.Second
	}
	return 5 * time.Second
}

// processNextTask claims the next due task and runs it to completion
func (wp *WorkerPool) processNextTask(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	task, err := wp.queue.Dequeue(ctx, wp.poolConfig.Queues)
	if err != nil {
		return fmt.Errorf("failed to dequeue task: %w", err)
	}
	if task == nil {
		return nil
	}

	// Persistence after execution must survive pool shutdown
	store := context.WithoutCancel(ctx)

	if wp.checkRateLimit(task) {
		return wp.queue.Requeue(store, task.ID)
	}

	wp.mu.Lock()
	wp.tasksProcessed++
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With(logger.FieldTaskID, task.ID, logger.FieldClassPath, task.ClassPath, logger.FieldQueue, task.Queue)
	err = wp.runTask(ctx, task)
	switch {
	case err == nil:
		return wp.queue.CompleteTask(store, task.ID)

	case ctx.Err() != nil:
		// ❀ Closing: shutdown interrupted the task, hand it back to the queue
		wp.logger.Closing("Task cancelled during execution, re-queuing", logger.FieldTaskID, task.ID)
		if requeueErr := wp.queue.Requeue(store, task.ID); requeueErr != nil {
			log.Errorw("Failed to re-queue cancelled task", logger.FieldError, requeueErr)
		}
		return nil

	case errors.Is(err, ErrHardTimeLimit):
		log.Warnw("Task exceeded hard time limit", "time_limit", task.TimeLimit)
		wp.executor.OnTimeout(store, task, err)
		return wp.queue.FailTask(store, task.ID, err)
	}

	if ClassifyError("execute", err).Retryable && task.RetryCount < MaxRetries {
		return RetryableError(store, wp.queue, task, "execute", err, log)
	}
	if failErr := wp.queue.FailTask(store, task.ID, err); failErr != nil {
		return failErr
	}
	log.Warnw("Task failed", logger.FieldError, err)
	return nil
}

// runTask executes task under its soft and hard time limits. Panics in the
// handler are returned as errors.
func (wp *WorkerPool) runTask(ctx context.Context, task *Task) error {
	soft, hard := effectiveLimits(task, wp.poolConfig)

	taskCtx := logger.WithJobID(ctx, task.ID)
	taskCtx, stopSoft := withSoftLimit(taskCtx, soft)
	defer stopSoft()

	var cancel context.CancelFunc
	if hard > 0 {
		taskCtx, cancel = context.WithTimeout(taskCtx, hard)
	} else {
		taskCtx, cancel = context.WithCancel(taskCtx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("handler %s panicked: %v", task.HandlerName, r)
			}
		}()
		done <- wp.executor.Execute(taskCtx, task)
	}()

	// A handler returning because its deadline passed still counts as a
	// hard time-limit expiry
	settle := func(err error) error {
		if err != nil && ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return ErrHardTimeLimit
		}
		return err
	}

	select {
	case err := <-done:
		return settle(err)
	case <-taskCtx.Done():
	}

	select {
	case err := <-done:
		return settle(err)
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrHardTimeLimit
}

// checkRateLimit reports whether the rate limiter refused the task.
func (wp *WorkerPool) checkRateLimit(task *Task) bool {
	if wp.rateLimiter == nil {
		return false
	}
	if err := wp.rateLimiter.Allow(); err != nil {
		callsInWindow, callsRemaining := wp.rateLimiter.Stats()
		wp.logger.Infow(fmt.Sprintf("Rate limit reached - task deferred | calls:%d/%d remaining:%d",
			callsInWindow, callsInWindow+callsRemaining, callsRemaining),
			logger.FieldTaskID, task.ID,
			"calls_in_window", callsInWindow,
			"calls_remaining", callsRemaining,
			"reason", "rate_limited")
		return true
	}
	return false
}

// GetQueue returns the task queue (useful for enqueuing tasks)
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry. Register handlers before Start:
//
//	pool := async.NewWorkerPool(ctx, db, poolCfg, log, nil, nil)
//	pool.Registry().Register(controller)
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}
