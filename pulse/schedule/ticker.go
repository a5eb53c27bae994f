package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobkit/db"
	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/logger"
	"github.com/teranos/jobkit/pulse/async"
	"github.com/teranos/jobkit/sym"
)

// Ticker fires due schedules at a fixed interval.
type Ticker struct {
	scheduler       *Scheduler
	store           *Store
	queue           *async.Queue
	workerPool      *async.WorkerPool // optional, only for system metrics in the tick log
	locker          Locker
	interval        time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	pulseLog        *zap.SugaredLogger
	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
}

// TickerConfig contains configuration for the ticker
type TickerConfig struct {
	Interval time.Duration
	// Locker guards fires across processes. Nil means a single process.
	Locker Locker
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// NewTicker creates a ticker bound to parent.
func NewTicker(parent context.Context, scheduler *Scheduler, queue *async.Queue, workerPool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if log == nil {
		log = logger.Logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	locker := cfg.Locker
	if locker == nil {
		locker = localLocker{}
	}
	ctx, cancel := context.WithCancel(parent)
	return &Ticker{
		scheduler:  scheduler,
		store:      scheduler.Store(),
		queue:      queue,
		workerPool: workerPool,
		locker:     locker,
		interval:   cfg.Interval,
		ctx:        ctx,
		cancel:     cancel,
		pulseLog:   logger.AddScheduleSymbol(log.Named("ticker")),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Schedule ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Schedule ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			t.mu.Unlock()

			t.logNextJobInfo(tickTime)

			if err := t.checkScheduledJobs(tickTime); err != nil {
				if db.IsDatabaseClosed(err) {
					return
				}
				t.pulseLog.Warnw("Schedule tick error", logger.FieldError, err, "tick", t.ticksSinceStart)
			}
		}
	}
}

// logNextJobInfo logs the next due schedule whenever queue activity changes.
func (t *Ticker) logNextJobInfo(now time.Time) {
	stats, err := t.queue.GetStats(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get queue stats", logger.FieldError, err)
		stats = &async.QueueStats{}
	}
	activeWork := stats.Queued + stats.Running

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()
	if !hasChanged {
		return
	}

	nextJob, err := t.store.GetNextScheduledJob(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get next scheduled job", logger.FieldError, err)
		return
	}

	indicator := ""
	if activeWork > 0 {
		// one symbol per five tasks, capped at 60
		n := activeWork/5 + 1
		if n > 60 {
			n = 60
		}
		indicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", n)) + " "
	}

	if nextJob == nil || nextJob.NextRunAt == nil {
		if activeWork > 0 {
			t.pulseLog.Infow(fmt.Sprintf("%sno scheduled runs, %d tasks active", indicator, activeWork))
		} else {
			t.pulseLog.Infow("No scheduled runs")
		}
		return
	}

	timeUntil := nextJob.NextRunAt.Sub(now)
	if timeUntil < 0 {
		timeUntil = 0
	}
	msg := fmt.Sprintf("%snext scheduled run '%s' in %s", indicator, nextJob.Name, timeUntil.Round(time.Second))
	if activeWork > 0 {
		msg += fmt.Sprintf(", %d tasks active", activeWork)
	}
	if t.workerPool != nil {
		m := t.workerPool.GetSystemMetrics(t.ctx)
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			m.WorkersActive, m.WorkersTotal, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}
	t.pulseLog.Infow(msg)
}

// checkScheduledJobs fires every schedule due at now.
func (t *Ticker) checkScheduledJobs(now time.Time) error {
	jobs, err := t.store.ListJobsDue(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list scheduled jobs")
	}

	for _, sj := range jobs {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		if err := t.executeScheduledJob(sj, now); err != nil {
			t.pulseLog.Errorw("Failed to fire scheduled job",
				logger.FieldScheduleID, sj.ID,
				logger.FieldClassPath, sj.ClassPath,
				logger.FieldError, err)
			continue
		}
	}
	return nil
}

// executeScheduledJob takes the fire lock for sj's due time and fires it.
func (t *Ticker) executeScheduledJob(sj *ScheduledJob, now time.Time) error {
	start := time.Now()
	due := *sj.NextRunAt

	owned, err := t.locker.Acquire(t.ctx, sj.ID, due)
	if err != nil {
		return errors.Wrap(err, "failed to take schedule lock")
	}
	if !owned {
		t.pulseLog.Debugw("Scheduled run claimed by another process",
			logger.FieldScheduleID, sj.ID, "due", due)
		return nil
	}

	taskID, fired, err := t.scheduler.Fire(t.ctx, sj, now)
	if err != nil {
		return errors.WithDetail(err, "schedule_id: "+sj.ID)
	}
	if !fired {
		return nil
	}

	fields := []interface{}{
		logger.FieldScheduleID, sj.ID,
		logger.FieldClassPath, sj.ClassPath,
		logger.FieldTaskID, taskID,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	}
	if sj.Interval.Recurring() {
		if next, err := sj.nextRunAfter(due, now); err == nil {
			fields = append(fields, logger.FieldNextRun, next.Format(time.RFC3339))
		}
	}
	t.pulseLog.Infow("Scheduled job fired", fields...)
	return nil
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}
