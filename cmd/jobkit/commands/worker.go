package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobkit/internal/util"
	"github.com/teranos/jobkit/logger"
	"github.com/teranos/jobkit/pulse/async"
	"github.com/teranos/jobkit/pulse/schedule"
	"github.com/teranos/jobkit/sym"
)

// WorkerCmd runs the worker pool and the schedule ticker
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: sym.Pulse + " Run job workers and the scheduler",
	Long: sym.Pulse + ` worker — Run job workers and the scheduler in the foreground

The worker:
- discovers jobs and syncs job models on startup
- consumes the configured task queues with a pool of workers
- fires due schedules every tick
- re-discovers jobs when the local jobs root changes (jobs.watch)

With scheduler.redis_url set, schedule fires are guarded by a redis lock so
several workers can tick against the same database.

Example:
  jobkit worker                 # Use worker.workers from config
  jobkit worker --workers 4     # Override the pool size`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	cfg := app.Config

	workers := cfg.Worker.Workers
	if cmd.Flags().Changed("workers") {
		workers, _ = cmd.Flags().GetInt("workers")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := app.Reload(ctx)
	if err != nil {
		return err
	}
	for _, serr := range app.Registry.SourceErrors() {
		pterm.Warning.Println(serr.Error())
	}

	if cfg.Jobs.Watch {
		watcher, err := app.Registry.Watch(ctx)
		if err != nil {
			logger.Logger.Warnw("Jobs root not watched", logger.FieldError, err)
		} else {
			defer watcher.Stop()
		}
	}

	registry := async.NewHandlerRegistry()
	registry.Register(app.Controller())

	var limiter async.RateLimiter
	if cfg.Worker.RateLimitPerMinute > 0 {
		limiter = async.NewMinuteLimiter(cfg.Worker.RateLimitPerMinute)
	}

	poolCfg := async.WorkerPoolConfig{
		Workers:       workers,
		PollInterval:  time.Duration(cfg.Worker.PollIntervalMS) * time.Millisecond,
		Queues:        cfg.WorkerQueues(),
		SoftTimeLimit: util.Seconds(cfg.Worker.SoftTimeLimitSecs),
		TimeLimit:     util.Seconds(cfg.Worker.TimeLimitSecs),
	}
	pool := async.NewWorkerPool(ctx, app.DB, poolCfg, logger.Logger, registry, limiter)
	if workers > 0 {
		pool.Start()
	}

	tickerCfg := schedule.TickerConfig{
		Interval: time.Duration(cfg.Scheduler.TickIntervalMS) * time.Millisecond,
	}
	if cfg.Scheduler.RedisURL != "" {
		host, _ := os.Hostname()
		locker, err := schedule.NewRedisLocker(cfg.Scheduler.RedisURL, fmt.Sprintf("%s-%d", host, os.Getpid()))
		if err != nil {
			pool.Stop()
			return err
		}
		defer locker.Close()
		if err := locker.Ping(ctx); err != nil {
			pool.Stop()
			return err
		}
		tickerCfg.Locker = locker
	}
	ticker := schedule.NewTicker(ctx, app.Scheduler, app.Queue, pool, tickerCfg, logger.Logger)
	ticker.Start()

	fmt.Printf("%s Worker started\n", sym.Pulse)
	fmt.Printf("  Jobs: %d created, %d updated, %d uninstalled\n", report.Created, report.Updated, report.Uninstalled)
	fmt.Printf("  Workers: %d\n", workers)
	fmt.Printf("  Queues: %v\n", poolCfg.Queues)
	fmt.Printf("  Scheduler interval: %v\n", tickerCfg.Interval)
	if tickerCfg.Locker != nil {
		fmt.Printf("  Schedule lock: redis\n")
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	<-ctx.Done()

	fmt.Printf("\n%s Initiating graceful shutdown...\n", sym.PulseClose)

	// Stop in reverse order of startup
	ticker.Stop()
	pool.Stop()

	stats := ticker.GetStats()
	fmt.Printf("%s Worker stopped after %v scheduler ticks\n", sym.PulseClose, stats["ticks_since_start"])
	return nil
}

func init() {
	WorkerCmd.Flags().Int("workers", 0, "Number of concurrent workers (default from config)")
}
