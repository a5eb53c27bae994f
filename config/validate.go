package config

import "github.com/teranos/jobkit/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	// Workers: 0 = enqueue-only process, negative = invalid
	if c.Worker.Workers < 0 {
		return errors.Newf("worker.workers must be >= 0, got %d", c.Worker.Workers)
	}
	if c.Worker.PollIntervalMS <= 0 {
		return errors.Newf("worker.poll_interval_ms must be > 0, got %d", c.Worker.PollIntervalMS)
	}
	if c.Worker.DefaultQueue == "" {
		return errors.New("worker.default_queue cannot be empty")
	}
	if c.Worker.SoftTimeLimitSecs < 0 || c.Worker.TimeLimitSecs < 0 {
		return errors.New("worker time limits must be >= 0")
	}
	if c.Worker.RateLimitPerMinute < 0 {
		return errors.Newf("worker.rate_limit_per_minute must be >= 0, got %d", c.Worker.RateLimitPerMinute)
	}

	if c.Scheduler.TickIntervalMS <= 0 {
		return errors.Newf("scheduler.tick_interval_ms must be > 0, got %d", c.Scheduler.TickIntervalMS)
	}

	seen := make(map[string]bool, len(c.Jobs.Repositories))
	for i, repo := range c.Jobs.Repositories {
		if repo.Slug == "" || repo.RemoteURL == "" {
			return errors.Newf("jobs.repositories[%d] needs slug and remote_url", i)
		}
		if seen[repo.Slug] {
			return errors.Newf("jobs.repositories: duplicate slug %q", repo.Slug)
		}
		seen[repo.Slug] = true
	}

	return nil
}

// WorkerQueues returns the queues this process consumes, always including the default queue
func (c *Config) WorkerQueues() []string {
	queues := append([]string{}, c.Worker.Queues...)
	for _, q := range queues {
		if q == c.Worker.DefaultQueue {
			return queues
		}
	}
	return append(queues, c.Worker.DefaultQueue)
}
