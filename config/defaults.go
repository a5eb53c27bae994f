package config

import "github.com/spf13/viper"

// DefaultDirPermissions is used for directories jobkit creates
const DefaultDirPermissions = 0o755

// Defaults mirrored by the worker and scheduler when config is absent
const (
	DefaultQueue             = "default"
	DefaultSoftTimeLimitSecs = 300
	DefaultTimeLimitSecs     = 600
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "jobkit.db")

	v.SetDefault("jobs.root", "jobs")
	v.SetDefault("jobs.git_root", "git")
	v.SetDefault("jobs.plugins_root", "plugins")
	v.SetDefault("jobs.watch", false)

	v.SetDefault("worker.workers", 2)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.queues", []string{DefaultQueue})
	v.SetDefault("worker.default_queue", DefaultQueue)
	v.SetDefault("worker.soft_time_limit_s", DefaultSoftTimeLimitSecs)
	v.SetDefault("worker.time_limit_s", DefaultTimeLimitSecs)
	v.SetDefault("worker.rate_limit_per_minute", 0)

	v.SetDefault("scheduler.tick_interval_ms", 1000)
	v.SetDefault("scheduler.redis_url", "")

	v.SetDefault("changes.tracked_types", []string{})

	v.SetDefault("log.json", false)
}
