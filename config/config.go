// Package config loads jobkit configuration from TOML files and JOBKIT_* environment variables.
package config

// Config represents the jobkit configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Changes   ChangesConfig   `mapstructure:"changes"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// JobsConfig configures where jobs are discovered
type JobsConfig struct {
	Root         string             `mapstructure:"root"`          // local jobs root, grouped as "local"
	GitRoot      string             `mapstructure:"git_root"`      // parent directory for repository clones
	PluginsRoot  string             `mapstructure:"plugins_root"`  // directory of extension plugin.toml manifests
	Watch        bool               `mapstructure:"watch"`         // re-scan the local root on change
	Repositories []RepositoryConfig `mapstructure:"repositories"` // seeds the git_repositories table
}

// RepositoryConfig describes a git repository providing jobs
type RepositoryConfig struct {
	Slug             string   `mapstructure:"slug"`
	Name             string   `mapstructure:"name"`
	RemoteURL        string   `mapstructure:"remote_url"`
	Branch           string   `mapstructure:"branch"`
	CurrentHead      string   `mapstructure:"current_head"`
	ProvidedContents []string `mapstructure:"provided_contents"`
}

// WorkerConfig configures the task queue worker pool
type WorkerConfig struct {
	Workers            int      `mapstructure:"workers"`
	PollIntervalMS     int      `mapstructure:"poll_interval_ms"`
	Queues             []string `mapstructure:"queues"`
	DefaultQueue       string   `mapstructure:"default_queue"`
	SoftTimeLimitSecs  float64  `mapstructure:"soft_time_limit_s"` // used when a job declares none
	TimeLimitSecs      float64  `mapstructure:"time_limit_s"`      // used when a job declares none
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"` // 0 = unlimited
}

// SchedulerConfig configures the schedule ticker
type SchedulerConfig struct {
	TickIntervalMS int    `mapstructure:"tick_interval_ms"`
	RedisURL       string `mapstructure:"redis_url"` // enables the distributed fire lock
}

// ChangesConfig configures change tracking
type ChangesConfig struct {
	TrackedTypes []string `mapstructure:"tracked_types"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}
