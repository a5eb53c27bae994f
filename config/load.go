package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/jobkit/errors"
)

// FileName is the config file searched for in the user and project directories
const FileName = "jobkit.toml"

// Load reads the jobkit configuration.
// Precedence (lowest to highest): defaults < ~/.jobkit/jobkit.toml < project jobkit.toml < JOBKIT_* env vars.
func Load() (*Config, error) {
	return LoadWithViper(newViper(findConfigFiles()...))
}

// LoadFromFile loads configuration from a specific file path, on top of defaults and env vars
func LoadFromFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(newViper(configPath))
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper(files ...string) *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("JOBKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	SetDefaults(v)
	mergeConfigFiles(v, files)
	return v
}

// bindEnvVars makes nested keys visible to Unmarshal when only set in the environment
func bindEnvVars(v *viper.Viper) {
	for _, key := range []string{
		"database.path",
		"jobs.root", "jobs.git_root", "jobs.plugins_root", "jobs.watch",
		"worker.workers", "worker.default_queue", "worker.rate_limit_per_minute",
		"scheduler.tick_interval_ms", "scheduler.redis_url",
		"log.json",
	} {
		_ = v.BindEnv(key)
	}
}

// findConfigFiles returns existing config files, lowest precedence first
func findConfigFiles() []string {
	var files []string
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".jobkit", FileName))
	}
	if project := findProjectConfig(); project != "" {
		files = append(files, project)
	}
	return files
}

// findProjectConfig searches for jobkit.toml by walking up the directory tree
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges each readable file in order; later files win
func mergeConfigFiles(v *viper.Viper, files []string) {
	for _, path := range files {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		fileViper := viper.New()
		fileViper.SetConfigFile(path)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}
		_ = v.MergeConfigMap(fileViper.AllSettings())
	}
}
