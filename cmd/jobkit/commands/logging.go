package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/jobkit/logger"
)

// InitLogging sets up the global logger from log.json in the config and the
// -v count. A config that fails to load falls back to console output; the
// command itself reports the config error.
func InitLogging(cmd *cobra.Command) error {
	jsonOutput := false
	if cfg, err := loadConfig(cmd); err == nil {
		jsonOutput = cfg.Log.JSON
	}
	verbosity, _ := cmd.Flags().GetCount("verbose")
	return logger.InitializeWithVerbosity(jsonOutput, logger.VerbosityInfo+verbosity)
}
