package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/jobkit/cmd/jobkit/commands"
)

var rootCmd = &cobra.Command{
	Use:   "jobkit",
	Short: "jobkit - Discover, schedule and run jobs",
	Long: `jobkit - Discover, schedule and run user-defined jobs.

Jobs are found in the local jobs root, in git repositories and in extensions.
Runs go through an approval-aware scheduler into a persistent task queue that
a pool of workers consumes.

Available commands:
  jobs     - List, sync, run and inspect jobs
  schedules - Review, approve and cancel scheduled jobs
  hooks    - Run hook receiver jobs on object changes
  buttons  - Run button receiver jobs against one object
  worker   - Run job workers and the scheduler
  db       - Manage the jobkit database

Examples:
  jobkit jobs sync                          # Discover jobs and sync models
  jobkit jobs run local/nightly/Backup      # Run a job now
  jobkit schedules list --pending           # Jobs awaiting approval
  jobkit worker                             # Start workers and scheduler`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if err := commands.InitLogging(cmd); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: jobkit.toml in the working directory or ~/.jobkit)")
	rootCmd.PersistentFlags().String("user", "", "User recorded as the requester of runs and approvals")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.SchedulesCmd)
	rootCmd.AddCommand(commands.HooksCmd)
	rootCmd.AddCommand(commands.ButtonsCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
