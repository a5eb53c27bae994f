package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobkit/db"
	"github.com/teranos/jobkit/logger"
	"github.com/teranos/jobkit/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the jobkit database",
	Long: sym.DB + ` db — Manage the jobkit database

Examples:
  jobkit db migrate                       # Apply pending migrations
  jobkit db cleanup --older-than 720h     # Drop old results and finished tasks`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.Database.Path, logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()

		pending, err := db.Pending(database)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			pterm.Success.Printf("%s Database %s is up to date\n", sym.DB, cfg.Database.Path)
			return nil
		}
		for _, m := range pending {
			pterm.Info.Printf("Applying %s\n", m.File)
		}
		if err := db.Migrate(database, logger.Logger); err != nil {
			return err
		}
		pterm.Success.Printf("%s Applied %d migrations to %s\n", sym.DB, len(pending), cfg.Database.Path)
		return nil
	},
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old job results and finished tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		results, err := app.Results.DeleteBefore(cmd.Context(), time.Now().UTC().Add(-olderThan))
		if err != nil {
			return err
		}
		tasks, err := app.Queue.Cleanup(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s Deleted %d results and %d tasks\n", sym.DB, results, tasks)
		return nil
	},
}

func init() {
	dbCleanupCmd.Flags().Duration("older-than", 30*24*time.Hour, "Age of the records to delete")
	DbCmd.AddCommand(dbMigrateCmd, dbCleanupCmd)
}
