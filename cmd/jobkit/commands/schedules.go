package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobkit/sym"
)

// SchedulesCmd manages persisted job schedules
var SchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: sym.Schedule + " Manage scheduled jobs and approvals",
	Long: sym.Schedule + ` schedules — Manage scheduled jobs and approvals

Examples:
  jobkit schedules list             # Every schedule
  jobkit schedules list --pending   # Schedules awaiting approval
  jobkit schedules approve <id>     # Approve, running it now if it is due
  jobkit schedules deny <id>        # Reject a pending schedule
  jobkit schedules cancel <id>      # Remove a schedule`,
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		pending, _ := cmd.Flags().GetBool("pending")
		jobs, err := app.Scheduler.Store().ListJobs(cmd.Context(), pending)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No schedules")
			return nil
		}

		data := pterm.TableData{{"ID", "Name", "Job", "Interval", "Next run", "Runs", "Approval", "Enabled"}}
		for _, sj := range jobs {
			approval := "-"
			if sj.ApprovalRequired {
				approval = "pending"
				if sj.Approved() {
					approval = "approved by " + sj.ApprovedBy
				}
			}
			interval := string(sj.Interval)
			if sj.Crontab != "" {
				interval += " (" + sj.Crontab + ")"
			}
			data = append(data, []string{
				sj.ID, sj.Name, sj.ClassPath, interval, formatTime(sj.NextRunAt),
				pterm.Sprint(sj.TotalRunCount), approval, yesNo(sj.Enabled),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var schedulesApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a schedule awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		taskID, err := app.Scheduler.Approve(cmd.Context(), args[0], currentUser(cmd))
		if err != nil {
			return err
		}
		if taskID != "" {
			pterm.Success.Printf("%s Approved and queued as %s\n", sym.Schedule, taskID)
			return nil
		}
		pterm.Success.Printf("%s Approved; it will run when due\n", sym.Schedule)
		return nil
	},
}

var schedulesDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a schedule awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Scheduler.Deny(cmd.Context(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("%s Denied %s\n", sym.Schedule, args[0])
		return nil
	},
}

var schedulesCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Scheduler.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("%s Cancelled %s\n", sym.Schedule, args[0])
		return nil
	},
}

func init() {
	schedulesListCmd.Flags().Bool("pending", false, "Only schedules awaiting approval")
	SchedulesCmd.AddCommand(schedulesListCmd, schedulesApproveCmd, schedulesDenyCmd, schedulesCancelCmd)
}
