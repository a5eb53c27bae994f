package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/pulse/schedule"
	"github.com/teranos/jobkit/result"
	"github.com/teranos/jobkit/sym"
	"github.com/teranos/jobkit/vars"
)

// JobsCmd groups job catalogue and run commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Job + " Discover, run and inspect jobs",
	Long: sym.Job + ` jobs — Discover, run and inspect jobs

Jobs are discovered from the local jobs root, from git repositories that
provide jobs, and from extensions. Discovered jobs start disabled.

Examples:
  jobkit jobs sync                                   # Discover jobs and update job models
  jobkit jobs list                                   # List job models
  jobkit jobs enable local/maintenance/RotateLogs    # Allow a job to run
  jobkit jobs run local/maintenance/RotateLogs --data keep=7
  jobkit jobs run local/reports/Nightly --interval daily --start 2026-11-01T02:00:00Z
  jobkit jobs results --status failure               # Recent failed runs
  jobkit jobs result <id>                            # One result with its log`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job models",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		models, err := app.Models.List(cmd.Context())
		if err != nil {
			return err
		}
		showHidden, _ := cmd.Flags().GetBool("hidden")

		data := pterm.TableData{{"Class path", "Name", "Grouping", "Installed", "Enabled", "Approval", "Sensitive"}}
		for _, m := range models {
			if m.Hidden && !showHidden {
				continue
			}
			data = append(data, []string{
				m.ClassPath, m.Name, m.Grouping,
				yesNo(m.Installed), yesNo(m.Enabled), yesNo(m.ApprovalRequired), yesNo(m.HasSensitiveVariables),
			})
		}
		if len(data) == 1 {
			pterm.Info.Println("No jobs found. Run 'jobkit jobs sync' to discover jobs.")
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var jobsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Discover jobs and update job models",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		report, err := app.Reload(cmd.Context())
		if err != nil {
			return err
		}
		for _, serr := range app.Registry.SourceErrors() {
			pterm.Warning.Println(serr.Error())
		}
		pterm.Success.Printf("%s %d created, %d updated, %d uninstalled, %d failed\n",
			sym.Discovery, report.Created, report.Updated, report.Uninstalled, report.Failed)
		return nil
	},
}

func setEnabledCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <class_path>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			m, err := app.Models.SetEnabled(cmd.Context(), args[0], enabled)
			if err != nil {
				return err
			}
			pterm.Success.Printf("%s is now %s\n", m.ClassPath, map[bool]string{true: "enabled", false: "disabled"}[m.Enabled])
			return nil
		},
	}
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <class_path>",
	Short: "Run or schedule a job",
	Long: `Submit a job run. Without --interval the job runs immediately.

Input values are given as --data name=value (repeatable) or as a JSON object
with --data-json. File variables take --file name=path.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		req, err := buildRequest(cmd, args[0])
		if err != nil {
			return err
		}
		sj, taskID, err := app.Scheduler.Submit(cmd.Context(), req, currentUser(cmd))
		if err != nil {
			return reportValidation(err)
		}
		if sj != nil {
			if sj.ApprovalRequired && !sj.Approved() {
				pterm.Info.Printf("%s Schedule %s (%s) is awaiting approval\n", sym.Schedule, sj.Name, sj.ID)
				return nil
			}
			pterm.Success.Printf("%s Scheduled %s (%s), next run %s\n", sym.Schedule, sj.Name, sj.ID, formatTime(sj.NextRunAt))
			return nil
		}
		pterm.Success.Printf("%s Job queued as %s\n", sym.Job, taskID)
		return nil
	},
}

// buildRequest turns run flags into a scheduler request.
func buildRequest(cmd *cobra.Command, classPath string) (schedule.Request, error) {
	pairs, _ := cmd.Flags().GetStringArray("data")
	rawJSON, _ := cmd.Flags().GetString("data-json")
	filePairs, _ := cmd.Flags().GetStringArray("file")
	queue, _ := cmd.Flags().GetString("queue")

	data, err := parseData(pairs, rawJSON)
	if err != nil {
		return schedule.Request{}, err
	}
	files, err := readFiles(filePairs)
	if err != nil {
		return schedule.Request{}, err
	}
	spec, err := parseSpec(cmd)
	if err != nil {
		return schedule.Request{}, err
	}
	return schedule.Request{
		ClassPath: classPath,
		Data:      data,
		Files:     files,
		TaskQueue: queue,
		Schedule:  spec,
	}, nil
}

// parseData merges a JSON object with name=value pairs; pairs win.
func parseData(pairs []string, rawJSON string) (map[string]any, error) {
	data := make(map[string]any)
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &data); err != nil {
			return nil, errors.WithHint(errors.Wrap(err, "invalid --data-json"), "pass a JSON object, e.g. '{\"keep\": 7}'")
		}
	}
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, errors.Newf("invalid --data %q, expected name=value", p)
		}
		if existing, ok := data[name]; ok {
			// repeated names build a list for multi-value variables
			switch v := existing.(type) {
			case []any:
				data[name] = append(v, value)
			default:
				data[name] = []any{v, value}
			}
			continue
		}
		data[name] = value
	}
	return data, nil
}

// readFiles loads name=path pairs as uploads.
func readFiles(pairs []string) (map[string]vars.Upload, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	files := make(map[string]vars.Upload, len(pairs))
	for _, p := range pairs {
		name, path, ok := strings.Cut(p, "=")
		if !ok || name == "" || path == "" {
			return nil, errors.Newf("invalid --file %q, expected name=path", p)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		files[name] = vars.Upload{Name: filepath.Base(path), Data: content}
	}
	return files, nil
}

// parseSpec returns nil when no scheduling flag is set.
func parseSpec(cmd *cobra.Command) (*schedule.Spec, error) {
	interval, _ := cmd.Flags().GetString("interval")
	name, _ := cmd.Flags().GetString("name")
	start, _ := cmd.Flags().GetString("start")
	crontab, _ := cmd.Flags().GetString("crontab")
	if interval == "" && start == "" && crontab == "" {
		return nil, nil
	}
	if interval == "" {
		interval = string(schedule.IntervalFuture)
		if crontab != "" {
			interval = string(schedule.IntervalCustom)
		}
	}

	spec := &schedule.Spec{Name: name, Interval: schedule.Interval(interval), Crontab: crontab}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return nil, errors.WithHint(errors.Wrap(err, "invalid --start"), "use RFC3339, e.g. 2026-11-01T02:00:00Z")
		}
		spec.StartTime = &t
	}
	return spec, nil
}

// reportValidation prints field errors one per line before returning err.
func reportValidation(err error) error {
	if verr, ok := errors.AsValidationError(err); ok {
		for _, field := range verr.FieldNames() {
			for _, msg := range verr.Fields[field] {
				pterm.Error.Printf("%s: %s\n", field, msg)
			}
		}
	}
	return err
}

var jobsResultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List recent job results",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		classPath, _ := cmd.Flags().GetString("class-path")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		results, err := app.Results.List(cmd.Context(), result.Filter{
			ClassPath: classPath,
			Status:    result.Status(status),
			Limit:     limit,
		})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			pterm.Info.Println("No job results")
			return nil
		}

		data := pterm.TableData{{"ID", "Job", "Status", "User", "Created", "Completed"}}
		for _, r := range results {
			data = append(data, []string{
				r.ID, r.Name, string(r.Status), r.User,
				r.CreatedAt.Local().Format(time.DateTime), formatTime(r.CompletedAt),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var jobsResultCmd = &cobra.Command{
	Use:   "result <id>",
	Short: "Show a job result and its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		r, err := app.Results.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		entries, err := app.Results.Logs(cmd.Context(), r.ID)
		if err != nil {
			return err
		}

		pterm.DefaultSection.Printf("%s %s", r.Name, r.ID)
		pterm.Printf("Class path: %s\nStatus:     %s\nUser:       %s\n", r.ClassPath, r.Status, r.User)
		if r.ScheduleID != "" {
			pterm.Printf("Schedule:   %s\n", r.ScheduleID)
		}
		if len(r.Value) > 0 {
			pterm.Printf("Return:     %s\n", string(r.Value))
		}
		pterm.Println()

		for _, e := range entries {
			line := fmt.Sprintf("[%s] %s", e.Grouping, e.Message)
			switch e.Level {
			case job.LevelFailure:
				pterm.Error.Println(line)
			case job.LevelWarning:
				pterm.Warning.Println(line)
			case job.LevelSuccess:
				pterm.Success.Println(line)
			default:
				pterm.Info.Println(line)
			}
		}
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func init() {
	jobsListCmd.Flags().Bool("hidden", false, "Include hidden jobs")

	jobsRunCmd.Flags().StringArray("data", nil, "Input value as name=value (repeatable)")
	jobsRunCmd.Flags().String("data-json", "", "Input values as a JSON object")
	jobsRunCmd.Flags().StringArray("file", nil, "File input as name=path (repeatable)")
	jobsRunCmd.Flags().String("queue", "", "Task queue (defaults to the job's first allowed queue)")
	jobsRunCmd.Flags().String("interval", "", "Schedule interval: immediately, future, hourly, daily, weekly, custom")
	jobsRunCmd.Flags().String("name", "", "Schedule name")
	jobsRunCmd.Flags().String("start", "", "Schedule start time (RFC3339)")
	jobsRunCmd.Flags().String("crontab", "", "Crontab for custom schedules, e.g. '0 6 * * 1-5'")

	jobsResultsCmd.Flags().String("class-path", "", "Only results of this job")
	jobsResultsCmd.Flags().String("status", "", "Only results with this status")
	jobsResultsCmd.Flags().Int("limit", 20, "Maximum results to show")

	JobsCmd.AddCommand(jobsListCmd, jobsSyncCmd, jobsRunCmd, jobsResultsCmd, jobsResultCmd,
		setEnabledCmd("enable", true), setEnabledCmd("disable", false))
}
