package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/job"
)

// JobsCmd represents the jobs (run history) command
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job run history",
	Long: `jobs: Inspect job run history

Every launch records its run, the terminal state of each work unit and a
plain-text report. A job whose consecutive failed runs exceed
job.max.failures is reported as disabled until a run succeeds or the
counter is reset.

Examples:
  ixpipe jobs history                  # Latest runs of every job
  ixpipe jobs history --job orders     # Latest runs of one job
  ixpipe jobs show <run-id>            # Report and work units of one run
  ixpipe jobs failures orders          # Failed-run counter
  ixpipe jobs failures orders --reset  # Clear it`,
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List the latest job runs",
	RunE:  runJobsHistory,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run's report and work units",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsFailuresCmd = &cobra.Command{
	Use:   "failures <job>",
	Short: "Show or reset a job's failed-run counter",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsFailures,
}

var (
	historyJob    string
	historyLimit  int
	resetFailures bool
)

func init() {
	jobsHistoryCmd.Flags().StringVar(&historyJob, "job", "", "Only show runs of this job")
	jobsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 0, "Number of runs to show (default jobs.history_limit)")
	jobsFailuresCmd.Flags().BoolVar(&resetFailures, "reset", false, "Clear the counter")

	JobsCmd.AddCommand(jobsHistoryCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsFailuresCmd)
}

func openJobStore() (*job.Store, int, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, 0, nil, err
	}
	database, dialect, err := openDatabase(cfg)
	if err != nil {
		return nil, 0, nil, err
	}
	return job.NewStore(database, dialect), cfg.GetHistoryLimit(), func() { database.Close() }, nil
}

func runJobsHistory(cmd *cobra.Command, args []string) error {
	store, limit, closeDB, err := openJobStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if historyLimit > 0 {
		limit = historyLimit
	}
	runs, err := store.ListRuns(commandContext(cmd), historyJob, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		pterm.Info.Println("No job runs recorded yet")
		return nil
	}

	data := pterm.TableData{{"RUN", "JOB", "POLICY", "STATUS", "UNITS", "COMMITTED", "ABORTED", "STARTED", "DURATION"}}
	for _, r := range runs {
		data = append(data, []string{
			r.ID,
			r.JobName,
			r.CommitPolicy,
			statusText(r.Status),
			fmt.Sprint(r.WorkUnits),
			fmt.Sprint(r.Committed),
			fmt.Sprint(r.Aborted),
			r.StartedAt.Local().Format(time.DateTime),
			runDuration(r),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	store, _, closeDB, err := openJobStore()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := commandContext(cmd)
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return errors.WithHint(err, "list run IDs with `ixpipe jobs history`")
		}
		return err
	}

	pterm.DefaultSection.Printfln("%s run %s", run.JobName, run.ID)
	pterm.Printfln("Status:   %s", statusText(run.Status))
	pterm.Printfln("Policy:   %s", run.CommitPolicy)
	pterm.Printfln("Started:  %s", run.StartedAt.Local().Format(time.DateTime))
	pterm.Printfln("Duration: %s", runDuration(run))
	pterm.Println()

	records, err := store.ListTaskStates(ctx, run.ID)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		data := pterm.TableData{{"DATASET", "INTERVAL", "STATE", "RETRIES", "ROWS", "REALIZED HIGH", "ERROR"}}
		for _, r := range records {
			data = append(data, []string{
				r.DatasetURN,
				fmt.Sprintf("[%s, %s)", r.Low, r.High),
				string(r.State),
				fmt.Sprint(r.RetryCount),
				fmt.Sprint(r.RowsExtracted),
				r.RealizedHigh.String(),
				r.ErrorClass,
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		pterm.Println()
	}

	if run.Report != "" {
		pterm.DefaultSection.Println("Report")
		fmt.Fprint(cmd.OutOrStdout(), run.Report)
	}
	return nil
}

func runJobsFailures(cmd *cobra.Command, args []string) error {
	store, _, closeDB, err := openJobStore()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := commandContext(cmd)
	name := args[0]
	if resetFailures {
		if err := store.ResetFailures(ctx, name); err != nil {
			return err
		}
		pterm.Success.Printfln("%s: failure counter cleared", name)
		return nil
	}

	n, err := store.Failures(ctx, name)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("%s: %d failed runs", name, n)
	return nil
}

func statusText(s job.Status) string {
	switch s {
	case job.StatusSucceeded:
		return pterm.Green(string(s))
	case job.StatusFailed:
		return pterm.Red(string(s))
	case job.StatusCancelled, job.StatusRunning:
		return pterm.Yellow(string(s))
	default:
		return string(s)
	}
}

func runDuration(r *job.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
