package commands

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ixpipe/am"
	"github.com/teranos/ixpipe/commit"
	"github.com/teranos/ixpipe/db"
	"github.com/teranos/ixpipe/job"
	"github.com/teranos/ixpipe/logger"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/watermark"
)

// ValidateCmd checks a job file without running it
var ValidateCmd = &cobra.Command{
	Use:   "validate <jobfile>",
	Short: "Check a job file's properties",
	Long: `Load a TOML or YAML job file, apply the process defaults from am.toml
and check every property the engine reads: commit policy, retry budget,
fork operator and queue, converter threshold and quality policies.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

// PlanCmd shows the work units a job would run now
var PlanCmd = &cobra.Command{
	Use:   "plan <jobfile>",
	Short: "Show the work units a job would run now",
	Long: `Compute each work unit's watermark interval from the committed
watermarks, without running anything or recording a run.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

// newLauncher wires a launcher to the configured state store and publish
// directories. Callers supply the task runner.
func newLauncher(cfg *am.Config, database *sql.DB, dialect db.Dialect) *job.Launcher {
	return &job.Launcher{
		Publisher:  commit.DirPublisher{Root: cfg.Publish.Root, Staging: cfg.Publish.Staging},
		Watermarks: watermark.NewManager(watermark.NewSQLStore(database, dialect), logger.Logger.Named("watermark")),
		Store:      job.NewStore(database, dialect),
		Log:        logger.Logger,
	}
}

// resolveJobFile resolves a relative job file path against jobs.dir.
func resolveJobFile(cfg *am.Config, path string) string {
	if filepath.IsAbs(path) || cfg.Jobs.Dir == "" || cfg.Jobs.Dir == "." {
		return path
	}
	return filepath.Join(cfg.Jobs.Dir, path)
}

// loadJob reads a job file with the process defaults underneath it.
func loadJob(cfg *am.Config, path string) (props.Props, error) {
	p, err := props.LoadFile(resolveJobFile(cfg, path))
	if err != nil {
		return nil, err
	}
	return cfg.JobDefaults().Merge(p), nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := loadJob(cfg, args[0])
	if err != nil {
		return err
	}

	l := &job.Launcher{Log: logger.Logger}
	if err := l.Validate(p); err != nil {
		return err
	}

	policy, _ := commit.PolicyFromProps(p)
	pterm.Success.Printfln("%s is valid (job %s, %s commit, %d properties)",
		args[0], p.String(props.JobName, ""), policy, len(p))
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := loadJob(cfg, args[0])
	if err != nil {
		return err
	}

	database, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	l := newLauncher(cfg, database, dialect)
	if err := l.Validate(p); err != nil {
		return err
	}
	units, err := l.Plan(commandContext(cmd), p)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		pterm.Info.Println("Nothing to extract: the committed watermark is already at the end value")
		return nil
	}

	if pub, ok := l.Publisher.(commit.DirPublisher); ok {
		pterm.Info.Printfln("Publishing into %s (staged under %s)", pub.Root, pub.Staging)
	}
	data := pterm.TableData{{"#", "DATASET", "INTERVAL", "WATERMARK KEYS"}}
	for _, wu := range units {
		data = append(data, []string{
			fmt.Sprint(wu.Partition),
			wu.DatasetURN,
			wu.Interval.String(),
			fmt.Sprint(wu.WatermarkKeys),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
