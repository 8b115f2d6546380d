package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/ixpipe/am"
	"github.com/teranos/ixpipe/cmd/ixpipe/commands"
	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ixpipe",
	Short: "ixpipe - incremental, watermark-driven ingestion engine",
	Long: `ixpipe - incremental, watermark-driven ingestion engine.

Operational tooling for the state store behind ixpipe jobs: process
configuration, migrations, committed watermarks and run history.

Available commands:
  am       - Manage process configuration
  db       - Manage the state store
  wm       - Inspect and override committed watermarks
  jobs     - Inspect job run history
  validate - Check a job file
  plan     - Show the work units a job would run now

Examples:
  ixpipe am show                    # Show current configuration
  ixpipe wm ls db.orders            # Committed watermarks of a dataset
  ixpipe plan jobs/orders.toml      # Intervals the next run would extract
  ixpipe jobs history --job orders  # Latest runs of a job`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			am.Reset()
			if _, err := am.LoadFromFile(configPath); err != nil {
				return err
			}
		}
		cfg, err := am.Load()
		if err != nil {
			return err
		}

		level, err := am.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if v := logger.VerbosityToLevel(verbosity); verbosity > 0 && v < level {
			level = v
		}
		// am show prints config on stdout; keep it free of log lines
		if cmd.Name() == "show" && level < zapcore.WarnLevel {
			level = zapcore.WarnLevel
		}
		if err := logger.InitializeWithLevel(cfg.Log.JSON, level); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Use this am.toml instead of the system/user/project cascade")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.WmCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ValidateCmd)
	rootCmd.AddCommand(commands.PlanCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
