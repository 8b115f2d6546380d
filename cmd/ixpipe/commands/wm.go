package commands

import (
	"context"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/watermark"
)

// WmCmd represents the wm (watermark) command
var WmCmd = &cobra.Command{
	Use:   "wm",
	Short: "Inspect and override committed watermarks",
	Long: `wm: Inspect and override committed watermarks

Each dataset's high watermark is stored under its URN, or under
<urn>#<branch> for per-branch commits. The next run extracts from the
stored value minus the job's backup window.

Examples:
  ixpipe wm ls                      # List every committed watermark
  ixpipe wm ls db.orders            # List watermarks for one dataset
  ixpipe wm set db.orders 1700000000
  ixpipe wm reset db.orders         # Next run starts from start.value`,
}

var wmLsCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List committed watermarks",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWmLs,
}

var wmSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a watermark, moving it backwards if needed",
	Long: `Set a watermark to an exact value. Unlike a job commit this may move
the watermark backwards, which makes the next run re-extract from there.`,
	Args: cobra.ExactArgs(2),
	RunE: runWmSet,
}

var wmResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Delete a watermark so the next run starts from start.value",
	Args:  cobra.ExactArgs(1),
	RunE:  runWmReset,
}

func init() {
	WmCmd.AddCommand(wmLsCmd)
	WmCmd.AddCommand(wmSetCmd)
	WmCmd.AddCommand(wmResetCmd)
}

func openWatermarks() (*watermark.SQLStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, dialect, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return watermark.NewSQLStore(database, dialect), func() { database.Close() }, nil
}

func runWmLs(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openWatermarks()
	if err != nil {
		return err
	}
	defer closeDB()

	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}
	entries, err := store.List(commandContext(cmd), prefix)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		pterm.Info.Println("No watermarks committed yet")
		return nil
	}

	data := pterm.TableData{{"KEY", "HIGH WATERMARK", "UPDATED"}}
	for _, e := range entries {
		data = append(data, []string{e.Key, e.High.String(), e.UpdatedAt.Local().Format(time.DateTime)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runWmSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || value < 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "watermark %q is not a non-negative integer", args[1])
	}

	store, closeDB, err := openWatermarks()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := commandContext(cmd)
	prev, ok, err := store.PreviousHighWatermark(ctx, key)
	if err != nil {
		return err
	}
	if err := store.PutHighWatermark(ctx, key, watermark.Watermark(value)); err != nil {
		return err
	}

	if ok {
		pterm.Success.Printfln("%s: %s -> %d", key, prev, value)
	} else {
		pterm.Success.Printfln("%s: set to %d", key, value)
	}
	return nil
}

func runWmReset(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openWatermarks()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := store.Delete(commandContext(cmd), args[0]); err != nil {
		return err
	}
	pterm.Success.Printfln("%s: watermark removed", args[0])
	return nil
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
