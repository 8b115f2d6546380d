package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/ixpipe/am"
	"github.com/teranos/ixpipe/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage ixpipe process configuration",
	Long: `am: Manage ixpipe process configuration

Configuration sources (in order of precedence):
1. Environment variables (IXPIPE_* prefix)
2. Project config (am.toml in the working directory or a parent)
3. User config (~/.ixpipe/am.toml)
4. System config (/etc/ixpipe/am.toml)
5. Default values

Examples:
  ixpipe am show                    # Show current configuration
  ixpipe am show --format json      # Show configuration in JSON format
  ixpipe am get database.path       # Get specific config value
  ixpipe am sources                 # Show where each value came from
  ixpipe am init                    # Write the effective config to ~/.ixpipe/am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pool.executor)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amSourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Show each setting with the source that set it",
	RunE:  runAmSources,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to a file",
	Long: `Write the effective configuration to ~/.ixpipe/am.toml (or --path).
An existing file is rotated into .back1, .back2 and .back3 first.`,
	RunE: runAmInit,
}

var (
	configFormat string
	initPath     string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().StringVar(&initPath, "path", "", "Config file to write (default ~/.ixpipe/am.toml)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amSourcesCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	redacted := *cfg
	if redacted.Database.DSN != "" {
		redacted.Database.DSN = "********"
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))

	case "yaml":
		data, err := yaml.Marshal(redacted)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# ixpipe configuration\n%s", string(data))

	case "toml":
		data, err := am.Render(cfg, false)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# ixpipe configuration\n%s", string(data))

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := am.GetViper()
	if !v.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmSources(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return err
	}

	data := pterm.TableData{{"KEY", "VALUE", "SOURCE", "FROM"}}
	for _, s := range intro.Settings {
		data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runAmInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := initPath
	if path == "" {
		dir := am.UserConfigDir()
		if dir == "" {
			return errors.New("could not determine home directory")
		}
		path = filepath.Join(dir, am.ConfigFileName)
	}
	_, statErr := os.Stat(path)

	if err := am.WriteConfig(cfg, path); err != nil {
		return err
	}
	if statErr == nil {
		pterm.Info.Printfln("Previous %s kept as %s.back1", path, path)
	}
	pterm.Success.Printfln("Wrote %s", path)
	return nil
}
