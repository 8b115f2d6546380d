package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ixpipe/db"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the ixpipe state store",
	Long: `db: Manage the ixpipe state store

The state store holds committed watermarks, job run history and archived
task states. sqlite is the default; set database.driver = "postgres" and
database.dsn to share one store between hosts.

Examples:
  ixpipe db migrate               # Apply pending migrations
  ixpipe db status                # List migrations and whether they ran`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they have been applied",
	RunE:  runDbStatus,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, _, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	pterm.Success.Printfln("Database is migrated (%s)", describeDatabase(cfg))
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	migrations, err := db.Status(database, dialect)
	if err != nil {
		return err
	}

	pterm.Info.Printfln("Database: %s", describeDatabase(cfg))
	data := pterm.TableData{{"VERSION", "FILE", "APPLIED"}}
	for _, m := range migrations {
		applied := "no"
		if m.Applied {
			applied = "yes"
		}
		data = append(data, []string{m.Version, m.File, applied})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
