package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ticketdesk/boxoffice/common/database"
	"github.com/ticketdesk/boxoffice/webhook/cmd/boxctl/output"
	"github.com/ticketdesk/boxoffice/webhook/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
	Long:  "Apply or roll back the processed-event and inventory tables",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := databaseURL(cmd)
		if err != nil {
			return err
		}
		if err := database.MigrateUp(migrations.FS, migrations.Dir, url); err != nil {
			return err
		}
		return reportVersion(url, "Schema up to date")
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		url, err := databaseURL(cmd)
		if err != nil {
			return err
		}
		if err := database.MigrateDown(migrations.FS, migrations.Dir, url, steps); err != nil {
			return err
		}
		return reportVersion(url, fmt.Sprintf("Rolled back %d migration(s)", steps))
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := databaseURL(cmd)
		if err != nil {
			return err
		}
		return reportVersion(url, "Schema")
	},
}

func reportVersion(url, msg string) error {
	version, dirty, err := database.MigrationVersion(migrations.FS, migrations.Dir, url)
	if err != nil {
		return err
	}
	state := struct {
		Version uint `json:"version" yaml:"version"`
		Dirty   bool `json:"dirty" yaml:"dirty"`
	}{version, dirty}
	if handled, err := output.Structured(format, state); handled {
		return err
	}

	output.Success("%s (version %d)", msg, version)
	if dirty {
		output.Warn("Schema is dirty: a migration failed part way. Fix it by hand, then force the version.")
	}
	return nil
}

// databaseURL prefers --database-url over postgres.url.
func databaseURL(cmd *cobra.Command) (string, error) {
	if url, _ := cmd.Flags().GetString("database-url"); url != "" {
		return url, nil
	}
	c, err := loadedConfig()
	if err != nil {
		return "", err
	}
	if c.Postgres.URL == "" {
		return "", errors.New("postgres.url is not configured; pass --database-url or set BOXOFFICE_POSTGRES_URL")
	}
	return c.Postgres.URL, nil
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)

	migrateCmd.PersistentFlags().String("database-url", "", "Postgres URL (overrides postgres.url)")
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to roll back")
}
