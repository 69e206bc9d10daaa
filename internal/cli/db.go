package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uke16/Helix-sub001/internal/events"
	"github.com/uke16/Helix-sub001/internal/logging"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event log database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the event log schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Events.DSN == "" {
			return fmt.Errorf("events.dsn is not configured")
		}
		log, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		store, err := events.Open(cmd.Context(), cfg.Events.DSN, log)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		cmd.Println("Schema is up to date.")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
}
