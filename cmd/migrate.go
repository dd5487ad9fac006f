package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/internal/store"
)

// migrateCmd wraps store.Open, whose hand-rolled migration runner (internal/
// store/store.go) applies every pending migrations/*.sql file on open — so
// "up" is just opening the store. There's no "down": the runner tracks only
// the current version, not per-migration rollback SQL (see DESIGN.md).
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func openConfiguredStore() (*store.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.Open(cfg.Database.Path)
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openConfiguredStore()
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Println("schema up to date")
			return nil
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openConfiguredStore()
			if err != nil {
				return err
			}
			defer db.Close()

			row := db.DB().QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
			var version int
			if err := row.Scan(&version); err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			fmt.Printf("version: %d\n", version)
			return nil
		},
	}
}
