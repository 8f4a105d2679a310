package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/convpipe/internal/config"
	"github.com/user/convpipe/internal/state/sqlite"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateVersionCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the SQLite schema",
}

func openSQLite() (*sqlite.Store, error) {
	cfg := loadConfig()
	setupLogging(cfg)
	if cfg.Storage.Backend != config.BackendSQLite {
		return nil, fmt.Errorf("storage.backend is %q, migrations apply to %q", cfg.Storage.Backend, config.BackendSQLite)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return sqlite.Open(cfg.SQLitePath())
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSQLite()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.MigrateUp(); err != nil {
			return err
		}
		version, _, err := store.MigrateVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Schema at version %d.\n", version)
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSQLite()
		if err != nil {
			return err
		}
		defer store.Close()
		version, dirty, err := store.MigrateVersion()
		if err != nil {
			return err
		}
		if dirty {
			fmt.Fprintf(os.Stdout, "%d (dirty)\n", version)
			return nil
		}
		fmt.Fprintln(os.Stdout, version)
		return nil
	},
}
