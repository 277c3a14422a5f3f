// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/store"
)

// NewMigrateCmd creates the migrate subcommand tree.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  runMigrateUp,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations (destructive: drops all tables)",
		RunE:  runMigrateDown,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current migration version",
		RunE:  runMigrateStatus,
	})

	return cmd
}

// migratorFromConfig builds a Migrator from the config file, with
// DATABASE_URL as an override for container deployments.
func migratorFromConfig(cmd *cobra.Command) (*store.Migrator, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	databaseURL := cfg.Database.URL
	if env := os.Getenv("DATABASE_URL"); env != "" {
		databaseURL = env
	}
	if databaseURL == "" {
		return nil, oops.Code("CONFIG_INVALID").Errorf("database.url (or DATABASE_URL) is required")
	}

	return store.NewMigrator(databaseURL)
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	migrator, err := migratorFromConfig(cmd)
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // close error does not affect outcome

	cmd.Println("Applying migrations...")
	if err := migrator.Up(); err != nil {
		return err
	}
	cmd.Println("Migrations completed successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	migrator, err := migratorFromConfig(cmd)
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // close error does not affect outcome

	cmd.Println("Rolling back all migrations...")
	if err := migrator.Down(); err != nil {
		return err
	}
	cmd.Println("Rollback completed")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	migrator, err := migratorFromConfig(cmd)
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // close error does not affect outcome

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	if version == 0 {
		cmd.Println("No migrations applied")
		return nil
	}

	name, err := store.MigrationName(version)
	if err != nil {
		return err
	}

	cmd.Printf("Current version: %d (%s)\n", version, name)
	if dirty {
		cmd.Println("WARNING: database is dirty; a migration failed partway through")
	}
	return nil
}
