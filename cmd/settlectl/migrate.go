package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c50bossio/hybrid-payments/internal/config"
	"github.com/c50bossio/hybrid-payments/internal/database"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return database.RunMigrations(config.Load().DatabaseURL())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return database.RollbackMigrations(config.Load().DatabaseURL())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			version, dirty, err := database.MigrationVersion(config.Load().DatabaseURL())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	})
	return cmd
}
