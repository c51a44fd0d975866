package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun/migrate"

	"github.com/victornm/trivia/internal/stats/migrations"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema of the stats store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			group, err := migrations.Up(cmd.Context(), c.Postgres.DSN())
			if err != nil {
				return err
			}

			logGroup(cmd, "migrate: applied", group)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration group",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			group, err := migrations.Down(cmd.Context(), c.Postgres.DSN())
			if err != nil {
				return err
			}

			logGroup(cmd, "migrate: rolled back", group)
			return nil
		},
	})

	return cmd
}

func logGroup(cmd *cobra.Command, msg string, group *migrate.MigrationGroup) {
	if group.IsZero() {
		slog.InfoContext(cmd.Context(), "migrate: nothing to do")
		return
	}

	slog.InfoContext(cmd.Context(), msg, "group", group.String())
}
