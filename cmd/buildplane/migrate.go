package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/drewstone/docker-builder-platform/internal/app/migrate"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|status|down]",
	Short:     "Apply, inspect or roll back database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "status", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		command := "up"
		if len(args) == 1 {
			command = args[0]
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		target, _ := cmd.Flags().GetInt64("target")

		cfg, log, err := loadConfig(cmd, "migrate")
		if err != nil {
			return err
		}
		if cfg.UsesMemoryDatabase() {
			return fmt.Errorf("the in-memory repository has no migrations")
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.Postgres.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		migrator, err := migrate.New(pool, cfg.Postgres.MigrationsDir, log)
		if err != nil {
			pool.Close()
			return fmt.Errorf("configure migrations: %w", err)
		}
		defer pool.Close()
		defer migrator.Close()

		switch command {
		case "up":
			err = migrator.Up(ctx)
		case "down":
			err = migrator.Down(ctx, target)
		case "status":
			var list []migrate.Migration
			if list, err = migrator.Status(ctx); err == nil {
				printMigrations(cmd.OutOrStdout(), list)
			}
		}
		if err != nil {
			return fmt.Errorf("migrate %s: %w", command, err)
		}
		log.Info("migration command completed", "command", command)
		return nil
	},
}

func printMigrations(w io.Writer, list []migrate.Migration) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
	for _, m := range list {
		applied := "pending"
		if m.Applied {
			applied = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.Name, applied)
	}
	_ = tw.Flush()
}

func init() {
	migrateCmd.Flags().Duration("timeout", time.Minute, "Command timeout")
	migrateCmd.Flags().Int64("target", 0, "Target version for down (optional)")
}
