package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/sge/internal/db"
	"github.com/zulandar/sge/internal/maintenance"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBVacuumCmd())
	cmd.AddCommand(newDBStatsCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the sge tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.migrate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables (%s)\n", len(db.AllModels()), a.cfg.Database.Driver)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newDBVacuumCmd() *cobra.Command {
	var (
		configPath string
		retention  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Delete expired export jobs now",
		Long: `Deletes jobs older than the retention window together with their queue
entries, the same cleanup serve runs on its maintenance schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if retention <= 0 {
				retention = a.cfg.Maintenance.Retention
			}
			sched, err := maintenance.New(a.store, a.cfg.Maintenance.Schedule, retention)
			if err != nil {
				return err
			}
			n, err := sched.RunOnce(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired jobs (older than %s)\n", n, retention)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&retention, "retention", 0, "delete jobs older than this (default maintenance.retention)")
	return cmd
}

func newDBStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache, queue and job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := context.Background()
			games, err := a.store.CountGameInfo(ctx)
			if err != nil {
				return err
			}
			queued, err := a.store.CountQueue(ctx)
			if err != nil {
				return err
			}
			jobs, err := a.store.CountJobs(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cached games:  %d\n", games)
			fmt.Fprintf(out, "Queue entries: %d\n", queued)
			fmt.Fprintf(out, "Pending jobs:  %d\n", jobs)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
