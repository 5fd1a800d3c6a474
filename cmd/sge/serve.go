package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/sge/internal/logging"
	"github.com/zulandar/sge/internal/maintenance"
	"github.com/zulandar/sge/internal/web"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web exporter with its fetch worker",
		Long: `Migrates the database, then runs the HTTP server, the background fetch
worker and the daily cleanup of expired jobs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.migrate(); err != nil {
		return err
	}
	if port > 0 {
		a.cfg.Server.Port = port
	}

	client := a.steamClient()
	worker, err := a.worker(client)
	if err != nil {
		return err
	}
	sched, err := maintenance.New(a.store, a.cfg.Maintenance.Schedule, a.cfg.Maintenance.Retention)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil {
			logging.Error().Err(err).Msg("fetch worker exited")
		}
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	logging.Info().
		Str("environment", a.cfg.Environment).
		Str("driver", a.cfg.Database.Driver).
		Dur("next_vacuum", sched.Next()).
		Msg("sge starting")

	err = web.Start(ctx, web.Opts{
		Coordinator:  a.coordinator(client, worker),
		Worker:       worker,
		Port:         a.cfg.Server.Port,
		BasePath:     a.cfg.Server.BasePath,
		CookieSecure: a.cfg.Server.CookieSecure,
		Out:          cmd.OutOrStdout(),
	})
	// The worker finishes the item it is fetching before it stops.
	cancel()
	wg.Wait()
	return err
}
