package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/sge/internal/jobs"
	"github.com/zulandar/sge/internal/sheet"
	"github.com/zulandar/sge/internal/steam"
)

type exportOpts struct {
	configPath string
	steamID    string
	format     string
	gameInfo   bool
	out        string
	wait       bool
	token      string
	interval   time.Duration
}

func newExportCmd() *cobra.Command {
	var o exportOpts

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a Steam library to a file",
		Long: `Fetches the owned games of --steamid and writes them to a file.

With --gameinfo the export is enriched with store metadata. Apps missing from
the cache are queued; with --wait (the default) a fetch worker runs in this
process until the export completes. Without it the job token is printed and
can be collected later with --token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, o)
		},
	}

	addConfigFlag(cmd, &o.configPath)
	cmd.Flags().StringVar(&o.steamID, "steamid", "", "64-bit Steam ID of the profile to export")
	cmd.Flags().StringVarP(&o.format, "format", "f", string(sheet.CSV), "output format: xlsx, csv or json")
	cmd.Flags().BoolVar(&o.gameInfo, "gameinfo", false, "include store metadata")
	cmd.Flags().StringVarP(&o.out, "out", "o", "", "output file (default games.<format>)")
	cmd.Flags().BoolVar(&o.wait, "wait", true, "fetch missing metadata in this process and wait")
	cmd.Flags().StringVar(&o.token, "token", "", "collect a previously queued export")
	cmd.Flags().DurationVar(&o.interval, "poll-interval", 2*time.Second, "how often to check a waiting export")
	return cmd
}

func runExport(cmd *cobra.Command, o exportOpts) error {
	if o.steamID == "" && o.token == "" {
		return fmt.Errorf("one of --steamid or --token is required")
	}
	a, err := openApp(o.configPath)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.migrate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := a.steamClient()
	out := cmd.OutOrStdout()

	var res *jobs.Result
	switch {
	case o.token != "":
		res, err = a.coordinator(client, nil).Poll(ctx, o.token)
	case !o.gameInfo:
		res, err = a.coordinator(client, nil).ExportSimple(ctx, o.steamID, o.format)
	case !o.wait:
		res, err = a.coordinator(client, nil).SubmitSteamID(ctx, o.steamID, o.format)
	default:
		res, err = exportAndWait(ctx, cmd, a, client, o)
	}
	if err != nil {
		return err
	}

	if !res.Done() {
		fmt.Fprintf(out, "Queued %d apps (about %d min). Collect with: sge export --token %s\n",
			res.Pending, res.EstimateMinutes, res.Token)
		return nil
	}
	return writeExport(cmd, res, o.out)
}

// exportAndWait submits the export and runs a worker until it is done.
func exportAndWait(ctx context.Context, cmd *cobra.Command, a *app, client *steam.Client, o exportOpts) (*jobs.Result, error) {
	worker, err := a.worker(client)
	if err != nil {
		return nil, err
	}
	coord := a.coordinator(client, worker)

	res, err := coord.SubmitSteamID(ctx, o.steamID, o.format)
	if err != nil || res.Done() {
		return res, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Fetching metadata for %d apps (about %d min)...\n", res.Pending, res.EstimateMinutes)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(workerCtx)
	}()
	defer func() {
		cancelWorker()
		<-done
	}()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	last := res.Pending
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(cmd.ErrOrStderr(), "Interrupted. Collect later with: sge export --token %s\n", res.Token)
			return nil, ctx.Err()
		case <-ticker.C:
		}
		polled, err := coord.Poll(ctx, res.Token)
		if err != nil {
			return nil, err
		}
		if polled.Done() {
			return polled, nil
		}
		if polled.Pending != last {
			last = polled.Pending
			fmt.Fprintf(cmd.ErrOrStderr(), "%d apps left\n", last)
		}
	}
}

func writeExport(cmd *cobra.Command, res *jobs.Result, path string) error {
	if path == "" {
		path = sheet.Filename(res.Format)
	}
	var buf bytes.Buffer
	if err := sheet.Write(&buf, res.Format, res.Table); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d games to %s\n", res.Table.Len(), path)
	return nil
}
