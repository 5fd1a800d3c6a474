package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/sge/internal/config"
	"github.com/zulandar/sge/internal/db"
	"github.com/zulandar/sge/internal/fetcher"
	"github.com/zulandar/sge/internal/jobs"
	"github.com/zulandar/sge/internal/logging"
	"github.com/zulandar/sge/internal/steam"
)

const defaultConfigPath = "sge.yaml"

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to sge config file")
}

// app holds what every command that touches the store needs.
type app struct {
	cfg   *config.Config
	store *db.Store
}

// openApp loads the config, sets up logging and connects to the store.
func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	store, err := db.New(gormDB, cfg.Database.MaxParams)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: store}, nil
}

// migrate creates or updates the tables.
func (a *app) migrate() error {
	return db.AutoMigrate(a.store.DB())
}

func (a *app) close() {
	if sqlDB, err := a.store.DB().DB(); err == nil {
		sqlDB.Close()
	}
}

func (a *app) steamClient() *steam.Client {
	return steam.NewClient(steam.Options{
		APIKey:     a.cfg.Steam.APIKey,
		StoreURL:   a.cfg.Steam.StoreURL,
		ProfileURL: a.cfg.Steam.ProfileURL,
		StoreDelay: a.cfg.Steam.StoreDelay,
		Timeout:    a.cfg.Steam.Timeout,
		MaxRetries: a.cfg.Steam.MaxRetries,
	})
}

func (a *app) worker(source fetcher.MetadataSource) (*fetcher.Worker, error) {
	return fetcher.New(a.store, source, fetcher.Options{
		BatchSize:        a.cfg.Worker.BatchSize,
		IdleTimeout:      a.cfg.Worker.IdleTimeout,
		RateLimitBackoff: a.cfg.Worker.RateLimitBackoff,
		ErrorBackoff:     a.cfg.Worker.ErrorBackoff,
	})
}

func (a *app) coordinator(client *steam.Client, w *fetcher.Worker) *jobs.Coordinator {
	c := &jobs.Coordinator{
		Store:      a.store,
		Profiles:   client,
		StoreDelay: client.StoreDelay(),
	}
	// A nil *Worker in the interface would not compare equal to nil.
	if w != nil {
		c.Worker = w
	}
	return c
}
