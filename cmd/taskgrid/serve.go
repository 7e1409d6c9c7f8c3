package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/taskgrid/internal/api"
	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/backend/noop"
	"github.com/seantiz/taskgrid/internal/config"
	"github.com/seantiz/taskgrid/internal/core"
	"github.com/seantiz/taskgrid/internal/engine"
	"github.com/seantiz/taskgrid/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr    string
		dbPath        string
		resourcesFile string
		pollInterval  time.Duration
		resume        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}
			if cmd.Flags().Changed("resources") {
				cfg.ResourcesFile = resourcesFile
			}
			if cmd.Flags().Changed("poll-interval") {
				cfg.PollInterval = pollInterval
			}
			return serve(cmd.Context(), cfg, resume)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (or TASKGRID_LISTEN_ADDR)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (or TASKGRID_DB_PATH)")
	cmd.Flags().StringVar(&resourcesFile, "resources", "", "YAML resources file (or TASKGRID_RESOURCES_FILE)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "Engine progress interval (or TASKGRID_POLL_INTERVAL)")
	cmd.Flags().BoolVar(&resume, "resume", true, "Resume unfinished tasks found in the database")

	return cmd
}

func serve(ctx context.Context, cfg config.Config, resume bool) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("taskgrid: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"resources_file", cfg.ResourcesFile,
		"poll_interval", cfg.PollInterval.String(),
	)

	reg := backend.NewRegistry()
	noop.Register(reg)

	resources, err := buildResources(reg, cfg, logger)
	if err != nil {
		return err
	}

	c, err := core.New(resources, logger, core.WithErrorPolicy(core.ParseKeywordPolicy(cfg.NoCatchErrors)))
	if err != nil {
		return fmt.Errorf("create core: %w", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		c.Close()
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := engine.New(c, logger,
		engine.WithMaxInFlight(cfg.MaxInFlight),
		engine.WithMaxSubmitted(cfg.MaxSubmitted),
		engine.WithStore(db),
		engine.WithOutputDir(cfg.OutputDir),
		engine.WithRetrieveRunning(cfg.RetrieveRunning),
		engine.WithRetrieveOptions(cfg.RetrieveOverwrites, cfg.RetrieveChangedOnly),
	)
	if resume {
		if _, err := eng.Resume(ctx); err != nil {
			eng.Close()
			return err
		}
	}

	bg := engine.NewBgEngine(eng, logger)
	defer func() {
		if err := bg.Close(); err != nil {
			logger.Error("close resources", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, db, reg, bg, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return bg.Run(gctx, cfg.PollInterval) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("taskgrid: stopped")
	return nil
}

func buildResources(reg *backend.Registry, cfg config.Config, logger *slog.Logger) ([]backend.Resource, error) {
	descs := config.DefaultResources()
	if cfg.ResourcesFile != "" {
		var err error
		descs, err = config.LoadResources(cfg.ResourcesFile)
		if err != nil {
			return nil, err
		}
	}
	resources, err := reg.Build(descs, logger, cfg.ResourceInitErrorsAreFatal)
	if err != nil {
		return nil, fmt.Errorf("build resources: %w", err)
	}
	return resources, nil
}
