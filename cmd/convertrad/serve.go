package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mantonx/convertra/internal/config"
	"github.com/mantonx/convertra/internal/database"
	"github.com/mantonx/convertra/internal/downloads"
	"github.com/mantonx/convertra/internal/events"
	"github.com/mantonx/convertra/internal/logger"
	"github.com/mantonx/convertra/internal/preset"
	"github.com/mantonx/convertra/internal/queue"
	"github.com/mantonx/convertra/internal/server"
	"github.com/mantonx/convertra/internal/space"
	"github.com/mantonx/convertra/internal/taskstore"
	"github.com/mantonx/convertra/internal/transcoder"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversion service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the available encoder presets",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range preset.Names() {
			fmt.Println(name)
		}
	},
}

func serve() error {
	log := logger.Root()

	cfgMgr := config.NewManager()
	if err := cfgMgr.Load(configPath); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg := cfgMgr.Get

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Fail fast when the encoder binaries are missing.
	if err := transcoder.CheckFFmpeg(ctx, cfg().FFmpeg); err != nil {
		return err
	}

	for _, dir := range []string{
		cfg().Paths.UploadPath, cfg().Paths.OutputPath, cfg().Paths.TempPath, cfg().Paths.LogPath,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	db, err := database.Open(cfg().Database)
	if err != nil {
		return err
	}

	bus := events.NewBus(log)
	store := taskstore.NewStore(db, log)
	estimator := space.NewEstimator()
	gov := space.NewGovernor(db, store, bus, estimator, cfg, log)
	runner := transcoder.NewRunner(store, bus, gov, cfg, log)
	dispatcher := queue.NewDispatcher(store, runner, cfg, log)
	tracker := downloads.NewTracker(db, store, bus, cfg, log)
	gov.SetDownloadCleaner(tracker)

	if err := tracker.Restore(); err != nil {
		log.Warn("failed to restore download retention state", "error", err)
	}
	if _, err := gov.MeasureUsage(); err != nil {
		log.Warn("initial usage measurement failed", "error", err)
	}

	if configPath != "" {
		if err := cfgMgr.Watch(ctx, log); err != nil {
			log.Warn("config hot reload unavailable", "error", err)
		}
	}

	go gov.Monitor(ctx)
	go gov.RunScheduled(ctx)
	go tracker.RunSweeper(ctx)

	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	srv := server.New(cfg, store, bus, gov, dispatcher, runner, tracker, log)
	err = srv.Run(ctx)

	// The dispatcher drains in-flight jobs before the process exits.
	<-dispatcherDone
	log.Info("convertrad stopped")
	return err
}
