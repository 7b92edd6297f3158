package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/opensensor/nvrcore/internal/config"
	"github.com/opensensor/nvrcore/internal/database"
	httpapi "github.com/opensensor/nvrcore/internal/http"
	"github.com/opensensor/nvrcore/internal/http/handlers"
	"github.com/opensensor/nvrcore/internal/nvr"
	"github.com/opensensor/nvrcore/internal/observability"
	"github.com/opensensor/nvrcore/internal/startup"
	"github.com/opensensor/nvrcore/internal/storage"
	"github.com/opensensor/nvrcore/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recording daemon: ingest every configured stream and serve the status API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting nvrcore", slog.String("version", version.Short()))

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	sink := database.NewEventSink(db)

	reporter, err := storage.NewReporter(cfg.Storage.MP4Path())
	if err != nil {
		return fmt.Errorf("initializing storage reporter: %w", err)
	}

	coord := nvr.NewCoordinator()
	manager := nvr.NewManager(nvr.ManagerConfig{
		RTSP:    cfg.RTSP,
		HLS:     cfg.HLS,
		Storage: cfg.Storage,
		Coord:   coord,
		Sink:    sink,
		Tap:     nvr.NoopTap{},
		Logger:  logger,
	}, cfg.Streams)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	for name, startErr := range manager.StartAll(ctx) {
		logger.Error("failed to start stream", slog.String("stream", name), slog.String("error", startErr.Error()))
	}

	server := httpapi.NewServer(httpapi.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, version.Short())

	handlers.NewHealthHandler(version.Short()).WithDB(db.DB).Register(server.API())
	handlers.NewStreamsHandler(manager, sink).Register(server.API())
	handlers.NewStorageHandler(reporter, cfg.Storage.BaseDir).Register(server.API())
	server.Router().Mount("/hls", http.StripPrefix("/hls", handlers.HLSFileServer(cfg.Storage.HLSPath())))

	cleanupCron := cron.New()
	if _, err := cleanupCron.AddFunc("@hourly", func() {
		if _, err := startup.CleanupSystemTempDirs(logger); err != nil {
			logger.Warn("temp dir cleanup failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("scheduling cleanup job: %w", err)
	}
	cleanupCron.Start()
	defer cleanupCron.Stop()

	if n, err := startup.CleanupSystemTempDirs(logger); err == nil && n > 0 {
		logger.Info("removed orphaned temp directories at startup", slog.Int("count", n))
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server exited unexpectedly", slog.String("error", err.Error()))
		}
	}

	coord.Initiate()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	manager.StopAll()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("nvrcore stopped")
	return nil
}
