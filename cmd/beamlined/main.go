package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenBeamlineCore/internal/api/rest"
	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/observability"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/system"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("Failed to initialise tracing", zap.Error(err))
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, logger)

	var db *storage.PostgresClient
	if cfg.Database.Enabled {
		db, err = storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare journal schema", zap.Error(err))
		}
		logger.Info("Database connected successfully")
	} else {
		logger.Info("Run journal disabled, procedures are not persisted")
	}

	collector, err := observability.NewCollector(nil)
	if err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	lifecycle, err := system.NewLifecycleManager(cfg, db, collector, logger)
	if err != nil {
		logger.Fatal("Failed to build beamline core", zap.Error(err))
	}

	// Started first so the start-up runs reach stream subscribers.
	apiServer := rest.NewServer(cfg, lifecycle, logger.Named("api"))
	if err := apiServer.Start(); err != nil {
		logger.Fatal("Failed to start REST API", zap.Error(err))
	}

	if err := lifecycle.Start(ctx); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("OpenBeamlineCore started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("REST API shutdown failed", zap.Error(err))
	}
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("OpenBeamlineCore stopped successfully")
}
