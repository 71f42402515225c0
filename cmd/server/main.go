package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"timelapse-service/internal/api"
	"timelapse-service/internal/capture"
	"timelapse-service/internal/config"
	"timelapse-service/internal/db"
	"timelapse-service/internal/logging"
	"timelapse-service/internal/notify"
	"timelapse-service/internal/repository"
	"timelapse-service/internal/service"
	"timelapse-service/pkg/ffmpeg"
)

func main() {
	cfg := config.New()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	log.Info().Str("address", cfg.ServerAddress).Msg("starting timelapse service")

	if err := ffmpeg.CheckInstallation(); err != nil {
		log.Fatal().Err(err).Msg("ffmpeg check failed")
	}

	for _, dir := range []string{cfg.SnapshotsDir, cfg.VideosDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create storage directory")
		}
	}

	// Catalog
	dbConn, err := db.Connect(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open catalog database")
	}
	defer dbConn.Close()
	log.Info().Str("path", cfg.DBPath).Msg("catalog database ready")

	sessionRepo := repository.NewSessionRepository(dbConn)
	frameRepo := repository.NewFrameRepository(dbConn)
	videoRepo := repository.NewVideoRepository(dbConn)
	settingsRepo := repository.NewSettingsRepository(dbConn)

	// Observer notifications
	notifier := notify.NewNotifier(&notify.Config{
		AMQPURL:       cfg.AMQPURL,
		Exchange:      cfg.AMQPExchange,
		RoutingPrefix: cfg.AMQPRoutingPrefix,
		AMQPEnabled:   cfg.AMQPEnabled,
	}, log)
	if err := notifier.Start(); err != nil {
		log.Warn().Err(err).Msg("amqp unavailable, continuing with in-process notifications only")
	}
	defer notifier.Stop()

	// Capture core
	runner := capture.ExecRunner{}
	controller := capture.NewController(runner, cfg.CaptureTimeout, cfg.CaptureBackoffBase, log)
	quota := service.NewQuotaGuard(settingsRepo, log)
	sessionService := service.NewSessionService(
		cfg, sessionRepo, frameRepo, videoRepo, settingsRepo,
		controller, quota, notifier, service.DefaultTriggerDialer(log), log,
	)
	assembler := service.NewAssembler(cfg, sessionRepo, frameRepo, videoRepo, runner, notifier, log)
	sweeper := service.NewSweeper(cfg, sessionRepo, frameRepo, videoRepo, settingsRepo, log)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go sweeper.Start(sweepCtx)

	// HTTP server
	handler := api.NewHandler(sessionService, assembler, sweeper, settingsRepo, cfg, log)
	router := api.SetupRoutes(handler, log)
	server := api.NewHTTPServer(cfg, router)

	go func() {
		log.Info().Str("address", cfg.ServerAddress).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopSweeper()
	sessionService.Shutdown()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited gracefully")
}
