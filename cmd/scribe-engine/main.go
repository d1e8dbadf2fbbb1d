package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/api"
	"github.com/snarg/scribe-engine/internal/config"
	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/events"
	"github.com/snarg/scribe-engine/internal/jobs"
	"github.com/snarg/scribe-engine/internal/ledger"
	"github.com/snarg/scribe-engine/internal/retention"
	"github.com/snarg/scribe-engine/internal/storage"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "postgres connection string")
	flag.StringVar(&overrides.BlobDir, "blob-dir", "", "local media directory")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("scribe-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, database.Options{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap schema")
	}

	// Blob storage
	blobs, err := storage.New(cfg.S3, cfg.BlobDir, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init blob storage")
	}

	// Lifecycle events (optional)
	pub, err := events.Connect(events.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Log:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer pub.Close()

	// Domain services
	led := ledger.New(db, log)
	jobSvc := jobs.NewService(db, blobs, log)

	// Transcription pipeline
	provider := transcribe.NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, cfg.WhisperTimeout)
	pool := transcribe.NewWorkerPool(transcribe.WorkerPoolOptions{
		Jobs:         jobSvc,
		Blobs:        blobs,
		Provider:     provider,
		Workers:      cfg.TranscribeWorkers,
		QueueSize:    cfg.TranscribeQueueSize,
		Timeout:      cfg.WhisperTimeout,
		PublishEvent: pub.Publish,
		Log:          log,
	})
	pool.Start()
	defer pool.Stop()

	recovery := transcribe.NewRecoverySweeper(transcribe.RecoveryOptions{
		Store:        db,
		Jobs:         jobSvc,
		Pool:         pool,
		RequeueAfter: cfg.JobRequeueAfter,
		FailAfter:    cfg.JobFailAfter,
		Log:          log,
	})
	recovery.Start()
	defer recovery.Stop()

	// Retention
	sweeper := retention.NewSweeper(retention.Options{
		Store:    db,
		Subs:     db,
		Blobs:    blobs,
		MinAge:   cfg.RetentionMinAge,
		Interval: cfg.SweepInterval,
		Log:      log,
	})
	sweeper.Start()
	defer sweeper.Stop()

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Deps{
		DB:        db,
		Ledger:    led,
		Jobs:      jobSvc,
		Blobs:     blobs,
		Pool:      pool,
		Sweeper:   sweeper,
		Subs:      db,
		Events:    pub,
		Version:   version,
		StartTime: startTime,
	}, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("scribe-engine stopped")
}
