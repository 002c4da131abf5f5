package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/tab-capture-service/internal/acquire"
	"github.com/skypro1111/tab-capture-service/internal/config"
	"github.com/skypro1111/tab-capture-service/internal/metrics"
	"github.com/skypro1111/tab-capture-service/internal/platform"
	"github.com/skypro1111/tab-capture-service/internal/protocol"
	"github.com/skypro1111/tab-capture-service/internal/recorder"
	"github.com/skypro1111/tab-capture-service/internal/server"
	"github.com/skypro1111/tab-capture-service/internal/session"
	"github.com/skypro1111/tab-capture-service/internal/store"
	"github.com/skypro1111/tab-capture-service/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "tab-capture-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file with secrets")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment overrides: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.Int64("size_ceiling_bytes", cfg.Capture.SizeCeilingBytes),
		slog.Int("bitrate_bps", cfg.Capture.BitrateBps),
		slog.String("default_tier", cfg.Capture.DefaultTier),
		slog.Duration("free_max_duration", cfg.Capture.GetFreeMaxDuration()),
		slog.Duration("elevated_max_duration", cfg.Capture.GetElevatedMaxDuration()),
		slog.String("store_driver", cfg.Store.Driver),
		slog.Bool("transcription_enabled", cfg.Transcription.Enabled),
		slog.Int("targets", len(cfg.Platform.Targets)),
		slog.String("log_level", cfg.Logging.Level),
	)

	registry := prometheus.NewRegistry()
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	blobs, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("Failed to open recording store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer blobs.Close()
	segments := store.NewSegmentStore(blobs, store.NewKeyGen())
	logger.Info("Recording store opened",
		slog.String("driver", cfg.Store.Driver),
		slog.String("path", cfg.Store.Path),
	)

	targets := make([]platform.Target, 0, len(cfg.Platform.Targets))
	for _, t := range cfg.Platform.Targets {
		targets = append(targets, platform.Target{ID: t.ID, URL: t.URL, Title: t.Title, Active: t.Active})
	}
	plat := platform.NewSynthetic(targets)

	acquireConfig := acquire.Config{
		MaxAttempts: cfg.Acquire.MaxAttempts,
		RetryDelay:  cfg.Acquire.GetRetryDelay(),
	}

	recorderConfig := recorder.Config{
		SizeCeiling:     cfg.Capture.SizeCeilingBytes,
		BitrateBps:      cfg.Capture.BitrateBps,
		FlushInterval:   cfg.Capture.GetFlushInterval(),
		MimeType:        cfg.Capture.MimeType,
		Acquire:         acquireConfig,
		FinalizeTimeout: cfg.Capture.GetFinalizeTimeout(),
	}

	sessionConfig := session.Config{
		Delays: session.Delays{
			PriorStopSettle: cfg.Session.GetPriorStopSettle(),
			CleanupSettle:   cfg.Session.GetCleanupSettle(),
			CloseSettle:     cfg.Session.GetCloseSettle(),
			PlatformRelease: cfg.Session.GetPlatformRelease(),
			HostReady:       cfg.Session.GetHostReady(),
		},
		DedupeWindow:          cfg.Session.GetDedupeWindow(),
		StaleWindow:           cfg.Session.GetStaleWindow(),
		StartAttempts:         cfg.Session.StartAttempts,
		StartRetryDelay:       cfg.Session.GetStartRetryDelay(),
		CaptureHeldRetryDelay: cfg.Session.GetCaptureHeldRetryDelay(),
		RequestTimeout:        cfg.Session.GetRequestTimeout(),
		StopTimeout:           cfg.Session.GetStopTimeout(),
		FreeMaxDuration:       cfg.Capture.GetFreeMaxDuration(),
		ElevatedMaxDuration:   cfg.Capture.GetElevatedMaxDuration(),
		SegmentDuration:       cfg.Capture.GetSegmentDuration(),
		DefaultTier:           protocol.Tier(cfg.Capture.DefaultTier),
	}

	hosts := session.NewInProcessHosts(plat, plat, recorderConfig, cfg.Bus.MaxMessageBytes, logger, appMetrics)
	acquirer := acquire.NewAcquirer(plat, plat, acquireConfig, logger, appMetrics)
	coordinator := session.NewCoordinator(sessionConfig, acquirer, hosts, segments, logger, appMetrics)
	logger.Info("Session coordinator initialized",
		slog.Duration("dedupe_window", sessionConfig.DedupeWindow),
		slog.Duration("request_timeout", sessionConfig.RequestTimeout),
	)

	var transcriber *transcription.Client
	if cfg.Transcription.Enabled {
		transcriber, err = transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Language:      cfg.Transcription.Language,
			Timeout:       cfg.Transcription.GetTimeoutDuration(),
			MaxRetries:    cfg.Transcription.MaxRetries,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			RetryBackoff:  cfg.Transcription.GetRetryBackoff(),
		}, appMetrics)
		if err != nil {
			logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Transcription client initialized",
			slog.String("endpoint", cfg.Transcription.Endpoint),
		)
	}

	deps := server.Deps{
		Config:      cfg,
		Coordinator: coordinator,
		Segments:    segments,
		Metrics:     appMetrics,
		Gatherer:    registry,
	}
	if transcriber != nil {
		deps.Transcriber = transcriber
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpConfig := server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
			Enabled: cfg.HTTP.Enabled,
		}
		httpServer = server.NewHTTPServer(httpConfig, logger, deps)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Persist an active recording, then release the capture
	if coordinator.Status().IsRecording {
		if result, err := coordinator.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to stop active session", slog.String("error", err.Error()))
		} else {
			logger.Info("Active session stopped", slog.String("storage_key", result.StorageKey))
		}
	}
	if err := coordinator.Close(shutdownCtx); err != nil {
		logger.Error("Error closing coordinator", slog.String("error", err.Error()))
	}

	if transcriber != nil {
		stats := transcriber.GetStats()
		transcriber.Close()
		logger.Info("Final transcription statistics",
			slog.Uint64("total_requests", stats.TotalRequests),
			slog.Uint64("success_requests", stats.SuccessRequests),
			slog.Uint64("failed_requests", stats.FailedRequests),
			slog.Uint64("total_retries", stats.TotalRetries),
		)
	}

	logger.Info("Service stopped")
}

// openStore opens the recording store selected by cfg
func openStore(cfg config.StoreConfig) (store.BlobStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.OpenSQLite(cfg.Path)
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
