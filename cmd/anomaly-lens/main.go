package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anomaly-lens/internal/api"
	"anomaly-lens/internal/backend"
	"anomaly-lens/internal/capability"
	"anomaly-lens/internal/config"
	"anomaly-lens/internal/controller"
	"anomaly-lens/internal/dashboard"
	"anomaly-lens/internal/explain"
	"anomaly-lens/internal/ollama"
	"anomaly-lens/internal/storage"
	"anomaly-lens/internal/telemetry"
	"anomaly-lens/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)

	logConfig(logger, cfg)

	features := cfg.Features()
	loc, err := cfg.DisplayLocation()
	if err != nil {
		logger.Error("invalid display timezone", "err", err)
		os.Exit(2)
	}

	backendClient, err := backend.NewClient(backend.Options{
		BaseURL:      cfg.BackendURL,
		Timeout:      cfg.BackendTimeout,
		MaxBodyBytes: cfg.BackendMaxBodyBytes,
		Endpoint:     backend.DetectEndpoint(cfg.DetectEndpoint),
	})
	if err != nil {
		logger.Error("failed to create backend client", "err", err)
		os.Exit(2)
	}

	var metrics *telemetry.Metrics
	if features.Metrics {
		metrics = telemetry.NewMetrics()
	}

	var bus *telemetry.EventBus
	if features.Events {
		bus = telemetry.NewEventBus(cfg.EventBuffer)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "err", err)
		os.Exit(2)
	}

	probe := capability.NewProbe(backendClient, cfg.HealthTimeout, metrics, bus, logger)
	ctrl := controller.New(capability.NewSelector(probe), probe, backendClient, controller.Options{
		PreferLLM: cfg.PreferLLM,
		Location:  loc,
		Store:     store,
		Metrics:   metrics,
		Events:    bus,
		Logger:    logger,
	})

	fetcher := explain.NewFetcher(backendClient, explain.Options{
		Timeout:    cfg.ExplanationTimeout,
		RatePerSec: cfg.ExplanationRatePerSec,
		Metrics:    metrics,
		Events:     bus,
		Logger:     logger,
	})

	deps := api.Deps{
		Controller: ctrl,
		Explainer:  fetcher,
		Capability: probe,
		Store:      store,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var analyst *ollama.Analyst
	if features.Analysis {
		analyst, err = newAnalyst(cfg, metrics, logger)
		if err != nil {
			logger.Error("failed to create ollama client", "err", err)
			os.Exit(2)
		}
		deps.Analyst = analyst
		go func() {
			if err := analyst.EnsureModel(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("analysis model not ready", "model", analyst.Model(), "err", err)
			}
		}()
	}

	h := dashboard.NewHandler(cfg, dashboard.Options{
		API:      api.NewServer(deps, cfg, logger),
		Events:   bus,
		Metrics:  metrics,
		Health:   backendClient,
		Assets:   dashboardAssets(features, logger),
		Logger:   logger,
		Features: features,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting anomaly-lens", "listen", cfg.ListenAddr, "backend", cfg.BackendURL)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	ctrl.Start(ctx)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// SSE streams end when the bus closes their channels.
	bus.Shutdown()
	_ = srv.Shutdown(shutdownCtx)

	stop()
	if analyst != nil {
		analyst.Close()
	}
	ctrl.Stop()
	fetcher.Clear()
	fetcher.Wait()
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close storage", "err", err)
		}
	}
}

// openStore returns nil when storage is off.
func openStore(cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		s, err := storage.NewSQLiteStore(cfg.StoragePath, cfg.StorageMaxRows, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorageMemory:
		return storage.NewMemoryStore(cfg.StorageMaxRows), nil
	default:
		return nil, nil
	}
}

func newAnalyst(cfg config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*ollama.Analyst, error) {
	client, err := ollama.NewClient(cfg.OllamaURL)
	if err != nil {
		return nil, err
	}
	return ollama.NewAnalyst(client, ollama.AnalystOptions{
		Model:         cfg.OllamaModel,
		Temperature:   cfg.OllamaTemperature,
		PullMissing:   cfg.OllamaPullMissing,
		PullAttempts:  cfg.OllamaPullRetries,
		PullDelay:     cfg.OllamaPullDelay,
		ContextWindow: cfg.AnalysisContextWindow,
		Timeout:       cfg.AnalysisTimeout,
		Metrics:       metrics,
		Logger:        logger,
	}), nil
}

func dashboardAssets(features config.Features, logger *slog.Logger) fs.FS {
	if !features.Dashboard {
		return nil
	}
	assets, err := web.Assets()
	if err != nil {
		logger.Warn("failed to load dashboard assets", "err", err)
		return nil
	}
	return assets
}

func newLogger(level string) *slog.Logger {
	lvl := new(slog.LevelVar)
	switch level {
	case "debug":
		lvl.Set(slog.LevelDebug)
	case "info":
		lvl.Set(slog.LevelInfo)
	case "warn", "warning":
		lvl.Set(slog.LevelWarn)
	case "error":
		lvl.Set(slog.LevelError)
	default:
		lvl.Set(slog.LevelInfo)
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}

func logConfig(logger *slog.Logger, cfg config.Config) {
	logger.Info("configuration",
		"listen_addr", cfg.ListenAddr,
		"env_file", cfg.EnvFile,
		"backend_url", cfg.BackendURL,
		"detect_endpoint", cfg.DetectEndpoint,
		"prefer_llm", cfg.PreferLLM,
		"backend_timeout", cfg.BackendTimeout,
		"backend_max_body_bytes", cfg.BackendMaxBodyBytes,
		"health_timeout", cfg.HealthTimeout,
		"explanation_timeout", cfg.ExplanationTimeout,
		"explanation_rate_per_sec", cfg.ExplanationRatePerSec,
		"display_timezone", cfg.DisplayTimezone,
		"ollama_enabled", cfg.OllamaEnabled,
		"ollama_url", cfg.OllamaURL,
		"ollama_model", cfg.OllamaModel,
		"storage", string(cfg.Storage),
		"storage_path", cfg.StoragePath,
		"storage_max_rows", cfg.StorageMaxRows,
		"dashboard_enabled", cfg.DashboardEnabled,
		"metrics_enabled", cfg.MetricsEnabled,
		"events_enabled", cfg.EventsEnabled,
		"cors_allow_origin", cfg.CORSAllowOrigin,
		"log_level", cfg.LogLevel,
	)
}
