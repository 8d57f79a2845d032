package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/wakestream/internal/app"
	"github.com/skypro1111/wakestream/internal/collector"
	"github.com/skypro1111/wakestream/internal/config"
	"github.com/skypro1111/wakestream/internal/metrics"
	"github.com/skypro1111/wakestream/internal/server"
)

const (
	defaultConfigPath = "configs/collector.yaml"
	serviceName       = "wakestream-collector"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := app.InitLogger(cfg.Logging)
	defer logCloser.Close()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("namespace", cfg.Device.Namespace),
		slog.String("transport", cfg.Transport.Type),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Bool("archive_enabled", cfg.Archive.Enabled),
		slog.String("archive_directory", cfg.Archive.Directory),
		slog.Int("max_sessions", cfg.Collector.MaxSessions),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	arch, err := app.OpenArchive(cfg.Archive, afero.NewOsFs(), logger)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}

	ep, err := app.CollectorTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	defer func() {
		if err := ep.Close(); err != nil {
			logger.Error("Error closing transport", slog.String("error", err.Error()))
		}
	}()

	coll, err := collector.New(app.CollectorConfig(cfg), ep.Publisher, arch, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create collector: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// with the HTTP transport the API is the only ingest path
	g.Go(func() error { return coll.Run(gctx, ep.Subscriber) })

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, server.Options{
			Collector: coll,
			Archive:   arch,
			Gatherer:  registry,
			IngestKey: cfg.Transport.HTTP.APIKey,
		}, appMetrics)
		g.Go(func() error { return httpServer.Run(gctx) })
	}

	logger.Info("Service started successfully, waiting for signals...")
	err = g.Wait()

	stats := coll.GetStats()
	logger.Info("Final collector statistics",
		slog.Uint64("messages", stats.Messages),
		slog.Uint64("dropped", stats.Dropped),
		slog.Uint64("completed", stats.Completed),
		slog.Uint64("incomplete", stats.Incomplete),
	)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
