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
	"github.com/skypro1111/wakestream/internal/audio"
	"github.com/skypro1111/wakestream/internal/capture"
	"github.com/skypro1111/wakestream/internal/collector"
	"github.com/skypro1111/wakestream/internal/config"
	"github.com/skypro1111/wakestream/internal/metrics"
	"github.com/skypro1111/wakestream/internal/server"
	"github.com/skypro1111/wakestream/internal/source"
	"github.com/skypro1111/wakestream/internal/source/mic"
	"github.com/skypro1111/wakestream/internal/stream"
	"github.com/skypro1111/wakestream/internal/wake"
)

const (
	defaultConfigPath = "configs/device.yaml"
	serviceName       = "wakestream-device"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	sourceName := flag.String("source", "", "Override audio source (portaudio or wav)")
	wavPath := flag.String("wav", "", "WAV file to replay, implies -source wav")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *wavPath != "" {
		cfg.Audio.Source = "wav"
		cfg.Audio.WAVPath = *wavPath
	} else if *sourceName != "" {
		cfg.Audio.Source = *sourceName
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
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
		slog.String("device_id", cfg.Device.ID),
		slog.String("namespace", cfg.Device.Namespace),
		slog.String("audio_source", cfg.Audio.Source),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("transport", cfg.Transport.Type),
		slog.Int("stream_duration", cfg.Stream.Duration),
		slog.Float64("wake_threshold", cfg.Wake.Threshold),
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
	fs := afero.NewOsFs()

	src, closeSource, err := openSource(cfg, fs, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	conditioner, err := audio.NewConditioner(src, app.ConditionerConfig(cfg), appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create conditioner: %w", err)
	}

	detector, err := wake.NewEnergyDetector(cfg.Wake.Threshold, cfg.Wake.MinFrames, cfg.Wake.FrameSamples, cfg.Audio.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to create wake detector: %w", err)
	}

	ep, err := app.DeviceTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	defer func() {
		if err := ep.Close(); err != nil {
			logger.Error("Error closing transport", slog.String("error", err.Error()))
		}
	}()

	streamer, err := stream.NewStreamer(conditioner, ep.Publisher, app.StreamConfig(cfg), logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create streamer: %w", err)
	}

	arch, err := app.OpenArchive(cfg.Archive, fs, logger)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	if arch != nil {
		streamer.SetTap(arch.Tap(cfg.Audio.SampleRate))
		logger.Info("Session recordings enabled", slog.String("directory", arch.Dir()))
	}

	orchestrator, err := capture.NewOrchestrator(conditioner, detector, streamer, ep.Subscriber,
		app.CaptureConfig(cfg, ep), logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	opts := server.Options{
		Device:   orchestrator,
		Archive:  arch,
		Gatherer: registry,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The in-process broker has no remote peer, so the collector runs alongside.
	if ep.Memory != nil {
		coll, err := collector.New(app.CollectorConfig(cfg), ep.Memory, nil, logger, appMetrics)
		if err != nil {
			return fmt.Errorf("failed to create collector: %w", err)
		}
		opts.Collector = coll
		g.Go(func() error { return coll.Run(gctx, ep.Memory) })
		logger.Info("In-process collector started")
	}

	g.Go(func() error { return orchestrator.Run(gctx) })
	g.Go(func() error {
		logEvents(gctx, orchestrator.Events(), logger)
		return nil
	})

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, opts, appMetrics)
		g.Go(func() error { return httpServer.Run(gctx) })
	}

	logger.Info("Service started successfully, waiting for signals...")
	err = g.Wait()

	status := orchestrator.GetStatus()
	logger.Info("Final device statistics",
		slog.Uint64("wake_detections", status.WakeDetections),
		slog.Uint64("triggers_ignored", status.TriggersIgnored),
		slog.Uint64("sessions", status.Sessions),
		slog.Uint64("read_errors", status.ReadErrors),
		slog.Uint64("events_dropped", status.EventsDropped),
	)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// openSource opens the configured capture channel
func openSource(cfg *config.Config, fs afero.Fs, logger *slog.Logger) (audio.SampleSource, func(), error) {
	switch cfg.Audio.Source {
	case "wav":
		w, err := source.OpenWAV(fs, source.WAVConfig{
			Path:       cfg.Audio.WAVPath,
			SampleRate: cfg.Audio.SampleRate,
			Loop:       cfg.Audio.Loop,
			Realtime:   cfg.Audio.Realtime,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open WAV source: %w", err)
		}
		return w, func() { w.Close() }, nil

	default:
		m, err := mic.Open(cfg.Audio.SampleRate, cfg.Wake.FrameSamples, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open microphone: %w", err)
		}
		return m, func() {
			if err := m.Close(); err != nil {
				logger.Error("Error closing microphone", slog.String("error", err.Error()))
			}
		}, nil
	}
}

// logEvents writes the orchestrator event stream to the log until ctx is done
func logEvents(ctx context.Context, events <-chan capture.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e.Type {
			case capture.EventStateChanged:
				logger.Debug("State changed", slog.String("state", string(e.State)), slog.String("source", e.Source))
			case capture.EventWakeDetected:
				logger.Info("Wake detected")
			case capture.EventTriggerIgnored:
				logger.Info("Trigger ignored while busy", slog.String("source", e.Source))
			case capture.EventSessionFinished:
				if e.Report == nil {
					continue
				}
				logger.Info("Session finished",
					slog.String("session_id", e.Report.Session.ID),
					slog.String("outcome", string(e.Report.Outcome)),
					slog.Uint64("bytes_sent", uint64(e.Report.Session.BytesSent)),
					slog.Uint64("total_bytes", uint64(e.Report.Session.TotalBytes)),
					slog.Int("chunks", e.Report.Chunks),
					slog.Duration("duration", e.Report.Duration),
				)
			case capture.EventResponse:
				if e.Response != nil {
					logger.Info("Collector acknowledged session",
						slog.String("session_id", e.Response.SessionID),
						slog.Bool("complete", e.Response.Complete),
						slog.String("file", e.Response.File),
					)
				} else {
					logger.Info("Collector response", slog.String("topic", e.Topic), slog.String("payload", string(e.Payload)))
				}
			}
		}
	}
}
