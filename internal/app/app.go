package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/afero"

	"github.com/skypro1111/wakestream/internal/archive"
	"github.com/skypro1111/wakestream/internal/audio"
	"github.com/skypro1111/wakestream/internal/capture"
	"github.com/skypro1111/wakestream/internal/collector"
	"github.com/skypro1111/wakestream/internal/config"
	"github.com/skypro1111/wakestream/internal/stream"
	"github.com/skypro1111/wakestream/internal/transport"
)

// InitLogger creates the structured logger described by cfg. The closer releases the log
// file when output is a path.
func InitLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
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

	var output io.Writer
	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
			closer = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Endpoint is the configured transport. Either side may be nil.
type Endpoint struct {
	Type       string
	Publisher  transport.Transport
	Subscriber transport.Subscriber
	Memory     *transport.Memory // set for the in-process broker

	closers []io.Closer
}

// Close releases every underlying connection
func (e *Endpoint) Close() error {
	var errs []error
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeviceTransport connects the outbound side of the configured transport. MQTT and the
// in-process broker also provide the response subscription.
func DeviceTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Endpoint, error) {
	t := cfg.Transport
	ep := &Endpoint{Type: t.Type}

	switch t.Type {
	case "mqtt":
		m, err := transport.NewMQTT(ctx, MQTTConfig(t.MQTT, cfg.Device.ID), logger)
		if err != nil {
			return nil, err
		}
		ep.Publisher, ep.Subscriber = m, m
		ep.closers = append(ep.closers, m)

	case "http":
		h, err := transport.NewHTTP(HTTPConfig(t.HTTP), logger)
		if err != nil {
			return nil, err
		}
		ep.Publisher = h
		ep.closers = append(ep.closers, h)

	case "udp":
		u, err := transport.DialUDP(UDPConfig(t.UDP), logger)
		if err != nil {
			return nil, err
		}
		ep.Publisher = u
		ep.closers = append(ep.closers, u)

	case "memory":
		mem := transport.NewMemory()
		ep.Publisher, ep.Subscriber, ep.Memory = mem, mem, mem
		ep.closers = append(ep.closers, mem)

	default:
		return nil, fmt.Errorf("unknown transport type %q", t.Type)
	}

	return ep, nil
}

// CollectorTransport connects the inbound side of the configured transport. With the HTTP
// transport messages arrive through the API, so neither side is set.
func CollectorTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Endpoint, error) {
	t := cfg.Transport
	ep := &Endpoint{Type: t.Type}

	switch t.Type {
	case "mqtt":
		mc := MQTTConfig(t.MQTT, "")
		if mc.ClientID == "" {
			mc.ClientID = "wakestream-collector-" + cfg.Device.Namespace
		}
		m, err := transport.NewMQTT(ctx, mc, logger)
		if err != nil {
			return nil, err
		}
		ep.Publisher, ep.Subscriber = m, m
		ep.closers = append(ep.closers, m)

	case "udp":
		l, err := transport.ListenUDP(UDPConfig(t.UDP), logger)
		if err != nil {
			return nil, err
		}
		ep.Subscriber = l
		ep.closers = append(ep.closers, l)

	case "http":
		if !cfg.HTTP.Enabled {
			return nil, fmt.Errorf("http transport needs the HTTP API enabled to receive messages")
		}

	case "memory":
		mem := transport.NewMemory()
		ep.Publisher, ep.Subscriber, ep.Memory = mem, mem, mem
		ep.closers = append(ep.closers, mem)

	default:
		return nil, fmt.Errorf("unknown transport type %q", t.Type)
	}

	return ep, nil
}

// MQTTConfig maps the YAML section to client options. An empty client ID falls back to fallbackID.
func MQTTConfig(cfg config.MQTTConfig, fallbackID string) transport.MQTTConfig {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fallbackID
	}
	return transport.MQTTConfig{
		Broker:         cfg.Broker,
		ClientID:       clientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		QoS:            byte(cfg.QoS),
		KeepAlive:      cfg.GetKeepAlive(),
		ConnectTimeout: cfg.GetConnectTimeout(),
		PublishTimeout: cfg.GetPublishTimeout(),
	}
}

// HTTPConfig maps the YAML section to publisher options
func HTTPConfig(cfg config.HTTPTransport) transport.HTTPConfig {
	return transport.HTTPConfig{
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		Timeout:       cfg.GetTimeoutDuration(),
		MaxRetries:    cfg.MaxRetries,
		MaxConcurrent: cfg.MaxConcurrent,
	}
}

// UDPConfig maps the YAML section to datagram options
func UDPConfig(cfg config.UDPConfig) transport.UDPConfig {
	return transport.UDPConfig{
		Address:    cfg.Address,
		BufferSize: cfg.BufferSize,
		QueueSize:  cfg.QueueSize,
	}
}

// ConditionerConfig maps capture settings to the conditioning pipeline
func ConditionerConfig(cfg *config.Config) audio.ConditionerConfig {
	return audio.ConditionerConfig{
		SampleRate:      cfg.Audio.SampleRate,
		CutoffHz:        cfg.Filter.CutoffHz,
		GateThreshold:   cfg.Gate.Threshold,
		GateHysteresis:  cfg.Gate.Hysteresis,
		MaxFrameSamples: cfg.Audio.MaxFrameSamples,
		ReadTimeout:     cfg.Audio.GetReadTimeout(),
	}
}

// StreamConfig maps session settings to the streamer
func StreamConfig(cfg *config.Config) stream.Config {
	return stream.Config{
		DeviceID:         cfg.Device.ID,
		Namespace:        cfg.Device.Namespace,
		SampleRate:       cfg.Audio.SampleRate,
		Duration:         cfg.Stream.GetDuration(),
		ChunkTargetBytes: cfg.Stream.ChunkBytes,
		MaxPublishBytes:  cfg.Stream.MaxPublishBytes,
		AttemptsPerChunk: cfg.Stream.AttemptsPerChunk,
		AttemptDelay:     cfg.Stream.GetAttemptDelay(),
		ChunkDelay:       cfg.Stream.GetChunkDelay(),
		PacingDelay:      cfg.Stream.GetPacingDelay(),
		PublishRetries:   cfg.Stream.PublishRetries,
	}
}

// CaptureConfig maps orchestrator settings. Responses are only awaited on transports with an
// inbound side.
func CaptureConfig(cfg *config.Config, ep *Endpoint) capture.Config {
	c := capture.Config{
		SessionTimeout: cfg.Stream.GetSessionTimeout(),
		ErrorBackoff:   cfg.Wake.GetErrorBackoff(),
		HistorySize:    cfg.Stream.HistorySize,
	}
	if ep != nil && ep.Subscriber != nil {
		c.ResponseTopic = cfg.Transport.MQTT.ResponseTopic
	}
	return c
}

// CollectorConfig maps reassembly settings
func CollectorConfig(cfg *config.Config) collector.Config {
	return collector.Config{
		Namespace:       cfg.Device.Namespace,
		SampleRate:      cfg.Audio.SampleRate,
		SessionTimeout:  cfg.Collector.GetSessionTimeout(),
		CleanupInterval: cfg.Collector.GetCleanupInterval(),
		MaxSessions:     cfg.Collector.MaxSessions,
		ResponseTopic:   cfg.Transport.MQTT.ResponseTopic,
	}
}

// OpenArchive returns the WAV archive on fs, or nil when archiving is disabled
func OpenArchive(cfg config.ArchiveConfig, fs afero.Fs, logger *slog.Logger) (*archive.Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return archive.New(fs, cfg.Directory, logger)
}
