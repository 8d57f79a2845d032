package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of the device and the collector
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Audio     AudioConfig     `yaml:"audio"`
	Filter    FilterConfig    `yaml:"filter"`
	Gate      GateConfig      `yaml:"gate"`
	Wake      WakeConfig      `yaml:"wake"`
	Stream    StreamConfig    `yaml:"stream"`
	Transport TransportConfig `yaml:"transport"`
	HTTP      HTTPConfig      `yaml:"http"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Collector CollectorConfig `yaml:"collector"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies the device on the transport
type DeviceConfig struct {
	ID        string `yaml:"id"`
	Namespace string `yaml:"namespace"`
}

// AudioConfig contains capture parameters
type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	Source          string `yaml:"source"`            // "portaudio" or "wav"
	WAVPath         string `yaml:"wav_path"`          // used when source is "wav"
	Loop            bool   `yaml:"loop"`              // replay the WAV file forever
	Realtime        bool   `yaml:"realtime"`          // pace WAV replay at the sample rate
	MaxFrameSamples int    `yaml:"max_frame_samples"` // conditioner scratch capacity
	ReadTimeout     int    `yaml:"read_timeout"`      // milliseconds
}

// FilterConfig contains high-pass filter parameters
type FilterConfig struct {
	CutoffHz float64 `yaml:"cutoff_hz"`
}

// GateConfig contains noise gate parameters
type GateConfig struct {
	Threshold  float64 `yaml:"threshold"`
	Hysteresis float64 `yaml:"hysteresis"`
}

// WakeConfig contains wake detector parameters
type WakeConfig struct {
	FrameSamples int     `yaml:"frame_samples"`
	Threshold    float64 `yaml:"threshold"`     // RMS amplitude
	MinFrames    int     `yaml:"min_frames"`    // consecutive loud frames required
	ErrorBackoff int     `yaml:"error_backoff"` // milliseconds
}

// StreamConfig contains streaming session parameters
type StreamConfig struct {
	Duration         int `yaml:"duration"` // seconds
	ChunkBytes       int `yaml:"chunk_bytes"`
	MaxPublishBytes  int `yaml:"max_publish_bytes"`
	AttemptsPerChunk int `yaml:"attempts_per_chunk"`
	AttemptDelay     int `yaml:"attempt_delay"` // milliseconds
	ChunkDelay       int `yaml:"chunk_delay"`   // milliseconds
	PacingDelay      int `yaml:"pacing_delay"`  // milliseconds
	PublishRetries   int `yaml:"publish_retries"`
	SessionTimeout   int `yaml:"session_timeout"` // seconds
	HistorySize      int `yaml:"history_size"`
}

// TransportConfig selects and configures the outbound transport
type TransportConfig struct {
	Type string        `yaml:"type"` // "mqtt", "http", "udp" or "memory"
	MQTT MQTTConfig    `yaml:"mqtt"`
	HTTP HTTPTransport `yaml:"http"`
	UDP  UDPConfig     `yaml:"udp"`
}

// UDPConfig contains datagram transport configuration. The device sends to Address and the
// collector binds it.
type UDPConfig struct {
	Address    string `yaml:"address"`
	BufferSize int    `yaml:"buffer_size"`
	QueueSize  int    `yaml:"queue_size"`
}

// MQTTConfig contains MQTT client configuration
type MQTTConfig struct {
	Broker         string `yaml:"broker"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	QoS            int    `yaml:"qos"`
	KeepAlive      int    `yaml:"keep_alive"`      // seconds
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
	PublishTimeout int    `yaml:"publish_timeout"` // seconds
	ResponseTopic  string `yaml:"response_topic"`
}

// HTTPTransport contains configuration of the HTTP publishing transport
type HTTPTransport struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// HTTPConfig contains operations API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// ArchiveConfig contains WAV archive configuration
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// CollectorConfig contains session reassembly configuration
type CollectorConfig struct {
	SessionTimeout  int `yaml:"session_timeout"`  // seconds
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
	MaxSessions     int `yaml:"max_sessions"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration the firmware shipped with
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:        "testDevice",
			Namespace: "esp32",
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Source:          "portaudio",
			MaxFrameSamples: 4096,
			ReadTimeout:     500,
		},
		Filter: FilterConfig{
			CutoffHz: 120,
		},
		Gate: GateConfig{
			Threshold:  1000,
			Hysteresis: 0.8,
		},
		Wake: WakeConfig{
			FrameSamples: 512,
			Threshold:    2000,
			MinFrames:    3,
			ErrorBackoff: 100,
		},
		Stream: StreamConfig{
			Duration:         5,
			ChunkBytes:       4096,
			MaxPublishBytes:  1024,
			AttemptsPerChunk: 50,
			AttemptDelay:     5,
			ChunkDelay:       5,
			PacingDelay:      10,
			PublishRetries:   1,
			SessionTimeout:   30,
			HistorySize:      50,
		},
		Transport: TransportConfig{
			Type: "mqtt",
			MQTT: MQTTConfig{
				Broker:         "tcp://localhost:1883",
				QoS:            1,
				KeepAlive:      30,
				ConnectTimeout: 10,
				PublishTimeout: 5,
				ResponseTopic:  "/audio/response",
			},
			HTTP: HTTPTransport{
				Timeout:       30,
				MaxRetries:    3,
				MaxConcurrent: 4,
			},
			UDP: UDPConfig{
				Address:    "127.0.0.1:9000",
				BufferSize: 65536,
				QueueSize:  1000,
			},
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Archive: ArchiveConfig{
			Directory: "./recordings",
		},
		Collector: CollectorConfig{
			SessionTimeout:  30,
			CleanupInterval: 10,
			MaxSessions:     100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file, overlays it on Default and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Filter.Validate(c.Audio.SampleRate); err != nil {
		return fmt.Errorf("filter config: %w", err)
	}

	if err := c.Gate.Validate(); err != nil {
		return fmt.Errorf("gate config: %w", err)
	}

	if err := c.Wake.Validate(); err != nil {
		return fmt.Errorf("wake config: %w", err)
	}
	if c.Wake.FrameSamples > c.Audio.MaxFrameSamples {
		return fmt.Errorf("wake config: frame_samples (%d) exceeds audio max_frame_samples (%d)",
			c.Wake.FrameSamples, c.Audio.MaxFrameSamples)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	if c.Stream.ChunkBytes/2 > c.Audio.MaxFrameSamples {
		return fmt.Errorf("stream config: chunk_bytes (%d) holds more samples than audio max_frame_samples (%d)",
			c.Stream.ChunkBytes, c.Audio.MaxFrameSamples)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}

	if err := c.Collector.Validate(); err != nil {
		return fmt.Errorf("collector config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates device configuration
func (d *DeviceConfig) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if strings.ContainsAny(d.ID, "/+#") {
		return fmt.Errorf("id must not contain '/', '+' or '#', got '%s'", d.ID)
	}
	if d.Namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if strings.ContainsAny(d.Namespace, "+#") {
		return fmt.Errorf("namespace must not contain wildcards, got '%s'", d.Namespace)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	switch a.Source {
	case "portaudio":
	case "wav":
		if a.WAVPath == "" {
			return fmt.Errorf("wav_path cannot be empty when source is 'wav'")
		}
	default:
		return fmt.Errorf("source must be 'portaudio' or 'wav', got '%s'", a.Source)
	}

	if a.MaxFrameSamples < 1 {
		return fmt.Errorf("max_frame_samples must be at least 1, got %d", a.MaxFrameSamples)
	}

	if a.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout cannot be negative, got %d", a.ReadTimeout)
	}

	return nil
}

// Validate validates filter configuration against the sample rate
func (f *FilterConfig) Validate(sampleRate int) error {
	if f.CutoffHz <= 0 || f.CutoffHz >= float64(sampleRate)/2 {
		return fmt.Errorf("cutoff_hz must be between 0 and %d Hz (exclusive), got %f", sampleRate/2, f.CutoffHz)
	}
	return nil
}

// Validate validates gate configuration
func (g *GateConfig) Validate() error {
	if g.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %f", g.Threshold)
	}
	if g.Hysteresis <= 0 || g.Hysteresis >= 1 {
		return fmt.Errorf("hysteresis must be between 0 and 1 (exclusive), got %f", g.Hysteresis)
	}
	return nil
}

// Validate validates wake configuration
func (w *WakeConfig) Validate() error {
	if w.FrameSamples < 1 {
		return fmt.Errorf("frame_samples must be at least 1, got %d", w.FrameSamples)
	}
	if w.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %f", w.Threshold)
	}
	if w.MinFrames < 1 {
		return fmt.Errorf("min_frames must be at least 1, got %d", w.MinFrames)
	}
	if w.ErrorBackoff < 0 {
		return fmt.Errorf("error_backoff cannot be negative, got %d", w.ErrorBackoff)
	}
	return nil
}

// Validate validates stream configuration
func (s *StreamConfig) Validate() error {
	if s.Duration < 1 {
		return fmt.Errorf("duration must be at least 1 second, got %d", s.Duration)
	}

	if s.ChunkBytes < 2 || s.ChunkBytes%2 != 0 {
		return fmt.Errorf("chunk_bytes must be a positive even number, got %d", s.ChunkBytes)
	}

	if s.MaxPublishBytes < 2 || s.MaxPublishBytes%2 != 0 {
		return fmt.Errorf("max_publish_bytes must be a positive even number, got %d", s.MaxPublishBytes)
	}

	if s.AttemptsPerChunk < 1 {
		return fmt.Errorf("attempts_per_chunk must be at least 1, got %d", s.AttemptsPerChunk)
	}

	if s.AttemptDelay < 0 || s.ChunkDelay < 0 || s.PacingDelay < 0 {
		return fmt.Errorf("delays cannot be negative")
	}

	if s.PublishRetries < 0 {
		return fmt.Errorf("publish_retries cannot be negative, got %d", s.PublishRetries)
	}

	if s.SessionTimeout < s.Duration {
		return fmt.Errorf("session_timeout (%d) must be at least duration (%d)", s.SessionTimeout, s.Duration)
	}

	if s.HistorySize < 1 {
		return fmt.Errorf("history_size must be at least 1, got %d", s.HistorySize)
	}

	return nil
}

// Validate validates the selected transport
func (t *TransportConfig) Validate() error {
	switch t.Type {
	case "mqtt":
		return t.MQTT.Validate()
	case "http":
		return t.HTTP.Validate()
	case "udp":
		return t.UDP.Validate()
	case "memory":
		return nil
	default:
		return fmt.Errorf("type must be one of [mqtt, http, udp, memory], got '%s'", t.Type)
	}
}

// Validate validates UDP configuration
func (u *UDPConfig) Validate() error {
	if u.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
	}
	if u.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", u.QueueSize)
	}
	return nil
}

// Validate validates MQTT configuration
func (m *MQTTConfig) Validate() error {
	if m.Broker == "" {
		return fmt.Errorf("broker cannot be empty")
	}
	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}
	if m.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", m.ConnectTimeout)
	}
	if m.PublishTimeout < 1 {
		return fmt.Errorf("publish_timeout must be at least 1 second, got %d", m.PublishTimeout)
	}
	if m.KeepAlive < 0 {
		return fmt.Errorf("keep_alive cannot be negative, got %d", m.KeepAlive)
	}
	return nil
}

// Validate validates HTTP transport configuration
func (h *HTTPTransport) Validate() error {
	if h.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if h.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", h.Timeout)
	}
	if h.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", h.MaxRetries)
	}
	if h.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", h.MaxConcurrent)
	}
	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates archive configuration
func (a *ArchiveConfig) Validate() error {
	if a.Enabled && a.Directory == "" {
		return fmt.Errorf("directory cannot be empty when the archive is enabled")
	}
	return nil
}

// Validate validates collector configuration
func (c *CollectorConfig) Validate() error {
	if c.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", c.SessionTimeout)
	}
	if c.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", c.CleanupInterval)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", c.MaxSessions)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetReadTimeout returns the per-read deadline as a time.Duration
func (a *AudioConfig) GetReadTimeout() time.Duration {
	return time.Duration(a.ReadTimeout) * time.Millisecond
}

// GetErrorBackoff returns the detect-mode error backoff as a time.Duration
func (w *WakeConfig) GetErrorBackoff() time.Duration {
	return time.Duration(w.ErrorBackoff) * time.Millisecond
}

// GetDuration returns the session recording length as a time.Duration
func (s *StreamConfig) GetDuration() time.Duration {
	return time.Duration(s.Duration) * time.Second
}

// GetAttemptDelay returns the wait after an empty read as a time.Duration
func (s *StreamConfig) GetAttemptDelay() time.Duration {
	return time.Duration(s.AttemptDelay) * time.Millisecond
}

// GetChunkDelay returns the wait between chunks as a time.Duration
func (s *StreamConfig) GetChunkDelay() time.Duration {
	return time.Duration(s.ChunkDelay) * time.Millisecond
}

// GetPacingDelay returns the wait between sub-chunks as a time.Duration
func (s *StreamConfig) GetPacingDelay() time.Duration {
	return time.Duration(s.PacingDelay) * time.Millisecond
}

// GetSessionTimeout returns the session deadline as a time.Duration
func (s *StreamConfig) GetSessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetConnectTimeout returns the broker connect timeout as a time.Duration
func (m *MQTTConfig) GetConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeout) * time.Second
}

// GetPublishTimeout returns the publish acknowledgement timeout as a time.Duration
func (m *MQTTConfig) GetPublishTimeout() time.Duration {
	return time.Duration(m.PublishTimeout) * time.Second
}

// GetKeepAlive returns the keep-alive interval as a time.Duration
func (m *MQTTConfig) GetKeepAlive() time.Duration {
	return time.Duration(m.KeepAlive) * time.Second
}

// GetTimeoutDuration returns the HTTP transport timeout as a time.Duration
func (h *HTTPTransport) GetTimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// GetSessionTimeout returns the collector idle timeout as a time.Duration
func (c *CollectorConfig) GetSessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

// GetCleanupInterval returns the collector cleanup period as a time.Duration
func (c *CollectorConfig) GetCleanupInterval() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}
