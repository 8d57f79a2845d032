package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("Expected 16000 Hz, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Gate.Threshold != 1000 || cfg.Gate.Hysteresis != 0.8 {
		t.Errorf("Unexpected gate defaults: %+v", cfg.Gate)
	}
	if cfg.Stream.PublishRetries != 1 {
		t.Errorf("Expected one publish retry, got %d", cfg.Stream.PublishRetries)
	}
	if cfg.Transport.MQTT.ResponseTopic != "/audio/response" {
		t.Errorf("Unexpected response topic %q", cfg.Transport.MQTT.ResponseTopic)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:     "empty device id",
			mutate:   func(c *Config) { c.Device.ID = "" },
			errorMsg: "device config: id cannot be empty",
		},
		{
			name:     "device id with wildcard",
			mutate:   func(c *Config) { c.Device.ID = "kitchen/+" },
			errorMsg: "must not contain",
		},
		{
			name:     "cutoff at nyquist",
			mutate:   func(c *Config) { c.Filter.CutoffHz = 8000 },
			errorMsg: "filter config",
		},
		{
			name:     "hysteresis of one",
			mutate:   func(c *Config) { c.Gate.Hysteresis = 1 },
			errorMsg: "hysteresis must be between 0 and 1",
		},
		{
			name:     "odd chunk size",
			mutate:   func(c *Config) { c.Stream.ChunkBytes = 4095 },
			errorMsg: "chunk_bytes must be a positive even number",
		},
		{
			name:     "chunk larger than scratch",
			mutate:   func(c *Config) { c.Audio.MaxFrameSamples = 1024 },
			errorMsg: "holds more samples than audio max_frame_samples",
		},
		{
			name:     "wake frame larger than scratch",
			mutate:   func(c *Config) { c.Audio.MaxFrameSamples = 256; c.Stream.ChunkBytes = 512 },
			errorMsg: "wake config: frame_samples",
		},
		{
			name:     "negative publish retries",
			mutate:   func(c *Config) { c.Stream.PublishRetries = -1 },
			errorMsg: "publish_retries cannot be negative",
		},
		{
			name:     "session timeout shorter than duration",
			mutate:   func(c *Config) { c.Stream.SessionTimeout = 2 },
			errorMsg: "session_timeout (2) must be at least duration (5)",
		},
		{
			name:     "unknown transport",
			mutate:   func(c *Config) { c.Transport.Type = "amqp" },
			errorMsg: "transport config: type must be one of",
		},
		{
			name:     "http transport without endpoint",
			mutate:   func(c *Config) { c.Transport.Type = "http" },
			errorMsg: "endpoint cannot be empty",
		},
		{
			name:     "udp transport without address",
			mutate:   func(c *Config) { c.Transport.Type = "udp"; c.Transport.UDP.Address = "" },
			errorMsg: "address cannot be empty",
		},
		{
			name:     "udp queue too small",
			mutate:   func(c *Config) { c.Transport.Type = "udp"; c.Transport.UDP.QueueSize = 0 },
			errorMsg: "queue_size must be at least 1",
		},
		{
			name:     "invalid qos",
			mutate:   func(c *Config) { c.Transport.MQTT.QoS = 3 },
			errorMsg: "qos must be 0, 1 or 2",
		},
		{
			name:     "wav source without path",
			mutate:   func(c *Config) { c.Audio.Source = "wav" },
			errorMsg: "wav_path cannot be empty",
		},
		{
			name:     "archive enabled without directory",
			mutate:   func(c *Config) { c.Archive.Enabled = true; c.Archive.Directory = "" },
			errorMsg: "archive config",
		},
		{
			name:     "http port out of range",
			mutate:   func(c *Config) { c.HTTP.Port = 70000 },
			errorMsg: "http port must be between 1 and 65535",
		},
		{
			name:     "invalid log level",
			mutate:   func(c *Config) { c.Logging.Level = "trace" },
			errorMsg: "logging config: level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("Expected error but got none")
			} else if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(t *testing.T, c *Config)
	}{
		{
			name: "overlay on defaults",
			configYAML: `
device:
  id: "hallway"
stream:
  duration: 3
  chunk_bytes: 2048
transport:
  type: "memory"
logging:
  level: "debug"
  format: "text"
`,
			check: func(t *testing.T, c *Config) {
				if c.Device.ID != "hallway" || c.Device.Namespace != "esp32" {
					t.Errorf("Unexpected device %+v", c.Device)
				}
				if c.Stream.Duration != 3 || c.Stream.ChunkBytes != 2048 {
					t.Errorf("Unexpected stream %+v", c.Stream)
				}
				if c.Stream.MaxPublishBytes != 1024 {
					t.Errorf("Expected default max_publish_bytes to survive, got %d", c.Stream.MaxPublishBytes)
				}
				if c.Logging.Format != "text" {
					t.Errorf("Expected text format, got %s", c.Logging.Format)
				}
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
stream:
  duration: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid value",
			configYAML: `
gate:
  threshold: -5
`,
			expectError: true,
			errorMsg:    "gate config: threshold must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if tt.check != nil {
				tt.check(t, config)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	stream := StreamConfig{
		Duration:       5,
		AttemptDelay:   5,
		ChunkDelay:     7,
		PacingDelay:    10,
		SessionTimeout: 30,
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"stream duration", stream.GetDuration(), 5 * time.Second},
		{"attempt delay", stream.GetAttemptDelay(), 5 * time.Millisecond},
		{"chunk delay", stream.GetChunkDelay(), 7 * time.Millisecond},
		{"pacing delay", stream.GetPacingDelay(), 10 * time.Millisecond},
		{"session timeout", stream.GetSessionTimeout(), 30 * time.Second},
		{"read timeout", (&AudioConfig{ReadTimeout: 250}).GetReadTimeout(), 250 * time.Millisecond},
		{"error backoff", (&WakeConfig{ErrorBackoff: 100}).GetErrorBackoff(), 100 * time.Millisecond},
		{"connect timeout", (&MQTTConfig{ConnectTimeout: 10}).GetConnectTimeout(), 10 * time.Second},
		{"publish timeout", (&MQTTConfig{PublishTimeout: 5}).GetPublishTimeout(), 5 * time.Second},
		{"keep alive", (&MQTTConfig{KeepAlive: 30}).GetKeepAlive(), 30 * time.Second},
		{"http timeout", (&HTTPTransport{Timeout: 30}).GetTimeoutDuration(), 30 * time.Second},
		{"collector timeout", (&CollectorConfig{SessionTimeout: 20}).GetSessionTimeout(), 20 * time.Second},
		{"cleanup interval", (&CollectorConfig{CleanupInterval: 10}).GetCleanupInterval(), 10 * time.Second},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name:   "valid json to stdout",
			config: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			valid:  true,
		},
		{
			name:   "valid text to file",
			config: LoggingConfig{Level: "debug", Format: "text", Output: "/var/log/wakestream.log"},
			valid:  true,
		},
		{
			name:   "invalid log level",
			config: LoggingConfig{Level: "trace", Format: "json", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "invalid format",
			config: LoggingConfig{Level: "info", Format: "xml", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "empty output",
			config: LoggingConfig{Level: "info", Format: "json"},
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}

func TestShippedConfigsLoad(t *testing.T) {
	tests := []struct {
		file      string
		transport string
		archive   bool
		port      int
	}{
		{"device.yaml", "mqtt", false, 8080},
		{"collector.yaml", "mqtt", true, 8090},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			cfg, err := Load(filepath.Join("..", "..", "configs", tt.file))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Transport.Type != tt.transport {
				t.Errorf("transport = %q, want %q", cfg.Transport.Type, tt.transport)
			}
			if cfg.Archive.Enabled != tt.archive {
				t.Errorf("archive enabled = %v, want %v", cfg.Archive.Enabled, tt.archive)
			}
			if cfg.HTTP.Port != tt.port {
				t.Errorf("http port = %d, want %d", cfg.HTTP.Port, tt.port)
			}
			if cfg.Device.Namespace != "esp32" {
				t.Errorf("namespace = %q, want esp32", cfg.Device.Namespace)
			}
		})
	}
}
