// Package config loads chatwire configuration from YAML with
// environment variable expansion and defaulting.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for chatwire.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Typing    TypingConfig    `yaml:"typing"`
	Notify    NotifyConfig    `yaml:"notify"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Hub       HubConfig       `yaml:"hub"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Duration wraps time.Duration so config files can use "30s" forms;
// yaml.v3 does not parse duration strings into time.Duration itself.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TransportConfig controls the client connection manager.
type TransportConfig struct {
	// Endpoint is the WebSocket URL of the hub (ws:// or wss://).
	Endpoint string `yaml:"endpoint"`

	// HeartbeatInterval is the period between ping directives.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// ReconnectInitialDelay is the backoff floor.
	ReconnectInitialDelay Duration `yaml:"reconnect_initial_delay"`

	// ReconnectMaxDelay is the backoff ceiling.
	ReconnectMaxDelay Duration `yaml:"reconnect_max_delay"`

	// ReconnectJitter randomizes the reconnect schedule to spread a
	// thundering herd of clients reconnecting to the same hub.
	ReconnectJitter bool `yaml:"reconnect_jitter"`

	// ReconnectMaxAttempts bounds automatic reconnection; reaching it
	// is terminal until an explicit Connect.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
}

// TypingConfig controls the typing indicator session and observers.
type TypingConfig struct {
	// AutoStopAfter is the sender-side debounce window before a
	// typing_stop is sent automatically.
	AutoStopAfter Duration `yaml:"auto_stop_after"`

	// ObserverTTL is how long a received typing indicator stays alive
	// without a refreshing event.
	ObserverTTL Duration `yaml:"observer_ttl"`
}

// NotifyConfig controls notification delivery.
type NotifyConfig struct {
	// PollInterval is the unread-count polling fallback period.
	PollInterval Duration `yaml:"poll_interval"`
}

// JobsConfig controls the server-side job queue.
type JobsConfig struct {
	// RetentionCap is the maximum number of stored jobs before the
	// oldest terminal jobs are evicted.
	RetentionCap int `yaml:"retention_cap"`
}

// HubConfig controls the server end of the transport.
type HubConfig struct {
	// ListenAddr is the address the hub's HTTP server binds.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the address of the Prometheus /metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// SessionBuffer is the per-session outbound frame buffer; frames
	// beyond it are dropped for that slow consumer.
	SessionBuffer int `yaml:"session_buffer"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Transport.Endpoint == "" {
		cfg.Transport.Endpoint = "ws://127.0.0.1:8080/ws"
	}
	if cfg.Transport.HeartbeatInterval == 0 {
		cfg.Transport.HeartbeatInterval = Duration(30 * time.Second)
	}
	if cfg.Transport.ReconnectInitialDelay == 0 {
		cfg.Transport.ReconnectInitialDelay = Duration(1 * time.Second)
	}
	if cfg.Transport.ReconnectMaxDelay == 0 {
		cfg.Transport.ReconnectMaxDelay = Duration(30 * time.Second)
	}
	if cfg.Transport.ReconnectMaxAttempts == 0 {
		cfg.Transport.ReconnectMaxAttempts = 10
	}
	if cfg.Typing.AutoStopAfter == 0 {
		cfg.Typing.AutoStopAfter = Duration(3 * time.Second)
	}
	if cfg.Typing.ObserverTTL == 0 {
		cfg.Typing.ObserverTTL = Duration(5 * time.Second)
	}
	if cfg.Notify.PollInterval == 0 {
		cfg.Notify.PollInterval = Duration(30 * time.Second)
	}
	if cfg.Jobs.RetentionCap == 0 {
		cfg.Jobs.RetentionCap = 100
	}
	if cfg.Hub.ListenAddr == "" {
		cfg.Hub.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.Hub.MetricsAddr == "" {
		cfg.Hub.MetricsAddr = "127.0.0.1:9090"
	}
	if cfg.Hub.SessionBuffer == 0 {
		cfg.Hub.SessionBuffer = 64
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
