package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and JSON unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON accepts duration strings and plain nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var nanos int64
		if numErr := json.Unmarshal(data, &nanos); numErr != nil {
			return fmt.Errorf("decode duration: %w", err)
		}
		d.Duration = time.Duration(nanos)
		return nil
	}
	return d.parse(raw)
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(raw string) error {
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// RetryConfig describes the retry policy attached to every created connection.
type RetryConfig struct {
	InitialInterval Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     Duration `yaml:"max_interval,omitempty"`
	Multiplier      float64  `yaml:"multiplier,omitempty"`
	MaxElapsed      Duration `yaml:"max_elapsed,omitempty"`
	MaxRetries      int      `yaml:"max_retries,omitempty"`
}

// Config is the root configuration structure for the broker client.
type Config struct {
	Name            string          `yaml:"name,omitempty"`
	Endpoint        string          `yaml:"endpoint"`
	Driver          string          `yaml:"driver,omitempty"`
	Connection      yaml.Node       `yaml:"connection,omitempty"`
	Retry           RetryConfig     `yaml:"retry,omitempty"`
	Workers         int             `yaml:"workers,omitempty"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout,omitempty"`
	HotReload       bool            `yaml:"hot_reload,omitempty"`
	Logging         LoggingConfig   `yaml:"logging"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
	Source          string          `yaml:"-"`
}

// Load reads, validates and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}
	cfg, err := Parse(abs, raw)
	if err != nil {
		return nil, err
	}
	cfg.Source = abs
	return cfg, nil
}

// Parse validates raw YAML against the schema and decodes it.
func Parse(name string, raw []byte) (*Config, error) {
	if err := validateSchema(name, raw); err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	return &cfg, nil
}

// Validate checks the semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	endpoint := strings.TrimSpace(c.Endpoint)
	if endpoint == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("endpoint %q: scheme and host are required", endpoint)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	return nil
}

// ConnectionSettings renders the driver specific connection block as JSON.
//
// The block is opaque to the connection core; drivers decode it into their own
// settings structure.
func (c *Config) ConnectionSettings() (json.RawMessage, error) {
	if c == nil || c.Connection.Kind == 0 {
		return nil, nil
	}
	var value map[string]interface{}
	if err := c.Connection.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode connection settings: %w", err)
	}
	if len(value) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode connection settings: %w", err)
	}
	return encoded, nil
}

// WorkerSlots returns the number of concurrent connect attempts.
func (c *Config) WorkerSlots() int {
	if c == nil || c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// ShutdownGrace returns how long shutdown waits for consumers to drain.
func (c *Config) ShutdownGrace() time.Duration {
	if c == nil || c.ShutdownTimeout.Duration <= 0 {
		return 10 * time.Second
	}
	return c.ShutdownTimeout.Duration
}
