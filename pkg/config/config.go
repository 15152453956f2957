package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Address families a listener can bind.
const (
	FamilyIPv4 = "ipv4"
	FamilyIPv6 = "ipv6"
)

// Config holds the application configuration
type Config struct {
	// Server settings (listeners, packet dumping)
	Server ServerConfig `yaml:"server"`

	// Upstream resolver settings
	Upstream UpstreamConfig `yaml:"upstream"`

	// Query log persistence
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds listener-side settings. ListenPort is a pointer so an
// explicit 0 (ephemeral bind) survives defaulting; only an absent key gets
// the standard DNS port.
type ServerConfig struct {
	ListenPort  *int     `yaml:"listen_port"`  // 0 = ephemeral
	Families    []string `yaml:"families"`     // ipv4, ipv6
	DumpPackets bool     `yaml:"dump_packets"` // persist raw packets to disk
	DumpDir     string   `yaml:"dump_dir"`
}

// Port returns the configured listen port
func (s *ServerConfig) Port() int {
	if s.ListenPort == nil {
		return 0
	}
	return *s.ListenPort
}

// UpstreamConfig holds upstream resolver settings
type UpstreamConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"` // per attempt
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// StorageConfig holds query log persistence settings
type StorageConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DatabasePath     string `yaml:"database_path"`
	BufferSize       int    `yaml:"buffer_size"`
	Workers          int    `yaml:"workers"`
	LogRetentionDays int    `yaml:"log_retention_days"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenPort == nil {
		port := 53
		c.Server.ListenPort = &port
	}
	if len(c.Server.Families) == 0 {
		c.Server.Families = []string{FamilyIPv4}
	}
	if c.Server.DumpDir == "" {
		c.Server.DumpDir = "./dumps"
	}

	// Upstream defaults
	if c.Upstream.Host == "" {
		c.Upstream.Host = "1.1.1.1"
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = 53
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 2 * time.Second
	}
	if c.Upstream.Retries == 0 {
		c.Upstream.Retries = 2
	}
	if c.Upstream.RetryDelay == 0 {
		c.Upstream.RetryDelay = 250 * time.Millisecond
	}

	// Storage defaults
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./dns-relay.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.Workers == 0 {
		c.Storage.Workers = 2
	}
	if c.Storage.LogRetentionDays == 0 {
		c.Storage.LogRetentionDays = 30
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dns-relay"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port() < 0 || c.Server.Port() > 65535 {
		return fmt.Errorf("server.listen_port out of range: %d", c.Server.Port())
	}
	for _, family := range c.Server.Families {
		if family != FamilyIPv4 && family != FamilyIPv6 {
			return fmt.Errorf("invalid address family: %s (must be %s or %s)", family, FamilyIPv4, FamilyIPv6)
		}
	}
	if c.Server.DumpPackets && c.Server.DumpDir == "" {
		return fmt.Errorf("server.dump_dir must be set when dump_packets is enabled")
	}

	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host cannot be empty")
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port out of range: %d", c.Upstream.Port)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.Retries < 0 {
		return fmt.Errorf("upstream.retries cannot be negative")
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate logging output
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
