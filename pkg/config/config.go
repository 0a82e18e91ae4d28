// Package config provides configuration structures and loading logic for the
// pipeline engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Execution ExecutionConfig `yaml:"execution"`
	Trace     TraceConfig     `yaml:"trace"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the admin API server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the definition store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Dir    string `yaml:"dir"`
}

// ExecutionConfig bounds node calls and aggregation fan-out.
type ExecutionConfig struct {
	MaxConcurrency   int           `yaml:"max_concurrency"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
}

// TraceConfig bounds the execution trace store.
type TraceConfig struct {
	MaxExecutions int           `yaml:"max_executions"`
	TTL           time.Duration `yaml:"ttl"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	// Redactions maps span attribute keys to drop, mask, hash or replace.
	Redactions map[string]string `yaml:"redactions"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Execution: ExecutionConfig{
			MaxConcurrency:   8,
			RequestTimeout:   30 * time.Second,
			MaxResponseBytes: 10 << 20,
		},
		Trace: TraceConfig{
			MaxExecutions: 1024,
			TTL:           15 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-flow",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("FLOW_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("FLOW_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("FLOW_STORAGE_DSN"); val != "" {
		cfg.Storage.DSN = val
	}
	if val := os.Getenv("FLOW_DEFINITIONS_DIR"); val != "" {
		cfg.Storage.Dir = val
	}

	if val := os.Getenv("FLOW_MAX_CONCURRENCY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("FLOW_MAX_CONCURRENCY: %w", err)
		}
		cfg.Execution.MaxConcurrency = n
	}
	if val := os.Getenv("FLOW_REQUEST_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("FLOW_REQUEST_TIMEOUT: %w", err)
		}
		cfg.Execution.RequestTimeout = d
	}

	if val := os.Getenv("FLOW_TRACE_MAX_EXECUTIONS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("FLOW_TRACE_MAX_EXECUTIONS: %w", err)
		}
		cfg.Trace.MaxExecutions = n
	}
	if val := os.Getenv("FLOW_TRACE_TTL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("FLOW_TRACE_TTL: %w", err)
		}
		cfg.Trace.TTL = d
	}

	if val := os.Getenv("FLOW_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("FLOW_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("FLOW_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	return nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Execution.Validate(); err != nil {
		return fmt.Errorf("execution configuration: %w", err)
	}
	if err := c.Trace.Validate(); err != nil {
		return fmt.Errorf("trace configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Validate checks that the selected driver has what it needs.
func (c *StorageConfig) Validate() error {
	driver := strings.TrimSpace(strings.ToLower(c.Driver))
	if driver == "" {
		driver = "memory"
	}
	c.Driver = driver

	switch driver {
	case "memory":
		return nil
	case "sqlite":
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("driver sqlite requires dsn")
		}
		return nil
	case "yaml":
		if strings.TrimSpace(c.Dir) == "" {
			return fmt.Errorf("driver yaml requires dir")
		}
		return nil
	default:
		return fmt.Errorf("invalid driver %q, supported drivers: memory, sqlite, yaml", c.Driver)
	}
}

// Validate performs validation of execution limits.
func (c *ExecutionConfig) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxResponseBytes < 0 {
		return fmt.Errorf("max_response_bytes must not be negative")
	}
	return nil
}

// Validate performs validation of trace store bounds.
func (c *TraceConfig) Validate() error {
	if c.MaxExecutions <= 0 {
		return fmt.Errorf("max_executions must be positive, got %d", c.MaxExecutions)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	}
	return nil
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	for key, strategy := range c.Redactions {
		switch strings.ToLower(strings.TrimSpace(strategy)) {
		case "drop", "mask", "hash", "replace":
		default:
			return fmt.Errorf("invalid redaction strategy %q for %q, supported strategies: drop, mask, hash, replace", strategy, key)
		}
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
