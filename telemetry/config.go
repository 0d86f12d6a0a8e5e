package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for agentexec.
type Config struct {
	// ServiceName identifies the process in traces.
	ServiceName string `yaml:"service_name" toml:"service_name"`

	// ServiceVersion is the version reported in traces.
	ServiceVersion string `yaml:"service_version" toml:"service_version"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging" toml:"logging"`

	// Tracing contains tracing configuration.
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level" toml:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" toml:"format" validate:"omitempty,oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output" toml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller" toml:"enable_caller"`

	// TimeFormat specifies the timestamp format (rfc3339, unix, unixms).
	TimeFormat string `yaml:"time_format" toml:"time_format" validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`
}

// TracingConfig configures tracing.
type TracingConfig struct {
	// Enabled controls whether spans are recorded and exported.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Exporter specifies the span exporter (stdout, none).
	Exporter string `yaml:"exporter" toml:"exporter" validate:"omitempty,oneof=stdout none"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" toml:"sampling_rate" validate:"gte=0,lte=1"`

	// ExportTimeout bounds a single export.
	ExportTimeout time.Duration `yaml:"export_timeout" toml:"export_timeout" validate:"gte=0"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address" toml:"listen_address"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path" toml:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace" toml:"namespace"`

	// Buckets are the attempt duration buckets in seconds.
	Buckets []float64 `yaml:"buckets" toml:"buckets"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "agentexec",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "stdout",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:9464",
			Path:          "/metrics",
			Namespace:     "agentexec",
			Buckets:       []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	}
}

// Validate checks cross-field constraints struct tags cannot express.
func (c Config) Validate() error {
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Tracing.Enabled && c.ServiceName == "" {
		return fmt.Errorf("service name is required when tracing is enabled")
	}
	return nil
}
