package telemetry

import (
	"fmt"
	"time"
)

// Config holds the telemetry configuration for envmatrix.
type Config struct {
	// ServiceName identifies the service in traces and metrics.
	ServiceName string `json:"service_name" yaml:"service_name"`

	// ServiceVersion is reported as a resource attribute.
	ServiceVersion string `json:"service_version" yaml:"service_version"`

	// Environment distinguishes deployments (dev, ci, production).
	Environment string `json:"environment" yaml:"environment"`

	// Logging configures structured logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Tracing configures distributed tracing.
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`

	// Metrics configures Prometheus metrics.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig configures the zerolog-backed logger.
type LoggingConfig struct {
	// Level is the minimum level to emit (trace, debug, info, warn, error, fatal).
	Level string `json:"level" yaml:"level"`

	// Format selects the output encoding: "json" or "console".
	Format string `json:"format" yaml:"format"`

	// Output selects the destination: "stdout" or "stderr".
	Output string `json:"output" yaml:"output"`

	// EnableCaller adds file:line caller information to each entry.
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// EnableSampling rate-limits repetitive log entries.
	EnableSampling bool `json:"enable_sampling" yaml:"enable_sampling"`

	// TimeFormat overrides the timestamp format. Empty means RFC3339.
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Exporter selects the span exporter: "otlp", "stdout", or "none".
	Exporter string `json:"exporter" yaml:"exporter"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Insecure disables TLS for the OTLP connection.
	Insecure bool `json:"insecure" yaml:"insecure"`

	// Headers are extra headers sent to the OTLP collector.
	Headers map[string]string `json:"headers" yaml:"headers"`

	// SamplingRate is the trace sampling ratio in [0, 1].
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`

	// MaxExportBatchSize caps the span export batch size.
	MaxExportBatchSize int `json:"max_export_batch_size" yaml:"max_export_batch_size"`

	// ExportTimeout bounds a single export attempt.
	ExportTimeout time.Duration `json:"export_timeout" yaml:"export_timeout"`
}

// MetricsConfig configures the Prometheus metrics collector.
type MetricsConfig struct {
	// Enabled turns metrics collection on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `json:"namespace" yaml:"namespace"`

	// ListenAddr is the address the metrics HTTP endpoint binds to.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// Path is the HTTP path serving the metrics.
	Path string `json:"path" yaml:"path"`

	// DurationBuckets overrides the histogram buckets for durations.
	DurationBuckets []float64 `json:"duration_buckets" yaml:"duration_buckets"`
}

// DefaultConfig returns a telemetry configuration suitable for local use.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "envmatrix",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			Output:       "stderr",
			EnableCaller: false,
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Namespace:  "envmatrix",
			ListenAddr: ":9464",
			Path:       "/metrics",
		},
	}
}

// ProductionConfig returns a configuration tuned for CI deployments.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"
	cfg.Logging.EnableSampling = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.Insecure = true
	cfg.Tracing.SamplingRate = 0.1
	return cfg
}

// DevelopmentConfig returns a verbose configuration for debugging.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name must not be empty")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console", "":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	switch c.Logging.Output {
	case "stdout", "stderr", "":
	default:
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.Tracing.SamplingRate)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics namespace must not be empty")
	}

	return nil
}
