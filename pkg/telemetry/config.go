package telemetry

import (
	"fmt"
	"time"
)

// Config is the root telemetry configuration: one struct wired through
// NewTelemetry covering logging, tracing, metrics, events, and remote write.
type Config struct {
	// ServiceName identifies this process in logs, spans, and pushed series.
	ServiceName string

	// ServiceVersion is stamped on the tracer resource and pushed series.
	ServiceVersion string

	// Environment names the deployment environment (development, production).
	Environment string

	// Logging configures structured logging.
	Logging LoggingConfig

	// Tracing configures span export.
	Tracing TracingConfig

	// Metrics configures the Prometheus registry and pull endpoint.
	Metrics MetricsConfig

	// Events configures the run event publisher.
	Events EventsConfig

	// RemoteWrite configures pushing metrics to a remote-write endpoint.
	RemoteWrite RemoteWriteConfig
}

// LoggingConfig shapes the zerolog output.
type LoggingConfig struct {
	// Level is the minimum level (trace, debug, info, warn, error, fatal).
	Level string

	// Format selects console or json rendering.
	Format string

	// Output is stdout, stderr, or a file path opened for append.
	Output string

	// EnableCaller adds file:line to every entry.
	EnableCaller bool

	// EnableSampling turns on burst sampling for chatty code paths.
	EnableSampling bool

	// SamplingInitial is the per-second burst allowed before sampling.
	SamplingInitial int

	// SamplingThereafter keeps every Nth entry once the burst is spent.
	SamplingThereafter int

	// TimeFormat is the timestamp encoding (rfc3339, unix, unixms,
	// unixmicro).
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool

	// Exporter is otlp, stdout, or none.
	Exporter string

	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate is the fraction of runs traced, 0.0 through 1.0.
	SamplingRate float64

	// MaxExportBatchSize caps spans per export batch.
	MaxExportBatchSize int

	// ExportTimeout bounds a single export call.
	ExportTimeout time.Duration

	// Headers are sent with every OTLP request.
	Headers map[string]string

	// Insecure disables TLS toward the collector.
	Insecure bool
}

// MetricsConfig configures the Prometheus registry and pull endpoint.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool

	// ListenAddress is where StartMetricsServer listens.
	ListenAddress string

	// Path is the scrape path, normally /metrics.
	Path string

	// Namespace prefixes every metric name.
	Namespace string

	// DefaultHistogramBuckets are the duration buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the run event publisher.
type EventsConfig struct {
	// Enabled turns event publishing on.
	Enabled bool

	// BufferSize is the queue capacity between publishers and the
	// dispatcher.
	BufferSize int

	// FlushInterval is how long a partial batch may wait.
	FlushInterval time.Duration

	// MaxBatchSize is the largest batch handed to subscribers at once.
	MaxBatchSize int

	// EnableAsync delivers through the dispatcher goroutine instead of
	// synchronously on the publishing goroutine.
	EnableAsync bool
}

// RemoteWriteConfig configures pushing metrics to a Prometheus remote-write
// endpoint. Pushing suits short-lived CLI runs that finish before a scraper
// would ever reach the pull endpoint.
type RemoteWriteConfig struct {
	// Enabled turns pushing on.
	Enabled bool

	// URL is the full write endpoint, e.g.
	// "http://victoria:8428/api/v1/write".
	URL string

	// Job is the job label attached to every pushed series.
	Job string

	// Instance is the instance label attached to every pushed series.
	Instance string

	// Interval is the push period in server mode.
	Interval time.Duration

	// Timeout bounds a single push request.
	Timeout time.Duration
}

// DefaultConfig returns the baseline configuration: console logging, stdout
// tracing, metrics on :9090, async events, remote write off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "taskforge",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stdout",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            true,
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "taskforge",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
		RemoteWrite: RemoteWriteConfig{
			Job:      "taskforge",
			Interval: 15 * time.Second,
			Timeout:  30 * time.Second,
		},
	}
}

// ProductionConfig tunes the defaults for production: json logs with
// sampling, OTLP export at 10%, TLS on.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig tunes the defaults for local work: debug console logs,
// every run traced to stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "development"
	cfg.Logging.Level = "debug"
	cfg.Tracing.SamplingRate = 1.0
	return cfg
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Tracing.validate(); err != nil {
		return err
	}
	if err := c.Metrics.validate(); err != nil {
		return err
	}
	if err := c.Events.validate(); err != nil {
		return err
	}
	return c.RemoteWrite.validate()
}

func (c LoggingConfig) validate() error {
	switch c.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}

	if c.Format != "console" && c.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Format)
	}
	return nil
}

func (c TracingConfig) validate() error {
	if c.Enabled {
		switch c.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Exporter)
		}
	}

	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.SamplingRate)
	}
	return nil
}

func (c MetricsConfig) validate() error {
	if c.Enabled && c.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	return nil
}

func (c EventsConfig) validate() error {
	if c.Enabled && c.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.BufferSize)
	}
	return nil
}

func (c RemoteWriteConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("remote write URL is required when remote write is enabled")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("remote write interval must be positive, got: %s", c.Interval)
	}
	return nil
}
