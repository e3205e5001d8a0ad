package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config selects where appstage sends logs, traces, metrics and install
// events.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string // reported as deployment.environment on spans

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string // trace, debug, info, warn, error or fatal
	Format string // console or json
	Output string // stdout, stderr or a file path

	EnableCaller bool

	// Sampling keeps SamplingInitial entries per second, then one in
	// SamplingThereafter.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	TimeFormat string // rfc3339, unix, unixms or unixmicro
}

// TracingConfig configures the OpenTelemetry tracer. Attempts and resource
// resolutions are the only spans appstage creates.
type TracingConfig struct {
	Enabled  bool
	Exporter string // otlp, stdout or none
	Endpoint string // OTLP gRPC collector, host:port
	Insecure bool
	Headers  map[string]string

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are used for every duration histogram, in
	// seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures install event delivery to subscribers.
type EventsConfig struct {
	Enabled bool

	// EnableAsync queues events in a buffer of BufferSize and delivers them
	// in batches of at most MaxBatchSize, at least every FlushInterval.
	EnableAsync   bool
	BufferSize    int
	MaxBatchSize  int
	FlushInterval time.Duration
}

var (
	validLogLevels = map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	validExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// DefaultConfig logs to stderr, keeps events on and leaves tracing and
// metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "appstage",
		ServiceVersion: "dev",
		Environment:    "device",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Insecure:           true,
			Headers:            make(map[string]string),
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "appstage",
			// Resolutions are sub-second; attempts and commits can take minutes.
			DefaultHistogramBuckets: []float64{
				0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			EnableAsync:   true,
			BufferSize:    1000,
			MaxBatchSize:  100,
			FlushInterval: 5 * time.Second,
		},
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return errors.New("service name is required")
	case c.ServiceVersion == "":
		return errors.New("service version is required")
	case !validLogLevels[c.Logging.Level]:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case c.Logging.Format != "console" && c.Logging.Format != "json":
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	case c.Tracing.Enabled && !validExporters[c.Tracing.Exporter]:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	case c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "":
		return errors.New("otlp exporter requires an endpoint")
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	case c.Metrics.Enabled && c.Metrics.ListenAddress == "":
		return errors.New("metrics listen address is required when metrics are enabled")
	case c.Events.Enabled && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	case c.Events.Enabled && c.Events.EnableAsync && c.Events.MaxBatchSize <= 0:
		return fmt.Errorf("event batch size must be positive, got: %d", c.Events.MaxBatchSize)
	}
	return nil
}
