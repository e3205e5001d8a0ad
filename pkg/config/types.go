package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the appstage client configuration.
type Config struct {
	// DataDir holds the database, the payload cache and policies unless
	// their paths are set explicitly.
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`

	// AssetDir is the root of asset:// references (the installation bundle).
	AssetDir string `yaml:"asset_dir,omitempty" json:"asset_dir,omitempty"`

	// PlatformVersion is the version checked against resource requirements.
	PlatformVersion string `yaml:"platform_version" json:"platform_version" validate:"required,semver"`

	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Upgrade   UpgradeConfig   `yaml:"upgrade" json:"upgrade"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Resolver  ResolverConfig  `yaml:"resolver" json:"resolver"`
	Policy    PolicyConfig    `yaml:"policy" json:"policy"`
	SFTP      SFTPConfig      `yaml:"sftp" json:"sftp"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// DatabaseConfig configures the SQLite table store.
type DatabaseConfig struct {
	// Path defaults to <data_dir>/appstage.db.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// CacheConfig configures the badger payload cache.
type CacheConfig struct {
	// Dir defaults to <data_dir>/payloads.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// InMemory keeps payloads in memory only.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// GCInterval is how often the value log is collected.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval" validate:"gte=0"`
}

// UpgradeConfig holds the upgrade tunables.
type UpgradeConfig struct {
	StartOverThreshold time.Duration `yaml:"start_over_threshold" json:"start_over_threshold" validate:"gt=0"`
	AlwaysStartOver    bool          `yaml:"always_start_over" json:"always_start_over"`
	NewestBuild        bool          `yaml:"newest_build" json:"newest_build"`
	ProgressInterval   time.Duration `yaml:"progress_interval" json:"progress_interval" validate:"gte=0"`
	ProgressBuffer     int           `yaml:"progress_buffer" json:"progress_buffer" validate:"gte=1"`

	// InstalledApps lists app ids installed in other seats on this device.
	InstalledApps []string `yaml:"installed_apps,omitempty" json:"installed_apps,omitempty" validate:"dive,required"`
}

// RetryConfig bounds retries of unreachable resources.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay" validate:"gtefield=BaseDelay"`
}

// ResolverConfig configures payload fetching.
type ResolverConfig struct {
	// Timeout bounds a single fetch.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// MaxPayloadSize caps the bytes accepted from one reference.
	MaxPayloadSize int64 `yaml:"max_payload_size" json:"max_payload_size" validate:"gt=0"`

	// UserAgent is sent on http(s) requests.
	UserAgent string `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// PolicyConfig configures the install policy.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Dir holds additional .rego files. Defaults to <data_dir>/policies.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// Watch reloads policies when files in Dir change.
	Watch bool `yaml:"watch" json:"watch"`
}

// SFTPConfig holds the defaults for sftp:// references. Host, port and user
// come from the reference itself when present.
type SFTPConfig struct {
	User                  string        `yaml:"user,omitempty" json:"user,omitempty"`
	PrivateKeyPath        string        `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty" validate:"omitempty,filepath"`
	KnownHostsPath        string        `yaml:"known_hosts_path,omitempty" json:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout" json:"connection_timeout" validate:"gt=0"`
	ProxyHost             string        `yaml:"proxy_host,omitempty" json:"proxy_host,omitempty" validate:"omitempty,hostname|ip"`
	ProxyUser             string        `yaml:"proxy_user,omitempty" json:"proxy_user,omitempty" validate:"required_with=ProxyHost"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" json:"log_format" validate:"oneof=console json"`

	MetricsAddress string `yaml:"metrics_address" json:"metrics_address" validate:"omitempty,hostname_port"`

	TracingEnabled  bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" json:"tracing_exporter" validate:"oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint,omitempty" json:"tracing_endpoint,omitempty" validate:"required_if=TracingExporter otlp"`
	SamplingRate    float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
}

// ValidationError represents a configuration error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "upgrade.progress_buffer").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "invalid configuration"
	case 1:
		return "invalid configuration: " + e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("invalid configuration (%d errors): %s", len(e), strings.Join(msgs, "; "))
}
