package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/appstage/pkg/engine"
	"github.com/openfroyo/appstage/pkg/stores"
	"github.com/openfroyo/appstage/pkg/telemetry"
	"github.com/openfroyo/appstage/pkg/transports/ssh"
)

// Environment overrides applied after the file is read.
const (
	EnvDataDir         = "APPSTAGE_DATA_DIR"
	EnvLogLevel        = "APPSTAGE_LOG_LEVEL"
	EnvPlatformVersion = "APPSTAGE_PLATFORM_VERSION"
)

// DefaultPlatformVersion is assumed when the configuration names none.
const DefaultPlatformVersion = "1.0.0"

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:         filepath.Join(os.Getenv("HOME"), ".appstage"),
		PlatformVersion: DefaultPlatformVersion,
		Cache: CacheConfig{
			GCInterval: 10 * time.Minute,
		},
		Upgrade: UpgradeConfig{
			StartOverThreshold: engine.DefaultStartOverThreshold,
			ProgressInterval:   engine.DefaultProgressInterval,
			ProgressBuffer:     16,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
		},
		Resolver: ResolverConfig{
			Timeout:        30 * time.Second,
			MaxPayloadSize: 64 << 20,
			UserAgent:      "appstage",
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		SFTP: SFTPConfig{
			KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
			StrictHostKeyChecking: true,
			ConnectionTimeout:     30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			TracingExporter: "none",
			SamplingRate:    1.0,
		},
	}
}

// Load reads the configuration at path. YAML (.yaml, .yml, .json) and CUE
// (.cue or a directory holding a CUE package) are accepted; both are checked
// against the same schema. An empty path yields the defaults. Environment
// overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := readDocument(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readDocument returns the schema-checked document at path as YAML or JSON.
func readDocument(path string) ([]byte, error) {
	registry := NewSchemaRegistry()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if info.IsDir() || ext == ".cue" {
		return NewCUEParser(registry).ParseFile(path)
	}

	switch ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if doc == nil {
		return data, nil
	}

	if err := registry.ValidateAgainstSchema(context.Background(), SchemaConfig, doc); err != nil {
		var verrs ValidationErrors
		for _, ve := range convertCUEErrors(errors.Unwrap(err)) {
			ve.File = path
			ve.Line, ve.Column = 0, 0
			verrs = append(verrs, ve)
		}
		return nil, verrs
	}
	return data, nil
}

// ApplyEnv applies APPSTAGE_* environment overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPlatformVersion); v != "" {
		c.PlatformVersion = v
	}
}

// resolvePaths fills paths derived from DataDir.
func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		return
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "appstage.db")
	}
	if c.Cache.Dir == "" && !c.Cache.InMemory {
		c.Cache.Dir = filepath.Join(c.DataDir, "payloads")
	}
	if c.Policy.Dir == "" {
		c.Policy.Dir = filepath.Join(c.DataDir, "policies")
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct tags and returns ValidationErrors.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	verrs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed %q check", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q check (%s)", fe.Tag(), fe.Param())
		}
		verrs = append(verrs, ValidationError{Path: path, Message: msg})
	}
	return verrs
}

// UpgraderConfig returns the engine tunables.
func (c *Config) UpgraderConfig() engine.UpgraderConfig {
	return engine.UpgraderConfig{
		StartOverThreshold: c.Upgrade.StartOverThreshold,
		AlwaysStartOver:    c.Upgrade.AlwaysStartOver,
		NewestBuild:        c.Upgrade.NewestBuild,
		ProgressInterval:   c.Upgrade.ProgressInterval,
		ProgressBuffer:     c.Upgrade.ProgressBuffer,
		InstalledApps:      append([]string(nil), c.Upgrade.InstalledApps...),
	}
}

// RetryPolicy returns the retry policy for unreachable resources.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// StoreConfig returns the SQLite table store configuration.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{Path: c.Database.Path}
}

// PayloadCacheConfig returns the badger payload cache configuration.
func (c *Config) PayloadCacheConfig() stores.CacheConfig {
	if c.Cache.InMemory {
		return stores.InMemoryCacheConfig()
	}
	cc := stores.DefaultCacheConfig(c.Cache.Dir)
	cc.GCInterval = c.Cache.GCInterval
	return cc
}

// SFTPBase returns the SSH settings every sftp:// reference starts from.
func (c *Config) SFTPBase() *ssh.Config {
	base := ssh.DefaultConfig("", c.SFTP.User)
	if c.SFTP.PrivateKeyPath != "" {
		base.PrivateKeyPath = c.SFTP.PrivateKeyPath
	}
	base.KnownHostsPath = c.SFTP.KnownHostsPath
	base.StrictHostKeyChecking = c.SFTP.StrictHostKeyChecking
	base.ConnectionTimeout = c.SFTP.ConnectionTimeout
	base.MaxFileSize = c.Resolver.MaxPayloadSize
	if c.SFTP.ProxyHost != "" {
		base.ProxyHost = c.SFTP.ProxyHost
		base.ProxyUser = c.SFTP.ProxyUser
		base.ProxyAuthMethod = ssh.AuthMethodKey
		base.ProxyPrivateKeyPath = base.PrivateKeyPath
	}
	return base
}

// TelemetryConfig returns the telemetry configuration for serviceVersion.
func (c *Config) TelemetryConfig(serviceVersion string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = serviceVersion
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Metrics.Enabled = c.Telemetry.MetricsAddress != ""
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled && c.Telemetry.TracingExporter != "none"
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate
	return tc
}
