package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/appstage/pkg/engine"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvDataDir, "/tmp/appstage-test")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvPlatformVersion, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != "/tmp/appstage-test" {
		t.Errorf("expected data dir from env, got %s", cfg.DataDir)
	}
	if cfg.Database.Path != "/tmp/appstage-test/appstage.db" {
		t.Errorf("unexpected database path %s", cfg.Database.Path)
	}
	if cfg.Cache.Dir != "/tmp/appstage-test/payloads" {
		t.Errorf("unexpected cache dir %s", cfg.Cache.Dir)
	}
	if cfg.Upgrade.StartOverThreshold != engine.DefaultStartOverThreshold {
		t.Errorf("unexpected threshold %v", cfg.Upgrade.StartOverThreshold)
	}
	if cfg.Upgrade.ProgressInterval != time.Second {
		t.Errorf("unexpected progress interval %v", cfg.Upgrade.ProgressInterval)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv(EnvDataDir, "")
	t.Setenv(EnvLogLevel, "WARN")
	t.Setenv(EnvPlatformVersion, "")

	path := writeConfig(t, "appstage.yaml", `
data_dir: /srv/appstage
platform_version: 2.4.1
cache:
  in_memory: true
upgrade:
  start_over_threshold: 72h
  always_start_over: true
  newest_build: true
  progress_interval: 250ms
  installed_apps: [com.example.other]
retry:
  max_attempts: 5
  base_delay: 2s
  max_delay: 30s
telemetry:
  log_format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.PlatformVersion != "2.4.1" {
		t.Errorf("unexpected platform version %s", cfg.PlatformVersion)
	}
	if cfg.Cache.Dir != "" {
		t.Errorf("in-memory cache should have no dir, got %s", cfg.Cache.Dir)
	}
	if !cfg.PayloadCacheConfig().InMemory {
		t.Error("expected in-memory payload cache config")
	}
	if cfg.Telemetry.LogLevel != "warn" {
		t.Errorf("expected env log level, got %s", cfg.Telemetry.LogLevel)
	}
	// Untouched fields keep their defaults.
	if cfg.Resolver.Timeout != 30*time.Second {
		t.Errorf("expected default resolver timeout, got %v", cfg.Resolver.Timeout)
	}

	uc := cfg.UpgraderConfig()
	if uc.StartOverThreshold != 72*time.Hour || !uc.AlwaysStartOver || !uc.NewestBuild {
		t.Errorf("unexpected upgrader config %+v", uc)
	}
	if uc.ProgressInterval != 250*time.Millisecond || len(uc.InstalledApps) != 1 {
		t.Errorf("unexpected upgrader config %+v", uc)
	}

	rp := cfg.RetryPolicy()
	if rp.MaxAttempts != 5 || rp.BaseDelay != 2*time.Second || rp.MaxDelay != 30*time.Second {
		t.Errorf("unexpected retry policy %+v", rp)
	}

	tc := cfg.TelemetryConfig("test")
	if tc.Logging.Format != "json" || tc.Logging.Level != "warn" || tc.ServiceVersion != "test" {
		t.Errorf("unexpected telemetry config %+v", tc.Logging)
	}
	if tc.Tracing.Enabled || tc.Metrics.Enabled {
		t.Error("tracing and metrics should be disabled by default")
	}
}

func TestLoadCUE(t *testing.T) {
	t.Setenv(EnvDataDir, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvPlatformVersion, "3.0.0")

	path := writeConfig(t, "appstage.cue", `
data_dir: "/srv/appstage"
_key:     "/etc/appstage/id_ed25519"
sftp: {
	user:             "mirror"
	private_key_path: _key
	connection_timeout: "5s"
}
resolver: timeout: "45s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.PlatformVersion != "3.0.0" {
		t.Errorf("expected platform version from env, got %s", cfg.PlatformVersion)
	}
	if cfg.Resolver.Timeout != 45*time.Second {
		t.Errorf("unexpected resolver timeout %v", cfg.Resolver.Timeout)
	}

	base := cfg.SFTPBase()
	if base.User != "mirror" || base.PrivateKeyPath != "/etc/appstage/id_ed25519" {
		t.Errorf("unexpected sftp base %+v", base)
	}
	if base.ConnectionTimeout != 5*time.Second || base.MaxFileSize != cfg.Resolver.MaxPayloadSize {
		t.Errorf("unexpected sftp limits %+v", base)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv(EnvDataDir, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvPlatformVersion, "")

	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "unknown key",
			file:    "a.yaml",
			content: "data_dir: /srv\nupgrade:\n  newest_bulid: true\n",
			wantErr: "newest_bulid",
		},
		{
			name:    "schema type",
			file:    "b.yaml",
			content: "data_dir: /srv\nretry:\n  max_attempts: many\n",
			wantErr: "max_attempts",
		},
		{
			name:    "platform version",
			file:    "c.yaml",
			content: "data_dir: /srv\nplatform_version: latest\n",
			wantErr: "platform_version",
		},
		{
			name:    "retry delays",
			file:    "d.yaml",
			content: "data_dir: /srv\nretry:\n  base_delay: 1m\n  max_delay: 1s\n",
			wantErr: "retry.max_delay",
		},
		{
			name:    "otlp without endpoint",
			file:    "e.yaml",
			content: "data_dir: /srv\ntelemetry:\n  tracing_exporter: otlp\n",
			wantErr: "tracing_endpoint",
		},
		{
			name:    "unsupported format",
			file:    "f.toml",
			content: "data_dir = '/srv'\n",
			wantErr: "unsupported config format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatalf("expected error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	cfg.Upgrade.ProgressBuffer = 0
	cfg.Telemetry.LogLevel = "loud"

	err := cfg.Validate()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if len(verrs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(verrs), verrs)
	}

	paths := map[string]bool{}
	for _, ve := range verrs {
		paths[ve.Path] = true
	}
	for _, want := range []string{"data_dir", "upgrade.progress_buffer", "telemetry.log_level"} {
		if !paths[want] {
			t.Errorf("missing error for %s in %v", want, verrs)
		}
	}
}
