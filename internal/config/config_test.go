package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Quota.DailyLimit != 5 {
		t.Fatalf("expected daily limit 5, got %d", cfg.Quota.DailyLimit)
	}
	if cfg.Device.ID != "G-CLOUD-DEFAULT" {
		t.Fatalf("expected default device id, got %q", cfg.Device.ID)
	}
	if cfg.Fetch.Timeout != 10*time.Second || cfg.Identity.Timeout != 10*time.Second {
		t.Fatalf("expected 10s fetch and identity timeouts, got %v / %v", cfg.Fetch.Timeout, cfg.Identity.Timeout)
	}
	if cfg.Headless.Settle != 2*time.Second {
		t.Fatalf("expected 2s render settle, got %v", cfg.Headless.Settle)
	}
	if cfg.Egress.Settle != 5*time.Second {
		t.Fatalf("expected 5s egress settle, got %v", cfg.Egress.Settle)
	}
	if cfg.Storage.PresignTTL != time.Hour {
		t.Fatalf("expected 3600s presign ttl, got %v", cfg.Storage.PresignTTL)
	}
	if cfg.Storage.Prefix != "scraped_html" || cfg.Headless.ResultSelector != "div.g" {
		t.Fatalf("unexpected scrape defaults: prefix=%q selector=%q", cfg.Storage.Prefix, cfg.Headless.ResultSelector)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "*" {
		t.Fatalf("expected wildcard CORS origin, got %v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.ServesArtifacts() {
		t.Fatal("expected memory backend to serve artifacts")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
device:
  id: edge-7
quota:
  daily_limit: 3
  backend: sqlite
sqlite:
  path: /tmp/usage.db
egress:
  binary: windscribe
  connect_args: ["connect", "best"]
  settle: 1s
fetch:
  timeout: 4s
  per_host_rps: 2.5
storage:
  backend: s3
  bucket: serp
  presign_ttl: 10m
  s3:
    endpoint: minio:9000
    access_key: ak
    secret_key: sk
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Device.ID != "edge-7" {
		t.Fatalf("expected server/device overrides, got %+v %+v", cfg.Server, cfg.Device)
	}
	if cfg.Quota.DailyLimit != 3 || cfg.Quota.Backend != "sqlite" || cfg.SQLite.Path != "/tmp/usage.db" {
		t.Fatalf("expected quota overrides, got %+v", cfg.Quota)
	}
	if cfg.Egress.Binary != "windscribe" || len(cfg.Egress.ConnectArgs) != 2 || cfg.Egress.Settle != time.Second {
		t.Fatalf("expected egress overrides, got %+v", cfg.Egress)
	}
	if cfg.Fetch.Timeout != 4*time.Second || cfg.Fetch.PerHostRPS != 2.5 {
		t.Fatalf("expected fetch overrides, got %+v", cfg.Fetch)
	}
	if cfg.Storage.PresignTTL != 10*time.Minute || cfg.Storage.S3.Endpoint != "minio:9000" {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.ServesArtifacts() {
		t.Fatal("s3 backend should not be served by the gateway")
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("DEVICE_ID", "legacy-device")
	t.Setenv("HEADERSURL", "https://agents.example/list.json")
	t.Setenv("GATEWAY_QUOTA_DAILY_LIMIT", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device.ID != "legacy-device" {
		t.Fatalf("expected DEVICE_ID to apply, got %q", cfg.Device.ID)
	}
	if cfg.Identity.UserAgentDirectoryURL != "https://agents.example/list.json" {
		t.Fatalf("expected HEADERSURL to apply, got %q", cfg.Identity.UserAgentDirectoryURL)
	}
	if cfg.Quota.DailyLimit != 9 {
		t.Fatalf("expected prefixed env override, got %d", cfg.Quota.DailyLimit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Device:   DeviceConfig{ID: "dev"},
		Identity: IdentityConfig{UserAgentDirectoryURL: "https://agents", Timeout: time.Second},
		Egress:   EgressConfig{Binary: "nordvpn"},
		Quota:    QuotaConfig{DailyLimit: 5, Backend: "memory"},
		Fetch:    FetchConfig{Timeout: time.Second},
		Headless: HeadlessConfig{SearchURL: "https://search?q={query}"},
		Storage:  StorageConfig{Backend: "memory", PresignTTL: time.Hour},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing device", func(c *Config) { c.Device.ID = " " }, "device.id"},
		{"zero limit", func(c *Config) { c.Quota.DailyLimit = 0 }, "quota.daily_limit"},
		{"unknown quota backend", func(c *Config) { c.Quota.Backend = "firebase" }, "quota.backend"},
		{"postgres without dsn", func(c *Config) { c.Quota.Backend = "postgres" }, "database.dsn"},
		{"custom table with migrations", func(c *Config) {
			c.Quota.Backend = "postgres"
			c.Database = DatabaseConfig{DSN: "postgres://x", Table: "quota_rows", RunMigrations: true}
		}, "database.table"},
		{"redis without addr", func(c *Config) { c.Quota.Backend = "redis" }, "redis.addr"},
		{"invalid fetch timeout", func(c *Config) { c.Fetch.Timeout = 0 }, "fetch.timeout"},
		{"headless missing max parallel", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"search url without placeholder", func(c *Config) { c.Headless.SearchURL = "https://search" }, "{query}"},
		{"s3 without endpoint", func(c *Config) {
			c.Storage.Backend = "s3"
			c.Storage.Bucket = "b"
		}, "storage.s3.endpoint"},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "ftp" }, "storage.backend"},
		{"zero presign ttl", func(c *Config) { c.Storage.PresignTTL = 0 }, "storage.presign_ttl"},
	}

	custom := base
	custom.Quota.Backend = "postgres"
	custom.Database = DatabaseConfig{DSN: "postgres://x", Table: "quota_rows"}
	if err := custom.Validate(); err != nil {
		t.Fatalf("custom table without migrations should validate: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
