// Package config loads and validates gateway configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultUsageTable = "usage_records"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Device    DeviceConfig    `mapstructure:"device"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Egress    EgressConfig    `mapstructure:"egress"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Database  DatabaseConfig  `mapstructure:"database"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DeviceConfig identifies this gateway instance in every response.
type DeviceConfig struct {
	ID string `mapstructure:"id"`
}

// IdentityConfig points at the user-agent directory and IP lookup services.
type IdentityConfig struct {
	UserAgentDirectoryURL string        `mapstructure:"user_agent_directory_url"`
	FallbackUserAgent     string        `mapstructure:"fallback_user_agent"`
	IPEchoURL             string        `mapstructure:"ip_echo_url"`
	GeoLookupURL          string        `mapstructure:"geo_lookup_url"`
	GeoIPDatabasePath     string        `mapstructure:"geoip_database_path"`
	ReachabilityURL       string        `mapstructure:"reachability_url"`
	Timeout               time.Duration `mapstructure:"timeout"`
}

// EgressConfig describes the external VPN client.
type EgressConfig struct {
	Binary         string        `mapstructure:"binary"`
	DisconnectArgs []string      `mapstructure:"disconnect_args"`
	ConnectArgs    []string      `mapstructure:"connect_args"`
	StatusArgs     []string      `mapstructure:"status_args"`
	Settle         time.Duration `mapstructure:"settle"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// QuotaConfig governs the per-key daily ledger.
type QuotaConfig struct {
	DailyLimit     int    `mapstructure:"daily_limit"`
	Backend        string `mapstructure:"backend"`
	MaxCASAttempts int    `mapstructure:"max_cas_attempts"`
}

// DatabaseConfig controls access to the Postgres usage table.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
}

// SQLiteConfig points at the embedded usage database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig configures the Redis usage store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// FetchConfig bounds plain outbound fetches.
type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
	PerHostRPS   float64       `mapstructure:"per_host_rps"`
	PerHostBurst int           `mapstructure:"per_host_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	Settle         time.Duration `mapstructure:"settle"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	SearchURL      string        `mapstructure:"search_url"`
	ResultSelector string        `mapstructure:"result_selector"`
	UserAgent      string        `mapstructure:"user_agent"`
	ExecPath       string        `mapstructure:"exec_path"`
}

// StorageConfig selects the artifact backend and handle policy.
type StorageConfig struct {
	Backend       string        `mapstructure:"backend"`
	Bucket        string        `mapstructure:"bucket"`
	Prefix        string        `mapstructure:"prefix"`
	ContentType   string        `mapstructure:"content_type"`
	PresignTTL    time.Duration `mapstructure:"presign_ttl"`
	SigningKey    string        `mapstructure:"signing_key"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	Local         LocalConfig   `mapstructure:"local"`
	S3            S3Config      `mapstructure:"s3"`
	GCS           GCSConfig     `mapstructure:"gcs"`
}

// LocalConfig captures the local filesystem backend settings.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// S3Config configures an S3-compatible (MinIO) bucket.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// GCSConfig holds V4 signing credentials for GCS handles.
type GCSConfig struct {
	ServiceAccountEmail string `mapstructure:"service_account_email"`
	PrivateKeyPath      string `mapstructure:"private_key_path"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CORSConfig lists allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindLegacyEnv keeps the unprefixed variables earlier deployments used.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"server.port":                       {"GATEWAY_SERVER_PORT", "PORT"},
		"device.id":                         {"GATEWAY_DEVICE_ID", "DEVICE_ID"},
		"identity.user_agent_directory_url": {"GATEWAY_IDENTITY_USER_AGENT_DIRECTORY_URL", "HEADERSURL"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("device.id", "G-CLOUD-DEFAULT")
	v.SetDefault("identity.user_agent_directory_url",
		"https://raw.githubusercontent.com/nikiconluxury/image-ip-mask-serverless/main/user-agent-list.json")
	v.SetDefault("identity.fallback_user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)")
	v.SetDefault("identity.ip_echo_url", "https://api.ipify.org?format=json")
	v.SetDefault("identity.geo_lookup_url", "http://ip-api.com/json/{ip}")
	v.SetDefault("identity.reachability_url", "https://www.google.com")
	v.SetDefault("identity.timeout", 10*time.Second)
	v.SetDefault("egress.binary", "nordvpn")
	v.SetDefault("egress.disconnect_args", []string{"disconnect"})
	v.SetDefault("egress.connect_args", []string{"connect"})
	v.SetDefault("egress.status_args", []string{"status"})
	v.SetDefault("egress.settle", 5*time.Second)
	v.SetDefault("egress.command_timeout", 60*time.Second)
	v.SetDefault("quota.daily_limit", 5)
	v.SetDefault("quota.backend", "memory")
	v.SetDefault("quota.max_cas_attempts", 5)
	v.SetDefault("database.table", defaultUsageTable)
	v.SetDefault("database.run_migrations", true)
	v.SetDefault("sqlite.path", "gateway.db")
	v.SetDefault("redis.key_prefix", "gateway:usage:")
	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.per_host_rps", 0)
	v.SetDefault("fetch.per_host_burst", 1)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.settle", 2*time.Second)
	v.SetDefault("headless.nav_timeout", 30*time.Second)
	v.SetDefault("headless.search_url", "https://www.google.com/search?q={query}")
	v.SetDefault("headless.result_selector", "div.g")
	v.SetDefault("headless.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) "+
			"Chrome/99.0.4844.82 Safari/537.36")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "gserp-temp")
	v.SetDefault("storage.prefix", "scraped_html")
	v.SetDefault("storage.content_type", "text/html")
	v.SetDefault("storage.presign_ttl", 3600*time.Second)
	v.SetDefault("storage.public_base_url", "http://localhost:8080")
	v.SetDefault("storage.local.base_dir", "artifacts")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("pubsub.topic_name", "scrape-completed")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("telemetry.service_name", "scrape-gateway")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Device.ID) == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.Identity.UserAgentDirectoryURL == "" {
		return fmt.Errorf("identity.user_agent_directory_url is required")
	}
	if c.Identity.Timeout <= 0 {
		return fmt.Errorf("identity.timeout must be > 0")
	}
	if c.Egress.Binary == "" {
		return fmt.Errorf("egress.binary is required")
	}
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be > 0")
	}
	if err := c.validateQuotaBackend(); err != nil {
		return err
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if !strings.Contains(c.Headless.SearchURL, "{query}") {
		return fmt.Errorf("headless.search_url must contain a {query} placeholder")
	}
	if c.Storage.PresignTTL <= 0 {
		return fmt.Errorf("storage.presign_ttl must be > 0")
	}
	return c.validateStorageBackend()
}

func (c Config) validateQuotaBackend() error {
	switch c.Quota.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres quota backend")
		}
		// The embedded migrations only create the default table.
		if c.Database.RunMigrations && c.Database.Table != "" && c.Database.Table != defaultUsageTable {
			return fmt.Errorf("database.table must be %q when database.run_migrations is set", defaultUsageTable)
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for the sqlite quota backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis quota backend")
		}
	default:
		return fmt.Errorf("unknown quota.backend %q", c.Quota.Backend)
	}
	return nil
}

func (c Config) validateStorageBackend() error {
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	case "s3":
		if c.Storage.Bucket == "" || c.Storage.S3.Endpoint == "" {
			return fmt.Errorf("storage.bucket and storage.s3.endpoint are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// ServesArtifacts reports whether the gateway itself serves artifact handles.
func (c Config) ServesArtifacts() bool {
	return c.Storage.Backend == "memory" || c.Storage.Backend == "local"
}
