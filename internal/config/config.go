// Package config loads the YAML service configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validDatabases     = []string{"memory", "postgres"}
	validCacheBackends = []string{"memory", "redis"}
	validLockBackends  = []string{"memory", "redis"}
	validTraceModes    = []string{"off", "errors", "sampled", "detailed"}
)

// Environment variables that override secret fields.
const (
	EnvDatabaseURL        = "REPO_INSIGHTS_DATABASE_URL"
	EnvJWTSecret          = "REPO_INSIGHTS_JWT_SECRET"
	EnvGitHubClientSecret = "REPO_INSIGHTS_GITHUB_CLIENT_SECRET"
	EnvTokenEncryptionKey = "REPO_INSIGHTS_TOKEN_ENCRYPTION_KEY"
	EnvRedisPassword      = "REPO_INSIGHTS_REDIS_PASSWORD"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	GitHub    GitHubConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Sync      SyncConfig
	Security  SecurityConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr        string
	LogLevel          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Backend         string
	URL             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	AutoMigrate     bool
}

// AuthConfig configures bearer access token verification.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// GitHubConfig configures the GitHub OAuth app, GitHub App and REST access.
type GitHubConfig struct {
	APIBaseURL           string
	WebBaseURL           string
	ClientID             string
	ClientSecret         string
	OAuthScopes          []string
	CallbackURL          string
	FallbackReturnURL    string
	AppID                int64
	PrivateKeyPath       string
	AppSlug              string
	RequestTimeout       time.Duration
	MaxInstallationPages int
	MaxRepoPages         int
	StatsConcurrency     int
	CompareConcurrency   int
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
	MaxWait               time.Duration
}

// RetryConfig configures retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// CacheConfig configures the commit stats cache.
type CacheConfig struct {
	Backend  string
	TTL      time.Duration
	Capacity int
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	Mode          string
	Addr          string
	MasterSet     string
	SentinelAddrs []string
	Password      string
	DB            int
	Timeout       time.Duration
}

// SyncConfig configures the auto-sync scheduler.
type SyncConfig struct {
	Enabled              bool
	PollInterval         time.Duration
	BatchSize            int
	Workers              int
	QueueSize            int
	DedupTTL             time.Duration
	MaxJobAge            time.Duration
	JobTimeout           time.Duration
	MaxEnqueuesPerMinute int
	LockBackend          string
}

// SecurityConfig configures token encryption and OAuth state signing.
type SecurityConfig struct {
	TokenEncryptionKey  string
	TokenEncryptionSalt string
	StateSecret         string
	StateTTL            time.Duration
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELExporterEndpoint string
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// UsesRedis reports whether any component needs the Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Cache.Backend == "redis" || c.Sync.LockBackend == "redis"
}

// Load reads configuration from YAML, applies environment overrides from the
// process environment and validates the result.
func Load(reader io.Reader) (*Config, error) {
	return LoadWithEnv(reader, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(reader io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	if lookup != nil {
		applyEnv(cfg, lookup)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if !slices.Contains(validDatabases, c.Database.Backend) {
		errs = append(errs, "database.backend must be memory or postgres")
	}
	if c.Database.Backend == "postgres" && strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, "database.url is required when database.backend=postgres")
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, "auth.jwt_secret is required")
	}

	if c.GitHub.ClientID == "" {
		errs = append(errs, "github.client_id is required")
	}
	if c.GitHub.ClientSecret == "" {
		errs = append(errs, "github.client_secret is required")
	}
	if !isAbsoluteURL(c.GitHub.CallbackURL) {
		errs = append(errs, "github.callback_url must be an absolute URL")
	}
	if !isAbsoluteURL(c.GitHub.FallbackReturnURL) {
		errs = append(errs, "github.fallback_return_url must be an absolute URL")
	}
	if !isAbsoluteURL(c.GitHub.APIBaseURL) {
		errs = append(errs, "github.api_base_url must be an absolute URL")
	}
	if !isAbsoluteURL(c.GitHub.WebBaseURL) {
		errs = append(errs, "github.web_base_url must be an absolute URL")
	}
	if c.GitHub.AppID < 0 {
		errs = append(errs, "github.app_id must be >= 0")
	}
	if c.GitHub.AppID > 0 && c.GitHub.PrivateKeyPath == "" {
		errs = append(errs, "github.private_key_path is required when github.app_id is set")
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, "retry.max_backoff must be >= retry.initial_backoff")
	}

	if !slices.Contains(validCacheBackends, c.Cache.Backend) {
		errs = append(errs, "cache.backend must be memory or redis")
	}
	if !slices.Contains(validLockBackends, c.Sync.LockBackend) {
		errs = append(errs, "sync.lock_backend must be memory or redis")
	}
	if c.UsesRedis() {
		switch c.Redis.Mode {
		case "standalone":
			if c.Redis.Addr == "" {
				errs = append(errs, "redis.addr is required when redis.mode=standalone")
			}
		case "sentinel":
			if len(c.Redis.SentinelAddrs) == 0 || c.Redis.MasterSet == "" {
				errs = append(errs, "redis.sentinel_addrs and redis.master_set are required when redis.mode=sentinel")
			}
		default:
			errs = append(errs, "redis.mode must be standalone or sentinel")
		}
	}

	if c.Sync.Enabled && c.Sync.Workers <= 0 {
		errs = append(errs, "sync.workers must be > 0 when sync.enabled=true")
	}

	if strings.TrimSpace(c.Security.TokenEncryptionKey) == "" {
		errs = append(errs, "security.token_encryption_key is required")
	}

	if !slices.Contains(validTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be within [0,1]")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	overrides := []struct {
		key    string
		target *string
	}{
		{key: EnvDatabaseURL, target: &cfg.Database.URL},
		{key: EnvJWTSecret, target: &cfg.Auth.JWTSecret},
		{key: EnvGitHubClientSecret, target: &cfg.GitHub.ClientSecret},
		{key: EnvTokenEncryptionKey, target: &cfg.Security.TokenEncryptionKey},
		{key: EnvRedisPassword, target: &cfg.Redis.Password},
	}
	for _, override := range overrides {
		if value, ok := lookup(override.key); ok && strings.TrimSpace(value) != "" {
			*override.target = value
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ReadHeaderTimeout <= 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Database.Backend == "" {
		cfg.Database.Backend = "postgres"
	}
	if cfg.GitHub.APIBaseURL == "" {
		cfg.GitHub.APIBaseURL = "https://api.github.com"
	}
	if cfg.GitHub.WebBaseURL == "" {
		cfg.GitHub.WebBaseURL = "https://github.com"
	}
	if len(cfg.GitHub.OAuthScopes) == 0 {
		cfg.GitHub.OAuthScopes = []string{"read:user", "user:email", "repo"}
	}
	if cfg.GitHub.RequestTimeout <= 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimit.MinRemainingThreshold <= 0 {
		cfg.RateLimit.MinRemainingThreshold = 50
	}
	if cfg.RateLimit.MinResetBuffer <= 0 {
		cfg.RateLimit.MinResetBuffer = 5 * time.Second
	}
	if cfg.RateLimit.SecondaryLimitBackoff <= 0 {
		cfg.RateLimit.SecondaryLimitBackoff = time.Minute
	}
	if cfg.RateLimit.MaxWait <= 0 {
		cfg.RateLimit.MaxWait = 2 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}
	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = 20_000
	}
	if cfg.Redis.Mode == "" {
		cfg.Redis.Mode = "standalone"
	}
	if cfg.Redis.Timeout <= 0 {
		cfg.Redis.Timeout = 2 * time.Second
	}
	if cfg.Sync.PollInterval <= 0 {
		cfg.Sync.PollInterval = time.Minute
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 100
	}
	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = 2
	}
	if cfg.Sync.QueueSize <= 0 {
		cfg.Sync.QueueSize = 256
	}
	if cfg.Sync.DedupTTL <= 0 {
		cfg.Sync.DedupTTL = 10 * time.Minute
	}
	if cfg.Sync.MaxJobAge <= 0 {
		cfg.Sync.MaxJobAge = 30 * time.Minute
	}
	if cfg.Sync.JobTimeout <= 0 {
		cfg.Sync.JobTimeout = 10 * time.Minute
	}
	if cfg.Sync.LockBackend == "" {
		cfg.Sync.LockBackend = "memory"
	}
	if cfg.Security.StateSecret == "" {
		cfg.Security.StateSecret = cfg.Auth.JWTSecret
	}
	if cfg.Security.StateTTL <= 0 {
		cfg.Security.StateTTL = 10 * time.Minute
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "sampled"
	}
}

func isAbsoluteURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    rawServer    `yaml:"server"`
	Database  rawDatabase  `yaml:"database"`
	Auth      rawAuth      `yaml:"auth"`
	GitHub    rawGitHub    `yaml:"github"`
	RateLimit rawRateLimit `yaml:"rate_limit"`
	Retry     rawRetry     `yaml:"retry"`
	Cache     rawCache     `yaml:"cache"`
	Redis     rawRedis     `yaml:"redis"`
	Sync      rawSync      `yaml:"sync"`
	Security  rawSecurity  `yaml:"security"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

type rawServer struct {
	ListenAddr        string   `yaml:"listen_addr"`
	LogLevel          string   `yaml:"log_level"`
	ReadHeaderTimeout duration `yaml:"read_header_timeout"`
	ShutdownTimeout   duration `yaml:"shutdown_timeout"`
}

type rawDatabase struct {
	Backend         string   `yaml:"backend"`
	URL             string   `yaml:"url"`
	MaxConns        int32    `yaml:"max_conns"`
	MaxConnLifetime duration `yaml:"max_conn_lifetime"`
	AutoMigrate     *bool    `yaml:"auto_migrate"`
}

type rawAuth struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type rawGitHub struct {
	APIBaseURL           string   `yaml:"api_base_url"`
	WebBaseURL           string   `yaml:"web_base_url"`
	ClientID             string   `yaml:"client_id"`
	ClientSecret         string   `yaml:"client_secret"`
	OAuthScopes          []string `yaml:"oauth_scopes"`
	CallbackURL          string   `yaml:"callback_url"`
	FallbackReturnURL    string   `yaml:"fallback_return_url"`
	AppID                int64    `yaml:"app_id"`
	PrivateKeyPath       string   `yaml:"private_key_path"`
	AppSlug              string   `yaml:"app_slug"`
	RequestTimeout       duration `yaml:"request_timeout"`
	MaxInstallationPages int      `yaml:"max_installation_pages"`
	MaxRepoPages         int      `yaml:"max_repo_pages"`
	StatsConcurrency     int      `yaml:"stats_concurrency"`
	CompareConcurrency   int      `yaml:"compare_concurrency"`
}

type rawRateLimit struct {
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
	MaxWait               duration `yaml:"max_wait"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawCache struct {
	Backend  string   `yaml:"backend"`
	TTL      duration `yaml:"ttl"`
	Capacity int      `yaml:"capacity"`
}

type rawRedis struct {
	Mode          string   `yaml:"mode"`
	Addr          string   `yaml:"addr"`
	MasterSet     string   `yaml:"master_set"`
	SentinelAddrs []string `yaml:"sentinel_addrs"`
	Password      string   `yaml:"password"`
	DB            int      `yaml:"db"`
	Timeout       duration `yaml:"timeout"`
}

type rawSync struct {
	Enabled              *bool    `yaml:"enabled"`
	PollInterval         duration `yaml:"poll_interval"`
	BatchSize            int      `yaml:"batch_size"`
	Workers              int      `yaml:"workers"`
	QueueSize            int      `yaml:"queue_size"`
	DedupTTL             duration `yaml:"dedup_ttl"`
	MaxJobAge            duration `yaml:"max_job_age"`
	JobTimeout           duration `yaml:"job_timeout"`
	MaxEnqueuesPerMinute int      `yaml:"max_enqueues_per_minute"`
	LockBackend          string   `yaml:"lock_backend"`
}

type rawSecurity struct {
	TokenEncryptionKey  string   `yaml:"token_encryption_key"`
	TokenEncryptionSalt string   `yaml:"token_encryption_salt"`
	StateSecret         string   `yaml:"state_secret"`
	StateTTL            duration `yaml:"state_ttl"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELExporterEndpoint string  `yaml:"otel_exporter_otlp_endpoint"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        r.Server.ListenAddr,
			LogLevel:          r.Server.LogLevel,
			ReadHeaderTimeout: r.Server.ReadHeaderTimeout.Duration,
			ShutdownTimeout:   r.Server.ShutdownTimeout.Duration,
		},
		Database: DatabaseConfig{
			Backend:         r.Database.Backend,
			URL:             r.Database.URL,
			MaxConns:        r.Database.MaxConns,
			MaxConnLifetime: r.Database.MaxConnLifetime.Duration,
			AutoMigrate:     boolOr(r.Database.AutoMigrate, true),
		},
		Auth: AuthConfig{
			JWTSecret: r.Auth.JWTSecret,
			Issuer:    r.Auth.Issuer,
		},
		GitHub: GitHubConfig{
			APIBaseURL:           r.GitHub.APIBaseURL,
			WebBaseURL:           r.GitHub.WebBaseURL,
			ClientID:             r.GitHub.ClientID,
			ClientSecret:         r.GitHub.ClientSecret,
			OAuthScopes:          r.GitHub.OAuthScopes,
			CallbackURL:          r.GitHub.CallbackURL,
			FallbackReturnURL:    r.GitHub.FallbackReturnURL,
			AppID:                r.GitHub.AppID,
			PrivateKeyPath:       r.GitHub.PrivateKeyPath,
			AppSlug:              r.GitHub.AppSlug,
			RequestTimeout:       r.GitHub.RequestTimeout.Duration,
			MaxInstallationPages: r.GitHub.MaxInstallationPages,
			MaxRepoPages:         r.GitHub.MaxRepoPages,
			StatsConcurrency:     r.GitHub.StatsConcurrency,
			CompareConcurrency:   r.GitHub.CompareConcurrency,
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			SecondaryLimitBackoff: r.RateLimit.SecondaryLimitBackoff.Duration,
			MaxWait:               r.RateLimit.MaxWait.Duration,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		Cache: CacheConfig{
			Backend:  r.Cache.Backend,
			TTL:      r.Cache.TTL.Duration,
			Capacity: r.Cache.Capacity,
		},
		Redis: RedisConfig{
			Mode:          r.Redis.Mode,
			Addr:          r.Redis.Addr,
			MasterSet:     r.Redis.MasterSet,
			SentinelAddrs: r.Redis.SentinelAddrs,
			Password:      r.Redis.Password,
			DB:            r.Redis.DB,
			Timeout:       r.Redis.Timeout.Duration,
		},
		Sync: SyncConfig{
			Enabled:              boolOr(r.Sync.Enabled, true),
			PollInterval:         r.Sync.PollInterval.Duration,
			BatchSize:            r.Sync.BatchSize,
			Workers:              r.Sync.Workers,
			QueueSize:            r.Sync.QueueSize,
			DedupTTL:             r.Sync.DedupTTL.Duration,
			MaxJobAge:            r.Sync.MaxJobAge.Duration,
			JobTimeout:           r.Sync.JobTimeout.Duration,
			MaxEnqueuesPerMinute: r.Sync.MaxEnqueuesPerMinute,
			LockBackend:          r.Sync.LockBackend,
		},
		Security: SecurityConfig{
			TokenEncryptionKey:  r.Security.TokenEncryptionKey,
			TokenEncryptionSalt: r.Security.TokenEncryptionSalt,
			StateSecret:         r.Security.StateSecret,
			StateTTL:            r.Security.StateTTL.Duration,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELExporterEndpoint: r.Telemetry.OTELExporterEndpoint,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
