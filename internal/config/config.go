package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Email     EmailConfig     `yaml:"email"`
	SMS       SMSConfig       `yaml:"sms"`
	Voice     VoiceConfig     `yaml:"voice"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Cache     CacheConfig     `yaml:"cache"`
	Events    EventsConfig    `yaml:"events"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKeys        []string      `yaml:"api_keys"` // empty = no API key required
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig contains SQL store settings
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // sqlite3, postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// StorageConfig contains local bbolt storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig contains sweep settings
type SchedulerConfig struct {
	Enabled           *bool         `yaml:"enabled"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	BatchSize         int           `yaml:"batch_size"`
	Workers           int           `yaml:"workers"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout"`
	TrickleEnrollment *bool         `yaml:"trickle_enrollment"`
}

// IsEnabled reports whether the sweep loop runs inside serve
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// TrickleEnabled reports whether new leads are enrolled on each sweep
func (s SchedulerConfig) TrickleEnabled() bool {
	return s.TrickleEnrollment == nil || *s.TrickleEnrollment
}

// RateLimitConfig contains per-owner dispatch caps
type RateLimitConfig struct {
	Enabled       bool                   `yaml:"enabled"`
	Channels      map[string]LimitValues `yaml:"channels"` // email, sms, call
	FlushInterval time.Duration          `yaml:"flush_interval"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	PerHour int `yaml:"per_hour"`
	PerDay  int `yaml:"per_day"`
}

// EmailConfig contains SMTP submission settings
type EmailConfig struct {
	Enabled      bool          `yaml:"enabled"`
	SMTPAddr     string        `yaml:"smtp_addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	From         string        `yaml:"from"`
	FromName     string        `yaml:"from_name"`
	StartTLS     bool          `yaml:"starttls"`
	Timeout      time.Duration `yaml:"timeout"`
	DKIM         DKIMConfig    `yaml:"dkim"`
	TrackingBase string        `yaml:"tracking_base_url"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SMSConfig contains Twilio settings
type SMSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
}

// VoiceConfig contains Vapi settings
type VoiceConfig struct {
	Enabled            bool          `yaml:"enabled"`
	BaseURL            string        `yaml:"base_url"`
	APIKey             string        `yaml:"api_key"`
	PhoneNumberID      string        `yaml:"phone_number_id"`
	DefaultMaxDuration int           `yaml:"default_max_duration"` // seconds
	Timeout            time.Duration `yaml:"timeout"`
}

// SandboxConfig routes every outbound message to local capture storage
type SandboxConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CacheConfig contains definition cache settings
type CacheConfig struct {
	Driver        string        `yaml:"driver"` // memory, redis
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// EventsConfig contains event ingestion settings
type EventsConfig struct {
	AMQPURL   string        `yaml:"amqp_url"` // empty = HTTP webhooks only
	Queue     string        `yaml:"queue"`
	Prefetch  int           `yaml:"prefetch"`
	Retention time.Duration `yaml:"retention"`
}

// AlertingConfig contains Sentry settings
type AlertingConfig struct {
	SentryDSN   string `yaml:"sentry_dsn"`
	Environment string `yaml:"environment"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Path       string   `yaml:"path"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file. Secrets may also come from the
// environment or an optional .env file next to the process.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// A missing .env is not an error
	_ = godotenv.Load()
	cfg.applyEnv()

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays secrets from environment variables
func (c *Config) applyEnv() {
	setString(&c.Database.DSN, "CADENCE_DATABASE_DSN")
	setString(&c.Email.Password, "CADENCE_SMTP_PASSWORD")
	setString(&c.SMS.AccountSID, "TWILIO_ACCOUNT_SID")
	setString(&c.SMS.AuthToken, "TWILIO_AUTH_TOKEN")
	setString(&c.Voice.APIKey, "VAPI_API_KEY")
	setString(&c.Cache.RedisPassword, "CADENCE_REDIS_PASSWORD")
	setString(&c.Events.AMQPURL, "CADENCE_AMQP_URL")
	setString(&c.Alerting.SentryDSN, "SENTRY_DSN")

	if v, ok := os.LookupEnv("CADENCE_REDIS_DB"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.RedisDB = n
		}
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = "/var/lib/cadence/cadence.db"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/cadence/local.db"
	}

	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = 30 * time.Second
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.LeaseTTL == 0 {
		c.Scheduler.LeaseTTL = 5 * time.Minute
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = 5
	}
	if c.Scheduler.BaseBackoff == 0 {
		c.Scheduler.BaseBackoff = time.Minute
	}
	if c.Scheduler.MaxBackoff == 0 {
		c.Scheduler.MaxBackoff = time.Hour
	}
	if c.Scheduler.DispatchTimeout == 0 {
		c.Scheduler.DispatchTimeout = 30 * time.Second
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Email.Timeout == 0 {
		c.Email.Timeout = 30 * time.Second
	}

	if c.Voice.BaseURL == "" {
		c.Voice.BaseURL = "https://api.vapi.ai"
	}
	if c.Voice.DefaultMaxDuration == 0 {
		c.Voice.DefaultMaxDuration = 300
	}
	if c.Voice.Timeout == 0 {
		c.Voice.Timeout = 15 * time.Second
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 10 * time.Minute
	}

	if c.Events.Queue == "" {
		c.Events.Queue = "cadence.events"
	}
	if c.Events.Prefetch == 0 {
		c.Events.Prefetch = 32
	}
	if c.Events.Retention == 0 {
		c.Events.Retention = 90 * 24 * time.Hour
	}

	if c.Alerting.Environment == "" {
		c.Alerting.Environment = "production"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validDrivers := map[string]bool{"sqlite3": true, "postgres": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database.driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Scheduler.BatchSize < 0 || c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.batch_size and scheduler.workers must be positive")
	}
	if c.Scheduler.BaseBackoff > c.Scheduler.MaxBackoff {
		return fmt.Errorf("scheduler.base_backoff must not exceed scheduler.max_backoff")
	}

	for channel, lv := range c.RateLimit.Channels {
		switch channel {
		case "email", "sms", "call":
		default:
			return fmt.Errorf("rate_limit.channels.%s: unknown channel (must be email, sms, or call)", channel)
		}
		if lv.PerHour < 0 || lv.PerDay < 0 {
			return fmt.Errorf("rate_limit.channels.%s: limits must not be negative", channel)
		}
	}

	if c.Email.Enabled {
		if c.Email.SMTPAddr == "" {
			return fmt.Errorf("email.smtp_addr is required when email is enabled")
		}
		if c.Email.From == "" {
			return fmt.Errorf("email.from is required when email is enabled")
		}
		if err := c.validateDKIM(); err != nil {
			return err
		}
	}

	if c.SMS.Enabled {
		if c.SMS.AccountSID == "" || c.SMS.AuthToken == "" {
			return fmt.Errorf("sms.account_sid and sms.auth_token are required when sms is enabled")
		}
		if c.SMS.From == "" {
			return fmt.Errorf("sms.from is required when sms is enabled")
		}
	}

	if c.Voice.Enabled {
		if c.Voice.APIKey == "" {
			return fmt.Errorf("voice.api_key is required when voice is enabled")
		}
		if c.Voice.PhoneNumberID == "" {
			return fmt.Errorf("voice.phone_number_id is required when voice is enabled")
		}
	}

	validCaches := map[string]bool{"memory": true, "redis": true}
	if !validCaches[c.Cache.Driver] {
		return fmt.Errorf("invalid cache.driver: %s (must be memory or redis)", c.Cache.Driver)
	}
	if c.Cache.Driver == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required when cache.driver is redis")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	if !c.Email.DKIM.Enabled {
		return nil
	}

	if c.Email.DKIM.Selector == "" {
		return fmt.Errorf("email.dkim.selector is required when DKIM is enabled")
	}
	if c.Email.DKIM.KeyFile == "" {
		return fmt.Errorf("email.dkim.key_file is required when DKIM is enabled")
	}
	if c.Email.DKIM.Domain == "" {
		return fmt.Errorf("email.dkim.domain is required when DKIM is enabled")
	}

	return nil
}

// RateLimitFor returns the caps for a channel, or nil if unlimited
func (c *Config) RateLimitFor(channel string) *LimitValues {
	if !c.RateLimit.Enabled {
		return nil
	}
	lv, ok := c.RateLimit.Channels[channel]
	if !ok || (lv.PerHour == 0 && lv.PerDay == 0) {
		return nil
	}
	return &lv
}
