package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery services
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Transport TransportConfig `yaml:"transport"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"` // worker-only metrics listener
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMin) * time.Minute
}

// RedisConfig holds the Redis connection used for the drain lock. An empty
// URL falls back to a Postgres advisory lock.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DeliveryConfig tunes enqueue, the queue processor and its background
// workers. Durations are in seconds unless named otherwise.
type DeliveryConfig struct {
	BatchSize             int `yaml:"batch_size"`
	BatchDelayMillis      int `yaml:"batch_delay_ms"`
	RetryDelaySeconds     int `yaml:"retry_delay_seconds"`
	MaxAttempts           int `yaml:"max_attempts"`
	ScheduleBufferSeconds int `yaml:"schedule_buffer_seconds"`
	SendTimeoutSeconds    int `yaml:"send_timeout_seconds"`
	RecoveryIntervalSecs  int `yaml:"recovery_interval_seconds"`
	StaleAgeSeconds       int `yaml:"stale_age_seconds"`
	SchedulePollSeconds   int `yaml:"schedule_poll_seconds"`
	LockTTLSeconds        int `yaml:"lock_ttl_seconds"`
	QueueRetentionDays    int `yaml:"queue_retention_days"` // -1 keeps rows forever
	LogRetentionDays      int `yaml:"log_retention_days"`   // -1 keeps rows forever
}

// BatchDelay returns the pause between claimed batches
func (c DeliveryConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMillis) * time.Millisecond
}

// RetryDelay returns the delay before a retried record becomes due
func (c DeliveryConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// ScheduleBuffer returns how far ahead a scheduled send must be
func (c DeliveryConfig) ScheduleBuffer() time.Duration {
	return time.Duration(c.ScheduleBufferSeconds) * time.Second
}

// SendTimeout returns the per-message transport timeout
func (c DeliveryConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// RecoveryInterval returns how often the stale-row sweep runs
func (c DeliveryConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSecs) * time.Second
}

// StaleAge returns how long a record may sit in sending before recovery
func (c DeliveryConfig) StaleAge() time.Duration {
	return time.Duration(c.StaleAgeSeconds) * time.Second
}

// SchedulePoll returns the schedule poller interval
func (c DeliveryConfig) SchedulePoll() time.Duration {
	return time.Duration(c.SchedulePollSeconds) * time.Second
}

// LockTTL returns the drain lock lease
func (c DeliveryConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// QueueRetention returns how long finished queue records are kept
func (c DeliveryConfig) QueueRetention() time.Duration {
	return time.Duration(c.QueueRetentionDays) * 24 * time.Hour
}

// LogRetention returns how long delivery log rows are kept
func (c DeliveryConfig) LogRetention() time.Duration {
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}

// TransportConfig selects and configures the outbound mail transport
type TransportConfig struct {
	Driver          string          `yaml:"driver"` // "ses", "smtp" or "log"
	DefaultFromName string          `yaml:"default_from_name"`
	DefaultFrom     string          `yaml:"default_from_email"`
	SES             SESConfig       `yaml:"ses"`
	SMTP            SMTPConfig      `yaml:"smtp"`
	Breaker         BreakerConfig   `yaml:"breaker"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SMTPConfig holds the relay settings for the smtp driver
type SMTPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	SSL                bool   `yaml:"ssl"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	LocalName          string `yaml:"local_name"`
}

// BreakerConfig holds the transport circuit breaker settings
type BreakerConfig struct {
	Enabled             bool `yaml:"enabled"`
	ConsecutiveFailures int  `yaml:"consecutive_failures"`
	OpenSeconds         int  `yaml:"open_seconds"`
}

// OpenTimeout returns how long the breaker stays open
func (c BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenSeconds) * time.Second
}

// RateLimitConfig caps sends per transport across all processes. It needs
// Redis; zero values are unlimited.
type RateLimitConfig struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	Daily     int `yaml:"daily"`
}

// TriggerConfig holds the cross-process trigger bus. An empty AMQPURL keeps
// draining in-process.
type TriggerConfig struct {
	AMQPURL string `yaml:"amqp_url"`
	Queue   string `yaml:"queue"`
}

// LoggingConfig holds structured logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether addresses are redacted in logs. Defaults to true.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMin == 0 {
		cfg.Database.ConnMaxLifetimeMin = 30
	}

	d := &cfg.Delivery
	if d.BatchSize == 0 {
		d.BatchSize = 10
	}
	if d.BatchDelayMillis == 0 {
		d.BatchDelayMillis = 2000
	}
	if d.RetryDelaySeconds == 0 {
		d.RetryDelaySeconds = 5
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 3
	}
	if d.ScheduleBufferSeconds == 0 {
		d.ScheduleBufferSeconds = 60
	}
	if d.SendTimeoutSeconds == 0 {
		d.SendTimeoutSeconds = 30
	}
	if d.RecoveryIntervalSecs == 0 {
		d.RecoveryIntervalSecs = 120
	}
	if d.StaleAgeSeconds == 0 {
		d.StaleAgeSeconds = 300
	}
	if d.SchedulePollSeconds == 0 {
		d.SchedulePollSeconds = 30
	}
	if d.LockTTLSeconds == 0 {
		d.LockTTLSeconds = 120
	}
	if d.QueueRetentionDays == 0 {
		d.QueueRetentionDays = 30
	}
	if d.LogRetentionDays == 0 {
		d.LogRetentionDays = 180
	}

	t := &cfg.Transport
	if t.Driver == "" {
		t.Driver = "log"
	}
	if t.SES.Region == "" {
		t.SES.Region = "us-west-2"
	}
	if t.Breaker.ConsecutiveFailures == 0 {
		t.Breaker.ConsecutiveFailures = 5
	}
	if t.Breaker.OpenSeconds == 0 {
		t.Breaker.OpenSeconds = 30
	}

	if cfg.Trigger.Queue == "" {
		cfg.Trigger.Queue = "campaign.delivery.drain"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	// Database override (critical for ECS deployment where config.yaml has local defaults)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Trigger.AMQPURL = v
	}

	if v := os.Getenv("MAIL_TRANSPORT"); v != "" {
		cfg.Transport.Driver = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Transport.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Transport.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Transport.SES.Region = v
	}
	if v := os.Getenv("AWS_SES_CONFIGURATION_SET"); v != "" {
		cfg.Transport.SES.ConfigurationSet = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Transport.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Transport.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.Transport.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Transport.SMTP.Password = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
