package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/eventpipe/internal/platform/broker"
	"github.com/ehr/eventpipe/internal/platform/channel"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     string `mapstructure:"PORT"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	RabbitMQURL        string        `mapstructure:"RABBITMQ_URL"`
	QueueType          string        `mapstructure:"QUEUE_TYPE"`
	BrokerDialAttempts int           `mapstructure:"BROKER_DIAL_ATTEMPTS"`
	ConsumerPrefetch   int           `mapstructure:"CONSUMER_PREFETCH"`
	ConsumerWorkers    int           `mapstructure:"CONSUMER_WORKERS"`
	MaxDeliveries      int           `mapstructure:"MAX_DELIVERIES"`
	ShutdownGrace      time.Duration `mapstructure:"SHUTDOWN_GRACE"`

	RedisURL        string        `mapstructure:"REDIS_URL"`
	ContactCacheTTL time.Duration `mapstructure:"CONTACT_CACHE_TTL"`

	NotifyChannels []string      `mapstructure:"NOTIFY_CHANNELS"`
	SendTimeout    time.Duration `mapstructure:"SEND_TIMEOUT"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	SMSAPIURL string `mapstructure:"SMS_API_URL"`
	SMSAPIKey string `mapstructure:"SMS_API_KEY"`
	SMSSender string `mapstructure:"SMS_SENDER"`

	FCMCredentialsFile string `mapstructure:"FCM_CREDENTIALS_FILE"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"RABBITMQ_URL", "QUEUE_TYPE", "BROKER_DIAL_ATTEMPTS", "CONSUMER_PREFETCH", "CONSUMER_WORKERS", "MAX_DELIVERIES", "SHUTDOWN_GRACE",
	"REDIS_URL", "CONTACT_CACHE_TTL",
	"NOTIFY_CHANNELS", "SEND_TIMEOUT",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"SMS_API_URL", "SMS_API_KEY", "SMS_SENDER",
	"FCM_CREDENTIALS_FILE",
	"AUTH_ISSUER", "AUTH_SIGNING_KEY",
	"OTEL_SERVICE_NAME",
}

// Load reads configuration from the environment and an optional .env file.
// DATABASE_URL and RABBITMQ_URL are required.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8090")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("QUEUE_TYPE", broker.QueueQuorum)
	v.SetDefault("BROKER_DIAL_ATTEMPTS", 5)
	v.SetDefault("CONSUMER_PREFETCH", 16)
	v.SetDefault("CONSUMER_WORKERS", 4)
	v.SetDefault("MAX_DELIVERIES", 5)
	v.SetDefault("SHUTDOWN_GRACE", "15s")
	v.SetDefault("CONTACT_CACHE_TTL", "10m")
	v.SetDefault("NOTIFY_CHANNELS", channel.TypeEmail)
	v.SetDefault("SEND_TIMEOUT", "10s")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("OTEL_SERVICE_NAME", "eventpipe")

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.NotifyChannels = splitList(v.GetString("NOTIFY_CHANNELS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RabbitMQURL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings Load cannot: queue type, consumer sizing,
// timeouts, channel names and, outside development, that the query API has a
// signing key.
func (c *Config) Validate() error {
	if c.ConsumerWorkers <= 0 {
		return fmt.Errorf("CONSUMER_WORKERS must be positive, got %d", c.ConsumerWorkers)
	}
	if c.ConsumerPrefetch <= 0 {
		return fmt.Errorf("CONSUMER_PREFETCH must be positive, got %d", c.ConsumerPrefetch)
	}
	if c.QueueType != broker.QueueQuorum && c.QueueType != broker.QueueClassic {
		return fmt.Errorf("QUEUE_TYPE must be %q or %q, got %q", broker.QueueQuorum, broker.QueueClassic, c.QueueType)
	}
	if c.MaxDeliveries < 0 {
		return fmt.Errorf("MAX_DELIVERIES must not be negative, got %d", c.MaxDeliveries)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive, got %s", c.SendTimeout)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("SHUTDOWN_GRACE must be positive, got %s", c.ShutdownGrace)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	for _, name := range c.NotifyChannels {
		if !knownChannel(name) {
			return fmt.Errorf("NOTIFY_CHANNELS: unknown channel %q", name)
		}
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	return nil
}

func knownChannel(name string) bool {
	for _, t := range []string{channel.TypeEmail, channel.TypeSMS, channel.TypePush} {
		if strings.EqualFold(name, t) {
			return true
		}
	}
	return false
}
