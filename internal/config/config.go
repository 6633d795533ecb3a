// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// BotToken is the Bot API token used by the command surface and broadcasts.
	BotToken string `mapstructure:"BOT_TOKEN"`
	// AdminIDs is a comma-separated list of numeric user ids allowed to run admin commands.
	AdminIDs string `mapstructure:"ADMIN_IDS"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// TelegramAPIID and TelegramAPIHash identify the MTProto application used
	// for secondary user sessions (from my.telegram.org).
	TelegramAPIID   int    `mapstructure:"TG_API_ID"`
	TelegramAPIHash string `mapstructure:"TG_API_HASH"`
	// SessionSealKey is a hex-encoded 32-byte key used to seal stored session
	// credentials at rest. Required when TG_API_ID is set.
	SessionSealKey string `mapstructure:"SESSION_SEAL_KEY"`
	// OTPTTL is the OTP challenge lifetime (e.g. "10m").
	OTPTTL string `mapstructure:"OTP_TTL"`
	// RuleQuota is the maximum number of simultaneously active forwarding rules per user.
	RuleQuota int `mapstructure:"RULE_QUOTA"`
	// BroadcastDelay is the fixed delay between broadcast sends (e.g. "100ms").
	BroadcastDelay string `mapstructure:"BROADCAST_DELAY"`
	// RelayMaxBackoff caps the relay retry backoff interval (e.g. "1m").
	RelayMaxBackoff string `mapstructure:"RELAY_MAX_BACKOFF"`

	// SMSAPIKey is the API key for the SMS provider used for OTP delivery.
	// When empty, OTP codes are delivered in-band through the bot chat.
	SMSAPIKey string `mapstructure:"SMS_API_KEY"`
	// SMSSender is the optional sender ID for the SMS provider.
	SMSSender string `mapstructure:"SMS_SENDER"`
	// SMSBaseURL is the SMS provider API base URL.
	SMSBaseURL string `mapstructure:"SMS_BASE_URL"`

	// OTLPEndpoint enables OTel export when set (e.g. http://localhost:4317).
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export regardless of endpoint scheme.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses.
	// When set, the service emits relay/verification events to Kafka.
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for telemetry events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is the Loki push endpoint used by the telemetry worker.
	LokiURL string `mapstructure:"LOKI_URL"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("BOT_TOKEN", "")
	v.SetDefault("ADMIN_IDS", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("TG_API_ID", 0)
	v.SetDefault("TG_API_HASH", "")
	v.SetDefault("SESSION_SEAL_KEY", "")
	v.SetDefault("OTP_TTL", "10m")
	v.SetDefault("RULE_QUOTA", 10)
	v.SetDefault("BROADCAST_DELAY", "100ms")
	v.SetDefault("RELAY_MAX_BACKOFF", "1m")
	v.SetDefault("SMS_API_KEY", "")
	v.SetDefault("SMS_SENDER", "")
	v.SetDefault("SMS_BASE_URL", "https://www.smslocal.com/dev/bulkV2")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "relay-telemetry")
	v.SetDefault("KAFKA_GROUP_ID", "relay-telemetry-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.RuleQuota <= 0 {
		cfg.RuleQuota = 10
	}
	if cfg.SessionSealKey != "" {
		key, err := hex.DecodeString(cfg.SessionSealKey)
		if err != nil || len(key) != 32 {
			return nil, errors.New("config: SESSION_SEAL_KEY must be 64 hex characters (32 bytes)")
		}
	}
	if cfg.TelegramAPIID != 0 && cfg.SessionSealKey == "" {
		return nil, errors.New("config: SESSION_SEAL_KEY is required when TG_API_ID is set")
	}

	return &cfg, nil
}

// SealKey returns the decoded session seal key, or nil when unset.
// Load validates the encoding, so decoding here cannot fail.
func (c *Config) SealKey() []byte {
	if c.SessionSealKey == "" {
		return nil
	}
	key, _ := hex.DecodeString(c.SessionSealKey)
	return key
}

// OTPLifetime parses OTPTTL as a time.Duration. Returns 10m if unset or invalid.
func (c *Config) OTPLifetime() time.Duration {
	d, err := time.ParseDuration(c.OTPTTL)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// BroadcastInterval parses BroadcastDelay. Returns 100ms if unset or invalid.
func (c *Config) BroadcastInterval() time.Duration {
	d, err := time.ParseDuration(c.BroadcastDelay)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// RelayBackoffCap parses RelayMaxBackoff. Returns 1m if unset or invalid.
func (c *Config) RelayBackoffCap() time.Duration {
	d, err := time.ParseDuration(c.RelayMaxBackoff)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// AdminIDList returns the numeric admin ids from the comma-separated config.
func (c *Config) AdminIDList() []int64 {
	if c == nil || c.AdminIDs == "" {
		return nil
	}
	parts := strings.Split(c.AdminIDs, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id == 0 {
			continue
		}
		out = append(out, id)
	}
	return out
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if telemetry is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
