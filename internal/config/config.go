package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	DBStatsEnabled    bool
	MigrateOnStart    bool

	Redis  RedisConfig
	Stripe StripeConfig

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// EventLockTTL bounds how long one delivery may hold an event id.
	EventLockTTL time.Duration
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// ConnectWebhookSecret verifies deliveries from the Connect endpoint
	// (events raised on connected accounts). Optional.
	ConnectWebhookSecret string
	WebhookTolerance     time.Duration

	CheckoutSuccessURL string
	CheckoutCancelURL  string
	ConnectRefreshURL  string
	ConnectReturnURL   string
	ConnectCountry     string
	DefaultCurrency    string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "herdpay"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  environment,
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "herdpay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "herdpay.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime: getenvDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
		DBStatsEnabled:    getenvBool("DATABASE_STATS_ENABLED", true),
		MigrateOnStart:    getenvBool("MIGRATE_ON_START", true),

		Redis: RedisConfig{
			Addr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:     getenv("REDIS_PASSWORD", ""),
			DB:           getenvInt("REDIS_DB", 0),
			EventLockTTL: getenvDuration("WEBHOOK_EVENT_LOCK_TTL", 30*time.Second),
		},
		Stripe: StripeConfig{
			SecretKey:            strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:        strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			ConnectWebhookSecret: strings.TrimSpace(getenv("STRIPE_CONNECT_WEBHOOK_SECRET", "")),
			WebhookTolerance:     getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			CheckoutSuccessURL:   getenv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/subscription/success"),
			CheckoutCancelURL:    getenv("CHECKOUT_CANCEL_URL", "http://localhost:3000/subscription/cancel"),
			ConnectRefreshURL:    getenv("CONNECT_REFRESH_URL", "http://localhost:3000/payouts/onboarding/refresh"),
			ConnectReturnURL:     getenv("CONNECT_RETURN_URL", "http://localhost:3000/payouts/onboarding/complete"),
			ConnectCountry:       strings.ToUpper(getenv("CONNECT_COUNTRY", "US")),
			DefaultCurrency:      strings.ToLower(getenv("DEFAULT_CURRENCY", "usd")),
		},

		OutboxPollInterval: getenvDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxBatchSize:    getenvInt("OUTBOX_BATCH_SIZE", 50),
		OutboxMaxAttempts:  getenvInt("OUTBOX_MAX_ATTEMPTS", 5),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
