package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port        string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	AutoMigrate bool
	GinMode     string
	LogLevel    string

	// StoreDriver selects "postgres" or "memory".
	StoreDriver string
	RedisURL    string
	JWTSecret   string

	BookingServiceURL      string
	NotificationServiceURL string
	WebhookBaseURL         string
	SquareBaseURL          string
	PayPalBaseURL          string
	PlatformStripeKey      string
	FeeSchedulePath        string

	ProcessorTimeout        time.Duration
	HealthCheckInterval     time.Duration
	HealthFailureLimit      int
	SyncInterval            time.Duration
	SyncConcurrency         int
	CollectionInterval      time.Duration
	ConfigCacheTTL          time.Duration
	MaxCollectionAttempts   int
	MaxCollectionRecoveries int
	MinCollectionAmount     int64
	CollectionGrace         time.Duration
	MaterialityThreshold    decimal.Decimal
	WebhookTolerance        time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "payments"),
		DBPassword:  getEnv("DB_PASSWORD", "payments_secret"),
		DBName:      getEnv("DB_NAME", "payments"),
		DBSSLMode:   getEnv("DB_SSLMODE", "disable"),
		AutoMigrate: getEnv("AUTO_MIGRATE", "false") == "true",
		GinMode:     getEnv("GIN_MODE", "debug"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
		RedisURL:    getEnv("REDIS_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		BookingServiceURL:      getEnv("BOOKING_SERVICE_URL", "http://localhost:8001"),
		NotificationServiceURL: getEnv("NOTIFICATION_SERVICE_URL", ""),
		WebhookBaseURL:         getEnv("WEBHOOK_BASE_URL", "http://localhost:8080/api/v1/webhooks"),
		SquareBaseURL:          getEnv("SQUARE_BASE_URL", "https://connect.squareup.com"),
		PayPalBaseURL:          getEnv("PAYPAL_BASE_URL", "https://api-m.paypal.com"),
		PlatformStripeKey:      getEnv("PLATFORM_STRIPE_KEY", ""),
		FeeSchedulePath:        getEnv("FEE_SCHEDULE_PATH", "configs/fee-schedule.yaml"),

		ProcessorTimeout:        getEnvDuration("PROCESSOR_TIMEOUT", 10*time.Second),
		HealthCheckInterval:     getEnvDuration("HEALTH_CHECK_INTERVAL", 5*time.Minute),
		HealthFailureLimit:      getEnvInt("HEALTH_FAILURE_LIMIT", 3),
		SyncInterval:            getEnvDuration("SYNC_INTERVAL", 15*time.Minute),
		SyncConcurrency:         getEnvInt("SYNC_CONCURRENCY", 4),
		CollectionInterval:      getEnvDuration("COLLECTION_INTERVAL", time.Hour),
		ConfigCacheTTL:          getEnvDuration("CONFIG_CACHE_TTL", 60*time.Second),
		MaxCollectionAttempts:   getEnvInt("MAX_COLLECTION_ATTEMPTS", 3),
		MaxCollectionRecoveries: getEnvInt("MAX_COLLECTION_RECOVERIES", 5),
		MinCollectionAmount:     int64(getEnvInt("MIN_COLLECTION_AMOUNT", 100)),
		CollectionGrace:         getEnvDuration("COLLECTION_GRACE", 0),
		MaterialityThreshold:    getEnvDecimal("MATERIALITY_THRESHOLD", decimal.RequireFromString("0.05")),
		WebhookTolerance:        getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
	}
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return fallback
}
