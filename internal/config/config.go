package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port            string
	DatabaseDriver  string
	DatabaseURL     string
	RedisURL        string
	KafkaBrokers    []string
	NatsURL         string
	JaegerEndpoint  string
	CredentialsFile string

	Reconcile  ReconcileConfig
	Timeouts   TimeoutConfig
	Retry      RetryConfig
	TokenCache TokenCacheConfig
}

type ReconcileConfig struct {
	// Window is how long a payment may sit in awaiting_confirmation before the
	// poller asks the provider about it.
	Window      time.Duration
	ExpireAfter time.Duration
	Interval    time.Duration
	BatchSize   int
}

type TimeoutConfig struct {
	Auth   time.Duration
	Charge time.Duration
	Payout time.Duration
}

type RetryConfig struct {
	MaxRetries int
	Interval   time.Duration
}

type TokenCacheConfig struct {
	SafetyMargin time.Duration
	FallbackTTL  time.Duration
}

func Load() *Config {
	return &Config{
		Port:            getEnv("PORT", "8081"),
		DatabaseDriver:  getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        getEnv("REDIS_URL", "localhost:6379"),
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		NatsURL:         os.Getenv("NATS_URL"),
		JaegerEndpoint:  os.Getenv("JAEGER_ENDPOINT"),
		CredentialsFile: getEnv("CREDENTIALS_FILE", "credentials.yaml"),
		Reconcile: ReconcileConfig{
			Window:      getDuration("RECONCILE_WINDOW", 2*time.Minute),
			ExpireAfter: getDuration("RECONCILE_EXPIRE_AFTER", 24*time.Hour),
			Interval:    getDuration("POLL_INTERVAL", 30*time.Second),
			BatchSize:   getInt("POLL_BATCH_SIZE", 50),
		},
		Timeouts: TimeoutConfig{
			Auth:   getDuration("AUTH_TIMEOUT", 10*time.Second),
			Charge: getDuration("CHARGE_TIMEOUT", 15*time.Second),
			Payout: getDuration("PAYOUT_TIMEOUT", 45*time.Second),
		},
		Retry: RetryConfig{
			MaxRetries: getInt("PROVIDER_MAX_RETRIES", 2),
			Interval:   getDuration("PROVIDER_RETRY_INTERVAL", 500*time.Millisecond),
		},
		TokenCache: TokenCacheConfig{
			SafetyMargin: getDuration("TOKEN_SAFETY_MARGIN", 60*time.Second),
			FallbackTTL:  getDuration("TOKEN_FALLBACK_TTL", 50*time.Minute),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
