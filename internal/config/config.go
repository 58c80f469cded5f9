package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName          = "magenta-wallet"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultBroker           = "redis"
	defaultKafkaGroupID     = "wallet-ledger"
	defaultStreamGroup      = "wallet-ledger"
	defaultOutboxPoll       = 500 * time.Millisecond
	defaultOutboxBatch      = 100
	defaultTxMaxAttempts    = 5
	defaultTxRetryDelay     = 10 * time.Millisecond
	defaultCurrencyCacheTTL = 10 * time.Minute
	defaultWithdrawLimit    = 10
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	Broker           string
	KafkaBrokers     []string
	KafkaGroupID     string
	StreamGroup      string
	OutboxPoll       time.Duration
	OutboxBatch      int
	TxMaxAttempts    int
	TxRetryDelay     time.Duration
	CurrencyCacheTTL time.Duration

	// WithdrawRateLimit caps withdrawal requests per player per minute.
	WithdrawRateLimit int
}

// Load reads configuration values from the environment and populates a Config
// instance. A .env file in the working directory, when present, fills in
// variables the environment does not set.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:      getEnv("APP_NAME", defaultAppName),
		AppEnv:       getEnv("APP_ENV", defaultAppEnv),
		Port:         getEnv("PORT", defaultPort),
		LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		Broker:       strings.ToLower(getEnv("BROKER", defaultBroker)),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", defaultKafkaGroupID),
		StreamGroup:  getEnv("REDIS_STREAM_GROUP", defaultStreamGroup),
	}

	var err error
	if cfg.ShutdownPeriod, err = duration("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.OutboxPoll, err = duration("OUTBOX_POLL_INTERVAL", defaultOutboxPoll); err != nil {
		return Config{}, err
	}
	if cfg.TxRetryDelay, err = duration("TX_RETRY_DELAY", defaultTxRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.CurrencyCacheTTL, err = duration("CURRENCY_CACHE_TTL", defaultCurrencyCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.OutboxBatch, err = positiveInt("OUTBOX_BATCH_SIZE", defaultOutboxBatch); err != nil {
		return Config{}, err
	}
	if cfg.TxMaxAttempts, err = positiveInt("TX_MAX_ATTEMPTS", defaultTxMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.WithdrawRateLimit, err = positiveInt("WITHDRAW_RATE_LIMIT", defaultWithdrawLimit); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	switch cfg.Broker {
	case "redis":
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return Config{}, fmt.Errorf("KAFKA_BROKERS must be set when BROKER=kafka")
		}
	default:
		return Config{}, fmt.Errorf("invalid BROKER %q: want kafka or redis", cfg.Broker)
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the service runs in a local environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// duration reads KEY_SECONDS as whole seconds, else KEY as a Go duration.
func duration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func positiveInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
