package app

import (
	"fmt"
	"strings"
	"time"
)

// Драйверы хранилища платежей и клиентов.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Драйверы хранилища idempotency-ключей. storage использует то же хранилище, что и платежи.
const (
	IdempotencyDriverStorage = "storage"
	IdempotencyDriverRedis   = "redis"
)

// Config описывает настройки запуска checkout-сервиса.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	IdempotencyDriver string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int

	ProofBucket        string
	ProofRegion        string
	ProofEndpoint      string
	ProofPublicBaseURL string

	// KafkaBrokers: список через запятую; пусто отключает публикацию событий и consumer шлюза.
	KafkaBrokers      string
	GatewayGroupID    string
	GatewayMaxRetries int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию для локального запуска на in-memory хранилище.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		IdempotencyDriver:           IdempotencyDriverStorage,
		RedisAddr:                   "localhost:6379",
		ProofRegion:                 "us-east-1",
		GatewayGroupID:              "checkout-gateway-results",
		GatewayMaxRetries:           3,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            50 * time.Millisecond,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		ShutdownTimeout:             5 * time.Second,
	}
}

// Validate проверяет согласованность драйверов и обязательных параметров.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres dsn is required for storage driver %q", c.StorageDriver)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.IdempotencyDriver {
	case "", IdempotencyDriverStorage:
	case IdempotencyDriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("redis addr is required for idempotency driver %q", c.IdempotencyDriver)
		}
	default:
		return fmt.Errorf("unsupported idempotency driver %q", c.IdempotencyDriver)
	}
	return nil
}

// Brokers разбирает KafkaBrokers.
func (c Config) Brokers() []string {
	var brokers []string
	for _, chunk := range strings.Split(c.KafkaBrokers, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
