package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/checkout/internal/app"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

const (
	envConfigFile                  = "CHECKOUT_CONFIG_FILE"
	envLogLevel                    = "CHECKOUT_LOG_LEVEL"
	envGRPCAddr                    = "CHECKOUT_GRPC_ADDR"
	envMetricsAddr                 = "CHECKOUT_METRICS_ADDR"
	envStorageDriver               = "CHECKOUT_STORAGE_DRIVER"
	envPostgresDSN                 = "CHECKOUT_POSTGRES_DSN"
	envPostgresAutoMigrate         = "CHECKOUT_POSTGRES_AUTO_MIGRATE"
	envIdempotencyDriver           = "CHECKOUT_IDEMPOTENCY_DRIVER"
	envRedisAddr                   = "CHECKOUT_REDIS_ADDR"
	envRedisPassword               = "CHECKOUT_REDIS_PASSWORD"
	envRedisDB                     = "CHECKOUT_REDIS_DB"
	envProofBucket                 = "CHECKOUT_PROOF_BUCKET"
	envProofRegion                 = "CHECKOUT_PROOF_REGION"
	envProofEndpoint               = "CHECKOUT_PROOF_ENDPOINT"
	envProofPublicBaseURL          = "CHECKOUT_PROOF_PUBLIC_BASE_URL"
	envKafkaBrokers                = "KAFKA_BROKERS"
	envGatewayGroupID              = "CHECKOUT_GATEWAY_GROUP_ID"
	envGatewayMaxRetries           = "CHECKOUT_GATEWAY_MAX_RETRIES"
	envOutboxPollInterval          = "CHECKOUT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "CHECKOUT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "CHECKOUT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "CHECKOUT_OUTBOX_RETRY_DELAY"
	envIdempotencyCleanupInterval  = "CHECKOUT_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "CHECKOUT_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envShutdownTimeout             = "CHECKOUT_SHUTDOWN_TIMEOUT"

	defaultConfigFile = "checkout.env"
)

// envLookup возвращает значение параметра и признак того, что он задан.
type envLookup func(key string) (string, bool)

// newViperLookup читает переменные окружения и, если файл существует, env-файл конфигурации.
// Переменные окружения имеют приоритет над файлом.
func newViperLookup(configFile string) (envLookup, error) {
	v := viper.New()
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file %s: %w", configFile, err)
			}
		}
	}

	return func(key string) (string, bool) {
		if !v.IsSet(key) {
			return "", false
		}
		return v.GetString(key), true
	}, nil
}

// readConfigFromEnv накладывает заданные параметры на app.DefaultConfig.
// Некорректное значение не роняет сервис: остаётся значение по умолчанию, а в warnings попадает описание.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key, raw string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, raw, err))
	}

	str := func(key string, dst *string) {
		if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
			*dst = strings.TrimSpace(raw)
		}
	}
	lower := func(key string, dst *string) {
		str(key, dst)
		*dst = strings.ToLower(*dst)
	}
	boolean := func(key string, dst *bool) {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, err := parseBool(raw)
		if err != nil {
			warn(key, raw, err)
			return
		}
		*dst = v
	}
	integer := func(key string, dst *int, allowZero bool) {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		switch {
		case err != nil:
			warn(key, raw, err)
		case v < 0 || (v == 0 && !allowZero):
			warn(key, raw, errors.New("must be positive"))
		default:
			*dst = v
		}
	}
	duration := func(key string, dst *time.Duration, allowZero bool) {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, err := time.ParseDuration(strings.TrimSpace(raw))
		switch {
		case err != nil:
			warn(key, raw, err)
		case v < 0 || (v == 0 && !allowZero):
			warn(key, raw, errors.New("must be positive"))
		default:
			*dst = v
		}
	}

	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)
	lower(envStorageDriver, &cfg.StorageDriver)
	str(envPostgresDSN, &cfg.PostgresDSN)
	boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	lower(envIdempotencyDriver, &cfg.IdempotencyDriver)
	str(envRedisAddr, &cfg.RedisAddr)
	str(envRedisPassword, &cfg.RedisPassword)
	integer(envRedisDB, &cfg.RedisDB, true)
	str(envProofBucket, &cfg.ProofBucket)
	str(envProofRegion, &cfg.ProofRegion)
	str(envProofEndpoint, &cfg.ProofEndpoint)
	str(envProofPublicBaseURL, &cfg.ProofPublicBaseURL)
	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envGatewayGroupID, &cfg.GatewayGroupID)
	integer(envGatewayMaxRetries, &cfg.GatewayMaxRetries, false)
	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, false)
	integer(envOutboxBatchSize, &cfg.OutboxBatchSize, false)
	integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, false)
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, true)
	duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, false)
	integer(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, false)
	duration(envShutdownTimeout, &cfg.ShutdownTimeout, false)

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	default:
		return false, errors.New("not a boolean")
	}
}

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if raw, ok := lookup(envLogLevel); ok {
		if level, err := log.ParseLevel(strings.TrimSpace(raw)); err == nil {
			log.SetLevel(level)
		} else {
			log.WithError(err).Warn("invalid log level, using info")
		}
	}
}

func main() {
	configFile := defaultConfigFile
	if v, ok := os.LookupEnv(envConfigFile); ok {
		configFile = strings.TrimSpace(v)
	}

	lookup, err := newViperLookup(configFile)
	if err != nil {
		log.WithError(err).Fatal("не удалось прочитать конфигурацию")
	}
	setupLogger(lookup)

	cfg, warnings := readConfigFromEnv(lookup)
	for _, w := range warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":      version.GetVersion(),
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"idempotency":  cfg.IdempotencyDriver,
	}).Info("запускаем checkout-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("checkout-service остановлен")
}
