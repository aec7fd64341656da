package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
	"github.com/vladislavdragonenkov/checkout/internal/storage/objectstore"
	"github.com/vladislavdragonenkov/checkout/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

// runtimeDependencies: хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	customerRepo    domain.CustomerRepository
	paymentRepo     domain.PaymentRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	// expiredKeys: nil, если хранилище ключей само удаляет их по TTL (redis).
	expiredKeys idempotency.ExpiredKeyPurger
	proofs      domain.ProofStorage
	checkers    map[string]healthcheck.Checker
	closers     []func() error
}

func (d *runtimeDependencies) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилища. При ошибке уже открытые подключения закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *runtimeDependencies, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps = &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}
	defer func() {
		if err != nil {
			_ = deps.close()
			deps = nil
		}
	}()

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		outbox := memory.NewOutboxRepository()
		deps.customerRepo = memory.NewCustomerRepository()
		deps.paymentRepo = memory.NewPaymentRepository(outbox)
		deps.outboxRepo = outbox
		deps.timelineRepo = memory.NewTimelineRepository()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if err := initPostgres(ctx, cfg, deps, logger); err != nil {
			return nil, err
		}
	}
	deps.expiredKeys = deps.idempotencyRepo

	if cfg.IdempotencyDriver == IdempotencyDriverRedis {
		client, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		deps.closers = append(deps.closers, client.Close)
		deps.idempotencyRepo = redisstore.NewIdempotencyRepository(client)
		deps.expiredKeys = nil
		deps.checkers["redis"] = healthcheck.NewCriticalChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		logger.WithField("addr", cfg.RedisAddr).Info("using redis for idempotency keys")
	}

	if cfg.ProofBucket != "" {
		proofs, err := objectstore.NewS3ProofStorage(ctx, objectstore.Config{
			Bucket:        cfg.ProofBucket,
			Region:        cfg.ProofRegion,
			Endpoint:      cfg.ProofEndpoint,
			PublicBaseURL: cfg.ProofPublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("init proof storage: %w", err)
		}
		deps.proofs = proofs
		logger.WithField("bucket", cfg.ProofBucket).Info("payment proofs stored in s3")
	}

	return deps, nil
}

func initPostgres(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	deps.closers = append(deps.closers, store.Close)

	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("apply postgres migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	} else {
		state, err := store.MigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("check postgres schema: %w", err)
		}
		if len(state.Pending) > 0 {
			return fmt.Errorf("postgres schema is behind: pending migrations %v (run cmd/migrate up)", state.Pending)
		}
	}

	deps.customerRepo = postgres.NewCustomerRepository(store)
	deps.paymentRepo = postgres.NewPaymentRepository(store)
	deps.outboxRepo = postgres.NewOutboxRepository(store)
	deps.timelineRepo = postgres.NewTimelineRepository(store)
	deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
	deps.checkers["postgres"] = healthcheck.NewCriticalChecker("postgres", store.Ping)
	logger.Info("using postgres storage")
	return nil
}
