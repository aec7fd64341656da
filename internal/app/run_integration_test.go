package app

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
)

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"

	err := Run(context.Background(), cfg)
	require.ErrorContains(t, err, "unsupported storage driver")
}

func TestRun_GRPCListenError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "256.0.0.1:bad"
	cfg.MetricsAddr = "127.0.0.1:0"

	err := Run(context.Background(), cfg)
	require.ErrorContains(t, err, "listen grpc")
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := postgresTestDSNCandidate()
	if dsn == "" {
		t.Skip("CHECKOUT_POSTGRES_TEST_DSN is not set")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer func() { _ = deps.close() }()

	assert.NotNil(t, deps.customerRepo)
	assert.NotNil(t, deps.paymentRepo)
	assert.NotNil(t, deps.outboxRepo)
	assert.NotNil(t, deps.idempotencyRepo)
	require.Contains(t, deps.checkers, "postgres")

	check := deps.checkers["postgres"].Check(context.Background())
	assert.Equal(t, healthcheck.StatusHealthy, check.Status)
	assert.True(t, check.Critical)
}

func TestShutdownWorkers(t *testing.T) {
	logger := log.WithField("test", "shutdown")

	t.Run("waits for workers", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		stopped := false
		startWorker(&wg, func() {
			<-ctx.Done()
			stopped = true
		})

		shutdownWorkers(cancel, &wg, time.Second, logger)
		assert.True(t, stopped)
	})

	t.Run("gives up after timeout", func(t *testing.T) {
		var wg sync.WaitGroup
		block := make(chan struct{})
		defer close(block)
		startWorker(&wg, func() { <-block })

		start := time.Now()
		shutdownWorkers(nil, &wg, 50*time.Millisecond, logger)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("nil wait group", func(_ *testing.T) {
		shutdownWorkers(nil, nil, time.Millisecond, logger)
	})
}

func TestCloseKafkaProducer_NonNil(t *testing.T) {
	producer, err := kafka.NewProducer([]string{"localhost:9092"})
	if err != nil {
		t.Skipf("kafka is not available for integration test: %v", err)
	}
	closeKafkaProducer(producer, log.WithField("test", "kafka-close"))
}

func postgresTestDSNCandidate() string {
	return strings.TrimSpace(os.Getenv("CHECKOUT_POSTGRES_TEST_DSN"))
}
