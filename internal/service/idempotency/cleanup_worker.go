package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

// ExpiredKeyPurger удаляет ключи checkout-запросов с истекшим TTL.
// Реализуется memory, postgres и redis хранилищами idempotency.
type ExpiredKeyPurger interface {
	DeleteExpired(before time.Time, limit int) (int, error)
}

type cleanupMetrics struct {
	runs        *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
}

func newCleanupMetrics(reg prometheus.Registerer) *cleanupMetrics {
	m := &cleanupMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_idempotency_cleanup_runs_total",
			Help: "Checkout idempotency cleanup runs by result.",
		}, []string{"result"}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_idempotency_cleanup_deleted_total",
			Help: "Expired checkout idempotency keys removed.",
		}),
		lastDeleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "checkout_idempotency_cleanup_last_deleted",
			Help: "Keys removed by the last cleanup run.",
		}),
	}
	if reg == nil {
		return m
	}

	m.runs = register(reg, m.runs)
	m.deleted = register(reg, m.deleted)
	m.lastDeleted = register(reg, m.lastDeleted)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// CleanupOptions задает параметры воркера очистки.
type CleanupOptions struct {
	Logger     *log.Entry
	Interval   time.Duration
	BatchSize  int
	Registerer prometheus.Registerer
	Clock      func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithInterval задает паузу между прогонами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize ограничивает число ключей за одно удаление.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.BatchSize = batchSize
	}
}

// WithRegisterer регистрирует метрики воркера в переданном реестре.
func WithRegisterer(reg prometheus.Registerer) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Registerer = reg
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Clock = clock
	}
}

// CleanupWorker периодически вычищает просроченные ключи checkout-запросов,
// чтобы клиент мог повторно использовать ключ после истечения TTL.
type CleanupWorker struct {
	repo      ExpiredKeyPurger
	logger    *log.Entry
	metrics   *cleanupMetrics
	clock     func() time.Time
	interval  time.Duration
	batchSize int
}

// NewCleanupWorker создает воркер очистки.
func NewCleanupWorker(repo ExpiredKeyPurger, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:   defaultCleanupInterval,
		BatchSize:  defaultCleanupBatchSize,
		Registerer: prometheus.DefaultRegisterer,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "checkout-idempotency-cleanup")
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}

	return &CleanupWorker{
		repo:      repo,
		logger:    opts.Logger,
		metrics:   newCleanupMetrics(opts.Registerer),
		clock:     opts.Clock,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}
}

// Run чистит ключи сразу и затем по таймеру, пока ctx не отменен.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup disabled: no repository")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один прогон очистки относительно текущего времени.
func (w *CleanupWorker) RunOnce(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.clock())
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.metrics.runs.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup run failed")
		return
	}

	w.metrics.runs.WithLabelValues("ok").Inc()
	w.metrics.lastDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
	}
}

// DeleteExpired удаляет порциями все ключи с TTL не позже before.
// Возвращает число удаленных ключей даже при ошибке на середине.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.clock()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := w.repo.DeleteExpired(before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += n
		w.metrics.deleted.Add(float64(n))

		if n < w.batchSize {
			return total, nil
		}
	}
}
