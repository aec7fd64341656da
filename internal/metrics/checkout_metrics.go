package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы разрешения клиента.
const (
	ResolveCreated       = "created"
	ResolveUpdated       = "updated"
	ResolveRaceRecovered = "race_recovered"
	ResolveError         = "error"
)

// CheckoutMetrics содержит метрики ядра checkout: клиенты и жизненный цикл платежей.
type CheckoutMetrics struct {
	resolveOutcomes   *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	versionConflicts  *prometheus.CounterVec
	idempotentReplays *prometheus.CounterVec
	terminalEvents    *prometheus.CounterVec
	timelineEvents    prometheus.Counter
}

// NewCheckoutMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		resolveOutcomes: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_customer_resolve_total",
			Help: "Total number of customer identity resolutions grouped by outcome",
		}, []string{"outcome"})),
		transitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_payment_transitions_total",
			Help: "Total number of payment status transitions",
		}, []string{"from", "to"})),
		operationDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkout_payment_operation_duration_seconds",
			Help:    "Duration of payment lifecycle operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation", "result"})),
		versionConflicts: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_payment_version_conflicts_total",
			Help: "Optimistic concurrency conflicts grouped by whether the retry succeeded",
		}, []string{"result"})),
		idempotentReplays: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_payment_idempotent_replays_total",
			Help: "Operations that found the payment already in the requested state",
		}, []string{"operation"})),
		terminalEvents: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_payment_events_total",
			Help: "Domain events enqueued to the outbox",
		}, []string{"event_type"})),
		timelineEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkout_timeline_events_total",
			Help: "Total number of payment timeline entries recorded",
		})),
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", alreadyRegistered.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// RecordResolve увеличивает счётчик исходов разрешения клиента.
func (m *CheckoutMetrics) RecordResolve(outcome string) {
	if m == nil {
		return
	}
	m.resolveOutcomes.WithLabelValues(outcome).Inc()
}

// RecordTransition фиксирует смену статуса платежа.
func (m *CheckoutMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordOperation записывает длительность операции и её результат.
func (m *CheckoutMetrics) RecordOperation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// RecordVersionConflict фиксирует конфликт версий; recovered=true, если повторное чтение и запись прошли успешно.
func (m *CheckoutMetrics) RecordVersionConflict(recovered bool) {
	if m == nil {
		return
	}
	result := "surfaced"
	if recovered {
		result = "recovered"
	}
	m.versionConflicts.WithLabelValues(result).Inc()
}

// RecordIdempotentReplay фиксирует повторный вызов, не изменивший платёж.
func (m *CheckoutMetrics) RecordIdempotentReplay(operation string) {
	if m == nil {
		return
	}
	m.idempotentReplays.WithLabelValues(operation).Inc()
}

// RecordEvent увеличивает счётчик доменных событий.
func (m *CheckoutMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.terminalEvents.WithLabelValues(eventType).Inc()
}

// RecordTimelineEvent увеличивает счётчик записей истории.
func (m *CheckoutMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// ResolveOutcomes возвращает счётчик исходов разрешения клиента.
func (m *CheckoutMetrics) ResolveOutcomes() *prometheus.CounterVec {
	return m.resolveOutcomes
}
