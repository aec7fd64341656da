package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// PaymentResultApplier: операции жизненного цикла платежа, которые вызывает шлюз.
type PaymentResultApplier interface {
	Confirm(ctx context.Context, id string, confirmation domain.Confirmation) (domain.Payment, error)
	MarkFailed(ctx context.Context, id, reason string) (domain.Payment, error)
	Cancel(ctx context.Context, id, reason string) (domain.Payment, error)
}

// GatewayResultHandler применяет результаты шлюза к платежам.
// Доставка at-least-once безопасна: операции жизненного цикла идемпотентны.
type GatewayResultHandler struct {
	payments PaymentResultApplier
	logger   *log.Entry
	results  *prometheus.CounterVec
}

// NewGatewayResultHandler создаёт обработчик. reg может быть nil.
func NewGatewayResultHandler(payments PaymentResultApplier, reg prometheus.Registerer, logger *log.Entry) *GatewayResultHandler {
	if logger == nil {
		logger = log.WithField("component", "gateway-results")
	}
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_gateway_results_total",
		Help: "Gateway results consumed by outcome and handling result.",
	}, []string{"outcome", "result"})
	if reg != nil {
		if err := reg.Register(results); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					results = existing
				}
			}
		}
	}
	return &GatewayResultHandler{
		payments: payments,
		logger:   logger,
		results:  results,
	}
}

// Handle: MessageHandler для топика результатов шлюза.
func (h *GatewayResultHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	result, err := ParseGatewayResult(message)
	if err != nil {
		h.results.WithLabelValues(string(result.Outcome), "invalid").Inc()
		return err
	}

	entry := h.logger.WithFields(log.Fields{
		"payment_id": result.PaymentID,
		"outcome":    result.Outcome,
	})

	var payment domain.Payment
	switch result.Outcome {
	case GatewayOutcomeApproved:
		payment, err = h.payments.Confirm(ctx, result.PaymentID, result.Confirmation())
	case GatewayOutcomeDeclined:
		payment, err = h.payments.MarkFailed(ctx, result.PaymentID, reasonOr(result.Reason, "declined by gateway"))
	case GatewayOutcomeCancelled:
		payment, err = h.payments.Cancel(ctx, result.PaymentID, reasonOr(result.Reason, "cancelled at gateway"))
	}
	if err != nil {
		h.results.WithLabelValues(string(result.Outcome), domain.ErrorKind(err)).Inc()
		entry.WithError(err).Warn("failed to apply gateway result")
		return err
	}

	h.results.WithLabelValues(string(result.Outcome), "applied").Inc()
	entry.WithField("status", payment.Status).Info("gateway result applied")
	return nil
}

// Retryable сообщает, имеет ли смысл повторять обработку.
// Некорректные сообщения, запрещённые переходы и конфликты подтверждаются без повтора.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.IsVersionConflict(err):
		// повторное чтение увидит свежую версию
		return true
	case domain.IsValidation(err), domain.IsInvalidTransition(err), domain.IsConflict(err):
		return false
	default:
		return true
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
