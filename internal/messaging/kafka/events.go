package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Topics для Kafka
const (
	TopicPaymentEvents      = "checkout.payment.events"
	TopicPaymentEventsDLQ   = "checkout.payment.events.dlq"
	TopicGatewayResults     = "checkout.gateway.results"
	TopicGatewayResultsDLQ  = "checkout.gateway.results.dlq"
	DefaultGatewayGroupID   = "checkout-gateway-results"
	defaultConsumerMaxRetry = 3
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// GatewayOutcome: итог операции на стороне платёжного шлюза.
type GatewayOutcome string

const (
	GatewayOutcomeApproved  GatewayOutcome = "approved"
	GatewayOutcomeDeclined  GatewayOutcome = "declined"
	GatewayOutcomeCancelled GatewayOutcome = "cancelled"
)

// GatewayResult: уведомление шлюза о результате оплаты.
type GatewayResult struct {
	PaymentID         string         `json:"payment_id"`
	Outcome           GatewayOutcome `json:"outcome"`
	TransactionID     string         `json:"transaction_id,omitempty"`
	AuthorizationCode string         `json:"authorization_code,omitempty"`
	CardLastFour      string         `json:"card_last_four,omitempty"`
	Reason            string         `json:"reason,omitempty"`
}

// Validate проверяет обязательные поля результата.
func (r GatewayResult) Validate() error {
	if strings.TrimSpace(r.PaymentID) == "" {
		return domain.ErrPaymentIDRequired
	}
	switch r.Outcome {
	case GatewayOutcomeApproved:
		if strings.TrimSpace(r.TransactionID) == "" {
			return domain.ErrTransactionIDRequired
		}
	case GatewayOutcomeDeclined, GatewayOutcomeCancelled:
	default:
		return fmt.Errorf("%w: unknown gateway outcome %q", domain.ErrValidation, r.Outcome)
	}
	return nil
}

// Confirmation переводит одобренный результат в подтверждение платежа.
func (r GatewayResult) Confirmation() domain.Confirmation {
	c := domain.Confirmation{TransactionID: strings.TrimSpace(r.TransactionID)}
	if r.AuthorizationCode != "" {
		c.AuthorizationCode = domain.Set(r.AuthorizationCode)
	}
	if r.CardLastFour != "" {
		c.CardLastFourDigits = domain.Set(r.CardLastFour)
	}
	return c
}

// ParseGatewayResult парсит GatewayResult из сообщения.
// Ошибка разбора относится к ErrValidation: повтор не поможет.
func ParseGatewayResult(message *sarama.ConsumerMessage) (GatewayResult, error) {
	var result GatewayResult
	if message == nil {
		return result, fmt.Errorf("%w: empty message", domain.ErrValidation)
	}
	if err := json.Unmarshal(message.Value, &result); err != nil {
		return result, fmt.Errorf("%w: failed to unmarshal gateway result: %v", domain.ErrValidation, err)
	}
	result.Outcome = GatewayOutcome(strings.ToLower(strings.TrimSpace(string(result.Outcome))))
	if err := result.Validate(); err != nil {
		return result, err
	}
	return result, nil
}

// ConsumerDLQMessage: запись в DLQ для сообщения, которое consumer не смог обработать.
type ConsumerDLQMessage struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// OutboxEnvelope: формат события платежа в топике.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}
