package domain

import (
	"encoding/json"
	"time"
)

// Типы доменных событий терминальных переходов платежа.
const (
	EventPaymentCompleted = "PaymentCompleted"
	EventPaymentFailed    = "PaymentFailed"
	EventPaymentCancelled = "PaymentCancelled"
)

// AggregatePayment: тип агрегата в outbox.
const AggregatePayment = "payment"

// PaymentEvent: полезная нагрузка события для сервиса исполнения заказов.
// Потребители должны быть идемпотентны по (payment_id, event_type).
type PaymentEvent struct {
	EventType      string    `json:"event_type"`
	PaymentID      string    `json:"payment_id"`
	CartID         string    `json:"cart_id"`
	OrganizationID string    `json:"organization_id"`
	Amount         string    `json:"amount"`
	PaymentType    string    `json:"payment_type"`
	Status         string    `json:"status"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// TerminalEventType возвращает тип события для терминального статуса.
func TerminalEventType(status PaymentStatus) (string, bool) {
	switch status {
	case PaymentStatusCompleted:
		return EventPaymentCompleted, true
	case PaymentStatusFailed:
		return EventPaymentFailed, true
	case PaymentStatusCancelled:
		return EventPaymentCancelled, true
	default:
		return "", false
	}
}

// NewPaymentEvent собирает outbox-сообщение для терминального статуса платежа.
// ok=false, если статус не терминальный.
func NewPaymentEvent(p Payment) (OutboxMessage, bool, error) {
	eventType, ok := TerminalEventType(p.Status)
	if !ok {
		return OutboxMessage{}, false, nil
	}

	event := PaymentEvent{
		EventType:      eventType,
		PaymentID:      p.ID,
		CartID:         p.CartID,
		OrganizationID: p.OrganizationID,
		Amount:         p.Amount.StringFixed(amountScale),
		PaymentType:    string(p.Type),
		Status:         string(p.Status),
		OccurredAt:     p.UpdatedAt.UTC(),
	}
	if p.TransactionID != nil {
		event.TransactionID = *p.TransactionID
	}
	if p.StatusReason != nil {
		event.Reason = *p.StatusReason
	}

	data, err := json.Marshal(event)
	if err != nil {
		return OutboxMessage{}, false, err
	}
	return OutboxMessage{
		AggregateType: AggregatePayment,
		AggregateID:   p.ID,
		EventType:     eventType,
		Payload:       data,
	}, true, nil
}
