package domain

import (
	"context"
	"io"
	"time"
)

// CustomerRepository описывает требования к хранилищу клиентов.
type CustomerRepository interface {
	// Get возвращает клиента по идентификатору или ErrCustomerNotFound.
	Get(ctx context.Context, id string) (Customer, error)
	// GetByDocument ищет клиента по уникальному ключу документа или возвращает ErrCustomerNotFound.
	GetByDocument(ctx context.Context, key DocumentKey) (Customer, error)
	// Create сохраняет нового клиента; ErrCustomerAlreadyExists при нарушении уникальности документа.
	Create(ctx context.Context, customer Customer) (Customer, error)
	// Update атомарно применяет патч контактов. ErrCustomerNotFound, если строка исчезла.
	Update(ctx context.Context, id string, contact CustomerContact, at time.Time) (Customer, error)
}

// PaymentRepository описывает требования к хранилищу платежей.
type PaymentRepository interface {
	// Get возвращает платёж по идентификатору или ErrPaymentNotFound.
	Get(ctx context.Context, id string) (Payment, error)
	// FindActiveByCart возвращает незавершённый платёж корзины или ErrPaymentNotFound.
	FindActiveByCart(ctx context.Context, cartID string) (Payment, error)
	// ListByCart возвращает все платежи корзины от старых к новым.
	ListByCart(ctx context.Context, cartID string) ([]Payment, error)
	// Create сохраняет новый платёж; ErrActivePaymentExists, если у корзины уже есть активный.
	Create(ctx context.Context, payment Payment) (Payment, error)
	// Save записывает платёж, если версия в хранилище совпадает с payment.Version,
	// и в той же атомарной операции ставит events в outbox. Возвращает запись с новой версией.
	Save(ctx context.Context, payment Payment, events ...OutboxMessage) (Payment, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит историю статусов платежа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(paymentID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, response []byte) error
	MarkFailed(key string, response []byte) error
	// Delete освобождает ключ, чтобы клиент мог повторить запрос после временного сбоя.
	Delete(key string) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// GatewaySession: сессия редиректа на платёжный шлюз.
type GatewaySession struct {
	Token       string
	RedirectURL string
}

// PaymentGateway: узкий порт к внешнему шлюзу (webpay).
type PaymentGateway interface {
	// CreateTransaction открывает сессию оплаты и возвращает адрес редиректа.
	CreateTransaction(ctx context.Context, payment Payment) (GatewaySession, error)
}

// ProofStorage сохраняет изображения подтверждений оплаты и возвращает их URL.
type ProofStorage interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
