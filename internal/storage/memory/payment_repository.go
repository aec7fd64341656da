package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// paymentRepositoryInMemory: in-memory реализация PaymentRepository.
// Запись платежа и постановка событий в outbox выполняются под одной блокировкой.
type paymentRepositoryInMemory struct {
	mu     sync.RWMutex
	items  map[string]domain.Payment
	active map[string]string // cart_id -> payment_id незавершённого платежа
	outbox domain.OutboxRepository
}

// NewPaymentRepository возвращает in-memory репозиторий платежей, пишущий события в outbox.
func NewPaymentRepository(outbox domain.OutboxRepository) domain.PaymentRepository {
	return &paymentRepositoryInMemory{
		items:  make(map[string]domain.Payment),
		active: make(map[string]string),
		outbox: outbox,
	}
}

func (r *paymentRepositoryInMemory) Get(ctx context.Context, id string) (domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Payment{}, domain.StorageFailure("payments.get", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	payment, ok := r.items[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return payment.Clone(), nil
}

func (r *paymentRepositoryInMemory) FindActiveByCart(ctx context.Context, cartID string) (domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Payment{}, domain.StorageFailure("payments.find_active", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[cartID]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return r.items[id].Clone(), nil
}

// ListByCart возвращает платежи корзины от старых к новым.
func (r *paymentRepositoryInMemory) ListByCart(ctx context.Context, cartID string) ([]domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StorageFailure("payments.list_by_cart", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Payment, 0)
	for _, payment := range r.items {
		if payment.CartID != cartID {
			continue
		}
		result = append(result, payment.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// Create сохраняет новый платёж, если у корзины нет незавершённого.
func (r *paymentRepositoryInMemory) Create(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Payment{}, domain.StorageFailure("payments.create", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[payment.ID]; exists {
		return domain.Payment{}, domain.ErrPaymentVersionConflict
	}
	if !payment.Status.IsTerminal() {
		if _, busy := r.active[payment.CartID]; busy {
			return domain.Payment{}, domain.ErrActivePaymentExists
		}
		r.active[payment.CartID] = payment.ID
	}
	if payment.Version == 0 {
		payment.Version = 1
	}
	r.items[payment.ID] = payment.Clone()
	return payment.Clone(), nil
}

// Save перезаписывает платёж, проверяя версию (optimistic locking).
func (r *paymentRepositoryInMemory) Save(ctx context.Context, payment domain.Payment, events ...domain.OutboxMessage) (domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Payment{}, domain.StorageFailure("payments.save", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[payment.ID]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	if current.Version != payment.Version {
		return domain.Payment{}, domain.ErrPaymentVersionConflict
	}
	if len(events) > 0 && r.outbox == nil {
		return domain.Payment{}, domain.StorageFailure("payments.save", domain.ErrOutboxPublish)
	}

	// Сначала outbox: при ошибке платёж не меняется.
	for _, event := range events {
		if _, err := r.outbox.Enqueue(event); err != nil {
			return domain.Payment{}, domain.StorageFailure("payments.save.outbox", err)
		}
	}

	payment.Version++
	r.items[payment.ID] = payment.Clone()
	if payment.Status.IsTerminal() && r.active[payment.CartID] == payment.ID {
		delete(r.active, payment.CartID)
	}
	return payment.Clone(), nil
}

var _ domain.PaymentRepository = (*paymentRepositoryInMemory)(nil)
