package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// customerRepositoryInMemory хранит клиентов в памяти с тем же уникальным индексом по документу, что и postgres.
type customerRepositoryInMemory struct {
	mu         sync.RWMutex
	items      map[string]domain.Customer
	byDocument map[domain.DocumentKey]string
}

// NewCustomerRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewCustomerRepository() domain.CustomerRepository {
	return &customerRepositoryInMemory{
		items:      make(map[string]domain.Customer),
		byDocument: make(map[domain.DocumentKey]string),
	}
}

func (r *customerRepositoryInMemory) Get(ctx context.Context, id string) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, domain.StorageFailure("customers.get", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	customer, ok := r.items[id]
	if !ok {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	return cloneCustomer(customer), nil
}

func (r *customerRepositoryInMemory) GetByDocument(ctx context.Context, key domain.DocumentKey) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, domain.StorageFailure("customers.get_by_document", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byDocument[key]
	if !ok {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	return cloneCustomer(r.items[id]), nil
}

// Create сохраняет клиента; при занятом ключе документа возвращает ErrCustomerAlreadyExists.
func (r *customerRepositoryInMemory) Create(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, domain.StorageFailure("customers.create", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[customer.ID]; exists {
		return domain.Customer{}, domain.ErrCustomerAlreadyExists
	}
	key, hasKey := customer.Key()
	if hasKey {
		if _, taken := r.byDocument[key]; taken {
			return domain.Customer{}, domain.ErrCustomerAlreadyExists
		}
		r.byDocument[key] = customer.ID
	}
	r.items[customer.ID] = cloneCustomer(customer)
	return cloneCustomer(customer), nil
}

// Update применяет патч под блокировкой, поэтому конкурентные патчи не теряют поля друг друга.
func (r *customerRepositoryInMemory) Update(ctx context.Context, id string, contact domain.CustomerContact, at time.Time) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, domain.StorageFailure("customers.update", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	updated := current.Apply(contact, at)
	r.items[id] = cloneCustomer(updated)
	return cloneCustomer(updated), nil
}

// Delete удаляет клиента. Ядро его не вызывает; используется для воспроизведения гонок в тестах.
func (r *customerRepositoryInMemory) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	customer, ok := r.items[id]
	if !ok {
		return
	}
	if key, hasKey := customer.Key(); hasKey {
		delete(r.byDocument, key)
	}
	delete(r.items, id)
}

func cloneCustomer(src domain.Customer) domain.Customer {
	dst := src
	dst.DocumentType = cloneString(src.DocumentType)
	dst.DocumentNumber = cloneString(src.DocumentNumber)
	dst.FullName = cloneString(src.FullName)
	dst.Email = cloneString(src.Email)
	dst.Phone = cloneString(src.Phone)
	dst.Address = domain.Address{
		Street:     cloneString(src.Address.Street),
		Number:     cloneString(src.Address.Number),
		Apartment:  cloneString(src.Address.Apartment),
		City:       cloneString(src.Address.City),
		Region:     cloneString(src.Address.Region),
		PostalCode: cloneString(src.Address.PostalCode),
		Country:    cloneString(src.Address.Country),
		Office:     cloneString(src.Address.Office),
	}
	return dst
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var _ domain.CustomerRepository = (*customerRepositoryInMemory)(nil)
