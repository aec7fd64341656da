// Package customer находит или создаёт клиента организации по документу.
package customer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

// Resolver гарантирует не более одного клиента на (организация, тип документа, номер документа).
type Resolver struct {
	repo    domain.CustomerRepository
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
	now     func() time.Time
	newID   func() string
}

// Option настраивает Resolver.
type Option func(*Resolver)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics задаёт метрики; без них резолвер метрики не пишет.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов.
func WithIDGenerator(newID func() string) Option {
	return func(r *Resolver) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// NewResolver создаёт резолвер клиентов поверх репозитория.
func NewResolver(repo domain.CustomerRepository, options ...Option) *Resolver {
	r := &Resolver{
		repo:   repo,
		logger: log.WithField("component", "customer-resolver"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Resolve возвращает существующего клиента с применёнными контактами или создаёт нового.
//
// При одновременной первой покупке с одним документом проигравший Create получает
// ErrCustomerAlreadyExists и один раз повторяет поиск с обновлением.
func (r *Resolver) Resolve(ctx context.Context, organizationID string, data domain.CustomerData) (domain.Customer, error) {
	customer, outcome, err := r.resolve(ctx, strings.TrimSpace(organizationID), data.Normalize())
	if err != nil {
		r.metrics.RecordResolve(metrics.ResolveError)
		return domain.Customer{}, err
	}
	r.metrics.RecordResolve(outcome)
	r.logger.WithFields(log.Fields{
		"customer_id":     customer.ID,
		"organization_id": customer.OrganizationID,
		"outcome":         outcome,
	}).Debug("customer resolved")
	return customer, nil
}

func (r *Resolver) resolve(ctx context.Context, organizationID string, data domain.CustomerData) (domain.Customer, string, error) {
	if organizationID == "" {
		return domain.Customer{}, "", domain.ErrOrganizationRequired
	}
	if err := data.Validate(); err != nil {
		return domain.Customer{}, "", err
	}

	key, hasIdentity := data.Key(organizationID)
	if hasIdentity {
		customer, found, err := r.lookupAndUpdate(ctx, key, data.Contact)
		if err != nil {
			return domain.Customer{}, "", err
		}
		if found {
			return customer, metrics.ResolveUpdated, nil
		}
	}

	created, err := r.repo.Create(ctx, domain.NewCustomer(r.newID(), organizationID, data, r.now()))
	if err == nil {
		return created, metrics.ResolveCreated, nil
	}
	if !hasIdentity || !errors.Is(err, domain.ErrCustomerAlreadyExists) {
		return domain.Customer{}, "", fmt.Errorf("create customer: %w", err)
	}

	r.logger.WithFields(log.Fields{
		"organization_id": organizationID,
		"document_type":   key.DocumentType,
	}).Info("customer created concurrently, retrying lookup")

	customer, found, err := r.lookupAndUpdate(ctx, key, data.Contact)
	if err != nil {
		return domain.Customer{}, "", err
	}
	if !found {
		return domain.Customer{}, "", fmt.Errorf("resolve customer after concurrent create: %w", domain.ErrCustomerAlreadyExists)
	}
	return customer, metrics.ResolveRaceRecovered, nil
}

// lookupAndUpdate: found=false, если строки нет или она исчезла между чтением и обновлением.
func (r *Resolver) lookupAndUpdate(ctx context.Context, key domain.DocumentKey, contact domain.CustomerContact) (domain.Customer, bool, error) {
	existing, err := r.repo.GetByDocument(ctx, key)
	if errors.Is(err, domain.ErrCustomerNotFound) {
		return domain.Customer{}, false, nil
	}
	if err != nil {
		return domain.Customer{}, false, fmt.Errorf("lookup customer: %w", err)
	}
	if contact.Empty() {
		return existing, true, nil
	}

	updated, err := r.repo.Update(ctx, existing.ID, contact, r.now())
	if errors.Is(err, domain.ErrCustomerNotFound) {
		r.logger.WithField("customer_id", existing.ID).Warn("customer disappeared before update, creating a new one")
		return domain.Customer{}, false, nil
	}
	if err != nil {
		return domain.Customer{}, false, fmt.Errorf("update customer: %w", err)
	}
	return updated, true, nil
}
