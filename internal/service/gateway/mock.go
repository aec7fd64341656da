// Package gateway содержит заглушку платёжного шлюза для локального запуска и тестов.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// MockGateway: конфигурируемая заглушка PaymentGateway.
type MockGateway struct {
	mu sync.Mutex

	// BaseURL: адрес страницы оплаты, к которому добавляется токен.
	BaseURL string
	Err     error

	Calls    int
	Payments []string
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{BaseURL: "https://webpay.mock/pay"}
}

// CreateTransaction возвращает токен, производный от ID платежа, и считает вызовы.
func (m *MockGateway) CreateTransaction(ctx context.Context, payment domain.Payment) (domain.GatewaySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	m.Payments = append(m.Payments, payment.ID)
	if m.Err != nil {
		return domain.GatewaySession{}, m.Err
	}
	if err := ctx.Err(); err != nil {
		return domain.GatewaySession{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	token := "tok-" + payment.ID
	return domain.GatewaySession{
		Token:       token,
		RedirectURL: fmt.Sprintf("%s?token_ws=%s", m.BaseURL, token),
	}, nil
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
