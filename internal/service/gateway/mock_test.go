package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestMockGateway(t *testing.T) {
	mock := NewMockGateway()
	if mock == nil {
		t.Fatal("expected non-nil mock")
	}

	session, err := mock.CreateTransaction(context.Background(), domain.Payment{ID: "pay-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.Token != "tok-pay-1" {
		t.Fatalf("unexpected token: %s", session.Token)
	}
	if session.RedirectURL != "https://webpay.mock/pay?token_ws=tok-pay-1" {
		t.Fatalf("unexpected redirect url: %s", session.RedirectURL)
	}

	mock.Err = errors.New("gateway down")
	if _, err := mock.CreateTransaction(context.Background(), domain.Payment{ID: "pay-2"}); err == nil {
		t.Fatal("expected gateway error")
	}

	if mock.Calls != 2 || len(mock.Payments) != 2 {
		t.Fatalf("unexpected call counters: calls=%d payments=%d", mock.Calls, len(mock.Payments))
	}
}

func TestMockGateway_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMockGateway().CreateTransaction(ctx, domain.Payment{ID: "pay-1"})
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}
