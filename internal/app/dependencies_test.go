package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/payment"
)

func TestNewServices_Wiring(t *testing.T) {
	deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), log.WithField("test", "services"))
	require.NoError(t, err)

	services := newServices(deps, prometheus.NewRegistry(), nil)
	require.NotNil(t, services.Customers)
	require.NotNil(t, services.Payments)
	require.NotNil(t, services.Checkout)
	require.NotNil(t, services.Gateway)
	require.NotNil(t, services.Metrics)

	ctx := context.Background()
	p, err := services.Payments.Initiate(ctx, payment.InitiateRequest{
		CartID:         "cart-1",
		OrganizationID: "org-1",
		Type:           domain.PaymentTypeWebpay,
		Amount:         decimal.RequireFromString("49.90"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)

	_, err = services.Payments.Confirm(ctx, p.ID, domain.Confirmation{TransactionID: "tx-1"})
	require.NoError(t, err)

	pending, err := deps.outboxRepo.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "completion is published through the shared outbox")
	assert.Equal(t, p.ID, pending[0].AggregateID)
}

func TestNewServices_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	for range 2 {
		deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), log.WithField("test", "services"))
		require.NoError(t, err)
		assert.NotPanics(t, func() { newServices(deps, reg, nil) })
	}
}
