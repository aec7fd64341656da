package app

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout/internal/service/customer"
	"github.com/vladislavdragonenkov/checkout/internal/service/gateway"
	"github.com/vladislavdragonenkov/checkout/internal/service/payment"
)

// Services: доменные сервисы поверх выбранных хранилищ.
// API-слой (gRPC/HTTP handlers) получает их отсюда.
type Services struct {
	Customers *customer.Resolver
	Payments  *payment.Lifecycle
	Checkout  *checkout.Service
	Gateway   *gateway.MockGateway
	Metrics   *metrics.CheckoutMetrics
}

// newServices собирает сервисы. Реальная интеграция с webpay подключается вместо MockGateway.
func newServices(deps *runtimeDependencies, reg prometheus.Registerer, logger *log.Entry) *Services {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	m := metrics.NewCheckoutMetricsWithRegisterer(reg)
	gw := gateway.NewMockGateway()

	resolver := customer.NewResolver(deps.customerRepo,
		customer.WithLogger(logger.WithField("component", "customer-resolver")),
		customer.WithMetrics(m),
	)
	lifecycle := payment.NewLifecycle(deps.paymentRepo,
		payment.WithLogger(logger.WithField("component", "payment-lifecycle")),
		payment.WithMetrics(m),
		payment.WithTimeline(deps.timelineRepo),
		payment.WithGateway(gw),
	)
	checkoutSvc := checkout.NewService(resolver, lifecycle, deps.idempotencyRepo, deps.proofs,
		logger.WithField("component", "checkout"))

	return &Services{
		Customers: resolver,
		Payments:  lifecycle,
		Checkout:  checkoutSvc,
		Gateway:   gw,
		Metrics:   m,
	}
}
