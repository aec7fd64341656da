package app

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если brokers не пустой.
// Возвращает nil, nil для пустого списка: сервис работает без брокера, события копятся в outbox.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// initGatewayConsumer подписывается на результаты шлюза; необработанные сообщения уходят в DLQ через producer.
func initGatewayConsumer(cfg Config, payments kafka.PaymentResultApplier, producer *kafka.Producer, reg prometheus.Registerer, logger *log.Entry) (*kafka.Consumer, error) {
	brokers := cfg.Brokers()
	if len(brokers) == 0 || payments == nil {
		return nil, nil
	}

	handler := kafka.NewGatewayResultHandler(payments, reg, logger.WithField("component", "gateway-results"))
	consumer, err := kafka.NewConsumer(brokers, cfg.GatewayGroupID, []string{kafka.TopicGatewayResults}, handler.Handle,
		kafka.WithDLQ(producer, kafka.TopicGatewayResultsDLQ),
		kafka.WithMaxRetries(cfg.GatewayMaxRetries),
		kafka.WithRetryable(kafka.Retryable),
		kafka.WithConsumerLogger(logger.WithField("component", "gateway-consumer")),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create gateway results consumer")
		return nil, err
	}
	return consumer, nil
}

// closeKafkaProducer закрывает Kafka producer если он не nil.
func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
