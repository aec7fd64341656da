package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultConsumerRetryDelay = 200 * time.Millisecond

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// dlqSender: то, что нужно consumer'у от producer для DLQ.
type dlqSender interface {
	PublishEvent(topic string, key string, event any) error
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDLQ включает отправку в DLQ после исчерпания попыток.
func WithDLQ(producer *Producer, topic string) ConsumerOption {
	return func(c *Consumer) {
		if producer != nil {
			c.dlq = producer
		}
		c.dlqTopic = topic
	}
}

// WithMaxRetries задаёт число попыток обработки одного сообщения.
func WithMaxRetries(maxRetries int) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetries = maxRetries
	}
}

// WithRetryDelay задаёт базовую задержку между попытками (удваивается на каждой).
func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = delay
	}
}

// WithRetryable задаёт классификатор ошибок. При false сообщение подтверждается без повтора.
func WithRetryable(retryable func(error) bool) ConsumerOption {
	return func(c *Consumer) {
		c.retryable = retryable
	}
}

// WithConsumerLogger задаёт logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer представляет Kafka consumer с повторами и DLQ
type Consumer struct {
	consumer   sarama.ConsumerGroup
	topics     []string
	handler    MessageHandler
	logger     *log.Entry
	wg         sync.WaitGroup
	dlq        dlqSender
	dlqTopic   string
	maxRetries int
	retryDelay time.Duration
	retryable  func(error) bool
	clock      func() time.Time
}

// NewConsumer создает consumer group для topics.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return newConsumer(group, topics, handler, options...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		consumer:   group,
		topics:     topics,
		handler:    handler,
		logger:     log.WithField("component", "kafka-consumer"),
		maxRetries: defaultConsumerMaxRetry,
		retryDelay: defaultConsumerRetryDelay,
		clock:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(c)
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 1
	}
	if c.retryDelay < 0 {
		c.retryDelay = 0
	}
	if c.retryable == nil {
		c.retryable = func(error) bool { return true }
	}
	return c
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// при rebalance Consume завершается, поэтому вызывается в цикле
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("error from consumer")
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			entry := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			entry.Debug("received message")

			if err := c.handleMessageWithRetry(session.Context(), message); err != nil {
				if session.Context().Err() != nil {
					return nil
				}
				// без MarkMessage: сообщение будет прочитано снова после rebalance
				entry.WithError(err).Error("message processing failed after all retries")
				continue
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessageWithRetry обрабатывает сообщение с повторами и отправкой в DLQ.
// nil означает, что сообщение можно подтвердить.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	replays := c.getRetryCount(message)
	entry := c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	})

	var lastErr error
	attempts := 0
	for attempts < c.maxRetries {
		attempts++
		err := c.handler(ctx, message)
		if err == nil {
			return nil
		}
		lastErr = err

		if !c.retryable(err) {
			entry.WithError(err).Warn("message rejected without retry")
			return nil
		}
		if attempts >= c.maxRetries {
			break
		}

		entry.WithError(err).WithFields(log.Fields{
			"attempt":     attempts,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff(attempts)):
		}
	}

	if c.dlq == nil {
		return lastErr
	}
	if err := c.sendToDLQ(message, lastErr, replays+attempts); err != nil {
		entry.WithError(err).Error("failed to send message to DLQ")
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}
	entry.WithField("retry_count", replays+attempts).Info("message sent to DLQ after max retries")
	return nil
}

func (c *Consumer) backoff(attempt int) time.Duration {
	delay := c.retryDelay
	for i := 1; i < attempt && delay < time.Minute; i++ {
		delay *= 2
	}
	return delay
}

// getRetryCount извлекает число прошлых попыток из headers (ставится при replay из DLQ)
func (c *Consumer) getRetryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != HeaderRetryCount {
			continue
		}
		if count, err := strconv.Atoi(string(header.Value)); err == nil {
			return count
		}
	}
	return 0
}

// sendToDLQ отправляет failed message в Dead Letter Queue
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error, retryCount int) error {
	topic := c.dlqTopic
	if topic == "" {
		topic = message.Topic + ".dlq"
	}
	return c.dlq.PublishEvent(topic, string(message.Key), ConsumerDLQMessage{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          c.clock(),
		RetryCount:        retryCount,
	})
}
