package kafka

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestProducer_PublishEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, log.WithField("component", "kafka-producer-test"))

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var result GatewayResult
		if err := json.Unmarshal(val, &result); err != nil {
			return err
		}
		if result.PaymentID != "pay-1" {
			t.Errorf("unexpected payment id %q", result.PaymentID)
		}
		return nil
	})

	err := producer.PublishEvent(TopicGatewayResults, "pay-1", GatewayResult{
		PaymentID: "pay-1",
		Outcome:   GatewayOutcomeDeclined,
	})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, nil)

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEvent(TopicPaymentEvents, "pay-1", map[string]string{"k": "v"})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEventMarshalError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, nil)

	err := producer.PublishEvent(TopicPaymentEvents, "pay-1", map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_NilSafety(t *testing.T) {
	var producer *Producer
	require.Error(t, producer.Publish(TopicPaymentEvents, "k", nil, nil))
	require.NoError(t, producer.Close())
}
