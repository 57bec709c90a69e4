package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every transition, keyed by subject id so events for
// one payment stay ordered within a partition.
type KafkaPublisher struct {
	payments MessageWriter
	refunds  MessageWriter
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	writer := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 5 * time.Second,
		}
	}
	return NewKafkaPublisherWithWriters(writer(TopicPaymentStateChanged), writer(TopicRefundStateChanged))
}

func NewKafkaPublisherWithWriters(payments, refunds MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{payments: payments, refunds: refunds}
}

func (k *KafkaPublisher) PaymentChanged(ctx context.Context, p *models.Payment, from models.PaymentStatus) error {
	value, err := json.Marshal(NewPaymentStateChanged(p, from))
	if err != nil {
		return err
	}
	return k.payments.WriteMessages(ctx, kafka.Message{
		Key:   []byte(p.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "provider", Value: []byte(p.Provider)},
			{Key: "state", Value: []byte(p.Status)},
		},
	})
}

func (k *KafkaPublisher) RefundChanged(ctx context.Context, r *models.Refund, from models.RefundStatus) error {
	value, err := json.Marshal(NewRefundStateChanged(r, from))
	if err != nil {
		return err
	}
	return k.refunds.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "provider", Value: []byte(r.Provider)},
			{Key: "state", Value: []byte(r.Status)},
		},
	})
}

func (k *KafkaPublisher) Close() error {
	return errors.Join(k.payments.Close(), k.refunds.Close())
}
