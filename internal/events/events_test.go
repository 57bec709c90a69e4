package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

type mockConn struct {
	mock.Mock
}

func (m *mockConn) PublishMsg(msg *nats.Msg) error {
	return m.Called(msg).Error(0)
}

func (m *mockConn) Drain() error {
	return m.Called().Error(0)
}

var (
	_ interfaces.EventPublisher = (*KafkaPublisher)(nil)
	_ interfaces.EventPublisher = (*NatsPublisher)(nil)
	_ interfaces.EventPublisher = Multi(nil)
	_ interfaces.EventPublisher = Nop{}
)

func succeededPayment() *models.Payment {
	receipt := "NLJ7RT61SV"
	return &models.Payment{
		ID:              "p-1",
		Provider:        models.ProviderMpesa,
		Purpose:         models.PurposeCharge,
		Reference:       "BOOKING-42",
		Amount:          decimal.NewFromInt(500),
		Currency:        "KES",
		Status:          models.StatusSucceeded,
		ProviderReceipt: &receipt,
		UpdatedAt:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_PaymentChanged(t *testing.T) {
	payments, refunds := &mockWriter{}, &mockWriter{}
	payments.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 || string(msgs[0].Key) != "p-1" {
			return false
		}
		var ev PaymentStateChanged
		if err := json.Unmarshal(msgs[0].Value, &ev); err != nil {
			return false
		}
		return ev.State == "succeeded" && ev.PreviousState == "awaiting_confirmation" && ev.ProviderReceipt == "NLJ7RT61SV"
	})).Return(nil).Once()

	pub := NewKafkaPublisherWithWriters(payments, refunds)
	require.NoError(t, pub.PaymentChanged(context.Background(), succeededPayment(), models.StatusAwaitingConfirmation))
	payments.AssertExpectations(t)
	refunds.AssertNotCalled(t, "WriteMessages", mock.Anything, mock.Anything)
}

func TestKafkaPublisher_RefundChanged(t *testing.T) {
	payments, refunds := &mockWriter{}, &mockWriter{}
	refunds.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		return len(msgs) == 1 && string(msgs[0].Key) == "r-1"
	})).Return(nil).Once()

	pub := NewKafkaPublisherWithWriters(payments, refunds)
	err := pub.RefundChanged(context.Background(), &models.Refund{ID: "r-1", Status: models.RefundProcessing}, models.RefundPending)
	require.NoError(t, err)
	refunds.AssertExpectations(t)
}

func TestNatsPublisher_OnlyTerminalStates(t *testing.T) {
	conn := &mockConn{}
	conn.On("PublishMsg", mock.MatchedBy(func(m *nats.Msg) bool {
		return m.Subject == "payments.resolved.mpesa" && m.Header.Get("Payment-Id") == "p-1"
	})).Return(nil).Once()

	pub := NewNatsPublisher(conn)
	require.NoError(t, pub.PaymentChanged(context.Background(), succeededPayment(), models.StatusAwaitingConfirmation))

	awaiting := succeededPayment()
	awaiting.Status = models.StatusAwaitingConfirmation
	require.NoError(t, pub.PaymentChanged(context.Background(), awaiting, models.StatusInitiated))

	conn.AssertNumberOfCalls(t, "PublishMsg", 1)
}

func TestMulti_JoinsErrors(t *testing.T) {
	broken := &mockConn{}
	broken.On("PublishMsg", mock.Anything).Return(errors.New("nats: connection closed"))

	m := Multi{Nop{}, NewNatsPublisher(broken)}
	err := m.PaymentChanged(context.Background(), succeededPayment(), models.StatusAwaitingConfirmation)
	assert.ErrorContains(t, err, "connection closed")

	assert.NoError(t, Multi{Nop{}, Nop{}}.RefundChanged(context.Background(), &models.Refund{}, models.RefundPending))
}
