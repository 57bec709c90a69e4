package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NatsPublisher notifies subscribers (the booking side) when a payment or
// refund reaches a terminal state. Intermediate transitions go to Kafka only.
type NatsPublisher struct {
	conn Conn
}

func NewNatsPublisher(conn Conn) *NatsPublisher {
	return &NatsPublisher{conn: conn}
}

func PaymentSubject(p models.Provider) string { return "payments.resolved." + string(p) }
func RefundSubject(p models.Provider) string { return "refunds.resolved." + string(p) }

func (n *NatsPublisher) PaymentChanged(_ context.Context, p *models.Payment, from models.PaymentStatus) error {
	if !p.Status.IsTerminal() {
		return nil
	}
	data, err := json.Marshal(NewPaymentStateChanged(p, from))
	if err != nil {
		return err
	}
	msg := nats.NewMsg(PaymentSubject(p.Provider))
	msg.Header.Set("Payment-Id", p.ID)
	msg.Data = data
	return n.conn.PublishMsg(msg)
}

func (n *NatsPublisher) RefundChanged(_ context.Context, r *models.Refund, from models.RefundStatus) error {
	if !r.Status.IsTerminal() {
		return nil
	}
	data, err := json.Marshal(NewRefundStateChanged(r, from))
	if err != nil {
		return err
	}
	msg := nats.NewMsg(RefundSubject(r.Provider))
	msg.Header.Set("Refund-Id", r.ID)
	msg.Data = data
	return n.conn.PublishMsg(msg)
}

func (n *NatsPublisher) Close() error {
	return n.conn.Drain()
}
