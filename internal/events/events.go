// Package events publishes applied payment and refund transitions.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/payment-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

const (
	TopicPaymentStateChanged = "payment.state.changed"
	TopicRefundStateChanged  = "refund.state.changed"
)

type PaymentStateChanged struct {
	PaymentID       string          `json:"payment_id"`
	Provider        string          `json:"provider"`
	Purpose         string          `json:"purpose"`
	Reference       string          `json:"reference"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	State           string          `json:"state"`
	PreviousState   string          `json:"previous_state"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	ProviderReceipt string          `json:"provider_receipt,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

type RefundStateChanged struct {
	RefundID      string          `json:"refund_id"`
	PaymentID     string          `json:"payment_id"`
	Provider      string          `json:"provider"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	State         string          `json:"state"`
	PreviousState string          `json:"previous_state"`
	FailureReason string          `json:"failure_reason,omitempty"`
	TransactionID string          `json:"provider_transaction_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func NewPaymentStateChanged(p *models.Payment, from models.PaymentStatus) PaymentStateChanged {
	return PaymentStateChanged{
		PaymentID:       p.ID,
		Provider:        string(p.Provider),
		Purpose:         string(p.Purpose),
		Reference:       p.Reference,
		Amount:          p.Amount,
		Currency:        p.Currency,
		State:           string(p.Status),
		PreviousState:   string(from),
		FailureReason:   deref(p.FailureReason),
		ProviderReceipt: deref(p.ProviderReceipt),
		Timestamp:       p.UpdatedAt,
	}
}

func NewRefundStateChanged(r *models.Refund, from models.RefundStatus) RefundStateChanged {
	return RefundStateChanged{
		RefundID:      r.ID,
		PaymentID:     r.PaymentID,
		Provider:      string(r.Provider),
		Reference:     r.Reference,
		Amount:        r.Amount,
		Currency:      r.Currency,
		State:         string(r.Status),
		PreviousState: string(from),
		FailureReason: deref(r.FailureReason),
		TransactionID: deref(r.TransactionID),
		Timestamp:     r.UpdatedAt,
	}
}

// Multi fans out to every publisher and joins their errors.
type Multi []interfaces.EventPublisher

func (m Multi) PaymentChanged(ctx context.Context, p *models.Payment, from models.PaymentStatus) error {
	var errs []error
	for _, pub := range m {
		errs = append(errs, pub.PaymentChanged(ctx, p, from))
	}
	return errors.Join(errs...)
}

func (m Multi) RefundChanged(ctx context.Context, r *models.Refund, from models.RefundStatus) error {
	var errs []error
	for _, pub := range m {
		errs = append(errs, pub.RefundChanged(ctx, r, from))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, pub := range m {
		errs = append(errs, pub.Close())
	}
	return errors.Join(errs...)
}

// Nop discards events; used when no broker is configured.
type Nop struct{}

func (Nop) PaymentChanged(context.Context, *models.Payment, models.PaymentStatus) error { return nil }
func (Nop) RefundChanged(context.Context, *models.Refund, models.RefundStatus) error { return nil }
func (Nop) Close() error { return nil }
