// Package payments drives Payment and Refund records through their state
// machines: initiation against a provider, callback and status-poll
// reconciliation, and refund execution.
package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/phone"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

// Deps are shared by every service in this package.
type Deps struct {
	Payments  interfaces.PaymentRepository
	Refunds   interfaces.RefundRepository
	Snapshots interfaces.SnapshotRepository
	Providers *provider.Registry
	Publisher interfaces.EventPublisher
	Phones    phone.Normalizer
	Now       func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// paymentChange describes a transition request. The fields are copied into
// the repository update as-is; empty ones keep the stored value.
type paymentChange struct {
	Event             models.PaymentEvent
	MerchantRequestID string
	CheckoutRequestID string
	RedirectURL       string
	Receipt           string
	Reason            string
}

// applyPayment runs ev against p through the state machine and the storage
// compare-and-set. On success p is updated in place and an event is
// published. An invalid transition or a lost race is reported as false with
// no error; p is then reloaded so callers see the winning state.
func (d *Deps) applyPayment(ctx context.Context, p *models.Payment, c paymentChange) (bool, error) {
	log := telemetry.WithTrace(ctx).With(
		zap.String("payment_id", p.ID),
		zap.String("provider", string(p.Provider)),
		zap.String("event", string(c.Event)),
	)

	from := p.Status
	to, err := models.NextPaymentStatus(from, c.Event)
	if err != nil {
		log.Debug("Transition not applicable", zap.String("status", string(from)))
		return false, nil
	}

	now := d.now()
	u := models.PaymentUpdate{
		From:              from,
		To:                to,
		MerchantRequestID: c.MerchantRequestID,
		CheckoutRequestID: c.CheckoutRequestID,
		RedirectURL:       c.RedirectURL,
		At:                now,
	}
	switch to {
	case models.StatusSucceeded:
		u.ProviderReceipt = c.Receipt
	case models.StatusFailed, models.StatusTimedOut:
		u.FailureReason = c.Reason
	}

	ok, err := d.Payments.Transition(ctx, p.ID, u)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Info("Lost transition race", zap.String("from_status", string(from)))
		if fresh, err := d.Payments.GetByID(ctx, p.ID); err == nil {
			*p = *fresh
		}
		return false, nil
	}

	p.Status = to
	p.UpdatedAt = now
	if u.MerchantRequestID != "" {
		p.MerchantRequestID = u.MerchantRequestID
	}
	if u.CheckoutRequestID != "" {
		p.CheckoutRequestID = u.CheckoutRequestID
	}
	if u.RedirectURL != "" {
		p.RedirectURL = u.RedirectURL
	}
	if u.ProviderReceipt != "" {
		receipt := u.ProviderReceipt
		p.ProviderReceipt = &receipt
	}
	if u.FailureReason != "" {
		reason := u.FailureReason
		p.FailureReason = &reason
	}
	if to == models.StatusSucceeded {
		confirmed := now
		p.ConfirmedAt = &confirmed
	}

	telemetry.Transitions.WithLabelValues(models.SubjectPayment, string(p.Provider), string(to)).Inc()
	log.Info("Payment transitioned",
		zap.String("from_status", string(from)),
		zap.String("to_status", string(to)),
		zap.String("reason", u.FailureReason),
	)
	if err := d.Publisher.PaymentChanged(ctx, p, from); err != nil {
		log.Error("Failed to publish payment event", zap.Error(err))
	}
	return true, nil
}

type refundChange struct {
	Event          models.RefundEvent
	CorrelationID  string
	ConversationID string
	TransactionID  string
	Reason         string
}

// applyRefund is applyPayment for refunds.
func (d *Deps) applyRefund(ctx context.Context, r *models.Refund, c refundChange) (bool, error) {
	log := telemetry.WithTrace(ctx).With(
		zap.String("refund_id", r.ID),
		zap.String("payment_id", r.PaymentID),
		zap.String("event", string(c.Event)),
	)

	from := r.Status
	to, err := models.NextRefundStatus(from, c.Event)
	if err != nil {
		log.Debug("Transition not applicable", zap.String("status", string(from)))
		return false, nil
	}

	now := d.now()
	u := models.RefundUpdate{
		From:           from,
		To:             to,
		CorrelationID:  c.CorrelationID,
		ConversationID: c.ConversationID,
		At:             now,
	}
	switch to {
	case models.RefundSucceeded:
		u.TransactionID = c.TransactionID
	case models.RefundFailed:
		u.FailureReason = c.Reason
	}

	ok, err := d.Refunds.Transition(ctx, r.ID, u)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Info("Lost transition race", zap.String("from_status", string(from)))
		if fresh, err := d.Refunds.GetByID(ctx, r.ID); err == nil {
			*r = *fresh
		}
		return false, nil
	}

	r.Status = to
	r.UpdatedAt = now
	if u.CorrelationID != "" {
		r.CorrelationID = u.CorrelationID
	}
	if u.ConversationID != "" {
		r.ConversationID = u.ConversationID
	}
	if u.TransactionID != "" {
		tx := u.TransactionID
		r.TransactionID = &tx
	}
	if u.FailureReason != "" {
		reason := u.FailureReason
		r.FailureReason = &reason
	}
	if to.IsTerminal() {
		completed := now
		r.CompletedAt = &completed
	}

	telemetry.Transitions.WithLabelValues(models.SubjectRefund, string(r.Provider), string(to)).Inc()
	log.Info("Refund transitioned",
		zap.String("from_status", string(from)),
		zap.String("to_status", string(to)),
		zap.String("reason", u.FailureReason),
	)
	if err := d.Publisher.RefundChanged(ctx, r, from); err != nil {
		log.Error("Failed to publish refund event", zap.Error(err))
	}
	return true, nil
}

// snapshot appends a raw provider exchange to the audit log. Failures are
// logged and never fail the caller.
func (d *Deps) snapshot(ctx context.Context, p models.Provider, subjectType, subjectID, kind string, raw []byte) {
	if len(raw) == 0 {
		return
	}
	s := &models.Snapshot{
		ID:          uuid.New().String(),
		Provider:    p,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Kind:        kind,
		Payload:     raw,
		CreatedAt:   d.now(),
	}
	if err := d.Snapshots.Append(ctx, s); err != nil {
		telemetry.WithTrace(ctx).Error("Failed to record provider snapshot",
			zap.String("provider", string(p)),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

// rawOf extracts the provider payload carried by an error, if any.
func rawOf(err error) []byte {
	if ae, ok := apperr.As(err); ok {
		return ae.Raw
	}
	return nil
}
