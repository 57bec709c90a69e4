package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/phone"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

type RefundExecutor struct {
	deps *Deps
}

func NewRefundExecutor(deps *Deps) *RefundExecutor {
	return &RefundExecutor{deps: deps}
}

// CreateRefund records a pending refund of a succeeded payment. Any refund
// of the same payment still pending is failed as superseded. While another
// refund is processing, or once one has succeeded, the call fails with
// apperr Conflict. The amount is not checked against the payment amount.
func (e *RefundExecutor) CreateRefund(ctx context.Context, paymentID string, amount decimal.Decimal, reason string) (*models.Refund, error) {
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.Invalid, "refund amount must be positive")
	}
	p, err := e.deps.Payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusSucceeded {
		return nil, apperr.New(apperr.Conflict,
			fmt.Sprintf("refund requires a succeeded payment, payment is %s", p.Status))
	}
	if p.Purpose != models.PurposeCharge {
		return nil, apperr.New(apperr.Invalid, "only charges can be refunded")
	}
	if _, err := e.deps.Providers.Refunder(p.Provider); err != nil {
		return nil, err
	}

	now := e.deps.now()
	r := &models.Refund{
		ID:        uuid.New().String(),
		PaymentID: p.ID,
		Reference: refundReference(),
		Provider:  p.Provider,
		Amount:    amount,
		Currency:  p.Currency,
		Phone:     p.Phone,
		Reason:    reason,
		Status:    models.RefundPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	superseded, err := e.deps.Refunds.CreateSuperseding(ctx, r)
	if err != nil {
		return nil, err
	}

	log := telemetry.WithTrace(ctx).With(zap.String("payment_id", p.ID), zap.String("refund_id", r.ID))
	for _, old := range superseded {
		from := old.Status
		failed := models.ReasonSuperseded
		old.Status = models.RefundFailed
		old.FailureReason = &failed
		old.UpdatedAt = now
		old.CompletedAt = &now
		telemetry.Transitions.WithLabelValues(models.SubjectRefund, string(old.Provider), string(old.Status)).Inc()
		log.Info("Refund superseded", zap.String("superseded_refund_id", old.ID))
		if err := e.deps.Publisher.RefundChanged(ctx, old, from); err != nil {
			log.Error("Failed to publish refund event", zap.Error(err))
		}
	}
	log.Info("Refund created", zap.String("amount", amount.String()))
	return r, nil
}

// Process submits a pending refund to the provider. The refund is claimed
// (pending to processing) before the network call so concurrent processors
// never submit it twice. An accepted submission stays processing until its
// callback or a status lookup resolves it; a definitive failure, including
// failing to authenticate, marks it failed. Refunds not in pending are
// returned unchanged.
func (e *RefundExecutor) Process(ctx context.Context, refundID string) (*models.Refund, error) {
	r, err := e.deps.Refunds.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.RefundPending {
		return r, nil
	}
	log := telemetry.WithTrace(ctx).With(zap.String("refund_id", r.ID), zap.String("payment_id", r.PaymentID))

	p, err := e.deps.Payments.GetByID(ctx, r.PaymentID)
	if err != nil {
		return nil, err
	}
	refunder, err := e.deps.Providers.Refunder(r.Provider)
	if err != nil {
		return e.reject(ctx, r, err.Error())
	}

	var number phone.Number
	if r.Phone != "" {
		if number, err = e.deps.Phones.Normalize(r.Phone); err != nil {
			return e.reject(ctx, r, "invalid destination phone number")
		}
	}

	claimed, err := e.deps.applyRefund(ctx, r, refundChange{Event: models.RefundClaimed})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return r, nil
	}

	res, sendErr := refunder.Refund(ctx, provider.RefundRequest{Refund: r, Payment: p, Phone: number})
	ctx = context.WithoutCancel(ctx)

	if sendErr == nil {
		e.deps.snapshot(ctx, r.Provider, models.SubjectRefund, r.ID, models.SnapshotPayout, res.Raw)
		if err := e.recordCorrelation(ctx, r, res); err != nil {
			return nil, err
		}
		log.Info("Refund submitted", zap.String("correlation_id", r.CorrelationID))
		return r, nil
	}

	e.deps.snapshot(ctx, r.Provider, models.SubjectRefund, r.ID, models.SnapshotPayout, rawOf(sendErr))
	if reason, definitive := rejectionReason(sendErr); definitive {
		log.Warn("Refund rejected", zap.String("reason", reason), zap.Error(sendErr))
		if _, err := e.deps.applyRefund(ctx, r, refundChange{Event: models.RefundRejected, Reason: reason}); err != nil {
			return nil, err
		}
		return r, nil
	}

	// Outcome unknown: the result callback or the poller will settle it.
	log.Warn("Refund submission outcome unknown", zap.Error(sendErr))
	return r, nil
}

// reject fails a refund that never reached the provider.
func (e *RefundExecutor) reject(ctx context.Context, r *models.Refund, reason string) (*models.Refund, error) {
	if _, err := e.deps.applyRefund(ctx, r, refundChange{Event: models.RefundRejected, Reason: reason}); err != nil {
		return nil, err
	}
	return r, nil
}

// recordCorrelation stores the provider's ids on a processing refund. It is
// not a state change, so it bypasses the state machine but keeps the CAS on
// status.
func (e *RefundExecutor) recordCorrelation(ctx context.Context, r *models.Refund, res *provider.RefundResult) error {
	if res.CorrelationID == "" && res.ConversationID == "" {
		return nil
	}
	ok, err := e.deps.Refunds.Transition(ctx, r.ID, models.RefundUpdate{
		From:           models.RefundProcessing,
		To:             models.RefundProcessing,
		CorrelationID:  res.CorrelationID,
		ConversationID: res.ConversationID,
		At:             e.deps.now(),
	})
	if err != nil {
		return fmt.Errorf("record refund correlation: %w", err)
	}
	if !ok {
		// Resolved by a callback that matched on reference.
		fresh, err := e.deps.Refunds.GetByID(ctx, r.ID)
		if err != nil {
			return err
		}
		*r = *fresh
		return nil
	}
	r.CorrelationID = res.CorrelationID
	r.ConversationID = res.ConversationID
	return nil
}

// refundReference is unique and short enough for provider reference fields.
func refundReference() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "RF" + strings.ToUpper(id[:18])
}
