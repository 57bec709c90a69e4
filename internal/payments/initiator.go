package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/phone"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

// DefaultCurrency applies when a request names none.
const DefaultCurrency = "KES"

type Initiator struct {
	deps *Deps
}

func NewInitiator(deps *Deps) *Initiator {
	return &Initiator{deps: deps}
}

// accepted is what a provider returned for an accepted initiation.
type accepted struct {
	merchantRequestID string
	checkoutRequestID string
	redirectURL       string
	raw               []byte
}

// InitiateCharge asks the customer to pay. Exactly one payment row is
// written per call; a reference already used for the same provider is
// refused with apperr Conflict before any network call.
//
// When the provider definitively declines, the failed payment is returned
// together with the rejection error. When the outcome is unknown (network
// failure after retries, caller timeout) the payment is left awaiting
// confirmation and the result is marked Pending with no error.
func (i *Initiator) InitiateCharge(ctx context.Context, req models.PaymentRequest) (*models.InitiationResult, error) {
	req.Purpose = models.PurposeCharge
	charger, err := i.deps.Providers.Charger(req.Provider)
	if err != nil {
		return nil, err
	}

	number, err := i.phone(req.Phone, req.Order == nil)
	if err != nil {
		return nil, err
	}
	creq := provider.ChargeRequest{
		Reference:   req.Reference,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Phone:       number,
		Description: req.Description,
		Order:       req.Order,
	}
	if v, ok := i.deps.Providers.Validator(req.Provider); ok {
		if err := v.ValidateCharge(creq); err != nil {
			return nil, err
		}
	}

	return i.initiate(ctx, req, number, func(ctx context.Context) (*accepted, error) {
		res, err := charger.Charge(ctx, creq)
		if err != nil {
			return nil, err
		}
		return &accepted{
			merchantRequestID: res.MerchantRequestID,
			checkoutRequestID: res.CheckoutRequestID,
			redirectURL:       res.RedirectURL,
			raw:               res.Raw,
		}, nil
	})
}

// InitiatePayout disburses to a phone number. Outcomes are reported the same
// way as InitiateCharge.
func (i *Initiator) InitiatePayout(ctx context.Context, req models.PaymentRequest) (*models.InitiationResult, error) {
	req.Purpose = models.PurposePayout
	payouter, err := i.deps.Providers.Payouter(req.Provider)
	if err != nil {
		return nil, err
	}

	number, err := i.phone(req.Phone, true)
	if err != nil {
		return nil, err
	}
	preq := provider.PayoutRequest{
		Reference: req.Reference,
		Amount:    req.Amount,
		Phone:     number,
		Remarks:   req.Remarks,
		Occasion:  req.Occasion,
	}
	if v, ok := i.deps.Providers.Validator(req.Provider); ok {
		if err := v.ValidatePayout(preq); err != nil {
			return nil, err
		}
	}

	return i.initiate(ctx, req, number, func(ctx context.Context) (*accepted, error) {
		res, err := payouter.Payout(ctx, preq)
		if err != nil {
			return nil, err
		}
		return &accepted{
			merchantRequestID: res.OriginatorID,
			checkoutRequestID: res.ConversationID,
			raw:               res.Raw,
		}, nil
	})
}

func (i *Initiator) phone(raw string, required bool) (phone.Number, error) {
	if strings.TrimSpace(raw) == "" {
		if required {
			return "", apperr.New(apperr.InvalidPhone, "phone number is required")
		}
		return "", nil
	}
	return i.deps.Phones.Normalize(raw)
}

func (i *Initiator) initiate(ctx context.Context, req models.PaymentRequest, number phone.Number, send func(context.Context) (*accepted, error)) (*models.InitiationResult, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return nil, apperr.New(apperr.Invalid, "reference is required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.New(apperr.Invalid, "amount must be positive")
	}
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}

	log := telemetry.WithTrace(ctx).With(
		zap.String("provider", string(req.Provider)),
		zap.String("purpose", string(req.Purpose)),
		zap.String("reference", req.Reference),
	)

	now := i.deps.now()
	p := &models.Payment{
		ID:        uuid.New().String(),
		Provider:  req.Provider,
		Purpose:   req.Purpose,
		Reference: req.Reference,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Phone:     number.String(),
		Status:    models.StatusInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := i.deps.Payments.Create(ctx, p); err != nil {
		if apperr.IsKind(err, apperr.Conflict) {
			telemetry.Initiations.WithLabelValues(string(req.Provider), string(req.Purpose), "duplicate").Inc()
		}
		return nil, err
	}
	log = log.With(zap.String("payment_id", p.ID))

	callCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	res, sendErr := send(callCtx)

	// The caller may have given up; what the provider said must still be
	// recorded.
	ctx = context.WithoutCancel(ctx)

	if sendErr == nil {
		i.deps.snapshot(ctx, p.Provider, models.SubjectPayment, p.ID, models.SnapshotInitiation, res.raw)
		if _, err := i.deps.applyPayment(ctx, p, paymentChange{
			Event:             models.EventAccepted,
			MerchantRequestID: res.merchantRequestID,
			CheckoutRequestID: res.checkoutRequestID,
			RedirectURL:       res.redirectURL,
		}); err != nil {
			return nil, fmt.Errorf("record accepted initiation: %w", err)
		}
		telemetry.Initiations.WithLabelValues(string(p.Provider), string(p.Purpose), "accepted").Inc()
		return &models.InitiationResult{Payment: p, RedirectURL: p.RedirectURL}, nil
	}

	i.deps.snapshot(ctx, p.Provider, models.SubjectPayment, p.ID, models.SnapshotInitiation, rawOf(sendErr))

	if reason, definitive := rejectionReason(sendErr); definitive {
		log.Warn("Initiation rejected", zap.String("reason", reason), zap.Error(sendErr))
		if _, err := i.deps.applyPayment(ctx, p, paymentChange{Event: models.EventRejected, Reason: reason}); err != nil {
			return nil, fmt.Errorf("record rejected initiation: %w", err)
		}
		telemetry.Initiations.WithLabelValues(string(p.Provider), string(p.Purpose), "rejected").Inc()
		if p.Status == models.StatusFailed {
			return &models.InitiationResult{Payment: p}, sendErr
		}
		// A callback got there first.
		return &models.InitiationResult{Payment: p, Pending: !p.Status.IsTerminal()}, nil
	}

	log.Warn("Initiation outcome unknown", zap.Error(sendErr))
	if _, err := i.deps.applyPayment(ctx, p, paymentChange{Event: models.EventAccepted}); err != nil {
		return nil, fmt.Errorf("record unresolved initiation: %w", err)
	}
	telemetry.Initiations.WithLabelValues(string(p.Provider), string(p.Purpose), "unknown").Inc()
	return &models.InitiationResult{
		Payment: p,
		Pending: !p.Status.IsTerminal(),
		Message: models.StatusUnknownMessage,
	}, nil
}

// rejectionReason reports whether err proves the provider did not and will
// not act on the request, and the failure reason to record.
func rejectionReason(err error) (string, bool) {
	ae, ok := apperr.As(err)
	if !ok {
		return "", false
	}
	switch ae.Kind {
	case apperr.BusinessRejection:
		if ae.Code != "" {
			return fmt.Sprintf("%s: %s", ae.Code, ae.PublicMsg), true
		}
		return ae.PublicMsg, true
	case apperr.AuthFailure, apperr.ConfigurationMissing:
		return reasonOf(models.ReasonAuthFailure, ae.PublicMsg), true
	case apperr.Invalid, apperr.InvalidPhone:
		return ae.PublicMsg, true
	}
	return "", false
}
