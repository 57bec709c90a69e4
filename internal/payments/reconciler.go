package payments

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

type Reconciler struct {
	deps *Deps
}

func NewReconciler(deps *Deps) *Reconciler {
	return &Reconciler{deps: deps}
}

// CallbackResult tells the HTTP layer what to send back. Reply is always
// set; providers retry on anything but a 2xx, so callbacks are acknowledged
// even when nothing changed.
type CallbackResult struct {
	Reply interface{}
	// Applied is true when the callback moved a payment or refund.
	Applied bool
}

// HandleCallback applies a provider notification. Unknown subjects and
// subjects already in a terminal state are acknowledged without change. A
// payload that fails validation is recorded and acknowledged, and the
// apperr Malformed error is returned alongside the reply. Other errors come
// with the provider's default reply, which for some providers requests a
// redelivery.
func (r *Reconciler) HandleCallback(ctx context.Context, p models.Provider, kind string, query url.Values, body []byte) (*CallbackResult, error) {
	log := telemetry.WithTrace(ctx).With(zap.String("provider", string(p)), zap.String("kind", kind))

	parser, err := r.deps.Providers.CallbackParser(p)
	if err != nil {
		return nil, err
	}

	n, err := parser.ParseCallback(kind, query, body)
	if err != nil {
		r.deps.snapshot(ctx, p, "", "", models.SnapshotMalformed, body)
		telemetry.Callbacks.WithLabelValues(string(p), kind, "malformed").Inc()
		log.Warn("Rejected malformed callback", zap.Error(err))
		reply := parser.DefaultReply(kind)
		if n != nil && n.Reply != nil {
			reply = n.Reply
		}
		return &CallbackResult{Reply: reply}, err
	}

	res := &CallbackResult{Reply: n.Reply}
	if res.Reply == nil {
		res.Reply = parser.DefaultReply(kind)
	}

	var result string
	if n.Subject == models.SubjectRefund {
		res.Applied, result, err = r.refundCallback(ctx, n)
	} else {
		res.Applied, result, err = r.paymentCallback(ctx, n)
	}
	if err != nil {
		telemetry.Callbacks.WithLabelValues(string(p), kind, "error").Inc()
		log.Error("Failed to handle callback", zap.String("reference", n.Reference), zap.Error(err))
		return &CallbackResult{Reply: parser.DefaultReply(kind)}, err
	}
	telemetry.Callbacks.WithLabelValues(string(p), kind, result).Inc()
	log.Info("Callback handled",
		zap.String("subject", n.Subject),
		zap.String("reference", n.Reference),
		zap.String("correlation_id", n.CorrelationID),
		zap.String("result", result),
	)
	return res, nil
}

func (r *Reconciler) findPayment(ctx context.Context, n *provider.Notification) (*models.Payment, error) {
	p, err := r.deps.Payments.GetByCorrelation(ctx, n.Provider, n.CorrelationID)
	if err == nil || !apperr.IsKind(err, apperr.NotFound) || n.Reference == "" {
		return p, err
	}
	for _, purpose := range []models.Purpose{models.PurposeCharge, models.PurposePayout} {
		p, err = r.deps.Payments.GetByReference(ctx, n.Provider, purpose, n.Reference)
		if err == nil || !apperr.IsKind(err, apperr.NotFound) {
			return p, err
		}
	}
	return nil, err
}

func (r *Reconciler) paymentCallback(ctx context.Context, n *provider.Notification) (bool, string, error) {
	p, err := r.findPayment(ctx, n)
	if apperr.IsKind(err, apperr.NotFound) {
		r.deps.snapshot(ctx, n.Provider, "", "", models.SnapshotCallback, n.Raw)
		return false, "unknown", nil
	}
	if err != nil {
		return false, "", err
	}
	r.deps.snapshot(ctx, n.Provider, models.SubjectPayment, p.ID, models.SnapshotCallback, n.Raw)

	if n.Outcome == provider.OutcomeLookup {
		applied, err := r.lookup(ctx, p)
		if err != nil {
			return false, "", err
		}
		return applied, outcomeLabel(applied), nil
	}

	if p.Status.IsTerminal() {
		return false, "duplicate", nil
	}
	applied, err := r.applyOutcome(ctx, p, n.Outcome, n.CorrelationID, n.Receipt, reasonOf(n.ReasonCode, n.Reason))
	if err != nil {
		return false, "", err
	}
	return applied, outcomeLabel(applied), nil
}

// applyOutcome moves a non-terminal payment to the reported outcome. A
// payment still in initiated means the callback overtook the initiation
// response; it is first moved to awaiting_confirmation.
func (r *Reconciler) applyOutcome(ctx context.Context, p *models.Payment, outcome provider.Outcome, correlationID, receipt, reason string) (bool, error) {
	if p.Status == models.StatusInitiated {
		if _, err := r.deps.applyPayment(ctx, p, paymentChange{
			Event:             models.EventAccepted,
			CheckoutRequestID: correlationID,
		}); err != nil {
			return false, err
		}
	}
	switch outcome {
	case provider.OutcomeSucceeded:
		if receipt == "" {
			receipt = p.CheckoutRequestID
		}
		return r.deps.applyPayment(ctx, p, paymentChange{Event: models.EventConfirmed, Receipt: receipt})
	case provider.OutcomeFailed:
		return r.deps.applyPayment(ctx, p, paymentChange{Event: models.EventDeclined, Reason: reason})
	}
	return false, nil
}

// lookup asks the provider for the payment's status and applies it. A
// reversal of a succeeded payment resolves its processing refund.
func (r *Reconciler) lookup(ctx context.Context, p *models.Payment) (bool, error) {
	if p.Status == models.StatusInitiated {
		return false, nil
	}
	checker, err := r.deps.Providers.StatusChecker(p.Provider)
	if err != nil {
		return false, err
	}
	st, err := checker.Status(ctx, p)
	if err != nil {
		r.deps.snapshot(ctx, p.Provider, models.SubjectPayment, p.ID, models.SnapshotStatusPoll, rawOf(err))
		return false, err
	}
	r.deps.snapshot(ctx, p.Provider, models.SubjectPayment, p.ID, models.SnapshotStatusPoll, st.Raw)

	if p.Status == models.StatusSucceeded && st.State == provider.StateReversed {
		return r.resolveReversal(ctx, p, st)
	}
	if p.Status.IsTerminal() {
		return false, nil
	}
	return r.applyStatus(ctx, p, st)
}

// applyStatus applies a lookup result to a payment awaiting confirmation.
// Pending and not-found results change nothing here; expiry is the poller's
// decision.
func (r *Reconciler) applyStatus(ctx context.Context, p *models.Payment, st *provider.StatusResult) (bool, error) {
	switch st.State {
	case provider.StateSucceeded:
		return r.applyOutcome(ctx, p, provider.OutcomeSucceeded, "", st.Receipt, "")
	case provider.StateFailed:
		return r.applyOutcome(ctx, p, provider.OutcomeFailed, "", "", reasonOf(st.ReasonCode, st.Reason))
	case provider.StateReversed:
		// Reversed before we ever saw it succeed: the customer was not charged.
		return r.applyOutcome(ctx, p, provider.OutcomeFailed, "", "", reasonOf(st.ReasonCode, "reversed"))
	}
	return false, nil
}

func (r *Reconciler) resolveReversal(ctx context.Context, p *models.Payment, st *provider.StatusResult) (bool, error) {
	refund, err := r.deps.Refunds.GetProcessingByPayment(ctx, p.ID)
	if apperr.IsKind(err, apperr.NotFound) {
		telemetry.WithTrace(ctx).Warn("Payment reversed with no refund in progress",
			zap.String("payment_id", p.ID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.deps.snapshot(ctx, p.Provider, models.SubjectRefund, refund.ID, models.SnapshotStatusPoll, st.Raw)
	txID := st.Receipt
	if txID == "" {
		txID = refund.CorrelationID
	}
	return r.deps.applyRefund(ctx, refund, refundChange{Event: models.RefundConfirmed, TransactionID: txID})
}

func (r *Reconciler) findRefund(ctx context.Context, n *provider.Notification) (*models.Refund, error) {
	ref, err := r.deps.Refunds.GetByCorrelation(ctx, n.Provider, n.CorrelationID)
	if err == nil || !apperr.IsKind(err, apperr.NotFound) || n.Reference == "" {
		return ref, err
	}
	return r.deps.Refunds.GetByReference(ctx, n.Provider, n.Reference)
}

func (r *Reconciler) refundCallback(ctx context.Context, n *provider.Notification) (bool, string, error) {
	refund, err := r.findRefund(ctx, n)
	if apperr.IsKind(err, apperr.NotFound) {
		r.deps.snapshot(ctx, n.Provider, "", "", models.SnapshotCallback, n.Raw)
		return false, "unknown", nil
	}
	if err != nil {
		return false, "", err
	}
	r.deps.snapshot(ctx, n.Provider, models.SubjectRefund, refund.ID, models.SnapshotCallback, n.Raw)

	if refund.Status.IsTerminal() {
		return false, "duplicate", nil
	}
	var applied bool
	switch n.Outcome {
	case provider.OutcomeSucceeded:
		applied, err = r.deps.applyRefund(ctx, refund, refundChange{
			Event:         models.RefundConfirmed,
			CorrelationID: n.CorrelationID,
			TransactionID: n.Receipt,
		})
	case provider.OutcomeFailed:
		applied, err = r.deps.applyRefund(ctx, refund, refundChange{
			Event:  models.RefundDeclined,
			Reason: reasonOf(n.ReasonCode, n.Reason),
		})
	}
	if err != nil {
		return false, "", err
	}
	return applied, outcomeLabel(applied), nil
}

// RefreshResult is the outcome of an explicit status check.
type RefreshResult struct {
	Payment *models.Payment `json:"payment"`
	Pending bool            `json:"pending"`
	Message string          `json:"message,omitempty"`
}

// Refresh looks a non-terminal payment up at the provider and applies the
// answer. Terminal payments are returned as stored.
func (r *Reconciler) Refresh(ctx context.Context, paymentID string) (*RefreshResult, error) {
	p, err := r.deps.Payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.Status.IsTerminal() {
		if _, err := r.lookup(ctx, p); err != nil {
			telemetry.WithTrace(ctx).Warn("Status refresh failed",
				zap.String("payment_id", p.ID), zap.Error(err))
		}
	}
	return StatusOf(p), nil
}

// StatusOf reports p as stored, flagging a payment that is not yet terminal.
func StatusOf(p *models.Payment) *RefreshResult {
	res := &RefreshResult{Payment: p}
	if !p.Status.IsTerminal() {
		res.Pending = true
		res.Message = models.StatusUnknownMessage
	}
	return res
}

func reasonOf(code, desc string) string {
	switch {
	case code == "":
		return desc
	case desc == "":
		return code
	}
	return code + ": " + desc
}

func outcomeLabel(applied bool) string {
	if applied {
		return "applied"
	}
	return "ignored"
}
