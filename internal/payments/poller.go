package payments

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

type PollerOptions struct {
	// Window is how long a payment may sit unresolved before it is looked
	// up, and how long an inconclusive lookup is trusted before the next one.
	Window time.Duration
	// ExpireAfter bounds how long a payment the provider keeps reporting as
	// pending is tracked before it is timed out.
	ExpireAfter time.Duration
	Interval    time.Duration
	BatchSize   int
	LockTTL     time.Duration
}

// Poller is the fallback for callbacks that never arrive. Several poller
// processes may run at once; the locker keeps them off the same payment and
// the repository CAS keeps transitions single.
type Poller struct {
	deps       *Deps
	reconciler *Reconciler
	refunds    *RefundExecutor
	locker     interfaces.Locker
	opts       PollerOptions
}

func NewPoller(deps *Deps, reconciler *Reconciler, refunds *RefundExecutor, locker interfaces.Locker, opts PollerOptions) *Poller {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Poller{deps: deps, reconciler: reconciler, refunds: refunds, locker: locker, opts: opts}
}

type PollStats struct {
	Checked   int
	Resolved  int
	TimedOut  int
	Refunds   int
	Stale     int
	Errors    int
	Contended int
}

// Run sweeps every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		stats, err := p.RunOnce(ctx)
		if err != nil {
			telemetry.Logger.Error("Poll sweep failed", zap.Error(err))
		} else {
			telemetry.Logger.Info("Poll sweep finished",
				zap.Int("checked", stats.Checked),
				zap.Int("resolved", stats.Resolved),
				zap.Int("timed_out", stats.TimedOut),
				zap.Int("refunds", stats.Refunds),
				zap.Int("stale_refunds", stats.Stale),
				zap.Int("errors", stats.Errors),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep over stale payments and refunds. Payments
// left in initiated, because the process died mid-call or lost the race to
// record the provider's answer, are swept with the awaiting ones.
func (p *Poller) RunOnce(ctx context.Context) (PollStats, error) {
	var stats PollStats
	now := p.deps.now()

	unresolved, err := p.deps.Payments.ListUnresolved(ctx, now.Add(-p.opts.Window), p.opts.BatchSize)
	if err != nil {
		return stats, err
	}
	for _, pay := range unresolved {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		p.pollPayment(ctx, pay, now, &stats)
	}

	if err := p.sweepRefunds(ctx, now, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

func (p *Poller) pollPayment(ctx context.Context, pay *models.Payment, now time.Time, stats *PollStats) {
	log := telemetry.WithTrace(ctx).With(zap.String("payment_id", pay.ID), zap.String("provider", string(pay.Provider)))

	locked, err := p.locker.TryLock(ctx, pay.ID, p.opts.LockTTL)
	if err != nil {
		log.Warn("Lock unavailable, polling without it", zap.Error(err))
	} else if !locked {
		stats.Contended++
		return
	} else {
		defer func() {
			if err := p.locker.Unlock(context.WithoutCancel(ctx), pay.ID); err != nil {
				log.Warn("Failed to release poll lock", zap.Error(err))
			}
		}()
	}
	stats.Checked++

	result := p.decidePayment(ctx, pay, now, stats)
	telemetry.PollOutcomes.WithLabelValues(models.SubjectPayment, string(pay.Provider), result).Inc()

	switch result {
	case "resolved", "timed_out", "accepted":
	default:
		// Rotate it behind the rest of the backlog.
		if err := p.deps.Payments.MarkPolled(ctx, pay.ID, now); err != nil {
			log.Warn("Failed to record poll", zap.Error(err))
		}
	}
}

func (p *Poller) decidePayment(ctx context.Context, pay *models.Payment, now time.Time, stats *PollStats) string {
	log := telemetry.WithTrace(ctx).With(zap.String("payment_id", pay.ID))

	checker, err := p.deps.Providers.StatusChecker(pay.Provider)
	if err != nil {
		stats.Errors++
		log.Error("No status lookup for provider", zap.Error(err))
		return "error"
	}
	st, err := checker.Status(ctx, pay)
	if err != nil {
		p.deps.snapshot(ctx, pay.Provider, models.SubjectPayment, pay.ID, models.SnapshotStatusPoll, rawOf(err))
		stats.Errors++
		log.Warn("Status lookup failed", zap.Error(err))
		return "error"
	}
	p.deps.snapshot(ctx, pay.Provider, models.SubjectPayment, pay.ID, models.SnapshotStatusPoll, st.Raw)

	var c *paymentChange
	switch st.State {
	case provider.StateNotFound:
		c = &paymentChange{Event: models.EventExpired, Reason: models.ReasonNoProviderRecord}
	case provider.StatePending:
		if now.Sub(pay.CreatedAt) < p.opts.ExpireAfter {
			if pay.Status == models.StatusInitiated {
				return p.acceptStranded(ctx, pay, stats)
			}
			return "pending"
		}
		c = &paymentChange{Event: models.EventExpired, Reason: models.ReasonUnresolvedAfterExpiry}
	default:
		applied, err := p.reconciler.applyStatus(ctx, pay, st)
		if err != nil {
			stats.Errors++
			log.Error("Failed to apply polled status", zap.Error(err))
			return "error"
		}
		if applied {
			stats.Resolved++
			return "resolved"
		}
		return "ignored"
	}

	applied, err := p.deps.applyPayment(ctx, pay, *c)
	if err != nil {
		stats.Errors++
		log.Error("Failed to time out payment", zap.Error(err))
		return "error"
	}
	if !applied {
		return "ignored"
	}
	stats.TimedOut++
	return "timed_out"
}

// acceptStranded moves an initiated payment the provider knows about to
// awaiting_confirmation so later sweeps track it like any other.
func (p *Poller) acceptStranded(ctx context.Context, pay *models.Payment, stats *PollStats) string {
	applied, err := p.deps.applyPayment(ctx, pay, paymentChange{Event: models.EventAccepted})
	if err != nil {
		stats.Errors++
		telemetry.WithTrace(ctx).Error("Failed to accept stranded payment",
			zap.String("payment_id", pay.ID), zap.Error(err))
		return "error"
	}
	if !applied {
		return "ignored"
	}
	return "accepted"
}

func (p *Poller) sweepRefunds(ctx context.Context, now time.Time, stats *PollStats) error {
	before := now.Add(-p.opts.Window)

	// A pending refund past the window was created but never submitted, e.g.
	// the process died between the two steps.
	pending, err := p.deps.Refunds.ListStale(ctx, models.RefundPending, before, p.opts.BatchSize)
	if err != nil {
		return err
	}
	for _, r := range pending {
		stats.Refunds++
		if _, err := p.refunds.Process(ctx, r.ID); err != nil {
			stats.Errors++
			telemetry.WithTrace(ctx).Warn("Failed to resume pending refund",
				zap.String("refund_id", r.ID), zap.Error(err))
		}
	}

	processing, err := p.deps.Refunds.ListStale(ctx, models.RefundProcessing, before, p.opts.BatchSize)
	if err != nil {
		return err
	}
	stale := map[models.Provider]int{}
	for _, prov := range p.deps.Providers.Providers() {
		stale[prov] = 0
	}
	for _, r := range processing {
		stats.Refunds++
		result := p.pollRefund(ctx, r, stats)
		if result == "stale" {
			stale[r.Provider]++
		}
		telemetry.PollOutcomes.WithLabelValues(models.SubjectRefund, string(r.Provider), result).Inc()
	}
	for prov, n := range stale {
		telemetry.StaleRefunds.WithLabelValues(string(prov)).Set(float64(n))
	}
	return nil
}

func (p *Poller) pollRefund(ctx context.Context, r *models.Refund, stats *PollStats) string {
	log := telemetry.WithTrace(ctx).With(zap.String("refund_id", r.ID), zap.String("provider", string(r.Provider)))

	checker, ok := p.deps.Providers.RefundStatusChecker(r.Provider)
	if !ok {
		// Only the result callback can resolve it.
		stats.Stale++
		log.Warn("Refund still processing with no way to look it up",
			zap.Time("updated_at", r.UpdatedAt))
		return "stale"
	}

	pay, err := p.deps.Payments.GetByID(ctx, r.PaymentID)
	if err != nil {
		stats.Errors++
		log.Error("Failed to load refunded payment", zap.Error(err))
		return "error"
	}
	st, err := checker.RefundStatus(ctx, r, pay)
	if err != nil {
		p.deps.snapshot(ctx, r.Provider, models.SubjectRefund, r.ID, models.SnapshotStatusPoll, rawOf(err))
		stats.Errors++
		log.Warn("Refund status lookup failed", zap.Error(err))
		return "error"
	}
	p.deps.snapshot(ctx, r.Provider, models.SubjectRefund, r.ID, models.SnapshotStatusPoll, st.Raw)

	var c refundChange
	switch st.State {
	case provider.StateSucceeded:
		c = refundChange{Event: models.RefundConfirmed, TransactionID: st.Receipt}
	case provider.StateFailed:
		c = refundChange{Event: models.RefundDeclined, Reason: reasonOf(st.ReasonCode, st.Reason)}
	default:
		return "pending"
	}
	applied, err := p.deps.applyRefund(ctx, r, c)
	if err != nil {
		stats.Errors++
		log.Error("Failed to apply refund status", zap.Error(err))
		return "error"
	}
	if !applied {
		return "ignored"
	}
	stats.Resolved++
	return "resolved"
}
