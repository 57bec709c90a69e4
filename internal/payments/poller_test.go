package payments

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/payment-gateway/internal/lock"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

var pollerOpts = PollerOptions{Window: 2 * time.Minute, ExpireAfter: 24 * time.Hour, BatchSize: 10}

func newPoller(e *env, l interfaces.Locker) *Poller {
	return NewPoller(e.deps, NewReconciler(e.deps), NewRefundExecutor(e.deps), l, pollerOpts)
}

func TestPoller_NoProviderRecordTimesOut(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")
	e.fake.status = func(context.Context, *models.Payment) (*provider.StatusResult, error) {
		return &provider.StatusResult{State: provider.StateNotFound}, nil
	}
	poller := newPoller(e, lock.Noop{})

	// Inside the window nothing is checked.
	stats, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Checked)

	e.clock.Advance(3 * time.Minute)
	stats, err = poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, 1, stats.TimedOut)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimedOut, got.Status)
	assert.Equal(t, models.ReasonNoProviderRecord, *got.FailureReason)
}

func TestPoller_PendingIsKeptUntilExpiry(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")
	e.fake.status = func(context.Context, *models.Payment) (*provider.StatusResult, error) {
		return &provider.StatusResult{State: provider.StatePending}, nil
	}
	poller := newPoller(e, lock.Noop{})

	e.clock.Advance(10 * time.Minute)
	_, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingConfirmation, got.Status)

	e.clock.Advance(24 * time.Hour)
	_, err = poller.RunOnce(context.Background())
	require.NoError(t, err)
	got, err = e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimedOut, got.Status)
	assert.Equal(t, models.ReasonUnresolvedAfterExpiry, *got.FailureReason)
}

func TestPoller_AppliesProviderOutcome(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")
	e.fake.status = func(context.Context, *models.Payment) (*provider.StatusResult, error) {
		return &provider.StatusResult{State: provider.StateSucceeded, Receipt: "NLJ7RT61SV"}, nil
	}

	e.clock.Advance(3 * time.Minute)
	stats, err := newPoller(e, lock.Noop{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, "NLJ7RT61SV", *got.ProviderReceipt)
}

func TestPoller_LookupErrorsNeverFail(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")
	e.fake.status = func(context.Context, *models.Payment) (*provider.StatusResult, error) {
		return nil, apperr.New(apperr.TransientNetworkFailure, "provider unavailable")
	}

	e.clock.Advance(48 * time.Hour)
	stats, err := newPoller(e, lock.Noop{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingConfirmation, got.Status)
}

func TestPoller_SkipsLockedPayments(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")
	e.fake.status = func(context.Context, *models.Payment) (*provider.StatusResult, error) {
		t.Fatal("locked payment must not be looked up")
		return nil, nil
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	locker := lock.NewRedisLocker(client, "payment_poll_lock:")
	ok, err := locker.TryLock(context.Background(), p.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	e.clock.Advance(3 * time.Minute)
	stats, err := newPoller(e, locker).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Contended)
	assert.Zero(t, stats.Checked)
}

func TestPoller_ReleasesLock(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := awaitingPayment(t, e, "BOOKING-1")
	e.fake.status = func(context.Context, *models.Payment) (*provider.StatusResult, error) {
		return &provider.StatusResult{State: provider.StatePending}, nil
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	e.clock.Advance(3 * time.Minute)
	_, err := newPoller(e, lock.NewRedisLocker(client, "payment_poll_lock:")).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, mr.Exists("payment_poll_lock:"+p.ID))
}

func TestPoller_StaleRefundWithoutLookupIsNeverFailed(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := succeededPayment(t, e, "BOOKING-1")
	e.fake.refund = func(context.Context, provider.RefundRequest) (*provider.RefundResult, error) {
		return &provider.RefundResult{CorrelationID: "AG_R1"}, nil
	}
	exec := NewRefundExecutor(e.deps)
	r, err := exec.CreateRefund(context.Background(), p.ID, decimal.NewFromInt(200), "")
	require.NoError(t, err)
	_, err = exec.Process(context.Background(), r.ID)
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	stats, err := newPoller(e, lock.Noop{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stale)
	assert.Equal(t, float64(1), testutil.ToFloat64(telemetry.StaleRefunds.WithLabelValues(string(models.ProviderMpesa))))

	got, err := e.deps.Refunds.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessing, got.Status)
}

func TestPoller_ResolvesRefundThroughLookup(t *testing.T) {
	impl := &refundLookup{fakeProvider: &fakeProvider{}}
	impl.refundStatus = func(context.Context, *models.Refund, *models.Payment) (*provider.StatusResult, error) {
		return &provider.StatusResult{State: provider.StateSucceeded, Receipt: "REV-1"}, nil
	}
	e := setup(t, impl)
	p := succeededPayment(t, e, "BOOKING-1")
	e.fake.refund = func(context.Context, provider.RefundRequest) (*provider.RefundResult, error) {
		return &provider.RefundResult{CorrelationID: "track-1"}, nil
	}
	exec := NewRefundExecutor(e.deps)
	r, err := exec.CreateRefund(context.Background(), p.ID, decimal.NewFromInt(200), "")
	require.NoError(t, err)
	_, err = exec.Process(context.Background(), r.ID)
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	_, err = newPoller(e, lock.Noop{}).RunOnce(context.Background())
	require.NoError(t, err)

	got, err := e.deps.Refunds.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundSucceeded, got.Status)
	assert.Equal(t, "REV-1", *got.TransactionID)
}

func TestPoller_ResumesAbandonedPendingRefund(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := succeededPayment(t, e, "BOOKING-1")
	e.fake.refund = func(context.Context, provider.RefundRequest) (*provider.RefundResult, error) {
		return &provider.RefundResult{CorrelationID: "AG_R1"}, nil
	}
	r, err := NewRefundExecutor(e.deps).CreateRefund(context.Background(), p.ID, decimal.NewFromInt(200), "")
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	_, err = newPoller(e, lock.Noop{}).RunOnce(context.Background())
	require.NoError(t, err)

	got, err := e.deps.Refunds.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessing, got.Status)
	assert.Equal(t, "AG_R1", got.CorrelationID)
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	e := setup(t, &fakeProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	poller := NewPoller(e.deps, NewReconciler(e.deps), NewRefundExecutor(e.deps), lock.Noop{},
		PollerOptions{Window: time.Minute, ExpireAfter: time.Hour, Interval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_InconclusiveLookupsDoNotStarveBacklog(t *testing.T) {
	cases := map[string]func() (*provider.StatusResult, error){
		"pending": func() (*provider.StatusResult, error) {
			return &provider.StatusResult{State: provider.StatePending}, nil
		},
		"lookup error": func() (*provider.StatusResult, error) {
			return nil, apperr.New(apperr.TransientNetworkFailure, "provider unavailable")
		},
	}
	for name, stuck := range cases {
		t.Run(name, func(t *testing.T) {
			e := setup(t, &fakeProvider{})
			head := awaitingPayment(t, e, "PAYOUT-1")
			e.clock.Advance(time.Second)
			charge := awaitingPayment(t, e, "BOOKING-1")
			e.fake.status = func(_ context.Context, p *models.Payment) (*provider.StatusResult, error) {
				if p.Reference == head.Reference {
					return stuck()
				}
				return &provider.StatusResult{State: provider.StateNotFound}, nil
			}

			opts := pollerOpts
			opts.BatchSize = 1
			poller := NewPoller(e.deps, NewReconciler(e.deps), NewRefundExecutor(e.deps), lock.Noop{}, opts)
			for i := 0; i < 20; i++ {
				e.clock.Advance(30 * time.Second)
				_, err := poller.RunOnce(context.Background())
				require.NoError(t, err)
			}

			got, err := e.deps.Payments.GetByID(context.Background(), charge.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusTimedOut, got.Status)
			assert.Equal(t, models.ReasonNoProviderRecord, *got.FailureReason)

			got, err = e.deps.Payments.GetByID(context.Background(), head.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusAwaitingConfirmation, got.Status)
		})
	}
}

// strandedPayment stores a payment as initiation leaves it before the
// provider's answer is recorded.
func strandedPayment(t *testing.T, e *env, ref string) *models.Payment {
	t.Helper()
	now := e.clock.Now()
	p := &models.Payment{
		ID:        "pay-" + ref,
		Provider:  models.ProviderMpesa,
		Purpose:   models.PurposeCharge,
		Reference: ref,
		Amount:    decimal.NewFromInt(500),
		Currency:  "KES",
		Phone:     "254712345678",
		Status:    models.StatusInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.deps.Payments.Create(context.Background(), p))
	return p
}

func TestPoller_TimesOutStrandedInitiatedPayment(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := strandedPayment(t, e, "BOOKING-1")
	e.fake.status = func(_ context.Context, pay *models.Payment) (*provider.StatusResult, error) {
		require.Empty(t, pay.CheckoutRequestID)
		return &provider.StatusResult{State: provider.StateNotFound}, nil
	}
	poller := newPoller(e, lock.Noop{})

	stats, err := poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Checked)

	e.clock.Advance(3 * time.Minute)
	stats, err = poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TimedOut)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimedOut, got.Status)
	assert.Equal(t, models.ReasonNoProviderRecord, *got.FailureReason)
	assert.Equal(t, []string{"initiated>timed_out"}, e.pub.payments)
}

func TestPoller_ResolvesStrandedPaymentTheProviderKnows(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := strandedPayment(t, e, "BOOKING-1")
	e.fake.status = func(context.Context, *models.Payment) (*provider.StatusResult, error) {
		return &provider.StatusResult{State: provider.StateSucceeded, Receipt: "NLJ7RT61SV"}, nil
	}

	e.clock.Advance(3 * time.Minute)
	stats, err := newPoller(e, lock.Noop{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, "NLJ7RT61SV", *got.ProviderReceipt)
	assert.Equal(t, []string{"initiated>awaiting_confirmation", "awaiting_confirmation>succeeded"}, e.pub.payments)
}

func TestPoller_TracksStrandedPaymentStillPending(t *testing.T) {
	e := setup(t, &fakeProvider{})
	p := strandedPayment(t, e, "BOOKING-1")
	e.fake.status = func(context.Context, *models.Payment) (*provider.StatusResult, error) {
		return &provider.StatusResult{State: provider.StatePending}, nil
	}

	e.clock.Advance(3 * time.Minute)
	_, err := newPoller(e, lock.Noop{}).RunOnce(context.Background())
	require.NoError(t, err)

	got, err := e.deps.Payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingConfirmation, got.Status)
}
